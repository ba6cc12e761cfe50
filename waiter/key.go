// Package waiter implements the promise table that correlates an
// asynchronous request with the response that eventually arrives on a
// demultiplexed connection. Callers register a structural key before
// sending, then wait for the handler that eventually observes the
// matching message to complete it.
package waiter

import "fmt"

// Namespace tags which kind of wait a Key belongs to. Most namespaces
// correspond 1:1 with a protocol.MessageCode; a handful are synthetic,
// used for conditions that are not a single message arriving.
type Namespace string

const (
	NamespaceLogin                         Namespace = "Login"
	NamespaceGetPeerAddress                Namespace = "GetPeerAddress"
	NamespaceSolicitedPeerConnection       Namespace = "SolicitedPeerConnection"
	NamespaceSolicitedDistributedConn      Namespace = "SolicitedDistributedConnection"
	NamespaceIncomingTransfer              Namespace = "IncomingTransfer"
	NamespaceChildDepthMessage             Namespace = "ChildDepthMessage"
	NamespaceIndirectConnection            Namespace = "IndirectConnection"
	NamespacePeerTransferResponse          Namespace = "PeerTransferResponse"
	NamespaceFolderContentsResponse        Namespace = "FolderContentsResponse"
	NamespacePlaceInQueueResponse          Namespace = "PlaceInQueueResponse"
	NamespaceUserInfoResponse              Namespace = "UserInfoResponse"
	NamespaceSharesResponse                Namespace = "SharesResponse"
	NamespaceAddUser                       Namespace = "AddUser"
	NamespaceGetUserStatus                 Namespace = "GetUserStatus"
	NamespaceCheckPrivileges               Namespace = "CheckPrivileges"
)

// Key is an ordered tuple (namespace, discriminants...). Two Keys are
// equal when their namespace and discriminant strings are all equal —
// structural equality, never identity. Discriminants are stringified
// by the caller (usually a username and/or a token) so Key can be used
// as a map key directly.
type Key struct {
	Namespace     Namespace
	Discriminants string
}

// New builds a Key from a namespace and an arbitrary number of
// discriminant values, formatted positionally so that, e.g.,
// New(NamespaceSolicitedPeerConnection, "alice", 7) and
// New(NamespaceSolicitedPeerConnection, "alice", 7) are structurally
// equal regardless of which goroutine constructed them.
func New(namespace Namespace, discriminants ...interface{}) Key {
	s := ""
	for i, d := range discriminants {
		if i > 0 {
			s += "\x1f"
		}
		s += fmt.Sprint(d)
	}
	return Key{Namespace: namespace, Discriminants: s}
}

func (k Key) String() string {
	if k.Discriminants == "" {
		return string(k.Namespace)
	}
	return string(k.Namespace) + "(" + k.Discriminants + ")"
}
