package protocol

// ConnType tags the purpose of a direct outbound connection, sent as
// the first PeerInit field. "P" is a peer message connection, "F" a
// file transfer connection, "D" a distributed child connection.
type ConnType string

const (
	ConnTypePeerMessage   ConnType = "P"
	ConnTypeFileTransfer  ConnType = "F"
	ConnTypeDistributed   ConnType = "D"
)

// InitCode distinguishes the two possible first messages on a freshly
// accepted, not-yet-classified connection.
type InitCode uint32

const (
	InitPierceFirewall InitCode = 0
	InitPeerInit       InitCode = 1
)

// PeerInit is the first message on a direct outbound connection,
// identifying the sender and the connection's purpose.
type PeerInit struct {
	Username       string
	ConnectionType ConnType
	Token          int32
}

func EncodePeerInit(m PeerInit) []byte {
	return NewWriter(MessageCode(InitPeerInit)).
		WriteString(m.Username).
		WriteString(string(m.ConnectionType)).
		WriteInt32(m.Token).
		Finish()
}

func DecodePeerInit(r *Reader) (PeerInit, error) {
	var m PeerInit
	var err error
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	ct, err := r.ReadString()
	if err != nil {
		return m, err
	}
	m.ConnectionType = ConnType(ct)
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	return m, nil
}

// PierceFirewall is the first message on an indirect connection,
// carrying the solicitation token that identifies the pending request
// it satisfies.
type PierceFirewall struct {
	Token int32
}

func EncodePierceFirewall(m PierceFirewall) []byte {
	return NewWriter(MessageCode(InitPierceFirewall)).WriteInt32(m.Token).Finish()
}

func DecodePierceFirewall(r *Reader) (PierceFirewall, error) {
	var m PierceFirewall
	var err error
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	return m, nil
}

// ConnectToPeerRequest is sent to the server to solicit an indirect
// connection from a peer that cannot be reached directly.
type ConnectToPeerRequest struct {
	Token          int32
	Username       string
	ConnectionType ConnType
}

func EncodeConnectToPeer(m ConnectToPeerRequest) []byte {
	return NewWriter(ConnectToPeer).
		WriteInt32(m.Token).
		WriteString(m.Username).
		WriteString(string(m.ConnectionType)).
		Finish()
}

func DecodeConnectToPeerBody(r *Reader) (ConnectToPeerRequest, error) {
	var m ConnectToPeerRequest
	var err error
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	ct, err := r.ReadString()
	if err != nil {
		return m, err
	}
	m.ConnectionType = ConnType(ct)
	return m, nil
}
