package server

import (
	"time"

	"github.com/soulseek-go/soulseek/transport"
)

// Options configures a Session. The
// server connection is always constructed with InactivityTimeout
// suppressed regardless of what ConnectionOptions carries, since a
// long-lived idle server socket between keepalives is expected, not an
// error condition.
type Options struct {
	ConnectionOptions transport.Options
	MessageTimeout    time.Duration
	KeepaliveInterval time.Duration

	// ClientVersion is sent verbatim in the Login request.
	ClientVersion uint32
	// MinimumSupportedVersion gates login client-side before any bytes
	// reach the wire. It is parsed by hashicorp/go-version as a plain
	// version (e.g. "155"); a ClientVersion below it fails Login with
	// ErrUnsupportedVersion. Constraint expressions such as ">= 155" are
	// rejected as invalid. Empty disables the check.
	MinimumSupportedVersion string

	// AutoAcknowledgePrivateMessages and
	// AutoAcknowledgePrivilegeNotifications control whether the session
	// acks those messages on receipt; without the ack the server keeps
	// redelivering them.
	AutoAcknowledgePrivateMessages        bool
	AutoAcknowledgePrivilegeNotifications bool

	// AcceptPrivateRoomInvitations, when set, toggles server-side
	// private-room membership acceptance on right after login.
	AcceptPrivateRoomInvitations bool
}

// DefaultOptions uses the conventional 5-second reply timeout and
// 30-second keepalive.
func DefaultOptions() Options {
	opts := transport.DefaultOptions()
	opts.InactivityTimeout = 0
	return Options{
		ConnectionOptions: opts,
		MessageTimeout:    5 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		ClientVersion:     157,

		AutoAcknowledgePrivateMessages:        true,
		AutoAcknowledgePrivilegeNotifications: true,
	}
}
