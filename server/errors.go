package server

import "errors"

var (
	ErrNotLoggedIn        = errors.New("server: not logged in")
	ErrAlreadyLoggedIn    = errors.New("server: already logged in")
	ErrUnsupportedVersion = errors.New("server: client version does not satisfy minimum supported version")
)

// LoginFailed carries the server's own rejection reason for a failed
// Login.
type LoginFailed struct {
	Reason string
}

func (e *LoginFailed) Error() string { return "server: login failed: " + e.Reason }
