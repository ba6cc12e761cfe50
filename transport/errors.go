package transport

import "errors"

var (
	ErrConnectionTimeout = errors.New("transport: connect timed out")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrInactivityTimeout = errors.New("transport: inactivity timeout")
	ErrTerminal          = errors.New("transport: connection is terminal, construct a new one")
)
