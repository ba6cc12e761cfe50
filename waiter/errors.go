package waiter

import "errors"

var (
	// ErrTimeout is returned when a wait's deadline elapses before a
	// matching complete() call arrives.
	ErrTimeout = errors.New("waiter: timed out")

	// ErrCanceled is returned when a wait is explicitly canceled, or
	// when cancelAll() fires on shutdown.
	ErrCanceled = errors.New("waiter: canceled")

	// ErrKeyCollision is returned to the second concurrent wait() call
	// registered under the same structural Key.
	ErrKeyCollision = errors.New("waiter: key already has a pending wait")
)
