// Package transfer implements the upload and download state machines:
// negotiating a transfer over a peer's message connection, then
// streaming the file body over a dedicated transfer connection
// throttled by a ratelimit.TokenBucket.
package transfer

// State is a transfer's position in its lifecycle, identical for
// upload and download: Queued, then Initializing, then Transferring,
// then one of the three terminal states.
type State int

const (
	Queued State = iota
	Initializing
	Transferring
	Completed
	Errored
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Initializing:
		return "Initializing"
	case Transferring:
		return "Transferring"
	case Completed:
		return "Completed"
	case Errored:
		return "Errored"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	return s == Completed || s == Errored || s == Cancelled
}
