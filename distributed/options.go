package distributed

import (
	"time"

	"github.com/soulseek-go/soulseek/transport"
)

// Options configures a Manager.
type Options struct {
	ConnectionOptions transport.Options
	MessageTimeout     time.Duration
	ChildLimit         int
	AcceptChildren     bool
	Deduplicate        bool
	// DedupWindow, when > 1, swaps the single-last-hash dedup field for
	// a bounded LRU of that size. 0 or 1 keeps the single-hash behavior
	// the protocol expects for back-to-back retransmits.
	DedupWindow int
	// ParentBackoffBase/Max bound the exponential backoff between
	// NetInfo-driven reconnect attempts for a flapping parent candidate
	//.
	ParentBackoffBase time.Duration
	ParentBackoffMax  time.Duration
	// GracePeriod is how long the manager waits with no parent before
	// self-promoting to branch root.
	GracePeriod time.Duration
	// StartingToken seeds this manager's solicitation-token counter
	//. A real client wires the same
	// shared counter into both peer.Manager and distributed.Manager at
	// the facade layer (out of scope here); used standalone, each
	// manager simply starts counting from this value.
	StartingToken int32
}

func DefaultOptions() Options {
	return Options{
		ConnectionOptions: transport.DefaultOptions(),
		MessageTimeout:    5 * time.Second,
		ChildLimit:        10,
		AcceptChildren:    true,
		Deduplicate:       true,
		ParentBackoffBase: 500 * time.Millisecond,
		ParentBackoffMax:  30 * time.Second,
		GracePeriod:       10 * time.Second,
		StartingToken:     1,
	}
}
