package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgressFunc receives a progress event at ≤ Options.ProgressInterval
// cadence while a Transfer is in the Transferring state.
type ProgressFunc func(Progress)

// Progress is the payload delivered to a ProgressFunc.
type Progress struct {
	BytesTransferred int64
	ElapsedMs        int64
	State            State
}

// Transfer is the handle returned immediately by Engine.Upload and
// Engine.Download: the transfer runs on an owned goroutine; callers observe
// it via Wait, State, and the ProgressFunc they supplied.
type Transfer struct {
	Username string
	Filename string
	Token    int32
	Size     int64

	state   int32 // atomic State
	done    chan struct{}
	err     error
	started time.Time

	cancel func()

	mu sync.Mutex
}

func newTransfer(username, filename string, token int32, size int64, cancel func()) *Transfer {
	return &Transfer{
		Username: username,
		Filename: filename,
		Token:    token,
		Size:     size,
		state:    int32(Queued),
		done:     make(chan struct{}),
		started:  time.Now(),
		cancel:   cancel,
	}
}

// State returns the transfer's current position in the state machine.
func (t *Transfer) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Transfer) setState(s State) {
	atomic.StoreInt32(&t.state, int32(s))
}

// Cancel requests that the transfer stop at its next suspension point.
func (t *Transfer) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Wait blocks until the transfer reaches a terminal state and returns
// its error, if any.
func (t *Transfer) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done reports whether the transfer has reached a terminal state,
// non-blocking.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

func (t *Transfer) finish(s State, err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.setState(s)
	close(t.done)
}
