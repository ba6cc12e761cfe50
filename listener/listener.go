package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// Listener binds the client's single inbound port and classifies every accepted socket before handing it off to
// the peer or distributed manager. It owns the accept loop goroutine
// plus one classification goroutine per accepted socket; Stop closes
// the socket and waits for all of them.
type Listener struct {
	peers       PeerSink
	distributed DistributedSink
	waiters     *waiter.Registry
	opts        transport.Options
	log         diagnostics.Logger
	sink        diagnostics.Sink

	mu      sync.Mutex
	ln      net.Listener
	port    int
	cancel  context.CancelFunc
	stopped chan struct{}

	wg sync.WaitGroup
}

// New constructs a Listener. peers and distributed must be non-nil;
// sink may be nil, in which case events are dropped.
func New(peers PeerSink, distributed DistributedSink, waiters *waiter.Registry, opts transport.Options, log diagnostics.Logger, sink diagnostics.Sink) *Listener {
	if sink == nil {
		sink = diagnostics.NullSink{}
	}
	return &Listener{
		peers:       peers,
		distributed: distributed,
		waiters:     waiters,
		opts:        opts,
		log:         log,
		sink:        sink,
	}
}

// Start binds port and begins accepting connections in a background
// goroutine. port must fall within the conventional Soulseek listening
// range; 0 is rejected since the client must advertise a
// concrete port to the server via SetListenPort.
func (l *Listener) Start(port int) error {
	if port < 1024 || port > 65535 {
		return ErrInvalidPort
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listener: bind port %d: %w", port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.ln = ln
	l.port = port
	l.cancel = cancel
	l.stopped = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)

	l.log.Infof("listener: bound port %d", port)
	return nil
}

// Port returns the currently bound port, or 0 if not started.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.log.Warnf("listener: accept error: %v", err)
				return
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			c := transport.Accepted(transport.KindIncoming, conn, l.opts, l.log)
			classify(c, l.peers, l.distributed, l.waiters, l.log, l.sink)
		}()
	}
}

// Stop closes the listening socket and waits for the accept loop and
// every in-flight classification goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	l.wg.Wait()
}
