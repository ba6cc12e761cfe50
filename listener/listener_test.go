package listener

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

type fakeSink struct {
	mu     sync.Mutex
	events []diagnostics.Event
}

func (f *fakeSink) Emit(e diagnostics.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) hasMessageContaining(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

type solicitation struct {
	username string
	connType protocol.ConnType
}

type fakePeerSink struct {
	mu            sync.Mutex
	messageConns  map[string]*transport.MessageConnection
	transferConns map[string]net.Conn
	solicitations map[int32]solicitation
}

func newFakePeerSink() *fakePeerSink {
	return &fakePeerSink{
		messageConns:  make(map[string]*transport.MessageConnection),
		transferConns: make(map[string]net.Conn),
		solicitations: make(map[int32]solicitation),
	}
}

func (f *fakePeerSink) AdoptMessageConnection(username string, mc *transport.MessageConnection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageConns[username] = mc
}

func (f *fakePeerSink) AdoptTransferConnection(username string, token int32, socket net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferConns[username] = socket
}

func (f *fakePeerSink) ResolveSolicitation(token int32) (string, protocol.ConnType, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.solicitations[token]
	if ok {
		delete(f.solicitations, token)
	}
	return s.username, s.connType, ok
}

func (f *fakePeerSink) addSolicitation(token int32, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solicitations[token] = solicitation{username: username, connType: protocol.ConnTypePeerMessage}
}

func (f *fakePeerSink) hasMessageConnection(username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.messageConns[username]
	return ok
}

type fakeDistributedSink struct{}

func (fakeDistributedSink) AdoptChildConnection(string, *transport.MessageConnection) error { return nil }
func (fakeDistributedSink) ResolveSolicitation(int32) (string, bool)                        { return "", false }

func TestListener_ClassifiesIncomingPeerMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	peers := newFakePeerSink()
	sink := &fakeSink{}
	log := diagnostics.NewDefaultLogger("test")
	waiters := waiter.NewRegistry()

	l := New(peers, fakeDistributedSink{}, waiters, transport.DefaultOptions(), log, sink)
	if err := l.Start(0); err == nil {
		t.Fatalf("expected rejection of port 0")
	}

	const port = 38412
	if err := l.Start(port); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:38412")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := protocol.EncodePeerInit(protocol.PeerInit{
		Username:       "alice",
		ConnectionType: protocol.ConnTypePeerMessage,
		Token:          0,
	})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if peers.hasMessageConnection("alice") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !peers.hasMessageConnection("alice") {
		t.Fatalf("expected peer manager to have adopted a message connection for alice")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.hasMessageContaining("handed off") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sink.hasMessageContaining("handed off") {
		t.Fatalf("expected a 'handed off' diagnostic event")
	}
}

func TestListener_FirewallPiercedConnectionResolvesWaiter(t *testing.T) {
	defer goleak.VerifyNone(t)

	peers := newFakePeerSink()
	log := diagnostics.NewDefaultLogger("test")
	waiters := waiter.NewRegistry()

	l := New(peers, fakeDistributedSink{}, waiters, transport.DefaultOptions(), log, diagnostics.NullSink{})

	const port = 38413
	if err := l.Start(port); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	const token int32 = 77
	peers.addSolicitation(token, "carol")

	key := waiter.New(waiter.NamespaceSolicitedPeerConnection, "carol", token)
	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := waiters.Wait(context.Background(), key, 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:38413")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := protocol.EncodePierceFirewall(protocol.PierceFirewall{Token: token})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case v := <-resultCh:
		mc, ok := v.(*transport.MessageConnection)
		if !ok {
			t.Fatalf("expected *transport.MessageConnection, got %T", v)
		}
		mc.Close(nil)
	case err := <-errCh:
		t.Fatalf("wait failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pierced connection to resolve the waiter")
	}

	if _, _, ok := peers.ResolveSolicitation(token); ok {
		t.Fatalf("expected solicitation table to be empty after resolution")
	}
}
