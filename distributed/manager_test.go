package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/internal/testutil"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

type fakeNotifier struct {
	connectToPeer func(token int32, username string, connType protocol.ConnType) error
}

func (f *fakeNotifier) SendConnectToPeer(token int32, username string, connType protocol.ConnType) error {
	if f.connectToPeer != nil {
		return f.connectToPeer(token, username, connType)
	}
	return nil
}
func (f *fakeNotifier) SetHaveNoParent(bool) error { return nil }
func (f *fakeNotifier) SetParentIP([4]byte) error  { return nil }
func (f *fakeNotifier) SetBranchLevel(int32) error { return nil }
func (f *fakeNotifier) SetBranchRoot(string) error { return nil }

type fakePeerMessenger struct {
	conns map[string]*transport.MessageConnection
}

func (f *fakePeerMessenger) GetOrAddMessageConnection(ctx context.Context, username, endpoint string) (*transport.MessageConnection, error) {
	mc, ok := f.conns[username]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return mc, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MessageTimeout = 200 * time.Millisecond
	opts.GracePeriod = time.Hour // keep self-promotion out of the way of establishment tests
	return opts
}

func connectedChildPair(t *testing.T) (*transport.MessageConnection, *transport.MessageConnection) {
	t.Helper()
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	client := transport.New(transport.KindDistributedMessage, transport.DefaultOptions(), diagnostics.NewDefaultLogger("test"))
	if err := client.Connect(context.Background(), addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	serverConn := <-accepted

	serverSide := transport.Accepted(transport.KindIncoming, serverConn, transport.DefaultOptions(), diagnostics.NewDefaultLogger("test"))
	clientMC := transport.NewMessageConnection(client)
	serverMC := transport.NewMessageConnection(serverSide)
	return clientMC, serverMC
}

func TestManager_SearchRequestDedupAndForward(t *testing.T) {
	defer goleak.VerifyNone(t)

	waiters := waiter.NewRegistry()
	notifier := &fakeNotifier{}
	type resolution struct {
		user  string
		token int32
		query string
	}
	resolved := make(chan resolution, 1)
	caps := Capabilities{
		SearchResponseResolver: func(ctx context.Context, requester string, token int32, query string) (*SearchResult, error) {
			resolved <- resolution{requester, token, query}
			return &SearchResult{Files: []protocol.FileRecord{{Filename: "a.flac", Size: 10}}}, nil
		},
	}
	bobMC, bobServerSide := connectedChildPair(t)
	defer bobMC.Close(nil)
	defer bobServerSide.Close(nil)
	peers := &fakePeerMessenger{conns: map[string]*transport.MessageConnection{"bob": bobServerSide}}

	m := NewManager("me", notifier, peers, waiters, caps, testOptions(), diagnostics.NewDefaultLogger("test"), nil)
	defer m.Close()

	c1Local, c1Remote := connectedChildPair(t)
	defer c1Local.Close(nil)
	c2Local, c2Remote := connectedChildPair(t)
	defer c2Local.Close(nil)

	if err := m.AdoptChildConnection("child1", c1Remote); err != nil {
		t.Fatalf("adopt child1: %v", err)
	}
	if err := m.AdoptChildConnection("child2", c2Remote); err != nil {
		t.Fatalf("adopt child2: %v", err)
	}
	// drain the initial BranchLevel/BranchRoot frames sent to each child.
	<-c1Local.Received()
	<-c1Local.Received()
	<-c2Local.Received()
	<-c2Local.Received()

	frame := protocol.EncodeSearchRequest(protocol.SearchRequestMessage{Username: "bob", Token: 42, Query: "flac"})
	m.handleSearchRequest(context.Background(), "parent-conn", frame, mustDecode(t, frame))
	m.handleSearchRequest(context.Background(), "parent-conn", frame, mustDecode(t, frame))

	select {
	case got := <-resolved:
		if got.user != "bob" || got.token != 42 || got.query != "flac" {
			t.Fatalf("unexpected resolver call: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("resolver was never invoked")
	}
	select {
	case <-resolved:
		t.Fatalf("resolver invoked twice for a deduplicated retransmit")
	case <-time.After(100 * time.Millisecond):
	}

	for _, child := range []*transport.MessageConnection{c1Local, c2Local} {
		select {
		case got := <-child.Received():
			if _, err := protocol.Decode(got); err != nil {
				t.Fatalf("child received malformed frame: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("child never received forwarded SearchRequest")
		}
		select {
		case <-child.Received():
			t.Fatalf("child received a second, deduplicated broadcast")
		case <-time.After(100 * time.Millisecond):
		}
	}

	select {
	case got := <-bobMC.Received():
		r, err := protocol.Decode(got)
		if err != nil {
			t.Fatalf("decode search response: %v", err)
		}
		if r.Code != protocol.SearchResponse {
			t.Fatalf("expected SearchResponse code, got %d", r.Code)
		}
	case <-time.After(time.Second):
		t.Fatalf("bob never received a SearchResponse")
	}
}

func mustDecode(t *testing.T, frame []byte) *protocol.Reader {
	t.Helper()
	r, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return r
}

func TestManager_ChildLimitEnforcement(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()
	notifier := &fakeNotifier{}
	peers := &fakePeerMessenger{conns: map[string]*transport.MessageConnection{}}

	opts := testOptions()
	opts.ChildLimit = 2
	m := NewManager("me", notifier, peers, waiters, Capabilities{}, opts, diagnostics.NewDefaultLogger("test"), nil)
	defer m.Close()

	accepted := 0
	var conns []*transport.MessageConnection
	for i := 0; i < 5; i++ {
		local, remote := connectedChildPair(t)
		conns = append(conns, local)
		if err := m.AdoptChildConnection(testutil.FakeUsername(i), remote); err == nil {
			accepted++
			<-local.Received()
			<-local.Received()
		} else {
			remote.Close(err)
		}
	}
	for _, c := range conns {
		defer c.Close(nil)
	}

	if accepted != 2 {
		t.Fatalf("expected exactly 2 accepted children, got %d", accepted)
	}
	if m.ChildCount() != 2 {
		t.Fatalf("expected ChildCount()==2, got %d", m.ChildCount())
	}
}

func TestManager_SeekParentDirectEstablishment(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	waiters := waiter.NewRegistry()
	notifier := &fakeNotifier{}
	peers := &fakePeerMessenger{conns: map[string]*transport.MessageConnection{}}
	m := NewManager("me", notifier, peers, waiters, Capabilities{}, testOptions(), diagnostics.NewDefaultLogger("test"), nil)
	defer m.Close()

	host, port := testutil.SplitHostPort(t, addr)
	candidate := protocol.NetInfoEntry{Username: "parentuser", IP: host, Port: port}

	m.SeekParent(context.Background(), []protocol.NetInfoEntry{candidate})

	serverSide := <-accepted
	defer serverSide.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.hasParent() {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.hasParent() {
		t.Fatalf("expected a parent to be established")
	}
}

type fakeResponseStore struct {
	added chan []byte
}

func (f *fakeResponseStore) Add(username string, frame []byte) {
	f.added <- frame
}

func TestManager_ParksSearchResponseWhenRequesterUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t)

	waiters := waiter.NewRegistry()
	notifier := &fakeNotifier{}
	store := &fakeResponseStore{added: make(chan []byte, 1)}
	caps := Capabilities{
		SearchResponseResolver: func(ctx context.Context, requester string, token int32, query string) (*SearchResult, error) {
			return &SearchResult{Files: []protocol.FileRecord{{Filename: "b.flac", Size: 5}}}, nil
		},
		SearchResponses: store,
	}
	// No connection on record for bob, so delivery must fail and park.
	peers := &fakePeerMessenger{conns: map[string]*transport.MessageConnection{}}

	m := NewManager("me", notifier, peers, waiters, caps, testOptions(), diagnostics.NewDefaultLogger("test"), nil)
	defer m.Close()

	frame := protocol.EncodeSearchRequest(protocol.SearchRequestMessage{Username: "bob", Token: 7, Query: "flac"})
	m.handleSearchRequest(context.Background(), "parent-conn", frame, mustDecode(t, frame))

	select {
	case parked := <-store.added:
		r, err := protocol.Decode(parked)
		if err != nil || r.Code != protocol.SearchResponse {
			t.Fatalf("expected a parked SearchResponse frame, got code %d err %v", r.Code, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("undeliverable response was never parked")
	}
}
