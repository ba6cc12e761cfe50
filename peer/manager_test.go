package peer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/internal/testutil"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

type fakeServerSender struct {
	onSend func(token int32, username string, connType protocol.ConnType) error
}

func (f *fakeServerSender) SendConnectToPeer(token int32, username string, connType protocol.ConnType) error {
	if f.onSend != nil {
		return f.onSend(token, username, connType)
	}
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MessageTimeout = 200 * time.Millisecond
	return opts
}

func TestManager_GetOrAddMessageConnection_DirectWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	waiters := waiter.NewRegistry()
	server := &fakeServerSender{onSend: func(int32, string, protocol.ConnType) error {
		// Indirect branch is deliberately never resolved; direct should win.
		return nil
	}}
	m := NewManager("me", server, waiters, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	mc, err := m.GetOrAddMessageConnection(context.Background(), "alice", addr)
	if err != nil {
		t.Fatalf("expected direct connection to succeed, got %v", err)
	}
	defer mc.Close(nil)

	server2 := <-accepted
	defer server2.Close()

	again, err := m.GetOrAddMessageConnection(context.Background(), "alice", addr)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again != mc {
		t.Fatalf("expected cached connection to be returned on second call")
	}
}

func TestManager_GetOrAddMessageConnection_IndirectWinsViaPierceFirewall(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()

	var capturedToken int32
	server := &fakeServerSender{onSend: func(token int32, username string, connType protocol.ConnType) error {
		capturedToken = token
		if username != "carol" || connType != protocol.ConnTypePeerMessage {
			t.Errorf("unexpected solicitation: %s %v", username, connType)
		}
		return nil
	}}
	m := NewManager("me", server, waiters, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	resultCh := make(chan *transport.MessageConnection, 1)
	errCh := make(chan error, 1)
	go func() {
		mc, err := m.GetOrAddMessageConnection(context.Background(), "carol", "")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- mc
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && capturedToken == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if capturedToken == 0 {
		t.Fatalf("expected server to have received a solicitation")
	}

	username, connType, ok := m.ResolveSolicitation(capturedToken)
	if !ok || username != "carol" || connType != protocol.ConnTypePeerMessage {
		t.Fatalf("expected outstanding solicitation for carol, got %v %v %v", username, connType, ok)
	}

	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	pierced := <-accepted

	c := transport.Accepted(transport.KindIncoming, pierced, transport.DefaultOptions(), diagnostics.NewDefaultLogger("test"))
	mc := transport.NewMessageConnection(c)
	waiters.Complete(waiter.New(waiter.NamespaceSolicitedPeerConnection, "carol", capturedToken), mc)

	select {
	case got := <-resultCh:
		got.Close(nil)
	case err := <-errCh:
		t.Fatalf("establishment failed: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for indirect establishment")
	}

	if _, _, ok := m.ResolveSolicitation(capturedToken); ok {
		t.Fatalf("expected solicitation table to be empty after resolution")
	}
}

func TestManager_AdoptTransferConnection_CompletesAwait(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()
	server := &fakeServerSender{}
	m := NewManager("me", server, waiters, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	resultCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := m.AwaitTransferConnection(context.Background(), "dave", 9)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- conn
	}()

	time.Sleep(20 * time.Millisecond)
	client, fake := net.Pipe()
	defer client.Close()
	m.AdoptTransferConnection("dave", 9, fake)

	select {
	case conn := <-resultCh:
		conn.Close()
	case err := <-errCh:
		t.Fatalf("await failed: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
}

func TestManager_EstablishmentFailsWhenBothBranchesFail(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()
	server := &fakeServerSender{onSend: func(int32, string, protocol.ConnType) error {
		return errors.New("server unreachable")
	}}
	opts := testOptions()
	opts.MessageTimeout = 50 * time.Millisecond
	m := NewManager("me", server, waiters, opts, diagnostics.NewDefaultLogger("test"), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // guaranteed refusal

	_, err = m.GetOrAddMessageConnection(context.Background(), "eve", addr)
	if err == nil {
		t.Fatalf("expected establishment to fail")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

// connectedPeerPair builds a loopback-backed message connection pair:
// the first return is the manager's side, the second the remote peer's.
func connectedPeerPair(t *testing.T) (*transport.MessageConnection, *transport.MessageConnection) {
	t.Helper()
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	client := transport.New(transport.KindPeerMessage, transport.DefaultOptions(), diagnostics.NewDefaultLogger("test"))
	if err := client.Connect(context.Background(), addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	serverConn := <-accepted
	serverSide := transport.Accepted(transport.KindIncoming, serverConn, transport.DefaultOptions(), diagnostics.NewDefaultLogger("test"))
	return transport.NewMessageConnection(client), transport.NewMessageConnection(serverSide)
}

type fixedResponseStore struct {
	frames map[string][][]byte
}

func (f *fixedResponseStore) Drain(username string) [][]byte {
	frames := f.frames[username]
	delete(f.frames, username)
	return frames
}

func TestManager_AdoptFlushesParkedSearchResponses(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()
	m := NewManager("me", &fakeServerSender{}, waiters, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	parked := protocol.EncodeSearchResponse(protocol.SearchResponseMessage{Username: "me", Token: 3})
	m.SetSearchResponseStore(&fixedResponseStore{frames: map[string][][]byte{
		"alice": {parked},
	}})

	managerSide, remote := connectedPeerPair(t)
	defer managerSide.Close(nil)
	defer remote.Close(nil)

	m.AdoptMessageConnection("alice", managerSide)

	select {
	case frame := <-remote.Received():
		r, err := protocol.Decode(frame)
		if err != nil || r.Code != protocol.SearchResponse {
			t.Fatalf("expected flushed SearchResponse, got code %d err %v", r.Code, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("parked response was never flushed")
	}
}

type recordingFrameHandler struct {
	frames chan []byte
}

func (h *recordingFrameHandler) Dispatch(username string, mc *transport.MessageConnection, frame []byte) {
	h.frames <- frame
}

func TestManager_DispatchesReceivedFramesToHandler(t *testing.T) {
	defer goleak.VerifyNone(t)
	waiters := waiter.NewRegistry()
	m := NewManager("me", &fakeServerSender{}, waiters, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	handler := &recordingFrameHandler{frames: make(chan []byte, 1)}
	m.SetFrameHandler(handler)

	managerSide, remote := connectedPeerPair(t)
	defer managerSide.Close(nil)
	defer remote.Close(nil)

	m.AdoptMessageConnection("bob", managerSide)

	sent := protocol.EncodeQueueDownload("x.mp3")
	if err := remote.SendFrame(sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-handler.frames:
		r, err := protocol.Decode(frame)
		if err != nil || r.Code != protocol.QueueDownload {
			t.Fatalf("expected QueueDownload dispatched, got code %d err %v", r.Code, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame was never dispatched to the handler")
	}
}
