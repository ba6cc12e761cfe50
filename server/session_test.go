package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/internal/testutil"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/waiter"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MessageTimeout = 200 * time.Millisecond
	opts.KeepaliveInterval = 30 * time.Millisecond
	return opts
}

// readFrame reads exactly one len||code||body frame off conn.
func readFrame(t *testing.T, conn net.Conn) *protocol.Reader {
	t.Helper()
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	length := binary.LittleEndian.Uint32(header)
	body := make([]byte, length)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	full := append(header, body...)
	r, err := protocol.Decode(full)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return r
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type fakeDistributedRelay struct {
	seekParent func(ctx context.Context, candidates []protocol.NetInfoEntry)
	embedded   func(ctx context.Context, frame []byte)
}

func (f *fakeDistributedRelay) SeekParent(ctx context.Context, candidates []protocol.NetInfoEntry) {
	if f.seekParent != nil {
		f.seekParent(ctx, candidates)
	}
}

func (f *fakeDistributedRelay) HandleEmbeddedSearchRequest(ctx context.Context, frame []byte) {
	if f.embedded != nil {
		f.embedded(ctx, frame)
	}
}

func TestSession_LoginSuccessThenKeepalive(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	waiters := waiter.NewRegistry()
	s := NewSession(nil, waiters, Capabilities{}, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	resultCh := make(chan protocol.LoginResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := s.Login(context.Background(), addr, "alice", "secret")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	serverConn := <-accepted
	defer serverConn.Close()

	loginFrame := readFrame(t, serverConn)
	if loginFrame.Code != protocol.Login {
		t.Fatalf("expected Login code, got %d", loginFrame.Code)
	}
	username, err := loginFrame.ReadString()
	if err != nil || username != "alice" {
		t.Fatalf("username: %q, %v", username, err)
	}

	resp := protocol.NewWriter(protocol.Login).WriteBool(true).Finish()
	if _, err := serverConn.Write(resp); err != nil {
		t.Fatalf("write login response: %v", err)
	}

	select {
	case got := <-resultCh:
		if !got.Success {
			t.Fatalf("expected successful login")
		}
	case err := <-errCh:
		t.Fatalf("login failed: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("login timed out")
	}

	pingFrame := readFrame(t, serverConn)
	if pingFrame.Code != protocol.ServerPing {
		t.Fatalf("expected ServerPing keepalive, got %d", pingFrame.Code)
	}

	s.Close()
}

func TestSession_LoginRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	waiters := waiter.NewRegistry()
	s := NewSession(nil, waiters, Capabilities{}, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Login(context.Background(), addr, "alice", "wrong")
		errCh <- err
	}()

	serverConn := <-accepted
	defer serverConn.Close()
	_ = readFrame(t, serverConn)

	resp := protocol.NewWriter(protocol.Login).WriteBool(false).WriteString("Invalid password").Finish()
	if _, err := serverConn.Write(resp); err != nil {
		t.Fatalf("write login response: %v", err)
	}

	select {
	case err := <-errCh:
		var failed *LoginFailed
		if err == nil {
			t.Fatalf("expected login to fail")
		}
		if lf, ok := err.(*LoginFailed); !ok {
			t.Fatalf("expected *LoginFailed, got %T: %v", err, err)
		} else {
			failed = lf
		}
		if failed.Reason != "Invalid password" {
			t.Fatalf("unexpected reason: %q", failed.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for login rejection")
	}

	s.Close()
}

func TestSession_NetInfoRelayedToDistributedManager(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, ln := testutil.Loopback(t)
	accepted := testutil.AcceptOne(ln)

	waiters := waiter.NewRegistry()
	relayed := make(chan []protocol.NetInfoEntry, 1)
	relay := &fakeDistributedRelay{seekParent: func(ctx context.Context, candidates []protocol.NetInfoEntry) {
		relayed <- candidates
	}}
	s := NewSession(relay, waiters, Capabilities{}, testOptions(), diagnostics.NewDefaultLogger("test"), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Login(context.Background(), addr, "alice", "secret")
		errCh <- err
	}()

	serverConn := <-accepted
	defer serverConn.Close()
	_ = readFrame(t, serverConn)

	loginResp := protocol.NewWriter(protocol.Login).WriteBool(true).Finish()
	if _, err := serverConn.Write(loginResp); err != nil {
		t.Fatalf("write login response: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("login failed: %v", err)
	}

	netInfo := protocol.NewWriter(protocol.NetInfo).
		WriteUint32(1).
		WriteString("parentuser").
		WriteIP([4]byte{10, 0, 0, 1}).
		WriteUint32(2234).
		Finish()
	if _, err := serverConn.Write(netInfo); err != nil {
		t.Fatalf("write NetInfo: %v", err)
	}

	select {
	case got := <-relayed:
		if len(got) != 1 || got[0].Username != "parentuser" {
			t.Fatalf("unexpected candidates: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("NetInfo was never relayed")
	}

	s.Close()
}
