// Package peer implements the peer connection manager: it establishes,
// caches, and tears down per-user message and transfer connections,
// racing a direct TCP attempt against an indirect (server-brokered,
// firewall-piercing) one. A per-username sub-mutex coalesces
// concurrent establishment for the same user while callers for
// different users never block each other.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// ServerSender is the capability the manager uses to ask the server to
// broker an indirect connection. Implemented by the server session;
// kept as a narrow interface here to avoid a peer → server import
// cycle.
type ServerSender interface {
	SendConnectToPeer(token int32, username string, connType protocol.ConnType) error
}

// FrameHandler consumes each frame read off an installed message
// connection. Handler satisfies this.
type FrameHandler interface {
	Dispatch(username string, mc *transport.MessageConnection, frame []byte)
}

// SearchResponseStore holds search-response frames that could not be
// delivered because the target's connection was failing; the manager
// drains it the next time a connection for that user is established.
type SearchResponseStore interface {
	Drain(username string) [][]byte
}

type solicitation struct {
	username string
	connType protocol.ConnType
}

// Manager owns the per-user message-connection cache, the transfer
// connection registry, and the solicitation table.
type Manager struct {
	selfUsername string
	server       ServerSender
	waiters      *waiter.Registry
	options      Options
	log          diagnostics.Logger
	sink         diagnostics.Sink

	token int32

	handler   FrameHandler
	responses SearchResponseStore

	mu    sync.Mutex
	conns map[string]*transport.MessageConnection

	transfersMu sync.Mutex
	transfers   map[transferKey]net.Conn

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	solMu sync.Mutex
	sols  map[int32]solicitation
}

type transferKey struct {
	username string
	token    int32
}

// NewManager builds a Manager. selfUsername identifies this client in
// outbound PeerInit messages.
func NewManager(selfUsername string, server ServerSender, waiters *waiter.Registry, opts Options, log diagnostics.Logger, sink diagnostics.Sink) *Manager {
	if sink == nil {
		sink = diagnostics.NullSink{}
	}
	return &Manager{
		selfUsername: selfUsername,
		server:       server,
		waiters:      waiters,
		options:      opts,
		log:          log,
		sink:         sink,
		token:        opts.StartingToken,
		conns:        make(map[string]*transport.MessageConnection),
		transfers:    make(map[transferKey]net.Conn),
		locks:        make(map[string]*sync.Mutex),
		sols:         make(map[int32]solicitation),
	}
}

func (m *Manager) nextToken() int32 {
	return atomic.AddInt32(&m.token, 1)
}

func (m *Manager) userLock(username string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[username]
	if !ok {
		l = &sync.Mutex{}
		m.locks[username] = l
	}
	return l
}

func (m *Manager) healthy(username string) (*transport.MessageConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[username]
	if !ok {
		return nil, false
	}
	if mc.State() == transport.Disconnected {
		delete(m.conns, username)
		return nil, false
	}
	return mc, true
}

// SetFrameHandler attaches the dispatcher invoked for every frame read
// off an installed message connection. Must be called before the first
// connection is established; typically wired once at client assembly.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.handler = h
}

// SetSearchResponseStore attaches the store of undelivered search
// responses drained on each successful (re-)establishment.
func (m *Manager) SetSearchResponseStore(s SearchResponseStore) {
	m.responses = s
}

// install replaces the current message connection for username
// atomically, wiring its disconnect event to purge the table and
// starting the read loop that feeds the frame handler. Any search
// responses parked for username while it was unreachable are flushed
// first, ahead of normal traffic.
func (m *Manager) install(username string, mc *transport.MessageConnection) {
	m.mu.Lock()
	m.conns[username] = mc
	m.mu.Unlock()

	mc.OnDisconnect(func(error) {
		m.mu.Lock()
		if current, ok := m.conns[username]; ok && current == mc {
			delete(m.conns, username)
		}
		m.mu.Unlock()
	})

	if m.responses != nil {
		for _, frame := range m.responses.Drain(username) {
			if err := mc.SendFrame(frame); err != nil {
				m.log.Warnf("peer: failed flushing cached search response to %s: %v", username, err)
				break
			}
		}
	}

	go m.readLoop(username, mc)
}

// readLoop drains every frame off mc for its lifetime. Frames are
// dispatched in arrival order; with no handler attached they are
// dropped, which still keeps the connection's inactivity timer honest.
func (m *Manager) readLoop(username string, mc *transport.MessageConnection) {
	for frame := range mc.Received() {
		if m.handler != nil {
			m.handler.Dispatch(username, mc, frame)
		}
	}
}

// GetOrAddMessageConnection returns the existing healthy connection for
// username, or establishes a new one by racing a direct dial (when
// endpoint is non-empty) against an indirect, server-brokered
// PierceFirewall.
func (m *Manager) GetOrAddMessageConnection(ctx context.Context, username, endpoint string) (*transport.MessageConnection, error) {
	lock := m.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	if mc, ok := m.healthy(username); ok {
		return mc, nil
	}

	token := m.nextToken()
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	branches := 0
	results := make(chan raceResult, 2)

	if endpoint != "" {
		branches++
		go func() { results <- m.direct(raceCtx, username, endpoint, token) }()
	}
	branches++
	go func() { results <- m.indirect(raceCtx, username, token) }()

	var winner *transport.MessageConnection
	var lastErr error
	for i := 0; i < branches; i++ {
		res := <-results
		switch {
		case res.err == nil && winner == nil:
			winner = res.mc
			cancel()
		case res.err == nil:
			res.mc.Close(nil)
		default:
			lastErr = res.err
		}
	}

	if winner == nil {
		m.sink.Emit(diagnostics.Event{Level: diagnostics.Warning, Source: "peer", Message: fmt.Sprintf("connection establishment failed for %s: %v", username, lastErr)})
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
	}

	m.install(username, winner)
	m.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "peer", Message: fmt.Sprintf("established message connection for %s", username)})
	return winner, nil
}

type raceResult struct {
	mc  *transport.MessageConnection
	err error
}

func (m *Manager) direct(ctx context.Context, username, endpoint string, token int32) raceResult {
	c := transport.New(transport.KindPeerMessage, m.options.ConnectionOptions, m.log)
	if err := c.Connect(ctx, endpoint); err != nil {
		return raceResult{err: err}
	}
	mc := transport.NewMessageConnection(c)
	frame := protocol.EncodePeerInit(protocol.PeerInit{
		Username:       m.selfUsername,
		ConnectionType: protocol.ConnTypePeerMessage,
		Token:          token,
	})
	if err := mc.SendFrame(frame); err != nil {
		mc.Close(err)
		return raceResult{err: err}
	}
	return raceResult{mc: mc}
}

func (m *Manager) indirect(ctx context.Context, username string, token int32) raceResult {
	key := waiter.New(waiter.NamespaceSolicitedPeerConnection, username, token)

	m.addSolicitation(token, username, protocol.ConnTypePeerMessage)
	defer m.removeSolicitation(token)

	if err := m.server.SendConnectToPeer(token, username, protocol.ConnTypePeerMessage); err != nil {
		return raceResult{err: err}
	}

	v, err := m.waiters.Wait(ctx, key, m.options.MessageTimeout)
	if err != nil {
		return raceResult{err: err}
	}
	mc, ok := v.(*transport.MessageConnection)
	if !ok {
		return raceResult{err: fmt.Errorf("peer: unexpected waiter value %T for %s", v, username)}
	}
	return raceResult{mc: mc}
}

// AdoptMessageConnection installs an incoming, already-classified
// message connection as the current one for username, replacing any
// existing entry.
func (m *Manager) AdoptMessageConnection(username string, mc *transport.MessageConnection) {
	m.install(username, mc)
	m.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "peer", Message: fmt.Sprintf("adopted incoming message connection for %s", username)})
}

// AdoptTransferConnection completes WaitKey(IncomingTransfer, username,
// token) with socket.
func (m *Manager) AdoptTransferConnection(username string, token int32, socket net.Conn) {
	m.waiters.Complete(waiter.New(waiter.NamespaceIncomingTransfer, username, token), socket)
}

// AwaitTransferConnection solicits (via the server) and waits for an
// incoming transfer socket for (username, token). The returned socket
// is tracked under (username, token) until it is closed.
func (m *Manager) AwaitTransferConnection(ctx context.Context, username string, token int32) (net.Conn, error) {
	key := waiter.New(waiter.NamespaceIncomingTransfer, username, token)

	m.addSolicitation(token, username, protocol.ConnTypeFileTransfer)
	defer m.removeSolicitation(token)

	if err := m.server.SendConnectToPeer(token, username, protocol.ConnTypeFileTransfer); err != nil {
		return nil, err
	}

	v, err := m.waiters.Wait(ctx, key, m.options.MessageTimeout)
	if err != nil {
		return nil, err
	}
	conn, ok := v.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("peer: unexpected waiter value %T for transfer %s/%d", v, username, token)
	}
	return m.trackTransfer(username, token, conn), nil
}

// trackTransfer records conn under (username, token) and wraps it so
// the entry is purged when the transfer engine closes the socket.
func (m *Manager) trackTransfer(username string, token int32, conn net.Conn) net.Conn {
	k := transferKey{username: username, token: token}
	m.transfersMu.Lock()
	m.transfers[k] = conn
	m.transfersMu.Unlock()

	t := &trackedTransferConn{Conn: conn}
	t.release = func() {
		m.transfersMu.Lock()
		if current, ok := m.transfers[k]; ok && current == conn {
			delete(m.transfers, k)
		}
		m.transfersMu.Unlock()
	}
	return t
}

// ActiveTransferConnections reports the number of transfer sockets
// currently tracked.
func (m *Manager) ActiveTransferConnections() int {
	m.transfersMu.Lock()
	defer m.transfersMu.Unlock()
	return len(m.transfers)
}

type trackedTransferConn struct {
	net.Conn
	releaseOnce sync.Once
	release     func()
}

func (t *trackedTransferConn) Close() error {
	t.releaseOnce.Do(t.release)
	return t.Conn.Close()
}

// ConnectionCount reports the number of cached message connections,
// consumed by the metrics package as a gauge.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// RemoveAndDispose closes and purges the message connection for
// username, if any.
func (m *Manager) RemoveAndDispose(username string) {
	m.mu.Lock()
	mc, ok := m.conns[username]
	delete(m.conns, username)
	m.mu.Unlock()
	if ok {
		mc.Close(nil)
	}
}

// ResolveSolicitation implements listener.PeerSink: it answers whether
// token matches an outstanding solicitation, returning the ConnType it
// was issued for so the acceptor knows whether to wrap the pierced
// connection as framed or hand it off raw.
func (m *Manager) ResolveSolicitation(token int32) (string, protocol.ConnType, bool) {
	m.solMu.Lock()
	defer m.solMu.Unlock()
	s, ok := m.sols[token]
	if ok {
		delete(m.sols, token)
	}
	return s.username, s.connType, ok
}

func (m *Manager) addSolicitation(token int32, username string, connType protocol.ConnType) {
	m.solMu.Lock()
	defer m.solMu.Unlock()
	m.sols[token] = solicitation{username: username, connType: connType}
}

func (m *Manager) removeSolicitation(token int32) {
	m.solMu.Lock()
	defer m.solMu.Unlock()
	delete(m.sols, token)
}
