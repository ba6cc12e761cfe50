package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/soulseek-go/soulseek/diagnostics"
)

func newID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Connection is the raw lifecycle state machine around one socket. It
// knows nothing about message framing or transfer semantics — those
// are layered on top by MessageConnection and TransferConnection
// respectively — it only owns the socket, the lifecycle, and the
// inactivity timer.
type Connection struct {
	id      string
	kind    Kind
	options Options
	log     diagnostics.Logger

	mu       sync.Mutex
	state    State
	conn     net.Conn
	remote   string
	username *string

	writeMu sync.Mutex

	inactivityMu sync.Mutex
	inactivity   *time.Timer

	disconnectMu   sync.Mutex
	disconnectOnce sync.Once
	disconnectCbs  []func(error)
}

// New builds a not-yet-connected Connection in state Pending.
func New(kind Kind, opts Options, logger diagnostics.Logger) *Connection {
	return &Connection{
		id:      newID(),
		kind:    kind,
		options: opts,
		log:     logger,
		state:   Pending,
	}
}

// Accepted wraps an already-established socket (handed off by the
// acceptor) as a Connection in state Connected.
func Accepted(kind Kind, conn net.Conn, opts Options, logger diagnostics.Logger) *Connection {
	c := &Connection{
		id:      newID(),
		kind:    kind,
		options: opts,
		log:     logger,
		state:   Connected,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
	}
	c.armInactivity()
	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Kind() Kind       { return c.kind }
func (c *Connection) RemoteEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) Username() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username == nil {
		return "", false
	}
	return *c.username, true
}

func (c *Connection) SetUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = &username
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnDisconnect registers a callback invoked exactly once when the
// connection transitions to Disconnected. Managers use this to purge
// their tables synchronously.
func (c *Connection) OnDisconnect(cb func(error)) {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	c.disconnectCbs = append(c.disconnectCbs, cb)
}

func (c *Connection) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// Connect dials endpoint, failing with ErrConnectionTimeout or
// ErrConnectionRefused.
func (c *Connection) Connect(ctx context.Context, endpoint string) error {
	if !c.transition(Connecting) {
		return ErrTerminal
	}

	timeout := c.options.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().ConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, endpoint)
	if err != nil {
		c.transition(Disconnected)
		if dialCtx.Err() != nil {
			return ErrConnectionTimeout
		}
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.remote = endpoint
	c.mu.Unlock()

	if !c.transition(Connected) {
		_ = conn.Close()
		return ErrTerminal
	}
	c.armInactivity()
	return nil
}

// dial opens the TCP connection, optionally through the configured
// SOCKS5 proxy.
func (c *Connection) dial(ctx context.Context, endpoint string) (net.Conn, error) {
	if p := c.options.Proxy; p != nil {
		var auth *proxy.Auth
		if p.User != "" {
			auth = &proxy.Auth{User: p.User, Password: p.Pass}
		}
		d, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", p.Host, p.Port), auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", endpoint)
		}
		return d.Dial("tcp", endpoint)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

// Read reads exactly n bytes, resetting the inactivity timer on
// success. Returns ErrConnectionClosed on short read / EOF.
func (c *Connection) Read(n int) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionClosed
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.resetInactivity()
	return buf, nil
}

// Write fully buffers b to the socket. Writes from multiple goroutines
// are serialized so a frame is never interleaved with another.
func (c *Connection) Write(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := conn.Write(b)
	if err != nil {
		c.log.Errorf("connection %s write failed after %d/%d bytes: %v", c.id, n, len(b), err)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.resetInactivity()
	return nil
}

// Disconnect transitions the Connection to Disconnected, closes the
// socket, and fires every registered callback exactly once. It is
// idempotent: a second call is a no-op.
func (c *Connection) Disconnect(reason error) {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.state = Disconnected
		conn := c.conn
		c.mu.Unlock()

		c.inactivityMu.Lock()
		if c.inactivity != nil {
			c.inactivity.Stop()
		}
		c.inactivityMu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		c.disconnectMu.Lock()
		cbs := c.disconnectCbs
		c.disconnectMu.Unlock()
		for _, cb := range cbs {
			cb(reason)
		}
	})
}

// Handoff yields the underlying socket to another owner (the acceptor,
// after classifying the first frame) and leaves this
// Connection terminal without closing the socket.
func (c *Connection) Handoff() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrConnectionClosed
	}
	if c.state == Disconnected {
		return nil, ErrTerminal
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.inactivityMu.Lock()
	if c.inactivity != nil {
		c.inactivity.Stop()
	}
	c.inactivityMu.Unlock()
	return conn, nil
}

func (c *Connection) armInactivity() {
	if c.options.InactivityTimeout <= 0 {
		return
	}
	c.inactivityMu.Lock()
	defer c.inactivityMu.Unlock()
	c.inactivity = time.AfterFunc(c.options.InactivityTimeout, func() {
		if c.log != nil {
			c.log.Warnf("connection %s inactive for %v, disconnecting", c.id, c.options.InactivityTimeout)
		}
		c.Disconnect(ErrInactivityTimeout)
	})
}

func (c *Connection) resetInactivity() {
	if c.options.InactivityTimeout <= 0 {
		return
	}
	c.inactivityMu.Lock()
	defer c.inactivityMu.Unlock()
	if c.inactivity != nil {
		c.inactivity.Reset(c.options.InactivityTimeout)
	}
}
