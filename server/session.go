// Package server implements the server session: the
// single long-lived TCP connection to the Soulseek server, its login
// handshake, periodic keepalive, and the demultiplexing of every
// incoming server message into either a completed WaitKey or an
// emitted event. Grounded on peer.Manager's construction-time
// capability-injection shape, generalized to the server's single
// connection instead of a per-username table.
package server

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// DistributedRelay is the capability the session uses to hand off the
// two distributed-mesh signals that only ever arrive over the server
// connection: the candidate parent list (NetInfo) and a search request
// the server embeds directly when this node has no parent. distributed.Manager satisfies this directly.
type DistributedRelay interface {
	SeekParent(ctx context.Context, candidates []protocol.NetInfoEntry)
	HandleEmbeddedSearchRequest(ctx context.Context, frame []byte)
}

// Session is the single long-lived connection to the central server.
type Session struct {
	distributed DistributedRelay
	waiters     *waiter.Registry
	caps        Capabilities
	options     Options
	log         diagnostics.Logger
	sink        diagnostics.Sink

	mu       sync.Mutex
	mc       *transport.MessageConnection
	username string

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewSession builds a Session. distributed may be nil if this client
// never joins the distributed mesh; NetInfo and embedded search
// requests are then silently dropped.
func NewSession(distributed DistributedRelay, waiters *waiter.Registry, caps Capabilities, opts Options, log diagnostics.Logger, sink diagnostics.Sink) *Session {
	if sink == nil {
		sink = diagnostics.NullSink{}
	}
	return &Session{
		distributed: distributed,
		waiters:     waiters,
		caps:        caps,
		options:     opts,
		log:         log,
		sink:        sink,
		closed:      make(chan struct{}),
	}
}

func (s *Session) checkVersion() error {
	if s.options.MinimumSupportedVersion == "" {
		return nil
	}
	min, err := version.NewVersion(s.options.MinimumSupportedVersion)
	if err != nil {
		return fmt.Errorf("server: invalid MinimumSupportedVersion %q: %w", s.options.MinimumSupportedVersion, err)
	}
	cur, err := version.NewVersion(strconv.FormatUint(uint64(s.options.ClientVersion), 10))
	if err != nil {
		return fmt.Errorf("server: invalid ClientVersion %d: %w", s.options.ClientVersion, err)
	}
	if cur.LessThan(min) {
		return ErrUnsupportedVersion
	}
	return nil
}

// Login dials endpoint, performs the Login handshake, and on success starts the keepalive and
// dispatch loops. Returns LoginFailed on a negative server reply.
func (s *Session) Login(ctx context.Context, endpoint, username, password string) (protocol.LoginResponse, error) {
	s.mu.Lock()
	alreadyLoggedIn := s.mc != nil
	s.mu.Unlock()
	if alreadyLoggedIn {
		return protocol.LoginResponse{}, ErrAlreadyLoggedIn
	}

	if err := s.checkVersion(); err != nil {
		return protocol.LoginResponse{}, err
	}

	opts := s.options.ConnectionOptions
	opts.InactivityTimeout = 0
	c := transport.New(transport.KindServer, opts, s.log)
	if err := c.Connect(ctx, endpoint); err != nil {
		return protocol.LoginResponse{}, err
	}
	mc := transport.NewMessageConnection(c)

	s.mu.Lock()
	s.mc = mc
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop(mc)

	frame := protocol.EncodeLogin(protocol.LoginRequest{
		Username:      username,
		Password:      password,
		ClientVersion: s.options.ClientVersion,
	})
	if err := mc.SendFrame(frame); err != nil {
		mc.Close(err)
		return protocol.LoginResponse{}, err
	}

	v, err := s.waiters.Wait(ctx, waiter.New(waiter.NamespaceLogin), s.options.MessageTimeout)
	if err != nil {
		mc.Close(err)
		return protocol.LoginResponse{}, err
	}
	resp, ok := v.(protocol.LoginResponse)
	if !ok {
		mc.Close(nil)
		return protocol.LoginResponse{}, fmt.Errorf("server: unexpected waiter value %T for login", v)
	}
	if !resp.Success {
		mc.Close(nil)
		return resp, &LoginFailed{Reason: resp.Reason}
	}

	s.mu.Lock()
	s.username = username
	s.mu.Unlock()

	if s.options.AcceptPrivateRoomInvitations {
		if err := mc.SendFrame(protocol.EncodePrivateRoomToggle(true)); err != nil {
			s.log.Warnf("server: failed enabling private room invitations: %v", err)
		}
	}

	s.wg.Add(1)
	go s.keepaliveLoop(mc)
	s.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "server", Message: fmt.Sprintf("logged in as %s", username)})
	return resp, nil
}

func (s *Session) keepaliveLoop(mc *transport.MessageConnection) {
	defer s.wg.Done()
	interval := s.options.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultOptions().KeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mc.SendFrame(protocol.EncodeServerPing()); err != nil {
				s.log.Warnf("server: keepalive ping failed: %v", err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) dispatchLoop(mc *transport.MessageConnection) {
	defer s.wg.Done()
	for frame := range mc.Received() {
		r, err := protocol.Decode(frame)
		if err != nil {
			s.log.Warnf("server: malformed frame: %v", err)
			continue
		}
		s.dispatch(mc, r)
	}
	s.waiters.CancelAll()
	if s.caps.Disconnected != nil {
		s.caps.Disconnected(nil)
	}
}

func (s *Session) dispatch(mc *transport.MessageConnection, r *protocol.Reader) {
	switch r.Code {
	case protocol.Login:
		resp, err := protocol.DecodeLoginResponse(r)
		if err != nil {
			s.log.Warnf("server: malformed LoginResponse: %v", err)
			return
		}
		s.waiters.Complete(waiter.New(waiter.NamespaceLogin), resp)

	case protocol.GetPeerAddress:
		addr, err := protocol.DecodeGetPeerAddressResponse(r)
		if err != nil {
			s.log.Warnf("server: malformed GetPeerAddress response: %v", err)
			return
		}
		s.waiters.Complete(waiter.New(waiter.NamespaceGetPeerAddress, addr.Username), addr)

	case protocol.AddUser:
		resp, err := protocol.DecodeAddUserResponse(r)
		if err != nil {
			s.log.Warnf("server: malformed AddUser response: %v", err)
			return
		}
		s.waiters.Complete(waiter.New(waiter.NamespaceAddUser, resp.Username), resp)

	case protocol.GetUserStatus:
		status, err := protocol.DecodeUserStatus(r)
		if err != nil {
			s.log.Warnf("server: malformed GetUserStatus response: %v", err)
			return
		}
		s.waiters.Complete(waiter.New(waiter.NamespaceGetUserStatus, status.Username), status)
		if s.caps.UserStatusChanged != nil {
			s.caps.UserStatusChanged(status.Username, status.Status, status.Privileged)
		}

	case protocol.CheckPrivileges:
		days, err := protocol.DecodeCheckPrivilegesResponse(r)
		if err != nil {
			s.log.Warnf("server: malformed CheckPrivileges response: %v", err)
			return
		}
		s.waiters.Complete(waiter.New(waiter.NamespaceCheckPrivileges), days)

	case protocol.RoomList:
		rooms, err := protocol.DecodeRoomList(r)
		if err != nil {
			s.log.Warnf("server: malformed RoomList: %v", err)
			return
		}
		if s.caps.RoomListUpdated != nil {
			s.caps.RoomListUpdated(rooms)
		}

	case protocol.UserJoinedRoom:
		m, err := protocol.DecodeUserJoinedRoom(r)
		if err != nil {
			s.log.Warnf("server: malformed UserJoinedRoom: %v", err)
			return
		}
		if s.caps.UserJoinedRoom != nil {
			s.caps.UserJoinedRoom(m)
		}

	case protocol.UserLeftRoom:
		m, err := protocol.DecodeUserLeftRoom(r)
		if err != nil {
			s.log.Warnf("server: malformed UserLeftRoom: %v", err)
			return
		}
		if s.caps.UserLeftRoom != nil {
			s.caps.UserLeftRoom(m)
		}

	case protocol.SayInChatRoom:
		m, err := protocol.DecodeSayInChatRoom(r)
		if err != nil {
			s.log.Warnf("server: malformed SayInChatRoom: %v", err)
			return
		}
		if s.caps.RoomMessage != nil {
			s.caps.RoomMessage(m)
		}

	case protocol.MessageUser:
		m, err := protocol.DecodePrivateMessage(r)
		if err != nil {
			s.log.Warnf("server: malformed private message: %v", err)
			return
		}
		if s.caps.PrivateMessage != nil {
			s.caps.PrivateMessage(m)
		}
		if s.options.AutoAcknowledgePrivateMessages {
			if err := mc.SendFrame(protocol.EncodeMessageAcked(m.ID)); err != nil {
				s.log.Warnf("server: failed acking private message %d: %v", m.ID, err)
			}
		}

	case protocol.GlobalAdminMessage:
		msg, err := protocol.DecodeGlobalAdminMessage(r)
		if err != nil {
			s.log.Warnf("server: malformed GlobalAdminMessage: %v", err)
			return
		}
		if s.caps.GlobalAdminMessage != nil {
			s.caps.GlobalAdminMessage(msg)
		}

	case protocol.PrivilegedUsers:
		users, err := protocol.DecodePrivilegedUsers(r)
		if err != nil {
			s.log.Warnf("server: malformed PrivilegedUsers: %v", err)
			return
		}
		if s.caps.PrivilegedUsers != nil {
			s.caps.PrivilegedUsers(users)
		}

	case protocol.PrivilegeNotification:
		id, username, err := protocol.DecodePrivilegeNotification(r)
		if err != nil {
			s.log.Warnf("server: malformed PrivilegeNotification: %v", err)
			return
		}
		if s.caps.PrivilegeGranted != nil {
			s.caps.PrivilegeGranted(id, username)
		}
		if s.options.AutoAcknowledgePrivilegeNotifications {
			if err := mc.SendFrame(protocol.EncodeAckNotifyPrivileges(id)); err != nil {
				s.log.Warnf("server: failed acking privilege notification %d: %v", id, err)
			}
		}

	case protocol.KickedFromServer:
		if s.caps.Kicked != nil {
			s.caps.Kicked()
		}

	case protocol.NetInfo:
		entries, err := protocol.DecodeNetInfo(r)
		if err != nil {
			s.log.Warnf("server: malformed NetInfo: %v", err)
			return
		}
		if s.distributed != nil {
			s.distributed.SeekParent(context.Background(), entries)
		}

	case protocol.ServerEmbeddedMessage:
		inner, err := r.ReadBytes()
		if err != nil {
			s.log.Warnf("server: malformed embedded message: %v", err)
			return
		}
		if s.distributed != nil {
			s.distributed.HandleEmbeddedSearchRequest(context.Background(), inner)
		}

	default:
		s.log.Debugf("server: unhandled code %d", r.Code)
	}
}

func (s *Session) send(frame []byte) error {
	s.mu.Lock()
	mc := s.mc
	s.mu.Unlock()
	if mc == nil {
		return ErrNotLoggedIn
	}
	return mc.SendFrame(frame)
}

// SendConnectToPeer solicits an indirect connection through the
// server, satisfying both peer.ServerSender and the relevant part of
// distributed.ServerNotifier.
func (s *Session) SendConnectToPeer(token int32, username string, connType protocol.ConnType) error {
	return s.send(protocol.EncodeConnectToPeerBroker(token, username, connType))
}

// SetHaveNoParent, SetParentIP, SetBranchLevel, SetBranchRoot implement
// distributed.ServerNotifier: the distributed manager publishes its
// current mesh position through these as it establishes or loses a
// parent.
func (s *Session) SetHaveNoParent(haveNoParent bool) error {
	return s.send(protocol.EncodeHaveNoParent(haveNoParent))
}

func (s *Session) SetParentIP(ip [4]byte) error {
	return s.send(protocol.EncodeParentIP(ip))
}

func (s *Session) SetBranchLevel(level int32) error {
	return s.send(protocol.EncodeBranchLevel(level))
}

func (s *Session) SetBranchRoot(root string) error {
	return s.send(protocol.EncodeBranchRoot(root))
}

// SetListenPort advertises this client's inbound port, normally sent
// once immediately after login.
func (s *Session) SetListenPort(port uint32) error {
	return s.send(protocol.EncodeSetListenPort(port))
}

// SetOnlineStatus publishes the client's online/away status.
func (s *Session) SetOnlineStatus(status uint32) error {
	return s.send(protocol.EncodeSetOnlineStatus(status))
}

// JoinRoom, LeaveRoom, SayInChatRoom are fire-and-forget: the server's
// acknowledgement, if any, arrives as the corresponding broadcast event
// rather than a direct reply.
func (s *Session) JoinRoom(room string) error {
	return s.send(protocol.EncodeJoinRoom(room))
}

func (s *Session) LeaveRoom(room string) error {
	return s.send(protocol.EncodeLeaveRoom(room))
}

func (s *Session) SayInChatRoom(room, message string) error {
	return s.send(protocol.EncodeSayInChatRoom(room, message))
}

// MessageUser sends a private message; delivery is not acknowledged
// synchronously.
func (s *Session) MessageUser(username, message string) error {
	return s.send(protocol.EncodeMessageUser(username, message))
}

// FileSearch broadcasts a global search request to the server, which
// floods it across the distributed mesh on this client's behalf.
func (s *Session) FileSearch(token int32, query string) error {
	return s.send(protocol.EncodeFileSearch(token, query))
}

// GetPeerAddress asks the server for username's current endpoint.
func (s *Session) GetPeerAddress(ctx context.Context, username string) (protocol.PeerAddress, error) {
	key := waiter.New(waiter.NamespaceGetPeerAddress, username)
	if err := s.send(protocol.EncodeGetPeerAddress(username)); err != nil {
		return protocol.PeerAddress{}, err
	}
	v, err := s.waiters.Wait(ctx, key, s.options.MessageTimeout)
	if err != nil {
		return protocol.PeerAddress{}, err
	}
	addr, ok := v.(protocol.PeerAddress)
	if !ok {
		return protocol.PeerAddress{}, fmt.Errorf("server: unexpected waiter value %T for GetPeerAddress", v)
	}
	return addr, nil
}

// AddUser registers interest in username's online status.
func (s *Session) AddUser(ctx context.Context, username string) (protocol.AddUserResponse, error) {
	key := waiter.New(waiter.NamespaceAddUser, username)
	if err := s.send(protocol.EncodeAddUser(username)); err != nil {
		return protocol.AddUserResponse{}, err
	}
	v, err := s.waiters.Wait(ctx, key, s.options.MessageTimeout)
	if err != nil {
		return protocol.AddUserResponse{}, err
	}
	resp, ok := v.(protocol.AddUserResponse)
	if !ok {
		return protocol.AddUserResponse{}, fmt.Errorf("server: unexpected waiter value %T for AddUser", v)
	}
	return resp, nil
}

// GetUserStatus asks the server for username's current status.
func (s *Session) GetUserStatus(ctx context.Context, username string) (protocol.UserStatus, error) {
	key := waiter.New(waiter.NamespaceGetUserStatus, username)
	if err := s.send(protocol.EncodeGetUserStatus(username)); err != nil {
		return protocol.UserStatus{}, err
	}
	v, err := s.waiters.Wait(ctx, key, s.options.MessageTimeout)
	if err != nil {
		return protocol.UserStatus{}, err
	}
	status, ok := v.(protocol.UserStatus)
	if !ok {
		return protocol.UserStatus{}, fmt.Errorf("server: unexpected waiter value %T for GetUserStatus", v)
	}
	return status, nil
}

// CheckPrivileges asks the server how many seconds of privilege time
// remain on this account.
func (s *Session) CheckPrivileges(ctx context.Context) (uint32, error) {
	key := waiter.New(waiter.NamespaceCheckPrivileges)
	if err := s.send(protocol.EncodeCheckPrivileges()); err != nil {
		return 0, err
	}
	v, err := s.waiters.Wait(ctx, key, s.options.MessageTimeout)
	if err != nil {
		return 0, err
	}
	days, ok := v.(uint32)
	if !ok {
		return 0, fmt.Errorf("server: unexpected waiter value %T for CheckPrivileges", v)
	}
	return days, nil
}

// Username returns the logged-in username, or "" before a successful
// Login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Close disconnects the server connection and stops the keepalive and
// dispatch loops. Errors on the server connection are fatal to the
// session;
// Close is how the host application or a fatal read/write error tears
// the session down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		mc := s.mc
		s.mu.Unlock()
		if mc != nil {
			mc.Close(nil)
		}
	})
	s.wg.Wait()
}
