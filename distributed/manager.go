// Package distributed implements the distributed-mesh manager: the
// parent/child tree used to flood search requests, with
// branch-level/root bookkeeping and the same direct/indirect
// connection race peer.Manager uses for its own establishment.
package distributed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// ServerNotifier is the capability the manager uses to solicit
// indirect connections and to publish its current position in the
// mesh back to the server.
type ServerNotifier interface {
	SendConnectToPeer(token int32, username string, connType protocol.ConnType) error
	SetHaveNoParent(haveNoParent bool) error
	SetParentIP(ip [4]byte) error
	SetBranchLevel(level int32) error
	SetBranchRoot(root string) error
}

// PeerMessenger is the capability used to reach a search requester's
// peer message connection to deliver a SearchResponse. peer.Manager satisfies this directly.
type PeerMessenger interface {
	GetOrAddMessageConnection(ctx context.Context, username, endpoint string) (*transport.MessageConnection, error)
}

// SearchResult is what a SearchResponseResolver returns for a locally
// matched query.
type SearchResult struct {
	Files []protocol.FileRecord
}

// Counter is the increment-only slice of a metrics counter
// (prometheus.Counter satisfies it).
type Counter interface {
	Inc()
}

// ResponseStore parks a SearchResponse frame that could not be
// delivered because the requester's connection was failing. The peer
// manager drains it on the next successful establishment.
type ResponseStore interface {
	Add(username string, frame []byte)
}

// Capabilities collects the injected extension points this manager
// consults.
type Capabilities struct {
	// SearchResponseResolver resolves a local search match, or returns
	// (nil, nil) when this node has nothing to offer.
	SearchResponseResolver func(ctx context.Context, requester string, token int32, query string) (*SearchResult, error)

	// SearchResponses is optional; nil drops undeliverable responses.
	SearchResponses ResponseStore

	// ForwardedCounter and DeduplicatedCounter, when non-nil, count
	// search requests broadcast to children and dropped as duplicates.
	ForwardedCounter    Counter
	DeduplicatedCounter Counter
}

// Manager owns the parent link, the child set, and the branch state.
type Manager struct {
	selfUsername string
	server       ServerNotifier
	peers        PeerMessenger
	waiters      *waiter.Registry
	caps         Capabilities
	options      Options
	log          diagnostics.Logger
	sink         diagnostics.Sink

	token int32

	parentMu       sync.Mutex
	parent         *transport.MessageConnection
	parentUsername string
	parentEndpoint string
	seekCancel     context.CancelFunc

	childrenMu sync.Mutex
	children   map[string]*transport.MessageConnection

	branchMu    sync.Mutex
	branchLevel int32
	branchRoot  string

	dedupMu sync.Mutex
	dedup   map[string]*dedupCache

	solMu sync.Mutex
	sols  map[int32]string

	backoff *backoff

	closed int32
	wg     sync.WaitGroup
}

// NewManager builds a Manager, initialized as its own branch root
// until a
// parent is established.
func NewManager(selfUsername string, server ServerNotifier, peers PeerMessenger, waiters *waiter.Registry, caps Capabilities, opts Options, log diagnostics.Logger, sink diagnostics.Sink) *Manager {
	if sink == nil {
		sink = diagnostics.NullSink{}
	}
	return &Manager{
		selfUsername: selfUsername,
		server:       server,
		peers:        peers,
		waiters:      waiters,
		caps:         caps,
		options:      opts,
		log:          log,
		sink:         sink,
		token:        opts.StartingToken,
		children:     make(map[string]*transport.MessageConnection),
		dedup:        make(map[string]*dedupCache),
		sols:         make(map[int32]string),
		backoff:      newBackoff(opts.ParentBackoffBase, opts.ParentBackoffMax),
		branchRoot:   selfUsername,
	}
}

func (m *Manager) nextToken() int32 {
	return atomic.AddInt32(&m.token, 1)
}

// BranchState reports the currently published level/root pair.
func (m *Manager) BranchState() (level int32, root string) {
	m.branchMu.Lock()
	defer m.branchMu.Unlock()
	return m.branchLevel, m.branchRoot
}

func (m *Manager) hasParent() bool {
	m.parentMu.Lock()
	defer m.parentMu.Unlock()
	return m.parent != nil
}

// SeekParent starts (or, if already seeking, restarts with a fresh
// candidate list) the parent-selection race: candidates are tried in
// list order until one succeeds. A no-op when a healthy parent is
// already held; a fresh candidate list replaces an in-progress search
// eagerly, while a connected parent is only replaced on disconnect.
func (m *Manager) SeekParent(ctx context.Context, candidates []protocol.NetInfoEntry) {
	if atomic.LoadInt32(&m.closed) != 0 {
		return
	}
	m.parentMu.Lock()
	if m.parent != nil {
		m.parentMu.Unlock()
		return
	}
	if m.seekCancel != nil {
		m.seekCancel()
	}
	seekCtx, cancel := context.WithCancel(ctx)
	m.seekCancel = cancel
	m.parentMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSeek(seekCtx, candidates)
	}()
}

func (m *Manager) runSeek(ctx context.Context, candidates []protocol.NetInfoEntry) {
	m.publishSeeking()

	grace := time.AfterFunc(m.options.GracePeriod, func() { m.selfPromote() })
	defer grace.Stop()

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mc, err := m.connectCandidate(ctx, cand)
		if err != nil {
			m.log.Warnf("distributed: parent candidate %s failed: %v", cand.Username, err)
			delay := m.backoff.next()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		m.backoff.reset()
		m.promoteParent(cand.Username, fmt.Sprintf("%d.%d.%d.%d:%d", cand.IP[0], cand.IP[1], cand.IP[2], cand.IP[3], cand.Port), mc)
		if err := m.server.SetParentIP(cand.IP); err != nil {
			m.log.Warnf("distributed: failed publishing ParentIP: %v", err)
		}
		return
	}

	m.sink.Emit(diagnostics.Event{Level: diagnostics.Warning, Source: "distributed", Message: "exhausted all parent candidates"})
}

func (m *Manager) publishSeeking() {
	if err := m.server.SetHaveNoParent(true); err != nil {
		m.log.Warnf("distributed: failed publishing HaveNoParent: %v", err)
	}
}

type candidateResult struct {
	mc  *transport.MessageConnection
	err error
}

func (m *Manager) connectCandidate(ctx context.Context, cand protocol.NetInfoEntry) (*transport.MessageConnection, error) {
	token := m.nextToken()
	endpoint := fmt.Sprintf("%d.%d.%d.%d:%d", cand.IP[0], cand.IP[1], cand.IP[2], cand.IP[3], cand.Port)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan candidateResult, 2)
	go func() { results <- m.direct(raceCtx, cand.Username, endpoint, token) }()
	go func() { results <- m.indirect(raceCtx, cand.Username, token) }()

	var winner *transport.MessageConnection
	var lastErr error
	for i := 0; i < 2; i++ {
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
		return nil, fmt.Errorf("%w: %v", ErrNoParentCandidates, lastErr)
	}
	return winner, nil
}

func (m *Manager) direct(ctx context.Context, username, endpoint string, token int32) candidateResult {
	c := transport.New(transport.KindDistributedMessage, m.options.ConnectionOptions, m.log)
	if err := c.Connect(ctx, endpoint); err != nil {
		return candidateResult{err: err}
	}
	mc := transport.NewMessageConnection(c)
	frame := protocol.EncodePeerInit(protocol.PeerInit{
		Username:       m.selfUsername,
		ConnectionType: protocol.ConnTypeDistributed,
		Token:          token,
	})
	if err := mc.SendFrame(frame); err != nil {
		mc.Close(err)
		return candidateResult{err: err}
	}
	return candidateResult{mc: mc}
}

func (m *Manager) indirect(ctx context.Context, username string, token int32) candidateResult {
	key := waiter.New(waiter.NamespaceSolicitedDistributedConn, username, token)

	m.solMu.Lock()
	m.sols[token] = username
	m.solMu.Unlock()
	defer func() {
		m.solMu.Lock()
		delete(m.sols, token)
		m.solMu.Unlock()
	}()

	if err := m.server.SendConnectToPeer(token, username, protocol.ConnTypeDistributed); err != nil {
		return candidateResult{err: err}
	}

	v, err := m.waiters.Wait(ctx, key, m.options.MessageTimeout)
	if err != nil {
		return candidateResult{err: err}
	}
	mc, ok := v.(*transport.MessageConnection)
	if !ok {
		return candidateResult{err: fmt.Errorf("distributed: unexpected waiter value %T for %s", v, username)}
	}
	return candidateResult{mc: mc}
}

// promoteParent installs mc as the current parent, wires its read loop,
// and publishes HaveNoParent=false to the server (runSeek then publishes
// the parent's IP). The new BranchLevel/BranchRoot reach the server and
// every child through setBranch as the parent's own BranchLevel and
// BranchRoot frames arrive.
func (m *Manager) promoteParent(username, endpoint string, mc *transport.MessageConnection) {
	m.parentMu.Lock()
	m.parent = mc
	m.parentUsername = username
	m.parentEndpoint = endpoint
	m.parentMu.Unlock()

	mc.OnDisconnect(func(error) { m.demoteParent(mc) })

	if err := m.server.SetHaveNoParent(false); err != nil {
		m.log.Warnf("distributed: failed publishing HaveNoParent=false: %v", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runParentLoop(mc)
	}()

	m.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "distributed", Message: fmt.Sprintf("promoted %s as distributed parent", username)})
}

func (m *Manager) demoteParent(mc *transport.MessageConnection) {
	m.parentMu.Lock()
	if m.parent != mc {
		m.parentMu.Unlock()
		return
	}
	m.parent = nil
	username := m.parentUsername
	m.parentUsername = ""
	m.parentEndpoint = ""
	m.parentMu.Unlock()

	m.dedupMu.Lock()
	delete(m.dedup, mc.ID())
	m.dedupMu.Unlock()

	m.sink.Emit(diagnostics.Event{Level: diagnostics.Warning, Source: "distributed", Message: fmt.Sprintf("lost distributed parent %s", username)})
}

// runParentLoop dispatches every frame received on the parent
// connection: BranchLevel/BranchRoot update our published position,
// SearchRequest is forwarded to children and resolved locally, Ping
// is acknowledged by doing nothing.
func (m *Manager) runParentLoop(mc *transport.MessageConnection) {
	for frame := range mc.Received() {
		r, err := protocol.Decode(frame)
		if err != nil {
			m.log.Warnf("distributed: malformed frame from parent: %v", err)
			continue
		}
		switch r.Code {
		case protocol.DistributedBranchLevel:
			level, err := protocol.DecodeDistributedBranchLevel(r)
			if err != nil {
				m.log.Warnf("distributed: malformed BranchLevel: %v", err)
				continue
			}
			m.setBranch(level+1, "")
		case protocol.DistributedBranchRoot:
			root, err := protocol.DecodeDistributedBranchRoot(r)
			if err != nil {
				m.log.Warnf("distributed: malformed BranchRoot: %v", err)
				continue
			}
			m.setBranch(0, root)
		case protocol.SearchRequest:
			m.handleSearchRequest(context.Background(), mc.ID(), frame, r)
		case protocol.DistributedPing:
			// keepalive, no required reply.
		default:
			m.log.Debugf("distributed: unhandled parent code %d", r.Code)
		}
	}
}

// setBranch updates the level when root is empty and otherwise only the
// root, then republishes the combined state to the server and all
// children — the two fields arrive as separate messages.
func (m *Manager) setBranch(level int32, root string) {
	m.branchMu.Lock()
	if root == "" {
		m.branchLevel = level
	} else {
		m.branchRoot = root
	}
	publishedLevel, publishedRoot := m.branchLevel, m.branchRoot
	m.branchMu.Unlock()

	if err := m.server.SetBranchLevel(publishedLevel); err != nil {
		m.log.Warnf("distributed: failed publishing BranchLevel: %v", err)
	}
	if err := m.server.SetBranchRoot(publishedRoot); err != nil {
		m.log.Warnf("distributed: failed publishing BranchRoot: %v", err)
	}
	m.broadcastBranchState(publishedLevel, publishedRoot)
}

func (m *Manager) broadcastBranchState(level int32, root string) {
	levelFrame := protocol.EncodeDistributedBranchLevel(level)
	rootFrame := protocol.EncodeDistributedBranchRoot(root)
	m.childrenMu.Lock()
	defer m.childrenMu.Unlock()
	for username, child := range m.children {
		if err := child.SendFrame(levelFrame); err != nil {
			m.log.Warnf("distributed: failed publishing BranchLevel to child %s: %v", username, err)
		}
		if err := child.SendFrame(rootFrame); err != nil {
			m.log.Warnf("distributed: failed publishing BranchRoot to child %s: %v", username, err)
		}
	}
}

// selfPromote publishes this node as its own branch root after the
// configured grace period elapses with no parent established.
func (m *Manager) selfPromote() {
	if m.hasParent() {
		return
	}
	m.branchMu.Lock()
	m.branchLevel = 0
	m.branchRoot = m.selfUsername
	m.branchMu.Unlock()

	if err := m.server.SetBranchLevel(0); err != nil {
		m.log.Warnf("distributed: failed publishing self-promoted BranchLevel: %v", err)
	}
	if err := m.server.SetBranchRoot(m.selfUsername); err != nil {
		m.log.Warnf("distributed: failed publishing self-promoted BranchRoot: %v", err)
	}
	m.broadcastBranchState(0, m.selfUsername)
	m.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "distributed", Message: "self-promoted to branch root"})
}

// AdoptChildConnection implements listener.DistributedSink: it
// accepts username's incoming distributed child connection, subject
// to ChildLimit and AcceptChildren.
func (m *Manager) AdoptChildConnection(username string, mc *transport.MessageConnection) error {
	if !m.options.AcceptChildren {
		return ErrChildrenDisabled
	}

	m.childrenMu.Lock()
	if len(m.children) >= m.options.ChildLimit {
		m.childrenMu.Unlock()
		return ErrChildLimitReached
	}
	m.children[username] = mc
	m.childrenMu.Unlock()

	mc.OnDisconnect(func(error) {
		m.childrenMu.Lock()
		if current, ok := m.children[username]; ok && current == mc {
			delete(m.children, username)
		}
		m.childrenMu.Unlock()
		m.dedupMu.Lock()
		delete(m.dedup, mc.ID())
		m.dedupMu.Unlock()
	})

	level, root := m.BranchState()
	if err := mc.SendFrame(protocol.EncodeDistributedBranchLevel(level)); err != nil {
		m.log.Warnf("distributed: failed sending initial BranchLevel to %s: %v", username, err)
	}
	if err := mc.SendFrame(protocol.EncodeDistributedBranchRoot(root)); err != nil {
		m.log.Warnf("distributed: failed sending initial BranchRoot to %s: %v", username, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runChildLoop(username, mc)
	}()

	m.sink.Emit(diagnostics.Event{Level: diagnostics.Info, Source: "distributed", Message: fmt.Sprintf("adopted distributed child %s", username)})
	return nil
}

func (m *Manager) runChildLoop(username string, mc *transport.MessageConnection) {
	for frame := range mc.Received() {
		r, err := protocol.Decode(frame)
		if err != nil {
			m.log.Warnf("distributed: malformed frame from child %s: %v", username, err)
			continue
		}
		switch r.Code {
		case protocol.DistributedPing, protocol.DistributedChildDepth:
			// keepalive / informational only; no state kept beyond the
			// child connection itself.
		default:
			m.log.Debugf("distributed: unhandled child code %d from %s", r.Code, username)
		}
	}
}

// ResolveSolicitation implements listener.DistributedSink: it answers
// whether token matches an outstanding "D"-type solicitation.
func (m *Manager) ResolveSolicitation(token int32) (string, bool) {
	m.solMu.Lock()
	defer m.solMu.Unlock()
	username, ok := m.sols[token]
	if ok {
		delete(m.sols, token)
	}
	return username, ok
}

// HandleEmbeddedSearchRequest processes a SearchRequest delivered by
// the server inside an EmbeddedMessage envelope, used when this node has no parent and the server
// itself is acting as the branch-root relay.
func (m *Manager) HandleEmbeddedSearchRequest(ctx context.Context, frame []byte) {
	r, err := protocol.Decode(frame)
	if err != nil {
		m.log.Warnf("distributed: malformed embedded frame: %v", err)
		return
	}
	if r.Code != protocol.SearchRequest {
		m.log.Debugf("distributed: unhandled embedded code %d", r.Code)
		return
	}
	m.handleSearchRequest(ctx, "server-embedded", frame, r)
}

func (m *Manager) handleSearchRequest(ctx context.Context, connKey string, frame []byte, r *protocol.Reader) {
	if m.options.Deduplicate && m.dedupFor(connKey).seen(frame) {
		if m.caps.DeduplicatedCounter != nil {
			m.caps.DeduplicatedCounter.Inc()
		}
		return
	}

	m.broadcastToChildren(frame)
	if m.caps.ForwardedCounter != nil {
		m.caps.ForwardedCounter.Inc()
	}

	req, err := protocol.DecodeSearchRequest(r)
	if err != nil {
		m.log.Warnf("distributed: malformed SearchRequest: %v", err)
		return
	}

	if m.caps.SearchResponseResolver == nil {
		return
	}
	result, err := m.caps.SearchResponseResolver(ctx, req.Username, req.Token, req.Query)
	if err != nil {
		m.log.Warnf("distributed: SearchResponseResolver failed for %s/%d: %v", req.Username, req.Token, err)
		return
	}
	if result == nil || len(result.Files) == 0 {
		return
	}

	respFrame := protocol.EncodeSearchResponse(protocol.SearchResponseMessage{
		Username: m.selfUsername,
		Token:    req.Token,
		Files:    result.Files,
	})
	mc, err := m.peers.GetOrAddMessageConnection(ctx, req.Username, "")
	if err != nil {
		m.log.Warnf("distributed: could not reach %s to deliver search response: %v", req.Username, err)
		m.parkResponse(req.Username, respFrame)
		return
	}
	if err := mc.SendFrame(respFrame); err != nil {
		m.log.Warnf("distributed: failed sending SearchResponse to %s: %v", req.Username, err)
		m.parkResponse(req.Username, respFrame)
	}
}

func (m *Manager) parkResponse(username string, frame []byte) {
	if m.caps.SearchResponses != nil {
		m.caps.SearchResponses.Add(username, frame)
	}
}

func (m *Manager) broadcastToChildren(frame []byte) {
	m.childrenMu.Lock()
	defer m.childrenMu.Unlock()
	for username, child := range m.children {
		if err := child.SendFrame(frame); err != nil {
			m.log.Warnf("distributed: failed forwarding SearchRequest to child %s: %v", username, err)
		}
	}
}

func (m *Manager) dedupFor(connKey string) *dedupCache {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	d, ok := m.dedup[connKey]
	if !ok {
		d = newDedupCache(m.options.DedupWindow)
		m.dedup[connKey] = d
	}
	return d
}

// ChildCount reports the current number of adopted children, consumed
// by the metrics package as a gauge.
func (m *Manager) ChildCount() int {
	m.childrenMu.Lock()
	defer m.childrenMu.Unlock()
	return len(m.children)
}

// Close stops any in-flight parent search, disconnects the current
// parent and every child, and waits for all manager-owned goroutines
// to exit.
func (m *Manager) Close() {
	atomic.StoreInt32(&m.closed, 1)

	m.parentMu.Lock()
	if m.seekCancel != nil {
		m.seekCancel()
	}
	parent := m.parent
	m.parentMu.Unlock()
	if parent != nil {
		parent.Close(nil)
	}

	m.childrenMu.Lock()
	children := make([]*transport.MessageConnection, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.childrenMu.Unlock()
	for _, c := range children {
		c.Close(nil)
	}

	m.wg.Wait()
}
