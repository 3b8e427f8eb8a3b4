// Package distmgr manages this node's position in the distributed search
// tree: one parent connection, N children, branch-level/root bookkeeping,
// a parent-candidate race, and a watchdog that demotes the manager back
// to parent-acquisition mode on silence.
package distmgr

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/internal/racer"
	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/slskerr"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

// Candidate is a parent candidate offered by the server
// (PossibleParents).
type Candidate struct {
	Username string
	Endpoint string
}

// Status is the payload update_status composes.
type Status struct {
	HaveNoParent   bool
	ParentsIP      net.IP
	BranchLevel    int32
	BranchRoot     string
	ChildDepth     int32
	AcceptChildren bool
}

func (s Status) hash() uint64 {
	h := fnv.New64a()
	w := wire.NewWriter()
	w.WriteBool(s.HaveNoParent)
	if s.ParentsIP != nil {
		w.WriteBytes(s.ParentsIP.To4())
	} else {
		w.WriteUint32(0)
	}
	w.WriteInt32(s.BranchLevel)
	w.WriteString(s.BranchRoot)
	w.WriteInt32(s.ChildDepth)
	w.WriteBool(s.AcceptChildren)
	_, _ = h.Write(w.Bytes())
	return h.Sum64()
}

// Server is the narrow slice of the server connection this manager needs;
// the login/lookup layer behind it is an external collaborator.
type Server interface {
	Connected() bool
	ConnectToPeer(ctx context.Context, username string, initType wire.PeerInitType, token uint32) error
	CannotConnect(ctx context.Context, token uint32, username string) error
	UpdateStatus(ctx context.Context, status Status) error
}

// Manager owns the parent connection, the child set, and the branch
// state they share.
type Manager struct {
	localUsername string
	cfg           slskcfg.Config
	clock         clock.Clock
	diag          *diag.Bus
	wait          *waiter.Waiter
	server        Server

	tokens uint32Counter

	stateMu     sync.Mutex // guards branchLevel/branchRoot/parent together
	branchLevel int32
	branchRoot  string
	parent      *conn.MessageConnection

	children sync.Map // username -> *conn.MessageConnection

	candMu           sync.Mutex
	parentCandidates []Candidate

	pendingSolicitations sync.Map // uint32 token -> string username

	statusMu   sync.Mutex
	statusHash uint64

	watchdogCancel context.CancelFunc
	lastActivity   int64 // unix nanos, guarded by stateMu

	// OnParentLost is invoked after the manager resets branch state
	// following a parent disconnect or watchdog expiry, so the owning
	// client can re-enter acquisition with a fresh candidate list.
	OnParentLost func()

	// OnParentAdopted, OnChildAdded, and OnChildRemoved surface the
	// distributed topology events from the external interface. All may
	// be nil.
	OnParentAdopted func(username, endpoint string)
	OnChildAdded    func(username string)
	OnChildRemoved  func(username string)
}

type uint32Counter struct {
	mu sync.Mutex
	n  uint32
}

func (c *uint32Counter) next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// New constructs a Manager. clk may be nil to use the real wall clock.
func New(localUsername string, cfg slskcfg.Config, clk clock.Clock, d *diag.Bus, w *waiter.Waiter, server Server) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		localUsername: localUsername,
		cfg:           cfg,
		clock:         clk,
		diag:          d,
		wait:          w,
		server:        server,
	}
}

// HasParent reports whether the manager currently holds a live parent
// connection.
func (m *Manager) HasParent() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.parent != nil
}

// BranchLevel and BranchRoot expose the current branch-tree position.
func (m *Manager) BranchLevel() int32 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.branchLevel
}

func (m *Manager) BranchRoot() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.branchRoot
}

// SetParentCandidates replaces the candidate list, populated from the
// server's PossibleParents.
func (m *Manager) SetParentCandidates(candidates []Candidate) {
	m.candMu.Lock()
	defer m.candMu.Unlock()
	m.parentCandidates = append([]Candidate(nil), candidates...)
}

// AcquireParent races every known candidate concurrently; the first to
// reach "initial search request received" wins, the rest are
// disconnected. When every candidate fails, each one is purged from
// parentCandidates. When a candidate wins, no entry is removed: neither
// candidates that lost the race nor candidates that failed to connect.
func (m *Manager) AcquireParent(ctx context.Context) error {
	m.candMu.Lock()
	candidates := append([]Candidate(nil), m.parentCandidates...)
	m.candMu.Unlock()

	if len(candidates) == 0 {
		return slskerr.New(slskerr.KindConnectionError, "no parent candidates available")
	}

	legs := make(map[string]racer.Leg[adoptedParent], len(candidates))
	for _, c := range candidates {
		c := c
		legs[c.Username] = func(ctx context.Context) (adoptedParent, error) {
			return m.attemptCandidate(ctx, c)
		}
	}

	won, ok, failures := racer.First[adoptedParent](ctx, func(r racer.Result[adoptedParent]) {
		_ = r.Value.mc.Disconnect(conn.ReasonRequested, nil)
	}, legs)

	if !ok {
		for _, f := range failures {
			m.removeCandidate(f.Label)
			m.diag.Debugf("parent candidate %s failed: %v", f.Label, f.Err)
		}
		m.diag.Warnf(nil, "Failed to connect to any of the available parent candidates")
		return slskerr.New(slskerr.KindConnectionError, "failed to connect to any of the available parent candidates")
	}

	m.installParent(won.mc, won.info)
	_ = m.UpdateStatus(ctx)
	return nil
}

// adoptedParent pairs a winning candidate connection with the branch info it
// announced during its handshake.
type adoptedParent struct {
	mc   *conn.MessageConnection
	info branchInfo
}

type branchInfo struct {
	level int32
	root  string
}

// attemptCandidate connects to one candidate (direct+indirect race, type
// "D") and reads its initial BranchLevel, BranchRoot, and first
// SearchRequest before declaring victory.
func (m *Manager) attemptCandidate(ctx context.Context, c Candidate) (adoptedParent, error) {
	legs := map[string]racer.Leg[*conn.MessageConnection]{
		"direct":   func(ctx context.Context) (*conn.MessageConnection, error) { return m.connectDirect(ctx, c) },
		"indirect": func(ctx context.Context) (*conn.MessageConnection, error) { return m.connectIndirect(ctx, c) },
	}
	mc, ok, failures := racer.First[*conn.MessageConnection](ctx, func(r racer.Result[*conn.MessageConnection]) {
		_ = r.Value.Disconnect(conn.ReasonRequested, nil)
	}, legs)
	if !ok {
		var direct, indirect error
		for _, f := range failures {
			if f.Label == "direct" {
				direct = f.Err
			} else {
				indirect = f.Err
			}
		}
		return adoptedParent{}, slskerr.ConnectionError(c.Username, direct, indirect)
	}

	info, err := m.awaitInitialBranchInfo(ctx, mc)
	if err != nil {
		_ = mc.Disconnect(conn.ReasonError, err)
		return adoptedParent{}, err
	}
	return adoptedParent{mc: mc, info: info}, nil
}

func (m *Manager) connectDirect(ctx context.Context, c Candidate) (*conn.MessageConnection, error) {
	mc := conn.NewMessageConnection(c.Username, conn.Key{Username: c.Username, Endpoint: c.Endpoint}, conn.FlagOutbound|conn.FlagDirect|conn.FlagDistributed, m.cfg.DistributedConnectionOptions, m.clock, nil)
	if err := mc.Connect(ctx); err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPeerInit)
	w.WriteString(m.localUsername)
	w.WriteString(string(wire.PeerInitTypeDistributed))
	w.WriteUint32(m.tokens.next())
	if err := mc.WriteMessage(ctx, w.Bytes()); err != nil {
		_ = mc.Disconnect(conn.ReasonError, err)
		return nil, err
	}
	mc.StartReadingContinuously()
	return mc, nil
}

func (m *Manager) connectIndirect(ctx context.Context, c Candidate) (*conn.MessageConnection, error) {
	token := m.tokens.next()
	m.pendingSolicitations.Store(token, c.Username)
	defer m.pendingSolicitations.Delete(token)

	if err := m.server.ConnectToPeer(ctx, c.Username, wire.PeerInitTypeDistributed, token); err != nil {
		return nil, err
	}
	key := waiter.NewKey("SolicitedDistributedConnection", c.Username, token)
	nc, err := waiter.Wait[net.Conn](m.wait, ctx, key, m.cfg.MessageTimeout)
	if err != nil {
		return nil, err
	}
	mc := conn.NewMessageConnection(c.Username, conn.Key{Username: c.Username, Endpoint: nc.RemoteAddr().String()}, conn.FlagOutbound|conn.FlagIndirect|conn.FlagDistributed, m.cfg.DistributedConnectionOptions, m.clock, nil)
	mc.Adopt(nc)
	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPierceFirewall)
	w.WriteUint32(token)
	if err := mc.WriteMessage(ctx, w.Bytes()); err != nil {
		_ = mc.Disconnect(conn.ReasonError, err)
		return nil, err
	}
	mc.StartReadingContinuously()
	return mc, nil
}

// awaitInitialBranchInfo waits for the candidate's BranchLevel,
// BranchRoot, and first SearchRequest, using ad-hoc one-shot channels fed
// by the connection's own event stream rather than the shared Waiter,
// since these are purely local to the race.
func (m *Manager) awaitInitialBranchInfo(ctx context.Context, mc *conn.MessageConnection) (branchInfo, error) {
	var (
		mu                           sync.Mutex
		info                         branchInfo
		gotLevel, gotRoot, gotSearch bool
	)
	done := make(chan struct{})
	var once sync.Once

	mc.OnEvent(func(ev conn.MessageEvent) {
		if ev.Kind != conn.EventMessageRead || len(ev.Body) == 0 {
			return
		}
		r := wire.NewReader(ev.Body)
		code, err := r.ReadByteCode()
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch code {
		case wire.DistribBranchLevel:
			if v, err := r.ReadInt32(); err == nil {
				info.level = v
				gotLevel = true
			}
		case wire.DistribBranchRoot:
			if v, err := r.ReadString(); err == nil {
				info.root = v
				gotRoot = true
			}
		case wire.DistribSearchRequest:
			gotSearch = true
		}
		if gotLevel && gotRoot && gotSearch {
			once.Do(func() { close(done) })
		}
	})

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return info, nil
	case <-ctx.Done():
		return branchInfo{}, slskerr.New(slskerr.KindCancelled, "candidate did not complete branch handshake in time")
	}
}

func (m *Manager) removeCandidate(username string) {
	m.candMu.Lock()
	defer m.candMu.Unlock()
	out := m.parentCandidates[:0:0]
	for _, c := range m.parentCandidates {
		if c.Username != username {
			out = append(out, c)
		}
	}
	m.parentCandidates = out
}

func (m *Manager) installParent(mc *conn.MessageConnection, info branchInfo) {
	m.stateMu.Lock()
	m.parent = mc
	m.branchLevel = info.level
	m.branchRoot = info.root
	m.stateMu.Unlock()

	m.resetWatchdog()
	mc.OnEvent(func(ev conn.MessageEvent) {
		switch ev.Kind {
		case conn.EventDisconnected:
			m.onParentDisconnected()
		case conn.EventMessageRead:
			m.NotifyInboundDistributedActivity()
		}
	})
	if m.OnParentAdopted != nil {
		m.OnParentAdopted(mc.Username, mc.Key.Endpoint)
	}
}

// NotifyInboundDistributedActivity resets the parent watchdog; any
// inbound distributed message counts as proof of a live parent.
func (m *Manager) NotifyInboundDistributedActivity() {
	m.stateMu.Lock()
	m.lastActivity = m.clock.Now().UnixNano()
	m.stateMu.Unlock()
}

func (m *Manager) resetWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	m.stateMu.Lock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
	}
	m.watchdogCancel = cancel
	m.lastActivity = m.clock.Now().UnixNano()
	m.stateMu.Unlock()

	period := m.cfg.ParentWatchdogPeriod
	if period <= 0 {
		return
	}
	go func() {
		interval := period / 4
		if interval <= 0 {
			interval = period
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(interval):
				m.stateMu.Lock()
				last := m.lastActivity
				m.stateMu.Unlock()
				if m.clock.Now().Sub(time.Unix(0, last)) >= period {
					m.diag.Debugf("parent watchdog expired without inbound distributed activity")
					m.onParentDisconnected()
					return
				}
			}
		}
	}()
}

// onParentDisconnected resets branch state, drops the parent, pushes a
// status update, and hands control back to acquisition mode.
func (m *Manager) onParentDisconnected() {
	m.stateMu.Lock()
	if m.parent == nil {
		m.stateMu.Unlock()
		return
	}
	m.parent = nil
	m.branchLevel = 0
	m.branchRoot = ""
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
	m.stateMu.Unlock()

	_ = m.UpdateStatus(context.Background())
	if m.OnParentLost != nil {
		m.OnParentLost()
	}
}

// AddChildConnection admits an inbound/outbound distributed connection,
// rejecting with CannotConnect if the cap is reached, then writes branch
// info and starts reading.
func (m *Manager) AddChildConnection(ctx context.Context, username string, nc net.Conn, token uint32) error {
	if m.childCount() >= int(m.cfg.ConcurrentDistributedChildrenLimit) {
		_ = nc.Close()
		_ = m.server.CannotConnect(ctx, token, username)
		m.diag.Infof("rejected distributed child %s: children limit reached", username)
		return slskerr.New(slskerr.KindInvalidOperation, "concurrent distributed children limit reached")
	}

	mc := conn.NewMessageConnection(username, conn.Key{Username: username, Endpoint: nc.RemoteAddr().String()}, conn.FlagInbound|conn.FlagDirect|conn.FlagDistributed, m.cfg.DistributedConnectionOptions, m.clock, nil)
	mc.Adopt(nc)

	prevIface, loaded := m.children.Swap(username, mc)
	if loaded {
		if prev, ok := prevIface.(*conn.MessageConnection); ok && prev != mc {
			m.diag.Debugf("superseding existing distributed child for %s", username)
			_ = prev.Disconnect(conn.ReasonSuperseded, nil)
		}
	}
	mc.OnEvent(func(ev conn.MessageEvent) {
		if ev.Kind == conn.EventDisconnected {
			m.diag.Debugf("distributed child %s disconnected", username)
			if m.children.CompareAndDelete(username, mc) && m.OnChildRemoved != nil {
				m.OnChildRemoved(username)
			}
		}
	})

	if err := m.writeBranchInfoTo(ctx, mc); err != nil {
		return err
	}
	mc.StartReadingContinuously()
	if m.OnChildAdded != nil {
		m.OnChildAdded(username)
	}
	return nil
}

func (m *Manager) writeBranchInfoTo(ctx context.Context, mc *conn.MessageConnection) error {
	hasParent := m.HasParent()
	level := m.BranchLevel()
	root := m.BranchRoot()

	lw := wire.NewWriter()
	lw.WriteByteCode(wire.DistribBranchLevel)
	if hasParent {
		lw.WriteInt32(level + 1)
	} else {
		lw.WriteInt32(0)
	}
	if err := mc.WriteMessage(ctx, lw.Bytes()); err != nil {
		return err
	}
	if !hasParent {
		return nil
	}
	rw := wire.NewWriter()
	rw.WriteByteCode(wire.DistribBranchRoot)
	rw.WriteString(root)
	return mc.WriteMessage(ctx, rw.Bytes())
}

func (m *Manager) childCount() int {
	n := 0
	m.children.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// ChildCount exposes the current child count (tests/diagnostics).
func (m *Manager) ChildCount() int { return m.childCount() }

// CompletePierceFirewall is called by the Listener when an inbound
// PierceFirewall(token) arrives and matches a solicitation this manager
// registered.
func (m *Manager) CompletePierceFirewall(token uint32, nc net.Conn) bool {
	v, ok := m.pendingSolicitations.Load(token)
	if !ok {
		return false
	}
	username := v.(string)
	key := waiter.NewKey("SolicitedDistributedConnection", username, token)
	return m.wait.Complete(key, nc)
}

// Broadcast resets the parent watchdog, then writes bytes to every child
// in parallel; a per-child write failure disposes that child without
// aborting the broadcast.
func (m *Manager) Broadcast(ctx context.Context, framed []byte) {
	m.NotifyInboundDistributedActivity()

	var wg sync.WaitGroup
	m.children.Range(func(key, value interface{}) bool {
		username := key.(string)
		mc := value.(*conn.MessageConnection)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mc.WriteMessage(ctx, framed); err != nil {
				m.diag.Debugf("broadcast write to child %s failed: %v", username, err)
				_ = mc.Disconnect(conn.ReasonError, err)
			}
		}()
		return true
	})
	wg.Wait()
}

// SetBranchLevel and SetBranchRoot update the branch position atomically
// with parent.
func (m *Manager) SetBranchLevel(level int32) {
	m.stateMu.Lock()
	m.branchLevel = level
	m.stateMu.Unlock()
}

func (m *Manager) SetBranchRoot(root string) {
	m.stateMu.Lock()
	m.branchRoot = root
	m.stateMu.Unlock()
}

// UpdateStatus builds the status payload, skips the write if unchanged
// and the parent is still connected, otherwise updates the hash, writes
// to the server, and re-broadcasts branch info to every child.
func (m *Manager) UpdateStatus(ctx context.Context) error {
	m.stateMu.Lock()
	hasParent := m.parent != nil
	level := m.branchLevel
	root := m.branchRoot
	var parentIP net.IP
	if hasParent {
		if host, _, err := net.SplitHostPort(m.parent.Key.Endpoint); err == nil {
			parentIP = net.ParseIP(host)
		}
	}
	m.stateMu.Unlock()

	status := Status{
		HaveNoParent:   !hasParent,
		ParentsIP:      parentIP,
		BranchLevel:    level,
		BranchRoot:     root,
		ChildDepth:     0,
		AcceptChildren: m.childCount() < int(m.cfg.ConcurrentDistributedChildrenLimit),
	}

	newHash := status.hash()
	m.statusMu.Lock()
	unchanged := newHash == m.statusHash && hasParent
	if !unchanged {
		m.statusHash = newHash
	}
	m.statusMu.Unlock()
	if unchanged {
		return nil
	}

	var err error
	if m.server.Connected() {
		err = m.server.UpdateStatus(ctx, status)
		if err != nil {
			m.diag.Warnf(err, "failed to write status update to server")
		}
	} else {
		m.diag.Debugf("skipping status update: server not connected")
	}

	m.broadcastBranchInfo(ctx)
	return err
}

// RunStatusUpdates re-evaluates the status payload on a fixed period
// until ctx is cancelled. The hash check inside UpdateStatus keeps
// unchanged periods from writing anything.
func (m *Manager) RunStatusUpdates(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(period):
			_ = m.UpdateStatus(ctx)
		}
	}
}

func (m *Manager) broadcastBranchInfo(ctx context.Context) {
	level := m.BranchLevel()
	root := m.BranchRoot()

	w := wire.NewWriter()
	w.WriteByteCode(wire.DistribBranchLevel)
	w.WriteInt32(level + 1)
	rw := wire.NewWriter()
	rw.WriteByteCode(wire.DistribBranchRoot)
	rw.WriteString(root)

	combined := append(append([]byte{}, w.Bytes()...), rw.Bytes()...)
	m.Broadcast(ctx, combined)
}
