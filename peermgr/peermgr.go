// Package peermgr maintains the peer connection pool: a named pool of
// per-user message connections plus solicited/unsolicited transfer
// connections, built around a direct/indirect connect race and a
// supersede-on-duplicate discipline.
package peermgr

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/singleflight"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/internal/racer"
	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/slskerr"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

// Server is the narrow slice of the server connection this manager needs;
// the login/lookup layer behind it is an external collaborator.
type Server interface {
	ConnectToPeer(ctx context.Context, username string, initType wire.PeerInitType, token uint32) error
	CannotConnect(ctx context.Context, token uint32, username string) error
}

// Manager owns the per-user message connection pool, the pending
// solicitation table, and the transfer connection handshakes.
type Manager struct {
	localUsername string
	cfg           slskcfg.Config
	clock         clock.Clock
	diag          *diag.Bus
	wait          *waiter.Waiter
	server        Server

	tokens atomic.Uint32

	messageConns sync.Map // username -> *conn.MessageConnection
	sf           singleflight.Group

	pendingSolicitations sync.Map // uint32 token -> solicitation

	transferConnsMu sync.Mutex
	transferConns   map[transferKey]int // multiset of (username, token)
}

type transferKey struct {
	username string
	token    uint32
}

// solicitation records who an outstanding ConnectToPeer request targets and
// which handshake type it asked for, so an inbound PierceFirewall completes
// the right wait.
type solicitation struct {
	username string
	initType wire.PeerInitType
}

// New constructs a Manager. clk may be nil to use the real wall clock.
func New(localUsername string, cfg slskcfg.Config, clk clock.Clock, d *diag.Bus, w *waiter.Waiter, server Server) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		localUsername: localUsername,
		cfg:           cfg,
		clock:         clk,
		diag:          d,
		wait:          w,
		server:        server,
		transferConns: make(map[transferKey]int),
	}
	m.tokens.Store(cfg.StartingToken)
	return m
}

func (m *Manager) nextToken() uint32 { return m.tokens.Add(1) }

// GetOrAddMessageConnection returns the live MessageConnection for
// username, establishing one via a direct+indirect race if none exists.
// Concurrent callers for the same username coalesce to a single dial.
func (m *Manager) GetOrAddMessageConnection(ctx context.Context, username, endpoint string) (*conn.MessageConnection, error) {
	if existing, ok := m.messageConns.Load(username); ok {
		mc := existing.(*conn.MessageConnection)
		if mc.State() != conn.StateDisconnected {
			return mc, nil
		}
	}

	v, err, _ := m.sf.Do(username, func() (interface{}, error) {
		if existing, ok := m.messageConns.Load(username); ok {
			mc := existing.(*conn.MessageConnection)
			if mc.State() != conn.StateDisconnected {
				return mc, nil
			}
		}
		if m.MessageConnectionCount() >= int(m.cfg.ConcurrentPeerMessageConnLimit) {
			return nil, slskerr.New(slskerr.KindInvalidOperation, "concurrent peer message connection limit reached")
		}

		legs := map[string]racer.Leg[*conn.MessageConnection]{
			"direct":   func(ctx context.Context) (*conn.MessageConnection, error) { return m.connectDirect(ctx, username, endpoint) },
			"indirect": func(ctx context.Context) (*conn.MessageConnection, error) { return m.connectIndirect(ctx, username) },
		}
		mc, ok, failures := racer.First[*conn.MessageConnection](ctx, func(r racer.Result[*conn.MessageConnection]) {
			m.diag.Debugf("established first, attempting to cancel")
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
			return nil, slskerr.ConnectionError(username, direct, indirect)
		}

		mc.StartReadingContinuously()
		m.install(username, mc)
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn.MessageConnection), nil
}

func (m *Manager) connectDirect(ctx context.Context, username, endpoint string) (*conn.MessageConnection, error) {
	mc := conn.NewMessageConnection(username, conn.Key{Username: username, Endpoint: endpoint}, conn.FlagOutbound|conn.FlagDirect|conn.FlagPeer, m.cfg.PeerConnectionOptions, m.clock, nil)
	if err := mc.Connect(ctx); err != nil {
		return nil, err
	}
	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPeerInit)
	w.WriteString(m.localUsername)
	w.WriteString(string(wire.PeerInitTypeMessage))
	w.WriteUint32(m.nextToken())
	if err := mc.WriteMessage(ctx, w.Bytes()); err != nil {
		_ = mc.Disconnect(conn.ReasonError, err)
		return nil, err
	}
	return mc, nil
}

func (m *Manager) connectIndirect(ctx context.Context, username string) (*conn.MessageConnection, error) {
	token := m.nextToken()
	m.pendingSolicitations.Store(token, solicitation{username: username, initType: wire.PeerInitTypeMessage})
	defer m.pendingSolicitations.Delete(token)

	if err := m.server.ConnectToPeer(ctx, username, wire.PeerInitTypeMessage, token); err != nil {
		return nil, err
	}

	key := waiter.NewKey("SolicitedPeerConnection", username, token)
	nc, err := waiter.Wait[net.Conn](m.wait, ctx, key, m.cfg.MessageTimeout)
	if err != nil {
		return nil, err
	}

	mc := conn.NewMessageConnection(username, conn.Key{Username: username, Endpoint: nc.RemoteAddr().String()}, conn.FlagOutbound|conn.FlagIndirect|conn.FlagPeer, m.cfg.PeerConnectionOptions, m.clock, nil)
	mc.Adopt(nc)

	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPierceFirewall)
	w.WriteUint32(token)
	if err := mc.WriteMessage(ctx, w.Bytes()); err != nil {
		_ = mc.Disconnect(conn.ReasonError, err)
		return nil, err
	}
	return mc, nil
}

// CompletePierceFirewall is called by the Listener when an
// inbound PierceFirewall(token) arrives and token matches a solicitation
// this manager registered. Returns false if token is unknown here (the
// Listener then checks the Distributed manager next).
func (m *Manager) CompletePierceFirewall(token uint32, nc net.Conn) bool {
	v, ok := m.pendingSolicitations.Load(token)
	if !ok {
		return false
	}
	sol := v.(solicitation)
	var key waiter.Key
	if sol.initType == wire.PeerInitTypeTransfer {
		key = waiter.NewKey("SolicitedTransferConnection", sol.username, token)
	} else {
		key = waiter.NewKey("SolicitedPeerConnection", sol.username, token)
	}
	return m.wait.Complete(key, nc)
}

// AddMessageConnection installs an inbound peer message connection,
// superseding any prior entry for username: the prior connection is
// disconnected with ReasonSuperseded and nothing else is disposed from
// this code path.
func (m *Manager) AddMessageConnection(username string, nc net.Conn) *conn.MessageConnection {
	mc := conn.NewMessageConnection(username, conn.Key{Username: username, Endpoint: nc.RemoteAddr().String()}, conn.FlagInbound|conn.FlagDirect|conn.FlagPeer, m.cfg.PeerConnectionOptions, m.clock, nil)
	mc.Adopt(nc)
	mc.StartReadingContinuously()
	m.install(username, mc)
	return mc
}

func (m *Manager) install(username string, mc *conn.MessageConnection) {
	prevIface, loaded := m.messageConns.Swap(username, mc)
	if loaded {
		if prev, ok := prevIface.(*conn.MessageConnection); ok && prev != mc {
			m.diag.Debugf("superseding existing message connection for %s", username)
			_ = prev.Disconnect(conn.ReasonSuperseded, nil)
		}
	}
	mc.OnEvent(func(ev conn.MessageEvent) {
		if ev.Kind == conn.EventDisconnected {
			m.messageConns.CompareAndDelete(username, mc)
		}
	})
}

// AddTransferConnection completes the DirectTransfer wait for an inbound
// transfer connection. token is the one carried by the
// PeerInit header that the Listener already decoded.
func (m *Manager) AddTransferConnection(username string, token uint32, nc net.Conn) {
	key := waiter.NewKey("DirectTransfer", username, token)
	if !m.wait.Complete(key, nc) {
		m.diag.Debugf("no pending transfer wait for %s/%d, closing inbound transfer socket", username, token)
		_ = nc.Close()
	}
}

// GetDownloadTransferConnection obtains the data stream for a download:
// the remote solicited us via the server; we dial directly, pierce the
// firewall with remoteToken, then read the 4-byte token the remote assigns
// the stream.
func (m *Manager) GetDownloadTransferConnection(ctx context.Context, username, endpoint string, remoteToken uint32) (*conn.Connection, uint32, error) {
	c := conn.New(conn.Key{Username: username, Endpoint: endpoint}, conn.FlagOutbound|conn.FlagDirect|conn.FlagTransfer, m.cfg.TransferConnectionOptions, m.clock, nil)
	if err := c.Connect(ctx); err != nil {
		return nil, 0, err
	}
	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPierceFirewall)
	w.WriteUint32(remoteToken)
	if err := c.Write(ctx, w.Bytes()); err != nil {
		_ = c.Disconnect(conn.ReasonError, err)
		return nil, 0, err
	}
	tokenBytes, err := c.Read(ctx, 4)
	if err != nil {
		_ = c.Disconnect(conn.ReasonError, err)
		return nil, 0, err
	}
	return c, binary.LittleEndian.Uint32(tokenBytes), nil
}

// GetUploadTransferConnection mirrors the message-connection race but for
// a transfer-type handshake, returning the winning raw Connection and the
// token assigned to it.
func (m *Manager) GetUploadTransferConnection(ctx context.Context, username, endpoint string) (*conn.Connection, uint32, error) {
	token := m.nextToken()
	m.addTransferMultiset(username, token)
	defer m.removeTransferMultiset(username, token)

	legs := map[string]racer.Leg[*conn.Connection]{
		"direct": func(ctx context.Context) (*conn.Connection, error) {
			c := conn.New(conn.Key{Username: username, Endpoint: endpoint}, conn.FlagOutbound|conn.FlagDirect|conn.FlagTransfer, m.cfg.TransferConnectionOptions, m.clock, nil)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			w := wire.NewWriter()
			w.WriteByteCode(wire.InitPeerInit)
			w.WriteString(m.localUsername)
			w.WriteString(string(wire.PeerInitTypeTransfer))
			w.WriteUint32(token)
			if err := c.Write(ctx, w.Bytes()); err != nil {
				_ = c.Disconnect(conn.ReasonError, err)
				return nil, err
			}
			var tokenBuf [4]byte
			binary.LittleEndian.PutUint32(tokenBuf[:], token)
			if err := c.Write(ctx, tokenBuf[:]); err != nil {
				_ = c.Disconnect(conn.ReasonError, err)
				return nil, err
			}
			return c, nil
		},
		"indirect": func(ctx context.Context) (*conn.Connection, error) {
			m.pendingSolicitations.Store(token, solicitation{username: username, initType: wire.PeerInitTypeTransfer})
			defer m.pendingSolicitations.Delete(token)
			if err := m.server.ConnectToPeer(ctx, username, wire.PeerInitTypeTransfer, token); err != nil {
				return nil, err
			}
			key := waiter.NewKey("SolicitedTransferConnection", username, token)
			nc, err := waiter.Wait[net.Conn](m.wait, ctx, key, m.cfg.MessageTimeout)
			if err != nil {
				return nil, err
			}
			c := conn.New(conn.Key{Username: username, Endpoint: nc.RemoteAddr().String()}, conn.FlagOutbound|conn.FlagIndirect|conn.FlagTransfer, m.cfg.TransferConnectionOptions, m.clock, nil)
			c.Adopt(nc)
			w := wire.NewWriter()
			w.WriteByteCode(wire.InitPierceFirewall)
			w.WriteUint32(token)
			if err := c.Write(ctx, w.Bytes()); err != nil {
				_ = c.Disconnect(conn.ReasonError, err)
				return nil, err
			}
			var tokenBuf [4]byte
			binary.LittleEndian.PutUint32(tokenBuf[:], token)
			if err := c.Write(ctx, tokenBuf[:]); err != nil {
				_ = c.Disconnect(conn.ReasonError, err)
				return nil, err
			}
			return c, nil
		},
	}

	c, ok, failures := racer.First[*conn.Connection](ctx, func(r racer.Result[*conn.Connection]) {
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
		return nil, 0, slskerr.ConnectionError(username, direct, indirect)
	}
	return c, token, nil
}

func (m *Manager) addTransferMultiset(username string, token uint32) {
	m.transferConnsMu.Lock()
	defer m.transferConnsMu.Unlock()
	m.transferConns[transferKey{username, token}]++
}

func (m *Manager) removeTransferMultiset(username string, token uint32) {
	m.transferConnsMu.Lock()
	defer m.transferConnsMu.Unlock()
	k := transferKey{username, token}
	if m.transferConns[k] <= 1 {
		delete(m.transferConns, k)
	} else {
		m.transferConns[k]--
	}
}

// MessageConnectionCount returns the number of entries in the pool
// (diagnostics/tests).
func (m *Manager) MessageConnectionCount() int {
	n := 0
	m.messageConns.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Lookup returns the current message connection for username, if any.
func (m *Manager) Lookup(username string) (*conn.MessageConnection, bool) {
	v, ok := m.messageConns.Load(username)
	if !ok {
		return nil, false
	}
	return v.(*conn.MessageConnection), true
}
