// Package conn models a single TCP stream as an explicit state machine:
// Pending -> Connecting -> Connected -> {Disconnecting -> Disconnected},
// with serialized writes, an optional inactivity watchdog, and a
// message-framed variant that reads continuously.
package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"

	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/slskerr"
)

// State is a Connection's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// TypeFlags is the bitset over a Connection's role.
type TypeFlags uint16

const (
	FlagInbound TypeFlags = 1 << iota
	FlagOutbound
	FlagDirect
	FlagIndirect
	FlagPeer
	FlagTransfer
	FlagDistributed
	FlagServer
)

func (f TypeFlags) Has(flag TypeFlags) bool { return f&flag != 0 }

// DisconnectReason names why a Connection left the Connected state, used in
// the Disconnected event and in diagnostics.
type DisconnectReason string

const (
	ReasonRequested  DisconnectReason = "Requested"
	ReasonInactivity DisconnectReason = "Inactivity"
	ReasonSuperseded DisconnectReason = "Superseded"
	ReasonError      DisconnectReason = "Error"
)

// Key identifies a Connection within its owning pool:
// (Username, Endpoint) for message connections, (Endpoint) alone for
// transfer connections.
type Key struct {
	Username string
	Endpoint string
}

// StateChangeFunc is invoked synchronously on every state transition.
type StateChangeFunc func(old, new State, reason DisconnectReason, cause error)

// Connection is a single TCP stream state machine.
type Connection struct {
	ID   uuid.UUID
	Key  Key
	Type TypeFlags

	opts  slskcfg.ConnectionOptions
	clock clock.Clock

	mu           sync.Mutex // serializes state transitions and socket swaps
	writeMu      sync.Mutex // serializes writes
	state        atomic.Int32
	nc           net.Conn
	handedOff    bool
	lastReadAt   atomic.Int64 // unix nanos, for the inactivity watchdog
	stopWatchdog context.CancelFunc

	onStateChange StateChangeFunc
}

// New constructs a Connection in State Pending. clk may be nil to use the
// real wall clock.
func New(key Key, typ TypeFlags, opts slskcfg.ConnectionOptions, clk clock.Clock, onStateChange StateChangeFunc) *Connection {
	if clk == nil {
		clk = clock.New()
	}
	c := &Connection{
		ID:            uuid.New(),
		Key:           key,
		Type:          typ,
		opts:          opts,
		clock:         clk,
		onStateChange: onStateChange,
	}
	c.state.Store(int32(StatePending))
	return c
}

// State returns the current state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(new State, reason DisconnectReason, cause error) {
	old := State(c.state.Swap(int32(new)))
	if old == new {
		return
	}
	if c.onStateChange != nil {
		c.onStateChange(old, new, reason, cause)
	}
}

// Connect dials Key.Endpoint (already resolved to host:port), racing
// against opts.ConnectTimeout and ctx cancellation. Idempotent when already
// Connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateConnecting, "", nil)
	c.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if c.opts.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", c.Key.Endpoint)
	if err != nil {
		c.setState(StateDisconnected, ReasonError, err)
		if dialCtx.Err() == context.DeadlineExceeded {
			return slskerr.Wrap(slskerr.KindTimeout, "connect timed out", err)
		}
		if ctx.Err() == context.Canceled {
			return slskerr.Wrap(slskerr.KindCancelled, "connect cancelled", err)
		}
		return slskerr.Wrap(slskerr.KindConnectionRefused, "connect failed", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.lastReadAt.Store(c.clock.Now().UnixNano())
	c.mu.Unlock()
	c.setState(StateConnected, "", nil)
	c.startInactivityWatchdog()
	return nil
}

// Adopt installs an already-connected net.Conn (e.g. one handed off by a
// Listener after PierceFirewall/PeerInit) and transitions directly to
// Connected.
func (c *Connection) Adopt(nc net.Conn) {
	c.mu.Lock()
	c.nc = nc
	c.lastReadAt.Store(c.clock.Now().UnixNano())
	c.mu.Unlock()
	c.setState(StateConnected, "", nil)
	c.startInactivityWatchdog()
}

func (c *Connection) startInactivityWatchdog() {
	if c.opts.InactivityTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopWatchdog = cancel
	c.mu.Unlock()

	go func() {
		interval := c.opts.InactivityTimeout / 4
		if interval <= 0 {
			interval = c.opts.InactivityTimeout
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(interval):
				last := time.Unix(0, c.lastReadAt.Load())
				if c.clock.Now().Sub(last) >= c.opts.InactivityTimeout {
					_ = c.Disconnect(ReasonInactivity, nil)
					return
				}
			}
		}
	}()
}

// Read returns exactly n bytes or fails. Resets the inactivity timer on
// success.
func (c *Connection) Read(ctx context.Context, n int) ([]byte, error) {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if c.State() != StateConnected || nc == nil {
		return nil, slskerr.New(slskerr.KindNotConnected, "read on a non-connected connection")
	}

	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := readFull(nc, buf)
		done <- err
	}()

	select {
	case <-ctx.Done():
		_ = nc.Close()
		return nil, slskerr.New(slskerr.KindCancelled, "read cancelled")
	case err := <-done:
		if err != nil {
			return nil, slskerr.Wrap(slskerr.KindIO, "read failed", err)
		}
		c.lastReadAt.Store(c.clock.Now().UnixNano())
		return buf, nil
	}
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write serializes writes per connection and fails fast if the
// connection is not Connected.
func (c *Connection) Write(ctx context.Context, b []byte) error {
	if c.State() != StateConnected {
		return slskerr.New(slskerr.KindNotConnected, "write on a non-connected connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return slskerr.New(slskerr.KindNotConnected, "write on a non-connected connection")
	}

	done := make(chan error, 1)
	go func() {
		_, err := nc.Write(b)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return slskerr.New(slskerr.KindCancelled, "write cancelled")
	case err := <-done:
		if err != nil {
			return slskerr.Wrap(slskerr.KindIO, "write failed", err)
		}
		return nil
	}
}

// Disconnect transitions to Disconnecting then Disconnected, closing the
// socket. Idempotent.
func (c *Connection) Disconnect(reason DisconnectReason, cause error) error {
	c.mu.Lock()
	if c.State() == StateDisconnected || c.State() == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateDisconnecting, reason, cause)
	nc := c.nc
	handedOff := c.handedOff
	if c.stopWatchdog != nil {
		c.stopWatchdog()
	}
	c.mu.Unlock()

	if nc != nil && !handedOff {
		_ = nc.Close()
	}
	c.setState(StateDisconnected, reason, cause)
	return nil
}

// HandoffTCPClient transfers ownership of the underlying socket to a new
// MessageConnection. After
// this call, Disconnect on this Connection will not close the socket.
func (c *Connection) HandoffTCPClient() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, slskerr.New(slskerr.KindInvalidOperation, "no underlying socket to hand off")
	}
	nc := c.nc
	c.handedOff = true
	return nc, nil
}
