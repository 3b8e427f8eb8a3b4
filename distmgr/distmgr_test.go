package distmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

func fakeMessageConn(t *testing.T, username string, nc net.Conn) *conn.MessageConnection {
	t.Helper()
	mc := conn.NewMessageConnection(username, conn.Key{Username: username, Endpoint: nc.RemoteAddr().String()}, conn.FlagOutbound|conn.FlagDirect|conn.FlagDistributed, slskcfg.DefaultConnectionOptions(), nil, nil)
	mc.Adopt(nc)
	return mc
}

type fakeServer struct {
	connected        bool
	cannotConnectLog []struct {
		token    uint32
		username string
	}
	statusUpdates []Status
}

func (f *fakeServer) Connected() bool { return f.connected }
func (f *fakeServer) ConnectToPeer(ctx context.Context, username string, initType wire.PeerInitType, token uint32) error {
	return nil
}
func (f *fakeServer) CannotConnect(ctx context.Context, token uint32, username string) error {
	f.cannotConnectLog = append(f.cannotConnectLog, struct {
		token    uint32
		username string
	}{token, username})
	return nil
}
func (f *fakeServer) UpdateStatus(ctx context.Context, status Status) error {
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func newTestManager(t *testing.T, clk clock.Clock, srv Server) *Manager {
	t.Helper()
	cfg := slskcfg.Default()
	cfg.ConcurrentDistributedChildrenLimit = 1
	d := diag.New(zap.NewNop(), diag.LevelDebug)
	w := waiter.New(time.Second, clk)
	return New("me", cfg, clk, d, w, srv)
}

func readFrame(t *testing.T, nc net.Conn) (uint8, []byte) {
	t.Helper()
	body, err := wire.ReadFrame(nc)
	require.NoError(t, err)
	r := wire.NewReader(body)
	code, err := r.ReadByteCode()
	require.NoError(t, err)
	return code, body
}

func TestChildAdmissionCap(t *testing.T) {
	srv := &fakeServer{connected: true}
	m := newTestManager(t, nil, srv)

	a1, a2 := net.Pipe()
	defer a2.Close()
	require.NoError(t, m.AddChildConnection(context.Background(), "alice", a1, 1))
	require.Equal(t, 1, m.ChildCount())

	// Drain alice's branch-level frame so the pipe doesn't block.
	readFrame(t, a2)

	b1, b2 := net.Pipe()
	defer b2.Close()
	err := m.AddChildConnection(context.Background(), "bob", b1, 42)
	require.Error(t, err)
	require.Equal(t, 1, m.ChildCount())
	require.Len(t, srv.cannotConnectLog, 1)
	require.Equal(t, uint32(42), srv.cannotConnectLog[0].token)
	require.Equal(t, "bob", srv.cannotConnectLog[0].username)
}

func TestChildAdmissionWritesBranchLevelZeroWithoutParent(t *testing.T) {
	srv := &fakeServer{connected: true}
	m := newTestManager(t, nil, srv)

	a1, a2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	require.NoError(t, m.AddChildConnection(context.Background(), "alice", a1, 1))

	code, body := readFrame(t, a2)
	require.Equal(t, wire.DistribBranchLevel, code)
	r := wire.NewReader(body)
	_, _ = r.ReadByteCode()
	level, err := r.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(0), level)
}

func TestBranchPropagationOnUpdateStatus(t *testing.T) {
	srv := &fakeServer{connected: true}
	m := newTestManager(t, nil, srv)
	m.cfg.ConcurrentDistributedChildrenLimit = 10

	a1, a2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	require.NoError(t, m.AddChildConnection(context.Background(), "alice", a1, 1))
	readFrame(t, a2) // initial BranchLevel(0)

	m.SetBranchLevel(5)
	m.SetBranchRoot("root-user")

	go func() { _ = m.UpdateStatus(context.Background()) }()

	code1, body1 := readFrame(t, a2)
	require.Equal(t, wire.DistribBranchLevel, code1)
	r := wire.NewReader(body1)
	_, _ = r.ReadByteCode()
	level, _ := r.ReadInt32()
	require.Equal(t, int32(6), level)

	code2, body2 := readFrame(t, a2)
	require.Equal(t, wire.DistribBranchRoot, code2)
	r2 := wire.NewReader(body2)
	_, _ = r2.ReadByteCode()
	root, _ := r2.ReadString()
	require.Equal(t, "root-user", root)

	require.Len(t, srv.statusUpdates, 1)
	require.Equal(t, int32(5), srv.statusUpdates[0].BranchLevel)
}

func TestParentWatchdogExpiryResetsBranchState(t *testing.T) {
	mock := clock.NewMock()
	srv := &fakeServer{connected: true}
	m := newTestManager(t, mock, srv)
	m.cfg.ParentWatchdogPeriod = 4 * time.Second

	lost := make(chan struct{}, 1)
	m.OnParentLost = func() { lost <- struct{}{} }

	a1, a2 := net.Pipe()
	defer a2.Close()
	parent := fakeMessageConn(t, "parent", a1)
	m.installParent(parent, branchInfo{level: 3, root: "X"})
	require.Equal(t, int32(3), m.BranchLevel())
	require.Equal(t, "X", m.BranchRoot())

	// Step the mock clock forward in increments, matching the watchdog's
	// own interval granularity, so each scheduled timer has a chance to
	// fire and reschedule before the next Add.
	for i := 0; i < 6; i++ {
		mock.Add(1100 * time.Millisecond)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnParentLost to fire after watchdog expiry")
	}

	require.False(t, m.HasParent())
	require.Equal(t, int32(0), m.BranchLevel())
	require.Equal(t, "", m.BranchRoot())
	require.NotEmpty(t, srv.statusUpdates)
}
