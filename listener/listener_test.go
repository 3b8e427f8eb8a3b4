package listener

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/wire"
)

type fakePeers struct {
	mu             sync.Mutex
	pierced        map[uint32]bool
	addedMessage   []string
	addedTransfer  []uint32
}

func (f *fakePeers) CompletePierceFirewall(token uint32, nc net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pierced == nil {
		return false
	}
	return f.pierced[token]
}

func (f *fakePeers) AddMessageConnection(username string, nc net.Conn) *conn.MessageConnection {
	f.mu.Lock()
	f.addedMessage = append(f.addedMessage, username)
	f.mu.Unlock()
	return nil
}

func (f *fakePeers) AddTransferConnection(username string, token uint32, nc net.Conn) {
	f.mu.Lock()
	f.addedTransfer = append(f.addedTransfer, token)
	f.mu.Unlock()
}

type fakeDist struct {
	mu      sync.Mutex
	added   []string
	pierced bool
}

func (f *fakeDist) CompletePierceFirewall(token uint32, nc net.Conn) bool { return f.pierced }
func (f *fakeDist) AddChildConnection(ctx context.Context, username string, nc net.Conn, token uint32) error {
	f.mu.Lock()
	f.added = append(f.added, username)
	f.mu.Unlock()
	return nil
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return nc
}

func TestListenerRoutesPeerInitMessage(t *testing.T) {
	peers := &fakePeers{}
	dist := &fakeDist{}
	d := diag.New(zap.NewNop(), diag.LevelDebug)
	ln, err := Listen("127.0.0.1:0", peers, dist, d)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	nc := dial(t, ln.Addr().String())
	defer nc.Close()

	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPeerInit)
	w.WriteString("alice")
	w.WriteString("P")
	w.WriteUint32(7)
	if err := wire.WriteFrame(nc, w.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		peers.mu.Lock()
		got := len(peers.addedMessage) > 0
		peers.mu.Unlock()
		if got {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(peers.addedMessage) != 1 || peers.addedMessage[0] != "alice" {
		t.Fatalf("expected AddMessageConnection(alice), got %v", peers.addedMessage)
	}
}

func TestListenerRoutesPeerInitDistributed(t *testing.T) {
	peers := &fakePeers{}
	dist := &fakeDist{}
	d := diag.New(zap.NewNop(), diag.LevelDebug)
	ln, err := Listen("127.0.0.1:0", peers, dist, d)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	nc := dial(t, ln.Addr().String())
	defer nc.Close()

	w := wire.NewWriter()
	w.WriteByteCode(wire.InitPeerInit)
	w.WriteString("bob")
	w.WriteString("D")
	w.WriteUint32(9)
	if err := wire.WriteFrame(nc, w.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dist.mu.Lock()
		got := len(dist.added) > 0
		dist.mu.Unlock()
		if got {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(dist.added) != 1 || dist.added[0] != "bob" {
		t.Fatalf("expected AddChildConnection(bob), got %v", dist.added)
	}
}

func TestListenerClosesOnUnrecognizedInit(t *testing.T) {
	peers := &fakePeers{}
	dist := &fakeDist{}
	d := diag.New(zap.NewNop(), diag.LevelDebug)
	ln, err := Listen("127.0.0.1:0", peers, dist, d)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	nc := dial(t, ln.Addr().String())
	defer nc.Close()

	w := wire.NewWriter()
	w.WriteByteCode(99)
	if err := wire.WriteFrame(nc, w.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = nc.Read(buf)
	if err == nil {
		t.Fatal("expected socket to be closed by the listener")
	}
}
