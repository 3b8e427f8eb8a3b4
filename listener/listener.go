// Package listener accepts inbound TCP, reads the one initialization
// message each connection leads with, and routes the socket to the peer
// or distributed connection manager. All listener work is best-effort:
// initialization failures are logged and the socket is closed.
package listener

import (
	"context"
	"net"
	"sync"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/wire"
)

// PeerManager is the narrow slice of peermgr.Manager the Listener routes
// initialization messages to.
type PeerManager interface {
	CompletePierceFirewall(token uint32, nc net.Conn) bool
	AddMessageConnection(username string, nc net.Conn) *conn.MessageConnection
	AddTransferConnection(username string, token uint32, nc net.Conn)
}

// DistributedManager is the narrow slice of distmgr.Manager the Listener
// routes initialization messages to.
type DistributedManager interface {
	CompletePierceFirewall(token uint32, nc net.Conn) bool
	AddChildConnection(ctx context.Context, username string, nc net.Conn, token uint32) error
}

// Listener is the single inbound accept loop.
type Listener struct {
	ln    net.Listener
	peers PeerManager
	dist  DistributedManager
	diag  *diag.Bus

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen opens a TCP listener on addr (host:port or ":port") and returns a
// Listener ready for Serve.
func Listen(addr string, peers PeerManager, dist DistributedManager, d *diag.Bus) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, peers: peers, dist: dist, diag: d}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called. It
// blocks; run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, nc)
		}()
	}
}

// Close stops accepting new connections. Idempotent.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.ln.Close() })
	l.wg.Wait()
	return err
}

// handle reads the single initialization message on nc and dispatches it.
// Any failure is logged and the socket is closed; initialization is always
// best-effort.
func (l *Listener) handle(ctx context.Context, nc net.Conn) {
	body, err := wire.ReadFrame(nc)
	if err != nil {
		l.diag.Debugf("listener: failed to read initialization frame from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}

	r := wire.NewReader(body)
	code, err := r.ReadByteCode()
	if err != nil {
		l.diag.Debugf("listener: failed to read initialization code from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}

	switch code {
	case wire.InitPierceFirewall:
		l.handlePierceFirewall(r, nc)
	case wire.InitPeerInit:
		l.handlePeerInit(ctx, r, nc)
	default:
		l.diag.Warnf(nil, "UnrecognizedInitializationMessage: code %d from %s", code, nc.RemoteAddr())
		_ = nc.Close()
	}
}

func (l *Listener) handlePierceFirewall(r *wire.Reader, nc net.Conn) {
	token, err := r.ReadUint32()
	if err != nil {
		l.diag.Debugf("listener: malformed PierceFirewall from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	if l.peers.CompletePierceFirewall(token, nc) {
		return
	}
	if l.dist.CompletePierceFirewall(token, nc) {
		return
	}
	l.diag.Warnf(nil, "UnknownPierceFirewall: token %d from %s", token, nc.RemoteAddr())
	_ = nc.Close()
}

func (l *Listener) handlePeerInit(ctx context.Context, r *wire.Reader, nc net.Conn) {
	username, err := r.ReadString()
	if err != nil {
		l.diag.Debugf("listener: malformed PeerInit from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	typ, err := r.ReadString()
	if err != nil {
		l.diag.Debugf("listener: malformed PeerInit from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	token, err := r.ReadUint32()
	if err != nil {
		l.diag.Debugf("listener: malformed PeerInit from %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}

	switch wire.PeerInitType(typ) {
	case wire.PeerInitTypeMessage:
		l.peers.AddMessageConnection(username, nc)
	case wire.PeerInitTypeTransfer:
		l.peers.AddTransferConnection(username, token, nc)
	case wire.PeerInitTypeDistributed:
		if err := l.dist.AddChildConnection(ctx, username, nc, token); err != nil {
			l.diag.Debugf("listener: distributed child admission for %s failed: %v", username, err)
		}
	default:
		l.diag.Warnf(nil, "UnrecognizedInitializationMessage: PeerInit type %q from %s", typ, nc.RemoteAddr())
		_ = nc.Close()
	}
}
