// Command slskcore-demo wires a Listener, Peer Connection Manager, and
// Distributed Connection Manager together against a stub server
// connection, for manual smoke-testing of the core. It is not a download
// or search UI; logging into the real Soulseek server and issuing
// searches/transfers is left to a higher-level client built on this
// module.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/slskgo/slskcore/conn"
	"github.com/slskgo/slskcore/diag"
	"github.com/slskgo/slskcore/distmgr"
	"github.com/slskgo/slskcore/handlers"
	"github.com/slskgo/slskcore/listener"
	"github.com/slskgo/slskcore/peermgr"
	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/waiter"
	"github.com/slskgo/slskcore/wire"
)

// dispatchingPeers wraps *peermgr.Manager so every inbound peer message
// connection's MessageRead events feed the Message Handlers dispatcher,
// replying on the same connection.
type dispatchingPeers struct {
	*peermgr.Manager
	disp *handlers.Dispatcher
}

func (p *dispatchingPeers) AddMessageConnection(username string, nc net.Conn) *conn.MessageConnection {
	mc := p.Manager.AddMessageConnection(username, nc)
	mc.OnEvent(func(ev conn.MessageEvent) {
		if ev.Kind == conn.EventMessageRead {
			p.disp.HandlePeerMessage(context.Background(), username, ev.Body, mc)
		}
	})
	return mc
}

// CLIConfig is the parsed command-line configuration.
type CLIConfig struct {
	Username string
	Port     int
	Verbose  bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	fs := flag.NewFlagSet("slskcore-demo", flag.ContinueOnError)
	username := fs.String("username", "guest", "Local username advertised in PeerInit handshakes")
	port := fs.Int("port", 2234, "Listen port for incoming peer/distributed connections")
	verbose := fs.Bool("verbose", false, "Enable debug-level diagnostics")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &CLIConfig{Username: *username, Port: *port, Verbose: *verbose}, nil
}

// stubServer is a no-op Server collaborator: it never receives a real
// server login/lookup response, so every indirect-connect race leg simply
// fails and the direct leg is left to win on its own. That's sufficient
// for exercising the Listener/PeerManager/DistributedManager wiring
// without a live Soulseek server session.
type stubServer struct {
	diag *diag.Bus
}

func (s *stubServer) Connected() bool { return false }

func (s *stubServer) ConnectToPeer(ctx context.Context, username string, initType wire.PeerInitType, token uint32) error {
	s.diag.Debugf("stub server: would ask the server to solicit %s (token %d, type %s)", username, token, initType)
	return fmt.Errorf("slskcore-demo: no server session, cannot solicit an indirect connection")
}

func (s *stubServer) CannotConnect(ctx context.Context, token uint32, username string) error {
	s.diag.Infof("stub server: cannot-connect reported for %s (token %d)", username, token)
	return nil
}

func (s *stubServer) UpdateStatus(ctx context.Context, status distmgr.Status) error {
	s.diag.Infof("stub server: branch status now level=%d root=%q", status.BranchLevel, status.BranchRoot)
	return nil
}

func main() {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: slskcore-demo [-username NAME] [-port N] [-verbose]\n")
		os.Exit(1)
	}

	level := diag.LevelInfo
	if cliCfg.Verbose {
		level = diag.LevelDebug
	}
	logger, _ := zap.NewDevelopment()
	d := diag.New(logger, level)

	cfg := slskcfg.Default()
	w := waiter.New(cfg.MessageTimeout, nil)
	srv := &stubServer{diag: d}

	disp := handlers.New(w, handlers.DefaultResolvers(), d, cliCfg.Username)
	peers := &dispatchingPeers{
		Manager: peermgr.New(cliCfg.Username, cfg, nil, d, w, srv),
		disp:    disp,
	}
	dist := distmgr.New(cliCfg.Username, cfg, nil, d, w, srv)
	dist.OnParentLost = func() { d.Infof("lost our distributed parent") }
	dist.OnChildAdded = func(username string) { d.Infof("adopted distributed child %s", username) }

	addr := fmt.Sprintf(":%d", cliCfg.Port)
	ln, err := listener.Listen(addr, peers, dist, d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slskcore-demo: failed to listen on %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		d.Infof("shutting down...")
		cancel()
	}()

	go dist.RunStatusUpdates(ctx, time.Minute)

	d.Infof("slskcore-demo listening on %s as %q", ln.Addr(), cliCfg.Username)
	ln.Serve(ctx)
	w.CancelAll()
	d.Infof("slskcore-demo exited")
}
