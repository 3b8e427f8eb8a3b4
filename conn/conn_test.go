package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/slskgo/slskcore/slskcfg"
)

func localListener(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().String()
}

func TestConnectTransitionsToConnected(t *testing.T) {
	ln, addr := localListener(t)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
		}
	}()

	var transitions []State
	c := New(Key{Endpoint: addr}, FlagOutbound|FlagDirect|FlagPeer, slskcfg.DefaultConnectionOptions(), nil,
		func(old, new State, reason DisconnectReason, cause error) { transitions = append(transitions, new) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected Connected, got %s", c.State())
	}
	if len(transitions) < 2 || transitions[len(transitions)-1] != StateConnected {
		t.Errorf("expected a transition sequence ending in Connected, got %v", transitions)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, addr := localListener(t)
	ln.Close() // nothing listening now

	c := New(Key{Endpoint: addr}, FlagOutbound|FlagDirect|FlagPeer, slskcfg.DefaultConnectionOptions(), nil, nil)
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail against a closed listener")
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected Disconnected after failed connect, got %s", c.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ln, addr := localListener(t)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
		}
	}()

	c := New(Key{Endpoint: addr}, FlagOutbound|FlagDirect|FlagPeer, slskcfg.DefaultConnectionOptions(), nil, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Disconnect(ReasonRequested, nil); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := c.Disconnect(ReasonRequested, nil); err != nil {
		t.Fatalf("second disconnect should be a no-op, got: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected Disconnected, got %s", c.State())
	}
}

func TestHandoffTCPClientPreventsClose(t *testing.T) {
	ln, addr := localListener(t)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	c := New(Key{Endpoint: addr}, FlagOutbound|FlagDirect|FlagPeer, slskcfg.DefaultConnectionOptions(), nil, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	nc, err := c.HandoffTCPClient()
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	defer nc.Close()

	// Disconnect should not close the handed-off socket: writing through it
	// must still succeed.
	if err := c.Disconnect(ReasonSuperseded, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := nc.Write([]byte("hello")); err != nil {
		t.Errorf("expected handed-off socket to remain open, write failed: %v", err)
	}

	select {
	case peer := <-accepted:
		peer.Close()
	case <-time.After(time.Second):
		t.Fatal("server side never accepted")
	}
}

func TestWriteFailsWhenNotConnected(t *testing.T) {
	c := New(Key{Endpoint: "127.0.0.1:1"}, FlagOutbound, slskcfg.DefaultConnectionOptions(), nil, nil)
	if err := c.Write(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected write to fail before connecting")
	}
}
