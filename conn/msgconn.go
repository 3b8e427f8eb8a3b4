package conn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andres-erbsen/clock"

	"github.com/slskgo/slskcore/slskcfg"
	"github.com/slskgo/slskcore/slskerr"
	"github.com/slskgo/slskcore/wire"
)

// MessageEvent is emitted by a MessageConnection's continuous reader.
type MessageEvent struct {
	Kind    MessageEventKind
	Body    []byte // full message (code + payload), for MessageRead
	Code    uint32 // not set by the continuous reader; the code is the leading bytes of Body
	Current int    // for MessageDataRead
	Total   int    // for MessageReceived/MessageDataRead
	Reason  DisconnectReason
	Cause   error
}

// MessageEventKind discriminates a MessageEvent.
type MessageEventKind int

const (
	EventConnected MessageEventKind = iota
	EventDisconnected
	EventMessageRead
	EventMessageDataRead
	EventMessageReceived
)

// MessageConnection adds a continuous framed-message read loop and an
// outbound write queue to a Connection. Invariant: at most one reader
// goroutine per connection.
type MessageConnection struct {
	*Connection
	Username string

	readingOnce sync.Once
	reading     atomic.Bool

	eventsMu sync.RWMutex
	handlers []func(MessageEvent)

	writeQueue  chan []byte
	writeDone   chan struct{}
	startWriter sync.Once
	stopWriter  sync.Once
}

// NewMessageConnection wraps a fresh Connection as a MessageConnection.
func NewMessageConnection(username string, key Key, typ TypeFlags, opts slskcfg.ConnectionOptions, clk clock.Clock, onStateChange StateChangeFunc) *MessageConnection {
	mc := &MessageConnection{
		Username:   username,
		writeQueue: make(chan []byte, 256),
		writeDone:  make(chan struct{}),
	}
	mc.Connection = New(key, typ, opts, clk, func(old, new State, reason DisconnectReason, cause error) {
		if onStateChange != nil {
			onStateChange(old, new, reason, cause)
		}
		switch new {
		case StateConnected:
			mc.startWriter.Do(func() { go mc.writeLoop() })
			mc.emit(MessageEvent{Kind: EventConnected})
		case StateDisconnected:
			mc.stopWriter.Do(func() { close(mc.writeDone) })
			mc.emit(MessageEvent{Kind: EventDisconnected, Reason: reason, Cause: cause})
		}
	})
	return mc
}

// OnEvent registers fn to receive every future MessageEvent.
func (mc *MessageConnection) OnEvent(fn func(MessageEvent)) {
	mc.eventsMu.Lock()
	defer mc.eventsMu.Unlock()
	mc.handlers = append(mc.handlers, fn)
}

func (mc *MessageConnection) emit(ev MessageEvent) {
	mc.eventsMu.RLock()
	handlers := append([]func(MessageEvent){}, mc.handlers...)
	mc.eventsMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// StartReadingContinuously spawns exactly one reader goroutine that loops:
// read the 4-byte length, read the payload, emit MessageReceived then
// MessageRead. Idempotent: a second call is a no-op.
func (mc *MessageConnection) StartReadingContinuously() {
	mc.readingOnce.Do(func() {
		mc.reading.Store(true)
		go mc.readLoop()
	})
}

// IsReadingContinuously reports whether the continuous reader is active.
func (mc *MessageConnection) IsReadingContinuously() bool { return mc.reading.Load() }

func (mc *MessageConnection) readLoop() {
	defer mc.reading.Store(false)
	for {
		if mc.State() != StateConnected {
			return
		}
		lenBytes, err := mc.Connection.Read(context.Background(), 4)
		if err != nil {
			_ = mc.Disconnect(ReasonError, err)
			return
		}
		total := int(lenBytes[0]) | int(lenBytes[1])<<8 | int(lenBytes[2])<<16 | int(lenBytes[3])<<24
		mc.emit(MessageEvent{Kind: EventMessageReceived, Total: total})

		body, err := mc.Connection.Read(context.Background(), total)
		if err != nil {
			_ = mc.Disconnect(ReasonError, err)
			return
		}
		mc.emit(MessageEvent{Kind: EventMessageDataRead, Current: total, Total: total})
		mc.emit(MessageEvent{Kind: EventMessageRead, Body: body})
	}
}

// writeLoop drains the outbound queue in order. A write failure disconnects
// the connection and terminates the loop; queued writes after a failure are
// dropped with it.
func (mc *MessageConnection) writeLoop() {
	for {
		select {
		case <-mc.writeDone:
			return
		case framed := <-mc.writeQueue:
			if err := mc.Connection.Write(context.Background(), framed); err != nil {
				_ = mc.Disconnect(ReasonError, err)
				return
			}
		}
	}
}

// WriteMessage enqueues a framed write, preserving order with other writes
// on this connection. framed must already include the length
// prefix (see wire.Writer.Bytes). A full queue is reported as a write
// failure rather than blocking.
func (mc *MessageConnection) WriteMessage(ctx context.Context, framed []byte) error {
	if mc.State() != StateConnected {
		return slskerr.New(slskerr.KindNotConnected, "write on a non-connected connection")
	}
	select {
	case mc.writeQueue <- framed:
		return nil
	case <-mc.writeDone:
		return slskerr.New(slskerr.KindNotConnected, "write on a non-connected connection")
	case <-ctx.Done():
		return slskerr.New(slskerr.KindCancelled, "write cancelled")
	default:
		return slskerr.New(slskerr.KindIO, "write queue full")
	}
}

// WriteFramed is a convenience wrapper composing a wire.Writer's output and
// writing it.
func (mc *MessageConnection) WriteFramed(ctx context.Context, w *wire.Writer) error {
	return mc.WriteMessage(ctx, w.Bytes())
}
