// Package diag is the structured diagnostic event bus for the connection
// core. It wraps go.uber.org/zap so every layer logs through one typed,
// leveled surface instead of ad-hoc fmt.Printf, and fans the same events
// out to subscriber callbacks.
package diag

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a diagnostic event.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

// Event is what subscribers (e.g. the high-level client's
// diagnostic_generated handler) receive.
type Event struct {
	Level   Level
	Message string
	Cause   error
}

// Bus fans diagnostics out to a zap logger and to any number of subscriber
// callbacks, filtering by a configurable minimum level.
type Bus struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	min         Level
	subscribers []func(Event)
}

// New builds a Bus backed by the given zap logger (pass zap.NewNop() in
// tests that don't care about log output).
func New(logger *zap.Logger, min Level) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, min: min}
}

// Subscribe registers fn to receive every future event that passes the
// level filter. Not retroactive.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Bus) emit(level Level, zapLevel zapcore.Level, msg string, cause error) {
	if level > b.min {
		return
	}
	fields := make([]zap.Field, 0, 1)
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	b.logger.Check(zapLevel, msg).Write(fields...)

	b.mu.RLock()
	subs := append([]func(Event){}, b.subscribers...)
	b.mu.RUnlock()
	ev := Event{Level: level, Message: msg, Cause: cause}
	for _, fn := range subs {
		fn(ev)
	}
}

// Debugf emits a Debug-level diagnostic.
func (b *Bus) Debugf(format string, args ...interface{}) {
	b.emit(LevelDebug, zapcore.DebugLevel, fmt.Sprintf(format, args...), nil)
}

// Infof emits an Info-level diagnostic.
func (b *Bus) Infof(format string, args ...interface{}) {
	b.emit(LevelInfo, zapcore.InfoLevel, fmt.Sprintf(format, args...), nil)
}

// Warnf emits a Warning-level diagnostic, optionally with a cause.
func (b *Bus) Warnf(cause error, format string, args ...interface{}) {
	b.emit(LevelWarning, zapcore.WarnLevel, fmt.Sprintf(format, args...), cause)
}
