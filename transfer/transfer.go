// Package transfer implements the per-direction transfer state machine:
// token negotiation, progress bookkeeping, and the Completed|reason
// bitset, all scoped to a single token-identified stream.
package transfer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// Direction is which way bytes flow relative to the local user.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "Upload"
	}
	return "Download"
}

// State is the transfer's position in its lifecycle, a bitset combining
// phase and completion reason.
type State uint32

const (
	StateNone   State = 0
	StateQueued State = 1 << (iota + 1)
	StateRequested
	StateInitializing
	StateInProgress
	StateCompleted

	ReasonSucceeded
	ReasonCancelled
	ReasonTimedOut
	ReasonErrored
	ReasonRejected
	ReasonAborted
)

func (s State) Has(flag State) bool { return s&flag != 0 }

// Options bounds progress reporting.
type Options struct {
	// ProgressUpdateLimit rate-limits how often UpdateProgress recomputes
	// AverageSpeed; 0 means no rate limit.
	ProgressUpdateLimit time.Duration
	// SpeedWindow is how far back (wall-clock) the time-weighted average
	// speed looks; 0 uses the whole transfer so far.
	SpeedWindow time.Duration
}

// speedSample is one (time, cumulative bytes) observation retained to
// compute the time-weighted average speed over Options.SpeedWindow.
type speedSample struct {
	at    time.Time
	bytes uint64
}

// Internal is the bookkeeping for one in-flight transfer.
type Internal struct {
	Direction   Direction
	Username    string
	Filename    string
	Token       uint32
	RemoteToken *uint32
	Size        *uint64
	Options     Options

	clock clock.Clock

	mu               sync.Mutex
	state            State
	startOffset      uint64
	bytesTransferred uint64
	startTime        *time.Time
	endTime          *time.Time
	averageSpeed     float64
	exception        error
	samples          []speedSample
	lastUpdateAt     time.Time
}

// New constructs an Internal in StateQueued. clk may be nil to use the
// real wall clock.
func New(direction Direction, username, filename string, token uint32, clk clock.Clock, opts Options) *Internal {
	if clk == nil {
		clk = clock.New()
	}
	return &Internal{
		Direction: direction,
		Username:  username,
		Filename:  filename,
		Token:     token,
		Options:   opts,
		clock:     clk,
		state:     StateQueued,
	}
}

// State returns the current state.
func (t *Internal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions to a new phase. Once Completed is set the state,
// including its reason bits, is final and SetState is a no-op.
func (t *Internal) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Has(StateCompleted) {
		return
	}
	t.state = s
}

// SetRemoteToken records the token the remote peer assigned during
// transfer negotiation.
func (t *Internal) SetRemoteToken(token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RemoteToken = &token
}

// SetSize records the negotiated transfer size.
func (t *Internal) SetSize(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Size = &size
}

// SetStartOffset primes bytesTransferred and the progress baseline to
// offset, so a resumed transfer reports progress against the whole file.
func (t *Internal) SetStartOffset(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startOffset = offset
	t.bytesTransferred = offset
	t.samples = []speedSample{{at: t.clock.Now(), bytes: offset}}
}

// Begin marks the transfer InProgress and starts the clock.
func (t *Internal) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.state = StateInProgress
	if t.startTime == nil {
		t.startTime = &now
	}
	if len(t.samples) == 0 {
		t.samples = []speedSample{{at: now, bytes: t.bytesTransferred}}
	}
}

// UpdateProgress records n more bytes transferred and recomputes
// AverageSpeed, rate-limited by Options.ProgressUpdateLimit.
func (t *Internal) UpdateProgress(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTransferred += n
	now := t.clock.Now()
	if t.Options.ProgressUpdateLimit > 0 && !t.lastUpdateAt.IsZero() &&
		now.Sub(t.lastUpdateAt) < t.Options.ProgressUpdateLimit {
		return
	}
	t.lastUpdateAt = now
	t.samples = append(t.samples, speedSample{at: now, bytes: t.bytesTransferred})
	t.pruneSamplesLocked(now)
	t.recomputeSpeedLocked()
}

func (t *Internal) pruneSamplesLocked(now time.Time) {
	if t.Options.SpeedWindow <= 0 || len(t.samples) < 2 {
		return
	}
	cutoff := now.Add(-t.Options.SpeedWindow)
	i := 0
	for i < len(t.samples)-1 && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

func (t *Internal) recomputeSpeedLocked() {
	if len(t.samples) < 2 {
		return
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return
	}
	t.averageSpeed = float64(last.bytes-first.bytes) / elapsed
}

// complete transitions into Completed for the first time, backfilling
// StartTime if unset and setting EndTime. Subsequent calls do not change
// times.
func (t *Internal) complete(reason State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Has(StateCompleted) {
		return
	}
	now := t.clock.Now()
	t.endTime = &now
	if t.startTime == nil {
		t.startTime = &now
	}
	t.state = StateCompleted | reason
	t.exception = err
}

// Succeed completes the transfer with ReasonSucceeded.
func (t *Internal) Succeed() { t.complete(ReasonSucceeded, nil) }

// Cancel completes the transfer with ReasonCancelled.
func (t *Internal) Cancel() { t.complete(ReasonCancelled, nil) }

// TimeOut completes the transfer with ReasonTimedOut.
func (t *Internal) TimeOut() { t.complete(ReasonTimedOut, nil) }

// Fail completes the transfer with ReasonErrored and records err.
func (t *Internal) Fail(err error) { t.complete(ReasonErrored, err) }

// Reject completes the transfer with ReasonRejected and records err.
func (t *Internal) Reject(err error) { t.complete(ReasonRejected, err) }

// Abort completes the transfer with ReasonAborted.
func (t *Internal) Abort() { t.complete(ReasonAborted, nil) }

// BytesTransferred returns the running total, primed by SetStartOffset.
func (t *Internal) BytesTransferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTransferred
}

// Exception returns the error recorded by Fail/Reject, if any.
func (t *Internal) Exception() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exception
}

// PercentComplete reports progress against Size, or 0 when the size is
// unknown.
func (t *Internal) PercentComplete() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Size == nil || *t.Size == 0 {
		return 0
	}
	return float64(t.bytesTransferred) / float64(*t.Size) * 100
}

// ElapsedTime reports how long the transfer has been (or was) running,
// or nil before it starts.
func (t *Internal) ElapsedTime() *time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime == nil {
		return nil
	}
	end := t.clock.Now()
	if t.endTime != nil {
		end = *t.endTime
	}
	d := end.Sub(*t.startTime)
	return &d
}

// RemainingTime estimates time to completion from the current average
// speed, or nil when no estimate is possible.
func (t *Internal) RemainingTime() *time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.averageSpeed <= 0 || t.Size == nil {
		return nil
	}
	remainingBytes := float64(*t.Size) - float64(t.bytesTransferred)
	if remainingBytes < 0 {
		remainingBytes = 0
	}
	d := time.Duration(remainingBytes/t.averageSpeed) * time.Second
	return &d
}

// AverageSpeed returns the current time-weighted average, in bytes/sec.
func (t *Internal) AverageSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.averageSpeed
}

// StartTime and EndTime expose the timestamps set by Begin/complete.
func (t *Internal) StartTime() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

func (t *Internal) EndTime() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}
