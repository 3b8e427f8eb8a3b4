// Package search implements the per-token search aggregation state
// machine: responses are filtered, decoded, and appended until a file or
// response limit completes the search.
package search

import (
	"context"
	"sync"

	"github.com/slskgo/slskcore/slskerr"
)

// State is the search's position in its lifecycle:
// None -> InProgress -> Completed(reason). Completed is a bitset so a
// reason can be attached without a second field.
type State uint32

const (
	StateNone       State = 0
	StateInProgress State = 1 << iota
	StateCompleted

	ReasonCancelled
	ReasonTimedOut
	ReasonResponseLimitReached
	ReasonFileLimitReached
	ReasonAllSearchRequestsSent
)

func (s State) Has(flag State) bool { return s&flag != 0 }

// File is a single file entry within a SearchResponse.
type File struct {
	Filename   string
	Size       uint64
	Extension  string
	Attributes map[uint32]uint32
}

// Response is a fully decoded SearchResponse.
type Response struct {
	Username        string
	Token           uint32
	Files           []File
	FreeUploadSlots bool
	UploadSpeed     uint32
	QueueLength     uint32
}

// SlimResponse is the partially decoded form described in the GLOSSARY: a
// reader cursor over the file list is retained so the criteria in step 2
// can gate the expensive full decode in step 3.
type SlimResponse struct {
	Username        string
	Token           uint32
	FileCount       int
	FreeUploadSlots bool
	UploadSpeed     uint32
	QueueLength     uint32

	// Decode performs the full decode (including the file list), invoked
	// only if the slim criteria in Options pass. TryAddResponse applies
	// Options.FileFilter to its result.
	Decode func() (Response, error)
}

// Options bounds what a search accepts.
type Options struct {
	FilterResponses            bool
	MinimumResponseFileCount   int
	MinimumPeerFreeUploadSlots int
	MinimumPeerUploadSpeed     uint32
	MaximumPeerQueueLength     uint32
	FileFilter                 func(File) bool
	ResponseLimit              int
	FileLimit                  int
}

// Search is the per-token aggregation state for one in-flight search.
type Search struct {
	SearchText string
	Token      uint32
	Options    Options

	mu        sync.Mutex
	state     State
	responses []Response
	fileCount int

	done chan struct{}
	once sync.Once
}

// New constructs a Search in state InProgress.
func New(searchText string, token uint32, opts Options) *Search {
	return &Search{
		SearchText: searchText,
		Token:      token,
		Options:    opts,
		state:      StateInProgress,
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (s *Search) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Responses returns a snapshot of the accumulated responses. Once
// Completed, this set is immutable.
func (s *Search) Responses() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Response, len(s.responses))
	copy(out, s.responses)
	return out
}

func (s *Search) complete(reason State) {
	if s.state.Has(StateCompleted) {
		return
	}
	s.state = StateCompleted | reason
	s.once.Do(func() { close(s.done) })
}

// Cancel completes the search with ReasonCancelled.
func (s *Search) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete(ReasonCancelled)
}

// responseMeetsOptionCriteria gates responses on the slim criteria before
// any full decode. Must be called with s.mu held.
func (s *Search) responseMeetsOptionCriteria(slim SlimResponse) bool {
	if !s.Options.FilterResponses {
		return true
	}
	if slim.FileCount < s.Options.MinimumResponseFileCount {
		return false
	}
	freeSlots := 0
	if slim.FreeUploadSlots {
		freeSlots = 1
	}
	if freeSlots < s.Options.MinimumPeerFreeUploadSlots {
		return false
	}
	if slim.UploadSpeed < s.Options.MinimumPeerUploadSpeed {
		return false
	}
	if slim.QueueLength > s.Options.MaximumPeerQueueLength {
		return false
	}
	return true
}

// TryAddResponse drops silently on a non-matching token or a completed
// search, evaluates slim criteria, decodes, filters files, and appends,
// completing the search if a limit is reached. Any decode error is
// swallowed without affecting state.
func (s *Search) TryAddResponse(slim SlimResponse, onResponse func(Response)) {
	s.mu.Lock()
	if !s.state.Has(StateInProgress) || s.state.Has(StateCompleted) || slim.Token != s.Token {
		s.mu.Unlock()
		return
	}
	if !s.responseMeetsOptionCriteria(slim) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if slim.Decode == nil {
		return
	}
	resp, err := slim.Decode()
	if err != nil {
		return // step 7: swallowed, state unaffected
	}

	if s.Options.FileFilter != nil {
		filtered := resp.Files[:0:0]
		for _, f := range resp.Files {
			if s.Options.FileFilter(f) {
				filtered = append(filtered, f)
			}
		}
		resp.Files = filtered
	}
	if s.Options.FilterResponses && len(resp.Files) == 0 {
		return
	}

	s.mu.Lock()
	if !s.state.Has(StateInProgress) || s.state.Has(StateCompleted) {
		s.mu.Unlock()
		return
	}
	s.responses = append(s.responses, resp)
	s.fileCount += len(resp.Files)

	if s.Options.FileLimit > 0 && s.fileCount >= s.Options.FileLimit {
		s.complete(ReasonFileLimitReached)
	} else if s.Options.ResponseLimit > 0 && len(s.responses) >= s.Options.ResponseLimit {
		s.complete(ReasonResponseLimitReached)
	}
	s.mu.Unlock()

	if onResponse != nil {
		onResponse(resp)
	}
}

// WaitForCompletion blocks until the search completes (any reason) or ctx
// is cancelled, in which case the search is completed with ReasonCancelled
// and KindCancelled is returned.
func (s *Search) WaitForCompletion(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.complete(ReasonCancelled)
		s.mu.Unlock()
		return slskerr.New(slskerr.KindCancelled, "search wait cancelled")
	}
}

// FileCount returns the running total file count across accepted responses.
func (s *Search) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileCount
}

// MarkAllRequestsSent completes the search with ReasonAllSearchRequestsSent
// if still in progress, used once the distributed broadcast of the query
// has fanned out to every known branch.
func (s *Search) MarkAllRequestsSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete(ReasonAllSearchRequestsSent)
}
