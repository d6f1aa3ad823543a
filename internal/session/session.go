// Package session owns the protocol-level state of one debugging session:
// the lifecycle state machine, the sequence counter, the breakpoint
// registry, and the thread/frame snapshot taken at each stop. It is
// transport-agnostic; the DAP layer translates wire messages into calls on
// Session and events out of it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/perlide/perl-debugger/internal/bridge"
	"github.com/perlide/perl-debugger/internal/source"
)

// State is the session lifecycle position. Terminated is absorbing.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateConfiguring
	StateRunning
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SourceBreakpoint is one requested breakpoint from a setBreakpoints call.
type SourceBreakpoint struct {
	Line      int
	Condition string
}

// Breakpoint is a registered breakpoint record.
type Breakpoint struct {
	ID            int
	Path          string
	RequestedLine int
	VerifiedLine  int
	Verified      bool
	Condition     string
	Message       string
	HitCount      uint64
}

// Thread is a debuggee thread. Perl debugging is single-threaded; the one
// thread is fixed as id 1.
type Thread struct {
	ID   int
	Name string
}

// MainThreadID is the thread id reported for the single Perl thread.
const MainThreadID = 1

// Session is the per-connection coordinator. All methods are safe for
// concurrent use; bridge I/O happens outside the state lock.
type Session struct {
	index *source.Index

	mu          sync.Mutex
	state       State
	seq         int
	br          bridge.Bridge
	nextBPID    int
	breakpoints map[string][]Breakpoint
	armStale    map[string]struct{} // files changed while Running

	frames      []bridge.Frame
	stoppedFile string
	stoppedLine int
}

// New creates a session in StateUninitialized sharing the given
// classification cache.
func New(index *source.Index) *Session {
	return &Session{
		index:       index,
		nextBPID:    1,
		breakpoints: map[string][]Breakpoint{},
		armStale:    map[string]struct{}{},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextSeq returns the next protocol sequence number. Responses and events
// draw from this one counter.
func (s *Session) NextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Initialize performs the handshake transition.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return fmt.Errorf("initialize not valid in state %s", s.state)
	}
	s.state = StateInitialized
	return nil
}

// Launch attaches a started-but-held debuggee bridge and enters
// StateConfiguring. A spawn or handshake failure is a bridge error and
// terminates the session.
func (s *Session) Launch(ctx context.Context, br bridge.Bridge) error {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return fmt.Errorf("launch not valid in state %s", s.state)
	}
	s.mu.Unlock()

	if err := br.Start(ctx); err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.br = br
	s.state = StateConfiguring
	s.mu.Unlock()
	return nil
}

// SetBreakpoints replaces the whole breakpoint set for one file and returns
// the resulting records in request order. Validation never fails the
// request: an unverifiable line yields Verified=false with a message.
// Legal in every state except Terminated; while Running the live debuggee
// is re-armed at the next stop.
func (s *Session) SetBreakpoints(path string, reqs []SourceBreakpoint) ([]Breakpoint, error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil, fmt.Errorf("setBreakpoints not valid in state %s", s.state)
	}
	s.mu.Unlock()

	c, loadErr := s.index.Load(path)

	s.mu.Lock()
	records := make([]Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		bp := Breakpoint{
			ID:            s.nextBPID,
			Path:          path,
			RequestedLine: req.Line,
			Condition:     req.Condition,
		}
		s.nextBPID++

		switch {
		case loadErr != nil:
			bp.Message = "unable to read source file"
		case strings.ContainsAny(req.Condition, "\r\n"):
			// The debuggee control protocol is line-oriented; a newline in
			// a condition would inject debugger commands.
			bp.Message = "breakpoint condition must not contain newlines"
		default:
			if line, ok := source.Verify(c, req.Line); ok {
				bp.Verified = true
				bp.VerifiedLine = line
				if line != req.Line {
					bp.Message = source.Reason(c, req.Line)
				}
			} else {
				bp.Message = fmt.Sprintf("no executable line at or after line %d", req.Line)
			}
		}
		records = append(records, bp)
	}

	s.breakpoints[path] = records
	armNow := s.state == StateConfiguring || s.state == StateStopped
	if s.state == StateRunning {
		s.armStale[path] = struct{}{}
	}
	s.mu.Unlock()

	if armNow {
		if err := s.armAll(); err != nil {
			// A bridge failure is not a request failure; the records
			// stand and debuggee death surfaces through its exit event.
			slog.Warn("arming breakpoints failed", "err", err)
		}
	}
	return records, nil
}

// Breakpoints returns a copy of the registered records for path.
func (s *Session) Breakpoints(path string) []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Breakpoint(nil), s.breakpoints[path]...)
}

// ConfigurationDone installs the breakpoint set and resumes the debuggee
// from its entry hold.
func (s *Session) ConfigurationDone() error {
	s.mu.Lock()
	if s.state != StateConfiguring {
		s.mu.Unlock()
		return fmt.Errorf("configurationDone not valid in state %s", s.state)
	}
	br := s.br
	s.mu.Unlock()

	if err := s.armAll(); err != nil {
		return err
	}

	// Mark Running before the resume command goes out: the stop it leads
	// to can arrive on the event channel before the write returns.
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	if err := br.Continue(); err != nil {
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateConfiguring
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Continue resumes from a stop.
func (s *Session) Continue() error { return s.resume(bridge.Bridge.Continue) }

// Next steps over the current statement.
func (s *Session) Next() error { return s.resume(bridge.Bridge.Next) }

// StepIn steps into the next call.
func (s *Session) StepIn() error { return s.resume(bridge.Bridge.StepIn) }

// StepOut runs until the current sub returns.
func (s *Session) StepOut() error { return s.resume(bridge.Bridge.StepOut) }

// resume invalidates the stop snapshot, applies any breakpoint changes
// made while the program was last running, and forwards the command.
func (s *Session) resume(cmd func(bridge.Bridge) error) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("resume not valid in state %s", s.state)
	}
	s.frames = nil
	s.stoppedFile, s.stoppedLine = "", 0
	br := s.br
	stale := len(s.armStale) > 0
	s.armStale = map[string]struct{}{}
	// Mark Running before the command goes out: the resulting stop can be
	// delivered before the write returns.
	s.state = StateRunning
	s.mu.Unlock()

	if stale {
		if err := s.armAll(); err != nil {
			s.rollbackToStopped()
			return err
		}
	}
	if err := cmd(br); err != nil {
		s.rollbackToStopped()
		return err
	}
	return nil
}

// rollbackToStopped undoes an optimistic Running transition after a resume
// command failed to reach the debuggee.
func (s *Session) rollbackToStopped() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopped
	}
	s.mu.Unlock()
}

// Pause asks the running debuggee to stop; the session stays Running until
// the stop notification arrives.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("pause not valid in state %s", s.state)
	}
	br := s.br
	s.mu.Unlock()
	return br.Pause()
}

// HandleStopped processes an asynchronous stop from the bridge. It returns
// the breakpoint records that were re-armed after a mid-run setBreakpoints
// (so the caller can emit breakpoint events) and whether a stopped event
// should reach the client. The entry stop that holds the debuggee during
// configuration is swallowed.
func (s *Session) HandleStopped(ev bridge.StoppedEvent) (rearmed []Breakpoint, emit bool) {
	s.mu.Lock()
	switch s.state {
	case StateConfiguring:
		s.mu.Unlock()
		return nil, false
	case StateRunning:
		s.state = StateStopped
	default:
		s.mu.Unlock()
		return nil, false
	}
	s.stoppedFile, s.stoppedLine = ev.File, ev.Line
	if ev.Reason == bridge.StopBreakpoint {
		s.recordHitLocked(ev.File, ev.Line)
	}
	br := s.br
	var stalePaths []string
	for path := range s.armStale {
		stalePaths = append(stalePaths, path)
	}
	s.armStale = map[string]struct{}{}
	s.mu.Unlock()

	if len(stalePaths) > 0 {
		if err := s.armAll(); err == nil {
			s.mu.Lock()
			for _, path := range stalePaths {
				rearmed = append(rearmed, s.breakpoints[path]...)
			}
			s.mu.Unlock()
		}
	}

	frames, err := br.StackTrace()
	if err == nil {
		s.mu.Lock()
		s.frames = frames
		s.mu.Unlock()
	}
	return rearmed, true
}

// HandleExited processes debuggee termination: straight to Terminated, no
// recovery.
func (s *Session) HandleExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
	s.frames = nil
}

// Disconnect forcibly ends the session regardless of outstanding state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	br := s.br
	done := s.state == StateTerminated
	s.state = StateTerminated
	s.frames = nil
	s.mu.Unlock()

	if !done && br != nil {
		br.Kill()
	}
}

// Frames returns the stack snapshot taken at the current stop, or nil when
// the session is not stopped.
func (s *Session) Frames() []bridge.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return nil
	}
	return append([]bridge.Frame(nil), s.frames...)
}

// StoppedLocation returns where the debuggee halted, valid while Stopped.
func (s *Session) StoppedLocation() (file string, line int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedFile, s.stoppedLine
}

// Threads lists debuggee threads.
func (s *Session) Threads() []Thread {
	return []Thread{{ID: MainThreadID, Name: "main"}}
}

// Variables reads the current frame's variables; valid only while Stopped.
func (s *Session) Variables() ([]bridge.Variable, error) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("variables not valid in state %s", s.state)
	}
	br := s.br
	s.mu.Unlock()
	return br.Variables()
}

// Evaluate runs an expression in the stopped frame.
func (s *Session) Evaluate(expr string) (string, error) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return "", fmt.Errorf("evaluate not valid in state %s", s.state)
	}
	br := s.br
	s.mu.Unlock()
	return br.Evaluate(expr)
}

// armAll pushes the full registry to the debuggee: clear everything, then
// set every verified breakpoint. perl5db has no per-file clear, so replace
// semantics are implemented by re-arming the world.
func (s *Session) armAll() error {
	s.mu.Lock()
	br := s.br
	var verified []Breakpoint
	for _, records := range s.breakpoints {
		for _, bp := range records {
			if bp.Verified {
				verified = append(verified, bp)
			}
		}
	}
	s.mu.Unlock()

	if br == nil {
		return nil
	}
	if err := br.ClearAllBreakpoints(); err != nil {
		return err
	}
	for _, bp := range verified {
		if err := br.SetBreakpoint(bp.Path, bp.VerifiedLine, bp.Condition); err != nil {
			return fmt.Errorf("arming %s:%d: %w", bp.Path, bp.VerifiedLine, err)
		}
	}
	return nil
}

// recordHitLocked bumps the hit count of the breakpoint at file:line. The
// debuggee may report the path differently from the client (relative vs
// absolute), so a basename match is accepted as a fallback.
func (s *Session) recordHitLocked(file string, line int) {
	for path, records := range s.breakpoints {
		if path != file && filepath.Base(path) != filepath.Base(file) {
			continue
		}
		for i := range records {
			if records[i].Verified && records[i].VerifiedLine == line {
				records[i].HitCount++
			}
		}
		s.breakpoints[path] = records
	}
}
