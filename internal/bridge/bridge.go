// Package bridge drives a debuggee process over a line-oriented control
// channel. The concrete implementation speaks to the stock Perl debugger
// (perl -d, perl5db): commands go down stdin, status lines come back on
// stdout/stderr. The session layer only sees the Bridge interface, so tests
// substitute a fake.
package bridge

import "context"

// StopReason says why the debuggee stopped.
type StopReason int

const (
	StopEntry StopReason = iota
	StopBreakpoint
	StopStep
	StopPause
	StopException
)

func (r StopReason) String() string {
	switch r {
	case StopEntry:
		return "entry"
	case StopBreakpoint:
		return "breakpoint"
	case StopStep:
		return "step"
	case StopPause:
		return "pause"
	case StopException:
		return "exception"
	default:
		return "unknown"
	}
}

// Event is a notification from the debuggee. Concrete types: StoppedEvent,
// ExitedEvent, OutputEvent.
type Event interface{ event() }

// StoppedEvent reports that execution halted at a source location.
type StoppedEvent struct {
	File   string
	Line   int
	Reason StopReason
	Text   string
}

// ExitedEvent reports debuggee termination. It is always the final event;
// the event channel closes after it.
type ExitedEvent struct {
	Code int
}

// OutputEvent carries program or debugger output.
type OutputEvent struct {
	Category string // "stdout" or "stderr"
	Text     string
}

func (StoppedEvent) event() {}
func (ExitedEvent) event()  {}
func (OutputEvent) event()  {}

// Frame is one entry of the debuggee call stack, innermost first.
type Frame struct {
	Name string
	File string
	Line int
}

// Variable is a name/value pair from the current frame.
type Variable struct {
	Name  string
	Value string
}

// Bridge is the control surface the session uses to steer the debuggee.
// Control commands (Continue, Next, ...) return as soon as the command is
// written; the resulting stop arrives later on Events. Query commands
// (StackTrace, Variables, Evaluate) are only meaningful while stopped.
type Bridge interface {
	// Start spawns or attaches the debuggee and blocks until its first
	// prompt, honoring ctx for the spawn/handshake timeout.
	Start(ctx context.Context) error

	SetBreakpoint(file string, line int, condition string) error
	ClearAllBreakpoints() error

	Continue() error
	Next() error
	StepIn() error
	StepOut() error
	Pause() error

	StackTrace() ([]Frame, error)
	Variables() ([]Variable, error)
	Evaluate(expr string) (string, error)

	// Events yields stop/exit/output notifications. Closed after
	// ExitedEvent.
	Events() <-chan Event

	// Kill forcibly terminates the debuggee. Safe to call more than once.
	Kill() error
}
