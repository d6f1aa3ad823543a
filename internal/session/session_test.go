package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/perlide/perl-debugger/internal/bridge"
	"github.com/perlide/perl-debugger/internal/source"
)

// fakeBridge records commands instead of talking to a real debuggee.
type fakeBridge struct {
	mu       sync.Mutex
	startErr error
	started  bool
	killed   bool
	commands []string
	frames   []bridge.Frame
	vars     []bridge.Variable
	events   chan bridge.Event

	setErr      error
	continueErr error
	// onContinue runs inside Continue, standing in for the event
	// forwarder delivering a stop before the resume call returns.
	onContinue func()
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{events: make(chan bridge.Event, 16)}
}

func (f *fakeBridge) log(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeBridge) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeBridge) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeBridge) SetBreakpoint(file string, line int, condition string) error {
	f.log(fmt.Sprintf("set %s:%d %s", filepath.Base(file), line, condition))
	return f.setErr
}

func (f *fakeBridge) ClearAllBreakpoints() error {
	f.log("clear")
	return nil
}

func (f *fakeBridge) Continue() error {
	f.log("continue")
	if f.onContinue != nil {
		f.onContinue()
	}
	return f.continueErr
}
func (f *fakeBridge) Next() error     { f.log("next"); return nil }
func (f *fakeBridge) StepIn() error   { f.log("stepIn"); return nil }
func (f *fakeBridge) StepOut() error  { f.log("stepOut"); return nil }
func (f *fakeBridge) Pause() error    { f.log("pause"); return nil }

func (f *fakeBridge) StackTrace() ([]bridge.Frame, error) {
	return append([]bridge.Frame(nil), f.frames...), nil
}

func (f *fakeBridge) Variables() ([]bridge.Variable, error) {
	return append([]bridge.Variable(nil), f.vars...), nil
}

func (f *fakeBridge) Evaluate(expr string) (string, error) {
	return "eval(" + expr + ")", nil
}

func (f *fakeBridge) Events() <-chan bridge.Event { return f.events }

func (f *fakeBridge) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.pl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func configuredSession(t *testing.T) (*Session, *fakeBridge) {
	t.Helper()
	s := New(source.NewIndex())
	fb := newFakeBridge()
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(context.Background(), fb); err != nil {
		t.Fatal(err)
	}
	return s, fb
}

func TestLifecycleHappyPath(t *testing.T) {
	s, fb := configuredSession(t)
	if got := s.State(); got != StateConfiguring {
		t.Fatalf("after launch: state %s, want configuring", got)
	}

	path := writeScript(t, "my $x = 1;\nmy $y = 2;\n")
	records, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].Verified || records[0].VerifiedLine != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}

	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("after configurationDone: state %s, want running", got)
	}

	fb.frames = []bridge.Frame{{Name: "main::work", File: path, Line: 2}}
	_, emit := s.HandleStopped(bridge.StoppedEvent{File: path, Line: 2, Reason: bridge.StopBreakpoint})
	if !emit {
		t.Fatal("stop while running must emit an event")
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("after stop: state %s, want stopped", got)
	}
	if frames := s.Frames(); len(frames) != 1 || frames[0].Line != 2 {
		t.Fatalf("unexpected snapshot: %+v", frames)
	}
	if got := s.Breakpoints(path)[0].HitCount; got != 1 {
		t.Errorf("hit count = %d, want 1", got)
	}

	if err := s.Continue(); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("after continue: state %s, want running", got)
	}
	if frames := s.Frames(); frames != nil {
		t.Errorf("snapshot must be invalidated on resume, got %+v", frames)
	}

	s.HandleExited()
	if got := s.State(); got != StateTerminated {
		t.Fatalf("after exit: state %s, want terminated", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := New(source.NewIndex())
	fb := newFakeBridge()

	if err := s.Launch(context.Background(), fb); err == nil {
		t.Error("launch before initialize must fail")
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err == nil {
		t.Error("second initialize must fail")
	}
	if err := s.ConfigurationDone(); err == nil {
		t.Error("configurationDone before launch must fail")
	}
	if err := s.Continue(); err == nil {
		t.Error("continue outside stopped must fail")
	}
	if err := s.Pause(); err == nil {
		t.Error("pause outside running must fail")
	}
	// None of the rejected requests may have moved the state.
	if got := s.State(); got != StateInitialized {
		t.Errorf("state %s, want initialized", got)
	}
}

func TestLaunchSpawnFailureTerminates(t *testing.T) {
	s := New(source.NewIndex())
	fb := newFakeBridge()
	fb.startErr = errors.New("spawn failed")
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(context.Background(), fb); err == nil {
		t.Fatal("launch must propagate the spawn failure")
	}
	if got := s.State(); got != StateTerminated {
		t.Errorf("state %s, want terminated after bridge failure", got)
	}
}

func TestSetBreakpointsReplaceSemantics(t *testing.T) {
	s, _ := configuredSession(t)
	path := writeScript(t, "my $a = 1;\nmy $b = 2;\nmy $c = 3;\nmy $d = 4;\n")

	first, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 1}, {Line: 2}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 3}})
	if err != nil {
		t.Fatal(err)
	}

	stored := s.Breakpoints(path)
	if len(stored) != 1 || stored[0].VerifiedLine != 3 {
		t.Fatalf("replace semantics violated, stored: %+v", stored)
	}
	// IDs stay unique and monotonic across replacements.
	if second[0].ID <= first[1].ID {
		t.Errorf("ID %d not greater than %d", second[0].ID, first[1].ID)
	}

	// An empty list clears the file's set.
	if _, err := s.SetBreakpoints(path, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.Breakpoints(path); len(got) != 0 {
		t.Errorf("empty request must clear breakpoints, got %+v", got)
	}
}

func TestSetBreakpointsValidation(t *testing.T) {
	s, _ := configuredSession(t)
	path := writeScript(t, strings.Join([]string{
		"my $x = 1;",       // 1
		"# comment",        // 2
		"my $s = <<'EOF';", // 3
		"heredoc body",     // 4
		"EOF",              // 5
		"print $s;",        // 6
		"# trailing",       // 7
	}, "\n"))

	records, err := s.SetBreakpoints(path, []SourceBreakpoint{
		{Line: 1},
		{Line: 2},
		{Line: 4},
		{Line: 7},
		{Line: 3, Condition: "$x > 1\nq"},
	})
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		Verified bool
		Line     int
	}
	got := make([]result, len(records))
	for i, r := range records {
		got[i] = result{r.Verified, r.VerifiedLine}
	}
	want := []result{
		{true, 1},
		{true, 3}, // comment snaps to the heredoc declaration line
		{true, 6}, // heredoc body snaps past the terminator
		{false, 0},
		{false, 0}, // newline in condition rejected
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("validation mismatch (-want +got):\n%s", diff)
	}
	if msg := records[4].Message; !strings.Contains(msg, "newline") {
		t.Errorf("condition rejection message = %q", msg)
	}
}

func TestSetBreakpointsUnreadableFile(t *testing.T) {
	s, _ := configuredSession(t)
	records, err := s.SetBreakpoints("/no/such/file.pl", []SourceBreakpoint{{Line: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Verified {
		t.Error("breakpoint in unreadable file must be unverified")
	}
	if records[0].Message != "unable to read source file" {
		t.Errorf("message = %q", records[0].Message)
	}
}

func TestSetBreakpointsWhileRunningDefersArming(t *testing.T) {
	s, fb := configuredSession(t)
	path := writeScript(t, "my $a = 1;\nmy $b = 2;\nmy $c = 3;\n")
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}

	before := len(fb.commandLog())
	records, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !records[0].Verified {
		t.Fatal("static verification must still happen while running")
	}
	if got := fb.commandLog(); len(got) != before {
		t.Errorf("no bridge commands expected while running, got %v", got[before:])
	}

	rearmed, emit := s.HandleStopped(bridge.StoppedEvent{File: path, Line: 2, Reason: bridge.StopBreakpoint})
	if !emit {
		t.Fatal("stop must emit")
	}
	if len(rearmed) != 1 || rearmed[0].VerifiedLine != 2 {
		t.Fatalf("rearmed = %+v, want the deferred breakpoint", rearmed)
	}
	log := fb.commandLog()
	found := false
	for _, cmd := range log[before:] {
		if cmd == "set script.pl:2 " {
			found = true
		}
	}
	if !found {
		t.Errorf("deferred breakpoint not armed at stop: %v", log[before:])
	}
}

func TestStopDeliveredDuringConfigurationDone(t *testing.T) {
	s, fb := configuredSession(t)
	path := writeScript(t, "my $a = 1;\n")
	if _, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 1}}); err != nil {
		t.Fatal(err)
	}

	// The debuggee hits the breakpoint before the continue write returns.
	var emit bool
	fb.onContinue = func() {
		_, emit = s.HandleStopped(bridge.StoppedEvent{File: path, Line: 1, Reason: bridge.StopBreakpoint})
	}
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	if !emit {
		t.Fatal("stop arriving while continue was in flight must emit")
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state %s, want stopped", got)
	}
}

func TestStopDeliveredDuringResume(t *testing.T) {
	s, fb := configuredSession(t)
	path := writeScript(t, "my $a = 1;\nmy $b = 2;\n")
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	if _, emit := s.HandleStopped(bridge.StoppedEvent{File: path, Line: 1, Reason: bridge.StopStep}); !emit {
		t.Fatal("expected first stop")
	}

	var emit bool
	fb.onContinue = func() {
		_, emit = s.HandleStopped(bridge.StoppedEvent{File: path, Line: 2, Reason: bridge.StopStep})
	}
	if err := s.Continue(); err != nil {
		t.Fatal(err)
	}
	if !emit {
		t.Fatal("stop arriving while the resume command was in flight must emit")
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state %s, want stopped", got)
	}
	if _, line := s.StoppedLocation(); line != 2 {
		t.Errorf("stopped line = %d, want 2", line)
	}
}

func TestResumeWriteFailureRollsBack(t *testing.T) {
	s, fb := configuredSession(t)
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	if _, emit := s.HandleStopped(bridge.StoppedEvent{File: "x.pl", Line: 1, Reason: bridge.StopStep}); !emit {
		t.Fatal("expected stop")
	}

	fb.continueErr = errors.New("broken pipe")
	if err := s.Continue(); err == nil {
		t.Fatal("continue must report the write failure")
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state %s after failed resume, want stopped", got)
	}
}

func TestSetBreakpointsSurvivesArmingFailure(t *testing.T) {
	s, fb := configuredSession(t)
	path := writeScript(t, "my $a = 1;\n")

	fb.setErr = errors.New("bridge gone")
	records, err := s.SetBreakpoints(path, []SourceBreakpoint{{Line: 1}})
	if err != nil {
		t.Fatalf("arming failure must not fail the request: %v", err)
	}
	if len(records) != 1 || !records[0].Verified {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestEntryStopSwallowedDuringConfiguring(t *testing.T) {
	s, _ := configuredSession(t)
	_, emit := s.HandleStopped(bridge.StoppedEvent{File: "x.pl", Line: 1, Reason: bridge.StopEntry})
	if emit {
		t.Error("entry stop during configuration must not reach the client")
	}
	if got := s.State(); got != StateConfiguring {
		t.Errorf("state %s, want configuring", got)
	}
}

func TestDisconnectIsAbsorbing(t *testing.T) {
	s, fb := configuredSession(t)
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	if _, emit := s.HandleStopped(bridge.StoppedEvent{File: "x.pl", Line: 1, Reason: bridge.StopStep}); !emit {
		t.Fatal("expected stop")
	}

	s.Disconnect()
	if got := s.State(); got != StateTerminated {
		t.Fatalf("state %s, want terminated", got)
	}
	fb.mu.Lock()
	killed := fb.killed
	fb.mu.Unlock()
	if !killed {
		t.Error("disconnect must kill the debuggee")
	}

	if _, err := s.SetBreakpoints("x.pl", []SourceBreakpoint{{Line: 1}}); err == nil {
		t.Error("setBreakpoints after terminate must fail")
	}
	// Terminated is absorbing; a second disconnect is a no-op.
	s.Disconnect()
	if got := s.State(); got != StateTerminated {
		t.Errorf("state %s, want terminated", got)
	}
}

func TestNextSeqMonotonic(t *testing.T) {
	s := New(source.NewIndex())
	for want := 1; want <= 5; want++ {
		if got := s.NextSeq(); got != want {
			t.Fatalf("NextSeq = %d, want %d", got, want)
		}
	}
}

func TestQueriesRequireStopped(t *testing.T) {
	s, fb := configuredSession(t)
	if _, err := s.Variables(); err == nil {
		t.Error("variables outside stopped must fail")
	}
	if _, err := s.Evaluate("$x"); err == nil {
		t.Error("evaluate outside stopped must fail")
	}
	if err := s.ConfigurationDone(); err != nil {
		t.Fatal(err)
	}
	fb.vars = []bridge.Variable{{Name: "$x", Value: "1"}}
	s.HandleStopped(bridge.StoppedEvent{File: "x.pl", Line: 1, Reason: bridge.StopStep})

	vars, err := s.Variables()
	if err != nil || len(vars) != 1 {
		t.Fatalf("Variables = (%v, %v)", vars, err)
	}
	out, err := s.Evaluate("$x")
	if err != nil || out != "eval($x)" {
		t.Fatalf("Evaluate = (%q, %v)", out, err)
	}
}
