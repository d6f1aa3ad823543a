package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const defaultReplyTimeout = 5 * time.Second

// console speaks the perl5db command/reply protocol over a pair of byte
// streams. PerlDB runs it over pipes to a child process, RemoteDB over a
// TCP connection. Control commands return immediately; query commands
// write a command and collect output lines until the next `DB<n>` prompt.
type console struct {
	w       io.Writer
	timeout time.Duration

	events   chan Event
	ready    chan struct{} // closed on the first prompt
	exited   chan struct{} // closed once the peer is known to be gone
	readDone chan struct{}

	readyOnce sync.Once

	// cmdMu serializes command/reply exchanges on the wire.
	cmdMu sync.Mutex

	// mu guards the reader-side state below.
	mu       sync.Mutex
	pending  *pendingReply
	stopFile string
	stopLine int
	stopSeen bool
	resume   StopReason // reason to report at the next stop
}

type pendingReply struct {
	lines []string
	done  chan struct{}
}

func newConsole() *console {
	return &console{
		events:   make(chan Event, 64),
		ready:    make(chan struct{}),
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
		resume:   StopEntry,
	}
}

// Events implements Bridge.
func (c *console) Events() <-chan Event { return c.events }

// SetBreakpoint arms one breakpoint in the running debugger. The file is
// selected first because perl5db breakpoint commands are relative to the
// current file.
func (c *console) SetBreakpoint(file string, line int, condition string) error {
	reply, err := c.command("f " + file)
	if err != nil {
		return err
	}
	for _, l := range reply {
		if strings.Contains(l, "No file matching") {
			return fmt.Errorf("debugger has not loaded %s", file)
		}
	}

	cmd := fmt.Sprintf("b %d", line)
	if condition != "" {
		cmd += " " + condition
	}
	reply, err = c.command(cmd)
	if err != nil {
		return err
	}
	for _, l := range reply {
		if strings.Contains(l, "not breakable") {
			return fmt.Errorf("line %d: %s", line, strings.TrimSpace(l))
		}
	}
	return nil
}

// ClearAllBreakpoints deletes every breakpoint in the debugger. perl5db has
// no per-file delete, so callers re-arm the full set afterwards.
func (c *console) ClearAllBreakpoints() error {
	_, err := c.command("B *")
	return err
}

func (c *console) Continue() error { return c.control("c", StopBreakpoint) }
func (c *console) Next() error     { return c.control("n", StopStep) }
func (c *console) StepIn() error   { return c.control("s", StopStep) }
func (c *console) StepOut() error  { return c.control("r", StopStep) }

// StackTrace returns user frames, innermost first. Debugger-internal frames
// (DB:: subs, perl5db.pl itself) are filtered out.
func (c *console) StackTrace() ([]Frame, error) {
	reply, err := c.command("T")
	if err != nil {
		return nil, err
	}
	return parseFrames(reply), nil
}

// Variables lists the current frame's lexicals via `y`, falling back to
// package globals when PadWalker is not installed.
func (c *console) Variables() ([]Variable, error) {
	reply, err := c.command("y")
	if err != nil {
		return nil, err
	}
	for _, l := range reply {
		if strings.Contains(l, "PadWalker") {
			reply, err = c.command("V main")
			if err != nil {
				return nil, err
			}
			break
		}
	}
	return parseVariables(reply), nil
}

// Evaluate runs an expression in the current frame with `x`.
func (c *console) Evaluate(expr string) (string, error) {
	reply, err := c.command("x " + expr)
	if err != nil {
		return "", err
	}
	return parseEvalReply(reply), nil
}

func (c *console) replyTimeout() time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return defaultReplyTimeout
}

// command writes one query and collects reply lines until the next prompt.
func (c *console) command(cmd string) ([]string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	p := &pendingReply{done: make(chan struct{})}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()

	if _, err := io.WriteString(c.w, cmd+"\n"); err != nil {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("writing %q: %w", cmd, err)
	}

	select {
	case <-p.done:
		return p.lines, nil
	case <-c.exited:
		return nil, errors.New("debuggee exited")
	case <-time.After(c.replyTimeout()):
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("debugger did not answer %q", cmd)
	}
}

// control writes a resume command without waiting for a reply; the stop it
// leads to is reported on Events with the given reason.
func (c *console) control(cmd string, reason StopReason) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.mu.Lock()
	c.resume = reason
	c.mu.Unlock()
	_, err := io.WriteString(c.w, cmd+"\n")
	return err
}

func (c *console) readLoop(r io.ReadCloser) {
	defer close(c.readDone)
	defer r.Close()

	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				i := bytes.IndexByte(acc, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(acc[:i]), "\r")
				acc = acc[i+1:]
				c.handleLine(line)
			}
			// The prompt has no trailing newline; match it in the
			// unterminated remainder.
			if isPrompt(acc) {
				acc = acc[:0]
				c.handlePrompt()
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *console) handleLine(line string) {
	c.mu.Lock()
	if p := c.pending; p != nil {
		p.lines = append(p.lines, line)
		c.mu.Unlock()
		return
	}
	if file, n, ok := parseLocation(line); ok {
		c.stopFile, c.stopLine, c.stopSeen = file, n, true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if line == "" {
		return
	}
	if strings.Contains(line, "Debugged program terminated") {
		// Exit status comes from the bridge's exit watcher; this banner
		// is noise.
		return
	}
	c.events <- OutputEvent{Category: "stdout", Text: line + "\n"}
}

func (c *console) handlePrompt() {
	c.mu.Lock()
	if p := c.pending; p != nil {
		c.pending = nil
		c.mu.Unlock()
		close(p.done)
		return
	}
	var stopped *StoppedEvent
	if c.stopSeen {
		stopped = &StoppedEvent{File: c.stopFile, Line: c.stopLine, Reason: c.resume}
		c.stopSeen = false
	}
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	if stopped != nil {
		c.events <- *stopped
	}
}
