package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// PerlDB runs a program under `perl -d` and drives the stock perl5db
// debugger through its line protocol.
type PerlDB struct {
	Perl         string // perl binary, "perl" when empty
	Program      string
	Args         []string
	Includes     []string // extra -I library dirs
	ReplyTimeout time.Duration

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	killOnce sync.Once

	*console
}

// NewPerlDB prepares a bridge for one debuggee program. Start actually
// spawns it.
func NewPerlDB(program string, args, includes []string) *PerlDB {
	return &PerlDB{
		Program:  program,
		Args:     args,
		Includes: includes,
		console:  newConsole(),
	}
}

// Start spawns perl -d and blocks until the debugger's first prompt. The
// debuggee is then stopped at its entry line awaiting commands. ctx bounds
// the spawn plus handshake; a hung debugger after this point is surfaced
// through missing events, not a timeout.
func (b *PerlDB) Start(ctx context.Context) error {
	perl := b.Perl
	if perl == "" {
		perl = "perl"
	}
	argv := []string{"-d"}
	for _, dir := range b.Includes {
		argv = append(argv, "-I"+dir)
	}
	argv = append(argv, b.Program)
	argv = append(argv, b.Args...)

	cmd := exec.Command(perl, argv...)
	cmd.Env = append(os.Environ(), "PERLDB_OPTS=ReadLine=0")

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("spawning %s: %w", perl, err)
	}
	pw.Close() // child keeps its own copy; our EOF arrives when it exits

	b.cmd = cmd
	b.stdin = stdin
	b.console.w = stdin
	b.console.timeout = b.ReplyTimeout
	go b.console.readLoop(pr)
	go b.waitLoop()

	select {
	case <-b.ready:
		return nil
	case <-b.exited:
		return fmt.Errorf("debugger exited during startup")
	case <-ctx.Done():
		b.Kill()
		return fmt.Errorf("waiting for debugger prompt: %w", ctx.Err())
	}
}

// Pause interrupts a running debuggee. perl5db fields SIGINT by stopping at
// the next statement and prompting.
func (b *PerlDB) Pause() error {
	b.mu.Lock()
	b.resume = StopPause
	b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return errors.New("debuggee not running")
	}
	return b.cmd.Process.Signal(os.Interrupt)
}

// Kill forcibly terminates the debuggee.
func (b *PerlDB) Kill() error {
	var err error
	b.killOnce.Do(func() {
		if b.stdin != nil {
			b.stdin.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			err = b.cmd.Process.Kill()
		}
	})
	return err
}

func (b *PerlDB) waitLoop() {
	err := b.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		slog.Debug("debuggee wait failed", "err", err)
	}
	close(b.exited)
	<-b.readDone
	b.events <- ExitedEvent{Code: code}
	close(b.events)
}
