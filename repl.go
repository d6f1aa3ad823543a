package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/peterh/liner"

	"github.com/perlide/perl-debugger/internal/bridge"
	"github.com/perlide/perl-debugger/internal/source"
)

// ReplDebugger drives the debuggee interactively from the terminal,
// without a DAP client in between.
type ReplDebugger struct {
	br       *bridge.PerlDB
	index    *source.Index
	line     *liner.State
	histFile string
	program  string

	stopFile string
	stopLine int
}

func MakeReplDebugger(perl, program string, args, includes []string) *ReplDebugger {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	histFile := filepath.Join(os.TempDir(), ".perldbg-history")
	if f, err := os.Open(histFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	br := bridge.NewPerlDB(program, args, includes)
	br.Perl = perl
	return &ReplDebugger{
		br:       br,
		index:    source.NewIndex(),
		line:     line,
		histFile: histFile,
		program:  program,
	}
}

func (r *ReplDebugger) Run() {
	defer r.line.Close()

	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	err := r.br.Start(ctx)
	cancel()
	if err != nil {
		fmt.Printf("%s: %s\n", color.Red.Render("Failed to start debugger"), err.Error())
		return
	}

	events := r.br.Events()
EVENTLOOP:
	for {
		msg := <-events
		slog.Debug("received event", "type", fmt.Sprintf("%T", msg))
		switch e := msg.(type) {
		case bridge.ExitedEvent:
			if e.Code != 0 {
				fmt.Printf("Program exited with code %d\n", e.Code)
			}
			break EVENTLOOP
		case bridge.OutputEvent:
			fmt.Print(e.Text)
		case bridge.StoppedEvent:
			r.stopFile, r.stopLine = e.File, e.Line
			switch e.Reason {
			case bridge.StopBreakpoint:
				color.Bold.Print("Hit breakpoint: ")
				color.OpUnderscore.Printf("%s:%d\n", e.File, e.Line)
			case bridge.StopException:
				fmt.Printf("%s: %s\n", color.Red.Render("Encountered error during evaluation"), e.Text)
			}
			r.printCurrentContext()
			r.repl()
		}
	}
	if f, err := os.Create(r.histFile); err == nil {
		r.line.WriteHistory(f)
		f.Close()
	}
}

// printCurrentContext shows a few lines around the stop location with the
// current line highlighted.
func (r *ReplDebugger) printCurrentContext() {
	file := r.stopFile
	if _, err := os.Stat(file); err != nil {
		file = r.program
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		slog.Warn("Unable to read source for context", "file", file, "err", err)
		return
	}
	lines := strings.Split(string(raw), "\n")
	lines = append([]string{""}, lines...)
	clines := 3 // how many lines of context to show
	for i := r.stopLine - clines; i <= r.stopLine+clines; i++ {
		if i < 1 || i >= len(lines) {
			continue
		}
		color.Grayf("%2d| ", i)
		if i == r.stopLine {
			color.Bluef("%s\n", lines[i])
		} else {
			fmt.Printf("%s\n", lines[i])
		}
	}
}

// eligibleLines returns the lines of file where a breakpoint would bind
// without moving.
func (r *ReplDebugger) eligibleLines(file string) []int {
	c, err := r.index.Load(file)
	if err != nil {
		slog.Warn("Unable to classify source", "file", file, "err", err)
		return nil
	}
	var lines []int
	for i := 1; i <= c.NumLines(); i++ {
		if got, ok := source.Verify(c, i); ok && got == i {
			lines = append(lines, i)
		}
	}
	return lines
}

func (r *ReplDebugger) repl() {
	p := "> "
	if r.stopFile != "" {
		p = fmt.Sprintf("%s:%d> ", r.stopFile, r.stopLine)
	}
	r.line.SetCompleter(func(line string) (c []string) {
		parts := strings.Split(line, " ")
		switch parts[0] {
		case "b", "break":
			if len(parts) < 2 {
				return
			}
			for _, l := range r.eligibleLines(r.program) {
				loc := fmt.Sprintf("%s:%d", r.program, l)
				if strings.HasPrefix(loc, parts[1]) {
					c = append(c, fmt.Sprintf("%s %s", parts[0], loc))
				}
			}
		}
		return
	})

	for {
		input, err := r.line.Prompt(p)
		if err == liner.ErrPromptAborted {
			r.br.Kill()
			os.Exit(1)
		}

		r.line.AppendHistory(input)
		parts := strings.Split(input, " ")
		switch parts[0] {
		case "b", "break":
			if len(parts) < 2 {
				fmt.Println("Must specify file:line or line")
				break
			}
			r.setBreakpoint(parts[1], strings.Join(parts[2:], " "))
		case "c":
			r.br.Continue()
			return
		case "n", "next":
			r.br.Next()
			return
		case "s":
			r.br.StepIn()
			return
		case "r":
			r.br.StepOut()
			return
		case "l":
			r.printCurrentContext()
		case "lb", "lbs": // list possible breakpoints
			for _, l := range r.eligibleLines(r.program) {
				fmt.Printf("- %s:%d\n", r.program, l)
			}
		case "p":
			if len(parts) < 2 {
				fmt.Println("Must specify an expression")
				break
			}
			val, err := r.br.Evaluate(strings.Join(parts[1:], " "))
			if err != nil {
				fmt.Println(err.Error())
			} else {
				fmt.Println(val)
			}
		case "trace":
			frames, err := r.br.StackTrace()
			if err != nil {
				fmt.Println(err.Error())
				break
			}
			for _, frame := range frames {
				fmt.Printf("- %s", frame.Name)
				fmt.Print("\t\t\t")
				fmt.Print(color.Gray.Render(fmt.Sprintf("%s:%d", frame.File, frame.Line)))
				fmt.Print("\n")
			}
		case "vars":
			vars, err := r.br.Variables()
			if err != nil {
				fmt.Println(err.Error())
				break
			}
			fmt.Printf("Variables:\n")
			for _, v := range vars {
				fmt.Printf("- %s = %s\n", v.Name, v.Value)
			}
		case "clear":
			if err := r.br.ClearAllBreakpoints(); err != nil {
				fmt.Println(err.Error())
			}
		case "q":
			r.br.Kill()
			return
		case "":
		default:
			fmt.Printf("Unknown command: %s\n", input)
		}
	}
}

// setBreakpoint validates a `file:line` (or bare line) target against the
// source classification, snapping forward when the requested line cannot
// hold a breakpoint, then arms it in the debugger.
func (r *ReplDebugger) setBreakpoint(target, condition string) {
	file := r.program
	lineStr := target
	if i := strings.LastIndexByte(target, ':'); i >= 0 {
		file = target[:i]
		lineStr = target[i+1:]
	}
	reqLine, err := strconv.Atoi(lineStr)
	if err != nil {
		fmt.Printf("Invalid line number: %s\n", err.Error())
		return
	}
	if strings.ContainsAny(condition, "\r\n") {
		fmt.Println("Breakpoint condition must not contain newlines")
		return
	}

	c, err := r.index.Load(file)
	if err != nil {
		fmt.Printf("Unable to read %s: %s\n", file, err.Error())
		return
	}
	line, ok := source.Verify(c, reqLine)
	if !ok {
		fmt.Printf("No executable line at or after line %d\n", reqLine)
		return
	}
	if line != reqLine {
		fmt.Printf("%s, moved to line %d\n", source.Reason(c, reqLine), line)
	}

	if err := r.br.SetBreakpoint(file, line, condition); err != nil {
		fmt.Println(err.Error())
		return
	}
	fmt.Printf("Adding breakpoint at %s:%d\n", file, line)
}
