package bridge

import (
	"regexp"
	"strconv"
	"strings"
)

// perl5db status lines this adapter understands:
//
//	main::(script.pl:5):	my $x = 1;
//	main::foo(lib/Foo.pm:42):	return $v;
//	$ = main::foo(1, 2) called from file 'script.pl' line 10
//	  DB<1>
var (
	locationRE = regexp.MustCompile(`^([\w:]*)\((.+?):(\d+)\):`)
	frameRE    = regexp.MustCompile(`^[.$@] = &?([\w:]+)(?:\(.*\))? called from file '(.+?)' line (\d+)`)
	promptRE   = regexp.MustCompile(`DB<+\d+>+\s*$`)
	variableRE = regexp.MustCompile(`^([\$@%][\w:]+) = (.*)$`)
)

// parseLocation extracts the stop location from a perl5db line marker.
func parseLocation(line string) (file string, lineNo int, ok bool) {
	m := locationRE.FindStringSubmatch(line)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return m[2], n, true
}

// parseFrame extracts one stack entry from `T` output.
func parseFrame(line string) (Frame, bool) {
	m := frameRE.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return Frame{}, false
	}
	return Frame{Name: m[1], File: m[2], Line: n}, true
}

// internalFrame reports debugger plumbing that should never surface to the
// client: DB:: subs and anything sourced from perl5db.pl itself.
func internalFrame(f Frame) bool {
	return strings.HasPrefix(f.Name, "DB::") || strings.Contains(f.File, "perl5db.pl")
}

func parseFrames(lines []string) []Frame {
	var frames []Frame
	for _, line := range lines {
		f, ok := parseFrame(line)
		if !ok || internalFrame(f) {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// parseVariables reads `y` (or `V`) output. A line like `$x = 1` starts a
// variable; indented continuation lines belong to the previous value.
func parseVariables(lines []string) []Variable {
	var vars []Variable
	for _, line := range lines {
		if m := variableRE.FindStringSubmatch(line); m != nil {
			vars = append(vars, Variable{Name: m[1], Value: m[2]})
			continue
		}
		if len(vars) > 0 && strings.TrimSpace(line) != "" {
			vars[len(vars)-1].Value += "\n" + strings.TrimSpace(line)
		}
	}
	return vars
}

// parseEvalReply flattens `x expr` output, dropping the per-element index
// column the debugger prefixes.
func parseEvalReply(lines []string) string {
	var parts []string
	for _, line := range lines {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		if i := strings.IndexByte(s, ' '); i > 0 {
			if _, err := strconv.Atoi(s[:i]); err == nil {
				s = strings.TrimSpace(s[i+1:])
			}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// isPrompt reports whether the unterminated read buffer ends in a debugger
// prompt (`  DB<1> ` has no trailing newline).
func isPrompt(buf []byte) bool {
	return promptRE.Match(buf)
}
