package source

// Verify resolves a requested breakpoint line against a classification.
// An executable line verifies as itself. Anything else snaps forward to the
// nearest executable line after it; editors expect a breakpoint on a
// comment or heredoc body to land on the next real statement, never on an
// earlier one. Returns (0, false) when no executable line remains before
// end of file.
func Verify(c *Classification, requested int) (int, bool) {
	if requested < 1 {
		requested = 1
	}
	for line := requested; line <= c.NumLines(); line++ {
		if c.Class(line) == ClassExecutable {
			return line, true
		}
	}
	return 0, false
}

// Reason describes why a line is not itself breakpoint-eligible. Used to
// build per-breakpoint messages in setBreakpoints responses.
func Reason(c *Classification, line int) string {
	if line > c.NumLines() {
		return "line number exceeds file length"
	}
	switch c.Class(line) {
	case ClassExecutable:
		return ""
	case ClassComment, ClassBlank:
		return "breakpoint set on comment or blank line"
	case ClassPod:
		return "breakpoint set inside POD documentation"
	case ClassHeredocBody:
		return "breakpoint set inside heredoc content"
	default:
		return "line is not executable"
	}
}
