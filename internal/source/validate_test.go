package source

import (
	"strings"
	"testing"
)

func TestVerifyExecutableLineUnchanged(t *testing.T) {
	c := Classify([]byte("my $x = 1;\nmy $y = 2;\n"))
	line, ok := Verify(c, 2)
	if !ok || line != 2 {
		t.Errorf("Verify(2) = (%d, %v), want (2, true)", line, ok)
	}
}

func TestVerifySnapsForwardOnly(t *testing.T) {
	src := strings.Join([]string{
		"my $x = 1;", // 1
		"",           // 2
		"# comment",  // 3
		"my $y = 2;", // 4
		"",           // 5
	}, "\n")
	c := Classify([]byte(src))

	tests := []struct {
		requested int
		wantLine  int
		wantOK    bool
	}{
		{2, 4, true},  // blank snaps forward past the comment
		{3, 4, true},  // comment snaps forward
		{5, 0, false}, // nothing executable remains
		{0, 1, true},  // non-positive clamps to line 1
		{99, 0, false},
	}
	for _, tt := range tests {
		line, ok := Verify(c, tt.requested)
		if line != tt.wantLine || ok != tt.wantOK {
			t.Errorf("Verify(%d) = (%d, %v), want (%d, %v)",
				tt.requested, line, ok, tt.wantLine, tt.wantOK)
		}
		if ok && line < tt.requested && tt.requested >= 1 {
			t.Errorf("Verify(%d) snapped backward to %d", tt.requested, line)
		}
	}
}

func TestVerifyNeverLandsInsideConstructs(t *testing.T) {
	src := strings.Join([]string{
		"my $sql = <<'SQL';", // 1
		"SELECT *",           // 2
		"FROM t",             // 3
		"SQL",                // 4
		"=pod",               // 5
		"docs line",          // 6
		"=cut",               // 7
		"run($sql);",         // 8
	}, "\n")
	c := Classify([]byte(src))

	for requested := 2; requested <= 7; requested++ {
		line, ok := Verify(c, requested)
		if !ok || line != 8 {
			t.Errorf("Verify(%d) = (%d, %v), want (8, true)", requested, line, ok)
		}
	}
	// No executable line may exist strictly between request and result.
	for mid := 2; mid <= 7; mid++ {
		if c.Class(mid) == ClassExecutable {
			t.Errorf("line %d unexpectedly executable", mid)
		}
	}
}

func TestVerifyDocumentationBlockScenario(t *testing.T) {
	// A POD block spanning lines 6-12: none of those lines verify as
	// themselves; a request for line 8 lands on the first executable
	// line after 12.
	var lines []string
	for i := 1; i <= 5; i++ {
		lines = append(lines, "my $v = 1;")
	}
	lines = append(lines, "=pod")                  // 6
	lines = append(lines, "d", "d", "d", "d", "d") // 7-11
	lines = append(lines, "=cut")                  // 12
	lines = append(lines, "my $after = 1;")        // 13
	c := Classify([]byte(strings.Join(lines, "\n")))

	for req := 6; req <= 12; req++ {
		line, ok := Verify(c, req)
		if !ok || line != 13 {
			t.Errorf("Verify(%d) = (%d, %v), want (13, true)", req, line, ok)
		}
	}
}

func TestReasonMessages(t *testing.T) {
	src := "my $x = <<EOF;\nbody\nEOF\n# note\n\n=pod\nd\n=cut\n"
	c := Classify([]byte(src))

	tests := []struct {
		line int
		want string
	}{
		{1, ""},
		{2, "breakpoint set inside heredoc content"},
		{4, "breakpoint set on comment or blank line"},
		{5, "breakpoint set on comment or blank line"},
		{6, "breakpoint set inside POD documentation"},
		{999, "line number exceeds file length"},
	}
	for _, tt := range tests {
		if got := Reason(c, tt.line); got != tt.want {
			t.Errorf("Reason(%d) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
