// Package source classifies Perl source lines for breakpoint placement.
//
// The classifier is a single forward pass over raw bytes. It never parses:
// it only needs to know, per line, whether the runtime could stop there.
// The hard cases are the constructs whose bodies look like code but are
// invisible to the interpreter: POD documentation, heredoc bodies, and the
// __END__/__DATA__ section.
package source

import (
	"fmt"
	"hash/fnv"
)

// LineClass is the classification of a single source line.
type LineClass uint8

const (
	// ClassExecutable marks a line the debugger can legally stop on.
	ClassExecutable LineClass = iota
	// ClassComment marks a line whose only content is a # comment.
	ClassComment
	// ClassBlank marks a line containing nothing but whitespace.
	ClassBlank
	// ClassPod marks POD documentation, including the =cut line and
	// everything after __END__/__DATA__.
	ClassPod
	// ClassHeredocBody marks heredoc content, including the terminator line.
	ClassHeredocBody
)

func (c LineClass) String() string {
	switch c {
	case ClassExecutable:
		return "executable"
	case ClassComment:
		return "comment"
	case ClassBlank:
		return "blank"
	case ClassPod:
		return "pod"
	case ClassHeredocBody:
		return "heredoc"
	default:
		return fmt.Sprintf("LineClass(%d)", uint8(c))
	}
}

// Diagnostic reports a construct left open at end of file. These are soft:
// classification still succeeds, the open construct just swallows the rest
// of the file.
type Diagnostic struct {
	Line    int // 1-based line where the construct was opened
	Message string
}

// Classification holds the per-line tags for one source buffer. It is
// immutable once built and safe for concurrent readers.
type Classification struct {
	fingerprint uint64
	classes     []LineClass
	owners      []int // heredoc body lines: 1-based declaration line, else 0
	diags       []Diagnostic
}

// Fingerprint returns the FNV-1a hash of the classified content.
func (c *Classification) Fingerprint() uint64 { return c.fingerprint }

// NumLines returns the number of classified lines.
func (c *Classification) NumLines() int { return len(c.classes) }

// Class returns the tag for a 1-based line. Out-of-range lines report
// ClassBlank.
func (c *Classification) Class(line int) LineClass {
	if line < 1 || line > len(c.classes) {
		return ClassBlank
	}
	return c.classes[line-1]
}

// Owner returns the declaration line owning a heredoc body line, or 0.
func (c *Classification) Owner(line int) int {
	if line < 1 || line > len(c.owners) {
		return 0
	}
	return c.owners[line-1]
}

// Diagnostics returns soft diagnostics gathered during classification.
func (c *Classification) Diagnostics() []Diagnostic { return c.diags }

// Fingerprint hashes a source buffer the same way Classify does, letting
// callers check cache entries without reclassifying.
func Fingerprint(src []byte) uint64 {
	h := fnv.New64a()
	h.Write(src)
	return h.Sum64()
}

// pendingHeredoc is one queued heredoc body awaiting its terminator.
// Declarations on a single line terminate in FIFO order.
type pendingHeredoc struct {
	label    string
	indented bool // <<~ strips leading whitespace from the terminator
	declLine int
}

// Classify tags every line of src. It is total: malformed input classifies
// everything after an unterminated construct as part of that construct.
// Runs in one pass, linear in len(src).
func Classify(src []byte) *Classification {
	c := &Classification{fingerprint: Fingerprint(src)}

	var (
		queue   []pendingHeredoc
		inPod   bool
		podLine int // line that opened the active POD block
		inData  bool
	)

	lineNo := 0
	for start := 0; start < len(src); {
		end := start
		for end < len(src) && src[end] != '\n' {
			end++
		}
		line := string(src[start:end])
		lineNo++

		switch {
		case inData:
			c.push(ClassPod, 0)

		case inPod:
			c.push(ClassPod, 0)
			if podDirective(line) == "cut" {
				inPod = false
			}

		case len(queue) > 0:
			h := queue[0]
			c.push(ClassHeredocBody, h.declLine)
			if heredocTerminates(line, h) {
				queue = queue[1:]
			}

		default:
			switch {
			case isBlank(line):
				c.push(ClassBlank, 0)
			case isComment(line):
				c.push(ClassComment, 0)
			case podDirective(line) != "":
				c.push(ClassPod, 0)
				if podDirective(line) != "cut" {
					inPod = true
					podLine = lineNo
				}
			case isDataMarker(line):
				c.push(ClassPod, 0)
				inData = true
			default:
				c.push(ClassExecutable, 0)
				queue = append(queue, scanHeredocDecls(line, lineNo)...)
			}
		}

		if end >= len(src) {
			break
		}
		start = end + 1
		if start == len(src) {
			// Trailing newline: no phantom final line.
			break
		}
	}

	if inPod {
		c.diags = append(c.diags, Diagnostic{
			Line:    podLine,
			Message: "POD block not closed by =cut before end of file",
		})
	}
	for _, h := range queue {
		c.diags = append(c.diags, Diagnostic{
			Line:    h.declLine,
			Message: fmt.Sprintf("heredoc %q not terminated before end of file", h.label),
		})
	}
	return c
}

func (c *Classification) push(class LineClass, owner int) {
	c.classes = append(c.classes, class)
	c.owners = append(c.owners, owner)
}

func isBlank(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r':
		default:
			return false
		}
	}
	return true
}

func isComment(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t':
		case '#':
			return true
		default:
			return false
		}
	}
	return false
}

// podDirective returns the directive word when the line opens or continues
// POD ("pod", "head1", "cut", ...), or "" when the line is not a directive.
// POD directives must start in column 0.
func podDirective(line string) string {
	if len(line) < 2 || line[0] != '=' || !isAlpha(line[1]) {
		return ""
	}
	end := 1
	for end < len(line) && (isAlpha(line[end]) || isDigit(line[end])) {
		end++
	}
	return line[1:end]
}

func isDataMarker(line string) bool {
	s := trimTrailing(line)
	return s == "__END__" || s == "__DATA__"
}

// heredocTerminates reports whether line closes the pending heredoc. The
// terminator must be the whole line; indented heredocs permit a leading
// whitespace prefix, and a trailing carriage return is always tolerated.
func heredocTerminates(line string, h pendingHeredoc) bool {
	s := line
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	if h.indented {
		i := 0
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		s = s[i:]
	}
	return s == h.label
}

// scanHeredocDecls finds heredoc introducers on an executable line, in
// left-to-right order. The scan tracks simple quote state so "<<" inside a
// string, a quote-like operator body (q/qq/qw/qr/m/s/tr/y), or after a #
// comment is not mistaken for a declaration, and skips shift expressions
// like $a << $b (whitespace or an identifier character around "<<" rules a
// heredoc out).
func scanHeredocDecls(line string, declLine int) []pendingHeredoc {
	var decls []pendingHeredoc
	var quote byte // active quote character, 0 when outside strings

	for i := 0; i < len(line); i++ {
		ch := line[i]

		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}

		switch ch {
		case '\'', '"', '`':
			quote = ch
		case '#':
			return decls
		default:
			if !isIdentStart(ch) {
				continue
			}
			if i > 0 && isQuoteOpGlue(line[i-1]) {
				// part of a larger token: $s, ->y, Foo::m
				for i+1 < len(line) && isIdentChar(line[i+1]) {
					i++
				}
				continue
			}
			j := i + 1
			for j < len(line) && isIdentChar(line[j]) {
				j++
			}
			if bodies := quoteLikeBodies(line[i:j]); bodies > 0 {
				if end, ok := skipQuoteLike(line, j, bodies); ok {
					i = end
					continue
				}
			}
			i = j - 1
		case '<':
			if i+1 >= len(line) || line[i+1] != '<' {
				continue
			}
			if i > 0 && isIdentChar(line[i-1]) {
				continue // numeric shift: a<<b
			}
			j := i + 2
			indented := false
			if j < len(line) && line[j] == '~' {
				indented = true
				j++
			}
			if j >= len(line) {
				continue
			}
			switch q := line[j]; {
			case q == '\'' || q == '"' || q == '`':
				k := j + 1
				for k < len(line) && line[k] != q {
					k++
				}
				if k >= len(line) {
					continue // unclosed quote: not a declaration
				}
				if label := line[j+1 : k]; label != "" {
					decls = append(decls, pendingHeredoc{label: label, indented: indented, declLine: declLine})
				}
				i = k
			case isIdentStart(q):
				k := j
				for k < len(line) && isIdentChar(line[k]) {
					k++
				}
				decls = append(decls, pendingHeredoc{label: line[j:k], indented: indented, declLine: declLine})
				i = k - 1
			}
		}
	}
	return decls
}

// quoteLikeBodies returns how many delimited bodies follow a quote-like
// operator word, or 0 when the word is not one.
func quoteLikeBodies(word string) int {
	switch word {
	case "q", "qq", "qw", "qr", "m":
		return 1
	case "s", "tr", "y":
		return 2
	}
	return 0
}

// isQuoteOpGlue reports bytes that attach the following identifier to a
// larger token, so a trailing s/y/q/... is not a quote-like operator.
func isQuoteOpGlue(b byte) bool {
	return isIdentChar(b) || b == '$' || b == '@' || b == '%' || b == '&' ||
		b == '>' || b == ':' || b == '-'
}

// isQuoteDelim reports bytes accepted as a quote-like operator delimiter.
// Bytes that in practice mean "not a quote" (fat comma, list separators,
// closing brackets) are excluded so hash keys like `{ s => 1 }` pass.
func isQuoteDelim(b byte) bool {
	if isIdentChar(b) {
		return false
	}
	switch b {
	case ' ', '\t', '=', ',', ';', '#', ')', ']', '}', '>':
		return false
	}
	return true
}

func closingDelim(open byte) byte {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	case '{':
		return '}'
	case '<':
		return '>'
	}
	return open
}

// skipQuoteLike advances past the delimited bodies of a quote-like operator
// whose delimiter starts at line[j], returning the index of the last
// consumed byte. An unclosed body swallows the rest of the line.
func skipQuoteLike(line string, j, bodies int) (int, bool) {
	if j >= len(line) || !isQuoteDelim(line[j]) {
		return 0, false
	}
	open := line[j]
	cl := closingDelim(open)
	pos := j
	for n := 0; n < bodies; n++ {
		if n > 0 && open != cl {
			// paired delimiters: the second body opens with a fresh
			// delimiter, s{...}{...}
			pos++
			for pos < len(line) && (line[pos] == ' ' || line[pos] == '\t') {
				pos++
			}
			if pos >= len(line) || line[pos] != open {
				return pos - 1, true
			}
		}
		end, ok := skipDelimited(line, pos, open, cl)
		if !ok {
			return len(line) - 1, true
		}
		pos = end
	}
	return pos, true
}

// skipDelimited returns the index of the delimiter closing the body that
// opens at line[pos].
func skipDelimited(line string, pos int, open, cl byte) (int, bool) {
	depth := 1
	for k := pos + 1; k < len(line); k++ {
		switch {
		case line[k] == '\\':
			k++
		case line[k] == cl:
			depth--
			if depth == 0 {
				return k, true
			}
		case line[k] == open:
			depth++
		}
	}
	return 0, false
}

func trimTrailing(line string) string {
	end := len(line)
	for end > 0 {
		switch line[end-1] {
		case ' ', '\t', '\r':
			end--
		default:
			return line[:end]
		}
	}
	return ""
}

func isAlpha(b byte) bool { return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' }
func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(b byte) bool { return isAlpha(b) || b == '_' }
func isIdentChar(b byte) bool  { return isIdentStart(b) || isDigit(b) }
