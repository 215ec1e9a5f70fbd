package filter

// This file contains the matchers a rule uses to recognise lines: plain
// text or regular expressions, line numbers, n-th matches and the built-in
// writedir expression.

import (
	"regexp"
	"strings"
)

const regexChars = `^$[]{}\*?|+`

type matcher interface {
	// matches reports whether line (1-based lineNumber) is selected. counter
	// is per-file state owned by the caller.
	matches(line string, lineNumber int, counter *int) bool
	replace(line, replacement string) string
	String() string
}

// TextTrigger matches lines by substring, or by regular expression when the
// text contains regex syntax and compiles.
type TextTrigger struct {
	text string
	re   *regexp.Regexp
}

// NewTextTrigger returns a trigger for text.
func NewTextTrigger(text string) *TextTrigger {
	t := &TextTrigger{text: text}
	if strings.ContainsAny(text, regexChars) {
		if re, err := regexp.Compile(text); err == nil {
			t.re = re
		}
	}
	return t
}

// Matches reports whether line contains the trigger. A trailing newline is
// not part of the text a regular expression sees, so $ anchors at the end of
// the line.
func (t *TextTrigger) Matches(line string) bool {
	if t.re != nil {
		return t.re.MatchString(strings.TrimSuffix(line, "\n"))
	}
	return strings.Contains(line, t.text)
}

// Replace substitutes replacement for every match in line.
func (t *TextTrigger) Replace(line, replacement string) string {
	if t.re != nil {
		return t.re.ReplaceAllString(line, replacement)
	}
	return strings.ReplaceAll(line, t.text, replacement)
}

func (t *TextTrigger) matches(line string, _ int, _ *int) bool {
	return t.Matches(line)
}

func (t *TextTrigger) replace(line, replacement string) string {
	return t.Replace(line, replacement)
}

func (t *TextTrigger) String() string {
	return "text trigger " + t.text
}

type lineNumberTrigger struct {
	lineNumber int
}

func (t lineNumberTrigger) matches(_ string, lineNumber int, _ *int) bool {
	return lineNumber == t.lineNumber
}

func (t lineNumberTrigger) replace(_, replacement string) string {
	return replacement
}

func (t lineNumberTrigger) String() string {
	return "line number trigger"
}

type matchNumberTrigger struct {
	*TextTrigger
	matchNumber int
}

func (t matchNumberTrigger) matches(line string, _ int, counter *int) bool {
	if !t.TextTrigger.Matches(line) {
		return false
	}
	*counter++
	return *counter == t.matchNumber
}

func (t matchNumberTrigger) String() string {
	return "match number trigger " + t.text
}

// WriteDirPattern returns the expression matching sandbox paths ending in the
// test's relative path: some directories, a run directory stamped with a
// ddMonHHMMSS-style date, and then testPath. Either separator is accepted.
func WriteDirPattern(testPath string) string {
	testPath = regexp.QuoteMeta(strings.ReplaceAll(testPath, `\`, "/"))
	pattern := `([A-Za-z]:/Documents and Settings)?[^ '"=]*/[^ "=]*[0-3][0-9][A-Za-z][a-z][a-z][0-9]{6}[^ "=]*/` + testPath
	return strings.ReplaceAll(pattern, "/", `[/\\]+`)
}

var internalExpressions = map[string]func(testPath string) string{
	"writedir": WriteDirPattern,
}

func internalTrigger(name, testPath string) (*TextTrigger, bool) {
	build, ok := internalExpressions[name]
	if !ok {
		return nil, false
	}
	expr := build(testPath)
	return &TextTrigger{text: expr, re: regexp.MustCompile(expr)}, true
}
