package filter

// This file contains the run-dependent and unordered text filters. Both
// stream the input once, applying rules in declared order; the unordered
// filter diverts matching lines into per-rule buckets written sorted at the
// end.

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strings"
)

const (
	PostfixRunDependent = "normal"
	PostfixUnordered    = "sorted"
	PostfixFloatingPt   = "fpdiff"
)

// Filter transforms one file into its filtered form.
type Filter interface {
	Postfix() string
	FilterFile(in io.Reader, out io.Writer) error
}

// TextFilter filters run-dependent text in place. With unordered set, lines
// removed by a rule are instead collected and appended, sorted, after the
// filtered text.
type TextFilter struct {
	rules     []*Rule
	unordered bool
}

// NewRunDependentFilter compiles run_dependent_text rules.
func NewRunDependentFilter(texts []string, testPath string) (*TextFilter, error) {
	return newTextFilter(texts, testPath, false)
}

// NewUnorderedFilter compiles unordered_text rules.
func NewUnorderedFilter(texts []string, testPath string) (*TextFilter, error) {
	return newTextFilter(texts, testPath, true)
}

func newTextFilter(texts []string, testPath string, unordered bool) (*TextFilter, error) {
	f := &TextFilter{unordered: unordered}
	for _, text := range texts {
		r, err := ParseRule(text, testPath)
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, r)
	}
	return f, nil
}

// Postfix implements Filter.
func (f *TextFilter) Postfix() string {
	if f.unordered {
		return PostfixUnordered
	}
	return PostfixRunDependent
}

// FilterFile implements Filter.
func (f *TextFilter) FilterFile(in io.Reader, out io.Writer) error {
	lines, err := readLines(in)
	if err != nil {
		return err
	}
	states := f.relevantStates(lines)

	var buf bytes.Buffer
	var seekPoints []int
	var buckets map[*Rule][]string
	if f.unordered {
		buckets = map[*Rule][]string{}
	}
	for i, line := range lines {
		lineNumber := i + 1
		var applied *ruleState
		var removeCount int
		var filtered *string
		filtered, states = filteredLine(line, lineNumber, states, &applied, &removeCount)
		if removeCount > 0 {
			seek := 0
			if removeCount < len(seekPoints) {
				seek = seekPoints[len(seekPoints)-removeCount-1]
			}
			buf.Truncate(seek)
			seekPoints = seekPoints[:0]
		}
		if filtered != nil {
			buf.WriteString(*filtered)
		} else if buckets != nil && applied != nil {
			buckets[applied.rule] = append(buckets[applied.rule], line)
		}
		seekPoints = append(seekPoints, buf.Len())
	}
	if f.unordered {
		for _, r := range f.rules {
			bucket := buckets[r]
			if len(bucket) == 0 {
				continue
			}
			sort.Strings(bucket)
			buf.WriteString("-- Unordered text as found by filter '" + r.original + "' --\n")
			for _, line := range bucket {
				buf.WriteString(line)
			}
			buf.WriteString("\n")
		}
	}
	_, err = out.Write(buf.Bytes())
	return err
}

// relevantStates builds per-file states for the rules that can act on this
// file. A range rule is relevant only if the file closes it after opening it,
// and it stops being applied once its last closing line has been seen.
func (f *TextFilter) relevantStates(lines []string) []*ruleState {
	var ranges []*Rule
	for _, r := range f.rules {
		if r.isRange() {
			ranges = append(ranges, r)
		}
	}
	lastLines := map[*Rule]int{}
	if len(ranges) > 0 {
		opened := map[*Rule]bool{}
		counts := map[*Rule]*[2]int{}
		for _, r := range ranges {
			counts[r] = &[2]int{}
		}
		for i, line := range lines {
			lineNumber := i + 1
			for _, r := range ranges {
				if opened[r] && r.untrigger.matches(line, lineNumber, &counts[r][1]) {
					lastLines[r] = lineNumber
				}
			}
			for _, r := range ranges {
				if opened[r] {
					continue
				}
				if r.trigger.matches(line, lineNumber, &counts[r][0]) && !r.untrigger.matches(line, lineNumber, &counts[r][1]) {
					opened[r] = true
				}
			}
		}
	}
	states := make([]*ruleState, 0, len(f.rules))
	for _, r := range f.rules {
		if r.isRange() {
			last, ok := lastLines[r]
			if !ok {
				continue
			}
			states = append(states, &ruleState{rule: r, lastLine: last})
			continue
		}
		states = append(states, &ruleState{rule: r})
	}
	return states
}

// filteredLine combines every relevant rule's verdict on one line. Range
// rules past their last closing line are dropped from the returned slice.
func filteredLine(line string, lineNumber int, states []*ruleState, applied **ruleState, removeCount *int) (*string, []*ruleState) {
	current := line
	filtered := &current
	alreadyFilteredAway := false
	var expired []*ruleState
	for _, s := range states {
		changed, replacement, count := s.applyTo(current, lineNumber, alreadyFilteredAway)
		if replacement != nil && *replacement == "" {
			replacement = nil
		}
		if s.lastLine > 0 && lineNumber >= s.lastLine {
			expired = append(expired, s)
		}
		if !changed {
			continue
		}
		*applied = s
		if count > *removeCount {
			*removeCount = count
		}
		if replacement != nil && filtered != nil {
			current = *replacement
		}
		if filtered != nil {
			filtered = replacement
		}
		if replacement == nil {
			alreadyFilteredAway = true
		}
	}
	if len(expired) == 0 {
		return filtered, states
	}
	kept := states[:0]
	for _, s := range states {
		if !containsState(expired, s) {
			kept = append(kept, s)
		}
	}
	return filtered, kept
}

func containsState(list []*ruleState, s *ruleState) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// readLines splits r into lines, each keeping its trailing newline.
func readLines(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// FilterString is a convenience wrapper applying f to text.
func FilterString(f Filter, text string) (string, error) {
	var out strings.Builder
	if err := f.FilterFile(strings.NewReader(text), &out); err != nil {
		return "", err
	}
	return out.String(), nil
}
