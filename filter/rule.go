package filter

// This file contains parsing of textual filter rules into Rule values and
// the per-file application of a rule to one line.

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	dividers        = []string{"{->}", "{[->]}", "{[->}", "{->]}"}
	matcherPrefixes = []string{"{LINE ", "{INTERNAL ", "{MATCH "}
	modifierPrefix  = []string{"{WORD ", "{REPLACE ", "{LINES ", "{PREVLINES "}
)

// Rule is one compiled filter rule. A Rule is immutable; per-file state
// lives in ruleState.
type Rule struct {
	original          string
	trigger           matcher
	untrigger         matcher
	divider           string
	linesToRemove     int
	prevLinesToRemove int
	wordNumber        *int
	removeWordsAfter  bool
	replaceText       *string
}

// ParseRule compiles text. testPath is interpolated into internal
// expressions such as writedir.
func ParseRule(text, testPath string) (*Rule, error) {
	r := &Rule{original: text, linesToRemove: 1}
	for _, divider := range dividers {
		before, after, found := strings.Cut(text, divider)
		if !found {
			continue
		}
		if strings.Contains(after, divider) {
			return nil, fmt.Errorf("rule %q: divider %s appears more than once", text, divider)
		}
		r.divider = divider
		var err error
		if r.trigger, err = r.parseText(before, testPath); err != nil {
			return nil, fmt.Errorf("rule %q: %w", text, err)
		}
		if r.untrigger, err = r.parseText(after, testPath); err != nil {
			return nil, fmt.Errorf("rule %q: %w", text, err)
		}
		return r, nil
	}
	var err error
	if r.trigger, err = r.parseText(text, testPath); err != nil {
		return nil, fmt.Errorf("rule %q: %w", text, err)
	}
	return r, nil
}

// String returns the rule as written in configuration.
func (r *Rule) String() string {
	return r.original
}

func (r *Rule) parseText(text, testPath string) (matcher, error) {
	for _, prefix := range modifierPrefix {
		pos := strings.Index(text, prefix)
		if pos == -1 {
			continue
		}
		before, after, param, err := extractParameter(text, pos, prefix)
		if err != nil {
			return nil, err
		}
		if err := r.readModifier(prefix, param); err != nil {
			return nil, err
		}
		text = before + after
	}
	for _, prefix := range matcherPrefixes {
		pos := strings.Index(text, prefix)
		if pos == -1 {
			continue
		}
		before, after, param, err := extractParameter(text, pos, prefix)
		if err != nil {
			return nil, err
		}
		return makeMatcher(prefix, before+after, param, testPath)
	}
	if text == "" {
		return nil, fmt.Errorf("empty match text")
	}
	return NewTextTrigger(text), nil
}

func extractParameter(text string, pos int, prefix string) (before, after, param string, err error) {
	before = text[:pos]
	rest := text[pos+len(prefix):]
	end := strings.Index(rest, "}")
	if end == -1 {
		return "", "", "", fmt.Errorf("unterminated %s}", strings.TrimSpace(prefix))
	}
	return before, rest[end+1:], rest[:end], nil
}

func (r *Rule) readModifier(prefix, param string) error {
	switch prefix {
	case "{REPLACE ":
		p := param
		r.replaceText = &p
	case "{WORD ":
		after := strings.HasSuffix(param, "+")
		n, err := strconv.Atoi(strings.TrimSuffix(param, "+"))
		if err != nil {
			return fmt.Errorf("invalid word number %q", param)
		}
		// Words are configured 1-based; negative numbers count from the end.
		if n > 0 {
			n--
		}
		r.wordNumber = &n
		r.removeWordsAfter = after
	case "{LINES ":
		n, err := strconv.Atoi(param)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid line count %q", param)
		}
		r.linesToRemove = n
	case "{PREVLINES ":
		n, err := strconv.Atoi(param)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid previous line count %q", param)
		}
		r.prevLinesToRemove = n
	}
	return nil
}

func makeMatcher(prefix, text, param, testPath string) (matcher, error) {
	switch prefix {
	case "{LINE ":
		n, err := strconv.Atoi(param)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid line number %q", param)
		}
		return lineNumberTrigger{lineNumber: n}, nil
	case "{INTERNAL ":
		t, ok := internalTrigger(param, testPath)
		if !ok {
			return nil, fmt.Errorf("unknown internal expression %q", param)
		}
		return t, nil
	case "{MATCH ":
		n, err := strconv.Atoi(param)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid match number %q", param)
		}
		if text == "" {
			return nil, fmt.Errorf("MATCH needs a pattern")
		}
		return matchNumberTrigger{TextTrigger: NewTextTrigger(text), matchNumber: n}, nil
	}
	return nil, fmt.Errorf("unknown matcher %s", prefix)
}

func (r *Rule) isRange() bool {
	return r.untrigger != nil
}

func (r *Rule) isMultiLine() bool {
	return r.linesToRemove > 1 || r.prevLinesToRemove > 0 || r.untrigger != nil
}

// ruleState is the per-file state of one rule.
type ruleState struct {
	rule *Rule
	// lastLine is the last line closing a range rule, 0 for non-range rules
	lastLine       int
	autoRemove     int
	triggerCount   int
	untriggerCount int
}

// applyTo returns whether the rule acted on line, the line that should
// replace it (nil when it is removed) and how many previous lines to remove.
func (s *ruleState) applyTo(line string, lineNumber int, alreadyFilteredAway bool) (bool, *string, int) {
	r := s.rule
	if s.autoRemove > 0 {
		return s.applyAutoRemove(line, lineNumber)
	}
	if alreadyFilteredAway && !r.isMultiLine() {
		return false, nil, 0
	}
	if !r.trigger.matches(line, lineNumber, &s.triggerCount) {
		return false, &line, 0
	}
	if r.untrigger != nil {
		s.autoRemove = 1
		return strings.HasPrefix(r.divider, "{["), r.filterWords(line, nil), 0
	}
	s.autoRemove = r.linesToRemove - 1
	return true, r.filterWords(line, r.trigger), r.prevLinesToRemove
}

func (s *ruleState) applyAutoRemove(line string, lineNumber int) (bool, *string, int) {
	r := s.rule
	if r.untrigger != nil {
		if r.untrigger.matches(strings.TrimRight(line, " \t\r\n"), lineNumber, &s.untriggerCount) {
			s.autoRemove = 0
			if strings.HasSuffix(r.divider, "]}") {
				return true, nil, 0
			}
			return false, &line, 0
		}
	} else {
		s.autoRemove--
	}
	return true, r.filterWords(line, nil), 0
}

// filterWords applies WORD and REPLACE modifiers. It returns nil when the
// whole line should be removed.
func (r *Rule) filterWords(line string, trigger matcher) *string {
	if r.wordNumber != nil {
		stripped := strings.TrimRight(line, " \t\r\n\v\f")
		postfix := line[len(stripped):]
		words := strings.Split(stripped, " ")
		real := r.realWordNumber(words)
		if real < len(words) {
			idx := real
			if idx < 0 {
				idx += len(words)
			}
			switch {
			case r.removeWordsAfter:
				words = append([]string(nil), words[:idx]...)
				if r.replaceText != nil && *r.replaceText != "" {
					words = append(words, *r.replaceText)
				}
			case r.replaceText != nil && *r.replaceText != "":
				words[idx] = *r.replaceText
			default:
				words = append(words[:idx:idx], words[idx+1:]...)
			}
		}
		if real == -1 || real >= len(words)-1 {
			postfix = "\n"
		}
		out := strings.TrimRight(strings.Join(words, " "), " \t\r\n\v\f") + postfix
		return &out
	}
	if trigger != nil && r.replaceText != nil {
		out := trigger.replace(strings.TrimRight(line, "\n"), *r.replaceText) + "\n"
		return &out
	}
	return nil
}

// realWordNumber maps the configured word number onto an index into words,
// skipping empty strings produced by repeated spaces. Negative results index
// from the end. Not found is len(words)+1.
func (r *Rule) realWordNumber(words []string) int {
	n := *r.wordNumber
	if n < 0 {
		count := -1
		for i := range words {
			real := -1 - i
			if words[len(words)+real] != "" {
				if count == n {
					return real
				}
				count--
			}
		}
		return len(words) + 1
	}
	count := 0
	for i, w := range words {
		if w != "" {
			if count == n {
				return i
			}
			count++
		}
	}
	return len(words) + 1
}
