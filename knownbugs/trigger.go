package knownbugs

// This file contains bug triggers: one INI section of a knownbugs file,
// compiled into the text it searches for and the conditions under which a
// match counts.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/perfgo/texttest/filter"
)

// Search targets that are not file stems.
const (
	StemFreeText  = "free_text"
	StemBriefText = "brief_text"
)

const (
	priorityInternal = 10
	priorityBugID    = 20
	priorityDefault  = 30
)

// multiTrigger matches a sequence of consecutive lines.
type multiTrigger struct {
	text     string
	triggers []*filter.TextTrigger
	pos      int
}

func newMultiTrigger(text string, useRegexp bool) *multiTrigger {
	m := &multiTrigger{text: text}
	for _, part := range strings.Split(text, "\n") {
		if !useRegexp {
			part = regexp.QuoteMeta(part)
		}
		m.triggers = append(m.triggers, filter.NewTextTrigger(part))
	}
	return m
}

func (m *multiTrigger) reset() {
	m.pos = 0
}

// matches consumes one line and reports whether the whole sequence has now
// been seen.
func (m *multiTrigger) matches(line string) bool {
	if m.triggers[m.pos].Matches(line) {
		m.pos++
		if m.pos == len(m.triggers) {
			m.pos = 0
			return true
		}
		return false
	}
	if m.pos > 0 {
		m.pos = 0
		return m.matches(line)
	}
	return false
}

// matchesExactly reports whether lines are exactly the sequence.
func (m *multiTrigger) matchesExactly(lines []string) bool {
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) != len(m.triggers) {
		return false
	}
	for i, line := range lines {
		if !m.triggers[i].Matches(line) {
			return false
		}
	}
	return true
}

func (m *multiTrigger) String() string {
	if strings.Contains(m.text, "\n") {
		return "'''\n" + m.text + "\n'''"
	}
	return "'" + m.text + "'"
}

// Bug is one configured known bug.
type Bug struct {
	Name             string
	SearchFile       string
	BugID            string
	FullDescription  string
	BriefDescription string
	InternalError    bool
	RerunCount       int
	RerunOnly        bool
	Priority         int
	OnAbsence        bool
	OnIdentical      bool
	OnSuccess        bool
	IgnoreOtherDiffs bool
	Hosts            []string

	trigger *multiTrigger
}

func parseBug(section *ini.Section) (*Bug, error) {
	get := func(key, def string) string {
		if section.HasKey(key) {
			return section.Key(key).String()
		}
		return def
	}
	flag := func(key, def string) (bool, error) {
		v := get(key, def)
		if v == "" {
			return false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return strconv.ParseBool(v)
		}
		return n != 0, nil
	}

	search := strings.ReplaceAll(get("search_string", ""), `\n`, "\n")
	if search == "" {
		return nil, fmt.Errorf("bug %q has no search_string", section.Name())
	}
	b := &Bug{
		Name:             section.Name(),
		SearchFile:       get("search_file", StemFreeText),
		BugID:            get("bug_id", ""),
		FullDescription:  get("full_description", ""),
		BriefDescription: get("brief_description", ""),
	}
	useRegexp, err := flag("use_regexp", "1")
	if err != nil {
		return nil, fmt.Errorf("bug %q: use_regexp: %w", b.Name, err)
	}
	for key, dst := range map[string]*bool{
		"internal_error":       &b.InternalError,
		"rerun_only":           &b.RerunOnly,
		"trigger_on_absence":   &b.OnAbsence,
		"trigger_on_identical": &b.OnIdentical,
		"trigger_on_success":   &b.OnSuccess,
	} {
		if *dst, err = flag(key, "0"); err != nil {
			return nil, fmt.Errorf("bug %q: %s: %w", b.Name, key, err)
		}
	}
	defIgnore := "0"
	if b.InternalError {
		defIgnore = "1"
	}
	if b.IgnoreOtherDiffs, err = flag("ignore_other_errors", defIgnore); err != nil {
		return nil, fmt.Errorf("bug %q: ignore_other_errors: %w", b.Name, err)
	}
	if b.RerunCount, err = strconv.Atoi(get("rerun_count", "0")); err != nil {
		return nil, fmt.Errorf("bug %q: rerun_count: %w", b.Name, err)
	}
	switch p := get("priority", ""); {
	case p != "":
		if b.Priority, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("bug %q: priority: %w", b.Name, err)
		}
	case b.BugID != "":
		b.Priority = priorityBugID
	case b.InternalError:
		b.Priority = priorityInternal
	default:
		b.Priority = priorityDefault
	}
	if hosts := get("execution_hosts", ""); hosts != "" {
		b.Hosts = strings.Split(hosts, ",")
	}
	b.trigger = newMultiTrigger(search, useRegexp)
	return b, nil
}

// isCancellation reports whether the bug only blocks lower priority bugs.
func (b *Bug) isCancellation() bool {
	return !b.RerunOnly && b.BugID == "" && b.BriefDescription == "" && b.FullDescription == ""
}

type matchContext struct {
	hosts         []string
	changed       bool
	multipleDiffs bool
}

// applies checks everything except the text itself.
func (b *Bug) applies(ctx matchContext) bool {
	if !b.OnSuccess && !ctx.changed {
		return false
	}
	if ctx.multipleDiffs && !b.IgnoreOtherDiffs {
		return false
	}
	return b.hostsMatch(ctx.hosts)
}

func (b *Bug) hostsMatch(hosts []string) bool {
	if len(b.Hosts) == 0 {
		return true
	}
	for _, h := range hosts {
		found := false
		for _, want := range b.Hosts {
			if h == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Brief is the brief text of a state rewritten by this bug.
func (b *Bug) Brief() string {
	switch {
	case b.BugID != "":
		return "bug " + b.BugID
	case b.InternalError:
		return "internal error: " + b.BriefDescription
	}
	return b.BriefDescription
}

// describe returns the free text explaining the match.
func (b *Bug) describe(stem string) string {
	var text strings.Builder
	if b.RerunCount > 0 {
		fmt.Fprintf(&text, "\n(NOTE: Test was run %d times in total and each time encountered this issue.\n", b.RerunCount+1)
		text.WriteString("Results of previous runs can be found in the sandbox backups.)\n\n")
	}
	text.WriteString(b.FullDescription)
	what := "text found"
	if b.OnAbsence {
		what = "FAILING to find text"
	}
	fmt.Fprintf(&text, "\n(This bug was triggered by %s in %s matching %s)", what, describeStem(stem), b.trigger)
	return text.String()
}

func describeStem(stem string) string {
	switch stem {
	case StemFreeText:
		return "the full difference report"
	case StemBriefText:
		return "the brief text/details"
	}
	return "file '" + stem + "'"
}
