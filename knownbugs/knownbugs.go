package knownbugs

// Package knownbugs rewrites failed test states whose output matches a
// configured bug pattern. Bugs are read from knownbugs.<app> INI files found
// in a test's directory and the directories of its suites.

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

const fileStem = "knownbugs"

// Set holds the bugs that apply to one test, grouped by search target in
// the order they were read.
type Set struct {
	stems []string
	bugs  map[string][]*Bug
}

func (s *Set) add(b *Bug) {
	if s.bugs == nil {
		s.bugs = map[string][]*Bug{}
	}
	if _, ok := s.bugs[b.SearchFile]; !ok {
		s.stems = append(s.stems, b.SearchFile)
	}
	s.bugs[b.SearchFile] = append(s.bugs[b.SearchFile], b)
}

// Len returns the number of bugs.
func (s *Set) Len() int {
	n := 0
	for _, list := range s.bugs {
		n += len(list)
	}
	return n
}

func (s *Set) checkUnchanged() bool {
	for _, list := range s.bugs {
		for _, b := range list {
			if b.OnSuccess {
				return true
			}
		}
	}
	return false
}

// ReadFile adds the bugs of one INI file. Sections are taken in reverse
// name order.
func (s *Set) ReadFile(path string) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}, path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	var sections []*ini.Section
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		sections = append(sections, sec)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Name() > sections[j].Name() })
	for _, sec := range sections {
		b, err := parseBug(sec)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		s.add(b)
	}
	return nil
}

// Load reads every knownbugs file from t's directory up to the root suite,
// the test's own file first.
func Load(logger zerolog.Logger, t *testtree.Test) (*Set, error) {
	s := &Set{}
	for n := t; n != nil; n = n.Parent() {
		path, ok := n.FileName(fileStem)
		if !ok {
			continue
		}
		logger.Debug().Str("test", t.RelPath()).Str("path", path).Msg("Reading known bugs")
		if err := s.ReadFile(path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Match is the outcome of checking a state against a set of bugs.
type Match struct {
	Bug  *Bug
	Stem string
	// State is the rewritten state, nil for rerun-only bugs
	State *model.TestState
}

// Check looks for the highest priority bug matching state. ok is false when
// nothing matched.
func (s *Set) Check(state *model.TestState) (Match, bool, error) {
	if s.Len() == 0 || !state.IsComplete() {
		return Match{}, false, nil
	}
	if !s.checkUnchanged() && !state.HasFailed() {
		return Match{}, false, nil
	}
	multipleDiffs := len(state.FailedComparisons()) > 1

	type found struct {
		bug  *Bug
		stem string
	}
	var all []found
	for _, stem := range s.stems {
		bugs, err := s.findInStem(state, stem, multipleDiffs)
		if err != nil {
			return Match{}, false, err
		}
		for _, b := range bugs {
			all = append(all, found{bug: b, stem: stem})
		}
	}

	var unblocked []found
	for _, f := range all {
		if f.bug.isCancellation() {
			break
		}
		unblocked = append(unblocked, f)
	}
	if len(unblocked) == 0 {
		return Match{}, false, nil
	}
	sort.SliceStable(unblocked, func(i, j int) bool {
		a, b := unblocked[i].bug, unblocked[j].bug
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.RerunCount < b.RerunCount
	})
	best := unblocked[0]
	m := Match{Bug: best.bug, Stem: best.stem}
	if best.bug.RerunOnly {
		return m, true, nil
	}
	next := state.Clone()
	next.OldState = state
	next.Category = model.CategoryKnownBug
	next.BriefText = best.bug.Brief()
	next.FreeText = best.bug.describe(best.stem)
	if state.FreeText != "" {
		next.FreeText += "\n" + state.FreeText
	}
	next.LifecycleChange = "known bug"
	m.State = next
	return m, true, nil
}

func (s *Set) findInStem(state *model.TestState, stem string, multipleDiffs bool) ([]*Bug, error) {
	ctx := matchContext{hosts: state.ExecutionHosts, changed: true, multipleDiffs: multipleDiffs}
	switch stem {
	case StemFreeText:
		return s.findInLines(stem, strings.Split(state.FreeText, "\n"), ctx), nil
	case StemBriefText:
		return s.findInLines(stem, strings.Split(state.BriefText, "\n"), ctx), nil
	}
	var out []*Bug
	for _, comp := range state.Comparisons {
		if comp.Stem != stem {
			continue
		}
		ctx.changed = comp.HasDifferences()
		if !ctx.changed && !s.checkUnchanged() {
			continue
		}
		if comp.GeneratedFile == "" {
			out = append(out, absenceBugs(s.bugs[stem], ctx)...)
			continue
		}
		lines, err := readLines(comp.GeneratedFile)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s for known bugs: %w", comp.GeneratedFile, err)
		}
		out = append(out, s.findInLines(stem, lines, ctx)...)
	}
	return out, nil
}

func (s *Set) findInLines(stem string, lines []string, ctx matchContext) []*Bug {
	var present, absent, identical []*Bug
	for _, b := range s.bugs[stem] {
		b.trigger.reset()
		switch {
		case b.OnAbsence:
			absent = append(absent, b)
		case b.OnIdentical:
			identical = append(identical, b)
		default:
			present = append(present, b)
		}
	}

	var out []*Bug
	contains := func(b *Bug) bool {
		for _, o := range out {
			if o == b {
				return true
			}
		}
		return false
	}
	for _, b := range identical {
		if b.applies(ctx) && b.trigger.matchesExactly(lines) {
			out = append(out, b)
		}
	}
	for _, line := range lines {
		for _, b := range present {
			if !contains(b) && b.trigger.matches(line) && b.applies(ctx) {
				out = append(out, b)
			}
		}
		remaining := absent[:0]
		for _, b := range absent {
			if !b.trigger.matches(line) {
				remaining = append(remaining, b)
			}
		}
		absent = remaining
	}
	return append(out, absenceBugs(absent, ctx)...)
}

func absenceBugs(candidates []*Bug, ctx matchContext) []*Bug {
	var out []*Bug
	for _, b := range candidates {
		if b.OnAbsence && b.applies(ctx) {
			out = append(out, b)
		}
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
