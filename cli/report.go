package cli

// This file contains the console report: a line per finished test and a
// summary of the tests that did not succeed.

import (
	"fmt"
	"io"
	"strings"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// verdicts name categories the way the report prints them.
var verdicts = map[model.Category]string{
	model.CategorySuccess:    "succeeded",
	model.CategoryFailure:    "FAILED",
	model.CategoryKnownBug:   "had known bugs",
	model.CategoryKilled:     "was KILLED",
	model.CategoryUnrunnable: "could not be run",
	model.CategoryCancelled:  "was cancelled",
}

type result struct {
	test  *testtree.Test
	state *model.TestState
}

// summary is a state observer printing to out.
type summary struct {
	out     io.Writer
	order   []*testtree.Test
	results map[*testtree.Test]*model.TestState
}

func newSummary(out io.Writer) *summary {
	return &summary{out: out, results: map[*testtree.Test]*model.TestState{}}
}

// Notify implements state.Observer.
func (s *summary) Notify(t *testtree.Test, st *model.TestState) {
	switch {
	case st.Phase == model.PhaseRunning && st.LifecycleChange != "reconnected":
		fmt.Fprintf(s.out, "%s test %s running\n", t.App().FullName(), t.RelPath())
	case st.IsComplete():
		if _, seen := s.results[t]; !seen {
			s.order = append(s.order, t)
		}
		s.results[t] = st
		fmt.Fprintln(s.out, resultLine(t, st))
	}
}

func resultLine(t *testtree.Test, st *model.TestState) string {
	line := fmt.Sprintf("%s test %s %s", t.App().FullName(), t.RelPath(), verdicts[st.Category])
	if len(st.ExecutionHosts) > 0 && st.Category != model.CategorySuccess {
		line += " on " + strings.Join(st.ExecutionHosts, ",")
	}
	if st.BriefText != "" && st.Category != model.CategorySuccess {
		line += " : " + st.BriefText
	}
	return line
}

// Print writes the summary of every finished test.
func (s *summary) Print() {
	var failed []result
	counts := map[model.Category]int{}
	for _, t := range s.order {
		st := s.results[t]
		counts[st.Category]++
		if st.Category != model.CategorySuccess {
			failed = append(failed, result{test: t, state: st})
		}
	}
	fmt.Fprintln(s.out)
	if len(failed) > 0 {
		fmt.Fprintln(s.out, "Tests that did not succeed:")
		for _, r := range failed {
			fmt.Fprintln(s.out, "  "+resultLine(r.test, r.state))
		}
		fmt.Fprintln(s.out)
	}
	fmt.Fprintf(s.out, "Tests Run: %d", len(s.order))
	if len(s.order) > 0 {
		fmt.Fprintf(s.out, " (%s)", categoryCounts(counts))
	}
	fmt.Fprintln(s.out)
}
