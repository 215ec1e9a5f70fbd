package model

import "time"

// Category is the verdict carried by a completed test state.
type Category string

const (
	CategorySuccess    Category = "success"
	CategoryFailure    Category = "failure"
	CategoryKnownBug   Category = "knownBug"
	CategoryKilled     Category = "killed"
	CategoryUnrunnable Category = "unrunnable"
	CategoryCancelled  Category = "cancelled"
)

// Categories lists every terminal category in display order.
var Categories = []Category{
	CategorySuccess,
	CategoryFailure,
	CategoryKnownBug,
	CategoryKilled,
	CategoryUnrunnable,
	CategoryCancelled,
}

// Valid reports whether c is one of the terminal categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Phase is the lifecycle position of a test.
type Phase string

const (
	PhaseNotStarted       Phase = "not_started"
	PhasePreparing        Phase = "preparing"
	PhaseRunning          Phase = "running"
	PhaseFilteringInitial Phase = "filtering_initial"
	PhaseFilteringFinal   Phase = "filtering_final"
	PhaseComplete         Phase = "complete"
)

// rank orders phases so transitions can be checked for monotonicity.
func (p Phase) rank() int {
	switch p {
	case PhaseNotStarted:
		return 0
	case PhasePreparing:
		return 1
	case PhaseRunning:
		return 2
	case PhaseFilteringInitial:
		return 3
	case PhaseFilteringFinal:
		return 4
	case PhaseComplete:
		return 5
	}
	return -1
}

// Before reports whether p comes strictly earlier in the lifecycle than other.
func (p Phase) Before(other Phase) bool {
	return p.rank() < other.rank()
}

// Known reports whether p is a recognised phase.
func (p Phase) Known() bool {
	return p.rank() >= 0
}

// TestState is the serializable state of one test case. It is written to
// framework_tmp/teststate and sent over the wire in abbreviated form.
type TestState struct {
	// Lifecycle position
	Phase Phase `json:"phase"`
	// Verdict, only meaningful once Phase is complete
	Category Category `json:"category,omitempty"`
	// One-line, machine-parseable summary
	BriefText string `json:"brief_text,omitempty"`
	// Human readable, possibly multi-section report
	FreeText string `json:"free_text,omitempty"`
	// Label describing the transition that produced this state (e.g. "complete", "marked")
	LifecycleChange string `json:"lifecycle_change,omitempty"`
	// When the SUT was launched
	Started *time.Time `json:"started,omitempty"`
	// When the state reached complete
	Completed *time.Time `json:"completed,omitempty"`
	// Hosts the SUT ran on
	ExecutionHosts []string `json:"execution_hosts,omitempty"`
	// File comparisons, ordered for display
	Comparisons []FileComparison `json:"comparisons,omitempty"`
	// State replaced by a mark, known-bug rewrite or recompute
	OldState *TestState `json:"old_state,omitempty"`
}

// NotStarted returns the initial state of every test.
func NotStarted() *TestState {
	return &TestState{Phase: PhaseNotStarted, LifecycleChange: "initialised"}
}

// IsComplete reports whether the state is terminal.
func (s *TestState) IsComplete() bool {
	return s != nil && s.Phase == PhaseComplete
}

// HasFailed reports whether a complete state represents anything other than success.
func (s *TestState) HasFailed() bool {
	return s.IsComplete() && s.Category != CategorySuccess
}

// HasResults reports whether the state carries file comparisons.
func (s *TestState) HasResults() bool {
	return s != nil && len(s.Comparisons) > 0
}

// Clone returns a deep copy of the state.
func (s *TestState) Clone() *TestState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Started != nil {
		t := *s.Started
		c.Started = &t
	}
	if s.Completed != nil {
		t := *s.Completed
		c.Completed = &t
	}
	c.ExecutionHosts = append([]string(nil), s.ExecutionHosts...)
	if s.Comparisons != nil {
		c.Comparisons = make([]FileComparison, len(s.Comparisons))
		copy(c.Comparisons, s.Comparisons)
	}
	c.OldState = s.OldState.Clone()
	return &c
}

// FindComparison returns the comparison for stem, if any.
func (s *TestState) FindComparison(stem string) (*FileComparison, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Comparisons {
		if s.Comparisons[i].Stem == stem {
			return &s.Comparisons[i], true
		}
	}
	return nil, false
}

// FailedComparisons returns the comparisons that currently show a difference.
func (s *TestState) FailedComparisons() []FileComparison {
	var out []FileComparison
	if s == nil {
		return out
	}
	for _, c := range s.Comparisons {
		if c.HasDifferences() {
			out = append(out, c)
		}
	}
	return out
}
