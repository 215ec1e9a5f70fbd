package action

// Package action composes the phases a test goes through into an ordered
// sequence and applies it to the test tree. A phase reports how the sequence
// should go on through a Result rather than an error: per-test problems end
// that test's sequence and never reach the other tests.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/collate"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/sandbox"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// ResultKind says how a sequence continues after a phase.
type ResultKind int

const (
	// KindContinue runs the next phase.
	KindContinue ResultKind = iota
	// KindSkip ends the sequence leaving the test's state as it is.
	KindSkip
	// KindFail ends the sequence with a terminal state.
	KindFail
	// KindRerun starts the sequence again from the first phase.
	KindRerun
)

// Result is what a phase returns.
type Result struct {
	Kind   ResultKind
	Reason string
	// Err is the error kind of a failure
	Err error
	// State is the terminal state of a failure
	State *model.TestState
}

// Continue lets the next phase run.
func Continue() Result {
	return Result{Kind: KindContinue}
}

// Skip ends the sequence without touching the state.
func Skip(reason string) Result {
	return Result{Kind: KindSkip, Reason: reason}
}

// Fail ends the sequence with a complete state whose category follows
// from kind: run errors kill the test, everything else makes it
// unrunnable. The first line of message becomes the brief text.
func Fail(kind error, message string) Result {
	brief, _, _ := strings.Cut(message, "\n")
	free := message
	if !strings.HasSuffix(free, "\n") {
		free += "\n"
	}
	return Result{
		Kind:   KindFail,
		Reason: brief,
		Err:    kind,
		State: &model.TestState{
			Phase:           model.PhaseComplete,
			Category:        categoryFor(kind),
			BriefText:       briefFor(kind, brief),
			FreeText:        free,
			LifecycleChange: "complete",
		},
	}
}

// Killed ends the sequence with a killed state carrying the given texts.
func Killed(brief, free string) Result {
	return Result{
		Kind:   KindFail,
		Reason: brief,
		Err:    model.ErrRun,
		State: &model.TestState{
			Phase:           model.PhaseComplete,
			Category:        model.CategoryKilled,
			BriefText:       brief,
			FreeText:        free,
			LifecycleChange: "complete",
		},
	}
}

// Rerun starts the test again.
func Rerun(reason string) Result {
	return Result{Kind: KindRerun, Reason: reason}
}

// FromError turns an error returned by a collaborator into a failure,
// classifying it with the model's error kinds.
func FromError(err error) Result {
	for _, kind := range []error{
		model.ErrRun, model.ErrConfiguration, model.ErrSetup,
		model.ErrCompare, model.ErrInfrastructure, model.ErrProtocol,
	} {
		if errors.Is(err, kind) {
			return Fail(kind, err.Error())
		}
	}
	return Fail(model.ErrSetup, err.Error())
}

func categoryFor(kind error) model.Category {
	if errors.Is(kind, model.ErrRun) {
		return model.CategoryKilled
	}
	return model.CategoryUnrunnable
}

func briefFor(kind error, reason string) string {
	if errors.Is(kind, model.ErrRun) {
		return "KILLED"
	}
	if reason == "" {
		return "unrunnable"
	}
	return reason
}

// Job carries what the phases of one test hand to each other.
type Job struct {
	Test *testtree.Test
	// Sandbox is set once the sandbox has been prepared
	Sandbox *sandbox.Prepared
	// Collation records the collation sources present before the run
	Collation collate.Before
	// Result is the compared state waiting to be published
	Result *model.TestState
	// Reruns counts the times the sequence was restarted
	Reruns int
}

// Action is one phase applied to a test case.
type Action interface {
	Name() string
	Call(ctx context.Context, j *Job) Result
}

// SuiteSetUp is implemented by actions with work to do before the tests of
// a suite.
type SuiteSetUp interface {
	SetUpSuite(ctx context.Context, suite *testtree.Test) error
}

// SuiteTearDown is implemented by actions with work to do after the tests
// of a suite.
type SuiteTearDown interface {
	TearDownSuite(ctx context.Context, suite *testtree.Test) error
}

// Func adapts a function to Action.
type Func struct {
	Label string
	Fn    func(ctx context.Context, j *Job) Result
}

// Name returns the label.
func (f Func) Name() string { return f.Label }

// Call runs the function.
func (f Func) Call(ctx context.Context, j *Job) Result { return f.Fn(ctx, j) }

// Composite calls its actions in order and stops at the first that does
// not continue.
type Composite []Action

// Name joins the names of the actions.
func (c Composite) Name() string {
	names := make([]string, len(c))
	for i, a := range c {
		names[i] = a.Name()
	}
	return strings.Join(names, ",")
}

// Call runs the actions in order.
func (c Composite) Call(ctx context.Context, j *Job) Result {
	for _, a := range c {
		if res := a.Call(ctx, j); res.Kind != KindContinue {
			return res
		}
	}
	return Continue()
}

// SetUpSuite forwards to every action that sets up suites.
func (c Composite) SetUpSuite(ctx context.Context, suite *testtree.Test) error {
	for _, a := range c {
		if s, ok := a.(SuiteSetUp); ok {
			if err := s.SetUpSuite(ctx, suite); err != nil {
				return fmt.Errorf("%s: %w", a.Name(), err)
			}
		}
	}
	return nil
}

// TearDownSuite forwards to every action that tears down suites, in
// reverse order.
func (c Composite) TearDownSuite(ctx context.Context, suite *testtree.Test) error {
	var first error
	for i := len(c) - 1; i >= 0; i-- {
		if s, ok := c[i].(SuiteTearDown); ok {
			if err := s.TearDownSuite(ctx, suite); err != nil && first == nil {
				first = fmt.Errorf("%s: %w", c[i].Name(), err)
			}
		}
	}
	return first
}

// Pipeline applies a sequence of phases to tests, publishing the terminal
// state of a failed sequence and handing every finished test to its
// finisher.
type Pipeline struct {
	logger zerolog.Logger
	states *state.Run
	phases Composite
	finish Action
	// MaxReruns bounds how often one test is restarted
	MaxReruns int
}

// NewPipeline returns a pipeline running phases and then finish, which is
// called for every test whatever the phases returned. finish may be nil.
func NewPipeline(logger zerolog.Logger, states *state.Run, phases Composite, finish Action) *Pipeline {
	return &Pipeline{logger: logger, states: states, phases: phases, finish: finish, MaxReruns: 10}
}

// RunTest takes one test case through the phases.
func (p *Pipeline) RunTest(ctx context.Context, t *testtree.Test) Result {
	j := &Job{Test: t}
	var res Result
	for {
		res = p.phases.Call(ctx, j)
		if res.Kind != KindRerun || j.Reruns >= p.MaxReruns {
			break
		}
		j.Reruns++
		p.logger.Info().Str("test", t.RelPath()).Int("rerun", j.Reruns).Str("reason", res.Reason).Msg("Rerunning test")
		if err := p.states.Restart(t, "rerun"); err != nil {
			res = FromError(err)
			break
		}
	}

	switch res.Kind {
	case KindFail:
		p.logger.Warn().Str("test", t.RelPath()).Str("reason", res.Reason).Msg("Test did not complete normally")
		final := res.State
		if j.Reruns > 0 && final.Category == model.CategoryKilled {
			if restored, ok := state.RestoreLatestBackup(t, final); ok {
				final = restored
				final.OldState = nil
			}
		}
		if err := p.publish(t, final); err != nil {
			p.logger.Error().Err(err).Str("test", t.RelPath()).Msg("Failed to record state")
		}
	case KindSkip:
		p.logger.Debug().Str("test", t.RelPath()).Str("reason", res.Reason).Msg("Skipped test")
	}
	if p.finish != nil {
		if fr := p.finish.Call(ctx, j); fr.Kind == KindFail {
			p.logger.Error().Str("test", t.RelPath()).Str("reason", fr.Reason).Msg(p.finish.Name() + " failed")
		}
	}
	return res
}

// publish moves t to s, keeping a completed state it replaces.
func (p *Pipeline) publish(t *testtree.Test, s *model.TestState) error {
	if t.State().IsComplete() {
		s.OldState = t.State()
	}
	return p.states.ChangeState(t, s)
}

// Apply runs the pipeline over every selected test case below root, setting
// up and tearing down each suite on the way. Suites without a selected test
// are not visited.
func (p *Pipeline) Apply(ctx context.Context, root *testtree.Test, selected []*testtree.Test) error {
	chosen := map[*testtree.Test]bool{}
	for _, t := range selected {
		for n := t; n != nil; n = n.Parent() {
			chosen[n] = true
		}
	}
	return p.apply(ctx, root, chosen)
}

func (p *Pipeline) apply(ctx context.Context, t *testtree.Test, chosen map[*testtree.Test]bool) error {
	if !chosen[t] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsSuite() {
		p.RunTest(ctx, t)
		return nil
	}
	if err := p.phases.SetUpSuite(ctx, t); err != nil {
		return fmt.Errorf("failed to set up suite %s: %w", t, err)
	}
	for _, child := range t.Children() {
		if err := p.apply(ctx, child, chosen); err != nil {
			return err
		}
	}
	if err := p.phases.TearDownSuite(ctx, t); err != nil {
		return fmt.Errorf("failed to tear down suite %s: %w", t, err)
	}
	return nil
}
