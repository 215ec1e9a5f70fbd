package action

// This file contains the phases of the default sequence.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/perfgo/texttest/collate"
	"github.com/perfgo/texttest/compare"
	"github.com/perfgo/texttest/filter"
	"github.com/perfgo/texttest/knownbugs"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/sandbox"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// Dependencies are the collaborators of the default sequence.
type Dependencies struct {
	Logger     zerolog.Logger
	States     *state.Run
	Sandboxes  *sandbox.Manager
	Collation  *collate.Engine
	Comparator *compare.Comparator
	Runner     Runner
	// Save, when set, overwrites approved files after comparison
	Save *compare.SaveOptions
	// Reporter, when set, is told every finished test's state
	Reporter Reporter
	// Reconnect, when set, replaces preparing and running the test
	Reconnect Action
}

// DefaultSequence returns the phases every test goes through, and the
// finisher reporting the result.
func DefaultSequence(d Dependencies) (Composite, Action) {
	phases := Composite{
		&CheckSandboxAge{logger: d.Logger, states: d.States},
		&PrepareSandbox{logger: d.Logger, states: d.States, sandboxes: d.Sandboxes, collation: d.Collation},
		&RunTest{logger: d.Logger, states: d.States, runner: d.Runner},
	}
	if d.Reconnect != nil {
		phases = Composite{d.Reconnect}
	}
	phases = append(phases,
		&CollateFiles{logger: d.Logger, collation: d.Collation},
		&FilterApproved{logger: d.Logger, states: d.States},
		&FilterGenerated{logger: d.Logger, states: d.States},
		&Compare{comparator: d.Comparator},
		&ClassifyKnownBugs{logger: d.Logger},
	)
	if d.Save != nil {
		phases = append(phases, &SaveApproved{logger: d.Logger, comparator: d.Comparator, opts: *d.Save})
	}
	phases = append(phases, &SaveState{states: d.States})

	var finish Action
	if d.Reporter != nil {
		finish = &Notify{reporter: d.Reporter}
	}
	return phases, finish
}

func changePhase(states *state.Run, t *testtree.Test, phase model.Phase, change func(*model.TestState)) Result {
	next := t.State().Clone()
	next.Phase = phase
	next.LifecycleChange = string(phase)
	if change != nil {
		change(next)
	}
	if err := states.ChangeState(t, next); err != nil {
		return Fail(model.ErrSetup, err.Error())
	}
	return Continue()
}

// CheckSandboxAge reuses the result left in the sandbox when it is newer
// than everything in the test's directory.
type CheckSandboxAge struct {
	logger zerolog.Logger
	states *state.Run
}

// Name implements Action.
func (a *CheckSandboxAge) Name() string { return "check sandbox age" }

// Call implements Action.
func (a *CheckSandboxAge) Call(_ context.Context, j *Job) Result {
	t := j.Test
	if j.Reruns > 0 {
		return Continue()
	}
	path := state.Path(t)
	info, err := os.Stat(path)
	if err != nil {
		return Continue()
	}
	saved, err := state.Load(path)
	if err != nil || !saved.IsComplete() {
		return Continue()
	}
	if !newerThanDefinition(info.ModTime(), t.Dir()) {
		return Continue()
	}
	saved.OldState = nil
	saved.LifecycleChange = "reused"
	if t.State().IsComplete() {
		saved.OldState = t.State()
	}
	if err := a.states.ChangeState(t, saved); err != nil {
		return Continue()
	}
	return Skip("sandbox result is up to date")
}

func newerThanDefinition(mtime time.Time, dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(mtime) {
			return false
		}
	}
	return true
}

// PrepareSandbox builds the sandbox and records what collation sources it
// holds before the program runs.
type PrepareSandbox struct {
	logger    zerolog.Logger
	states    *state.Run
	sandboxes *sandbox.Manager
	collation *collate.Engine
}

// Name implements Action.
func (a *PrepareSandbox) Name() string { return "prepare sandbox" }

// SetUpSuite creates the suite's own sandbox directory.
func (a *PrepareSandbox) SetUpSuite(_ context.Context, suite *testtree.Test) error {
	return os.MkdirAll(suite.Sandbox(), 0o755)
}

// Call implements Action.
func (a *PrepareSandbox) Call(_ context.Context, j *Job) Result {
	if res := changePhase(a.states, j.Test, model.PhasePreparing, nil); res.Kind != KindContinue {
		return res
	}
	prepared, err := a.sandboxes.Prepare(j.Test)
	if err != nil {
		return FromError(fmt.Errorf("%w: failed to prepare sandbox: %v", model.ErrSetup, err))
	}
	j.Sandbox = prepared
	before, err := a.collation.Snapshot(j.Test)
	if err != nil {
		return FromError(err)
	}
	j.Collation = before
	return Continue()
}

// RunTest runs the program under test.
type RunTest struct {
	logger zerolog.Logger
	states *state.Run
	runner Runner
}

// Name implements Action.
func (a *RunTest) Name() string { return "run test" }

// Call implements Action.
func (a *RunTest) Call(ctx context.Context, j *Job) Result {
	started := time.Now()
	host := a.runner.Host(j.Test)
	res := changePhase(a.states, j.Test, model.PhaseRunning, func(s *model.TestState) {
		s.Started = &started
		s.ExecutionHosts = []string{host}
	})
	if res.Kind != KindContinue {
		return res
	}
	a.logger.Debug().Str("test", j.Test.RelPath()).Str("host", host).Msg("Running test")
	return a.runner.Run(ctx, j)
}

// CollateFiles writes the catalogue and collates the files the program
// wrote onto stems.
type CollateFiles struct {
	logger    zerolog.Logger
	collation *collate.Engine
}

// Name implements Action.
func (a *CollateFiles) Name() string { return "collate files" }

// Call implements Action.
func (a *CollateFiles) Call(ctx context.Context, j *Job) Result {
	t := j.Test
	if j.Sandbox != nil && j.Sandbox.Snapshot != nil {
		if err := sandbox.WriteCatalogue(t.Sandbox(), t.App().Name, j.Sandbox.Snapshot); err != nil {
			a.logger.Warn().Err(err).Str("test", t.RelPath()).Msg("Failed to write catalogue")
		}
	}
	err := a.collation.Collate(ctx, t, j.Collation)
	var se *collate.ScriptError
	switch {
	case err == nil:
		return Continue()
	case errors.As(err, &se):
		return Killed(se.BriefText(), se.FreeText())
	default:
		return FromError(err)
	}
}

// filterWorkers bounds the goroutines filtering one test's files.
func filterWorkers() int {
	return runtime.NumCPU()
}

// FilterApproved brings the filtered forms of the approved files up to
// date.
type FilterApproved struct {
	logger zerolog.Logger
	states *state.Run
}

// Name implements Action.
func (a *FilterApproved) Name() string { return "filter approved" }

// Call implements Action.
func (a *FilterApproved) Call(_ context.Context, j *Job) Result {
	t := j.Test
	if res := changePhase(a.states, t, model.PhaseFilteringInitial, nil); res.Kind != KindContinue {
		return res
	}
	approved, err := t.ApprovedFiles()
	if err != nil {
		return FromError(fmt.Errorf("%w: failed to list approved files: %v", model.ErrSetup, err))
	}
	cfg := t.App().Config
	pipeline := filter.NewPipeline(a.logger, cfg, t.App().Name, t.RelPath())
	p := pool.New().WithErrors().WithMaxGoroutines(filterWorkers())
	for stem, path := range approved {
		if cfg.MatchesAny("binary_file", stem) {
			continue
		}
		p.Go(func() error {
			_, err := pipeline.FilterApproved(stem, path, t.Sandbox())
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	return Continue()
}

// FilterGenerated brings the filtered forms of the generated files up to
// date, using the filtered approved forms as the floating point reference.
type FilterGenerated struct {
	logger zerolog.Logger
	states *state.Run
}

// Name implements Action.
func (a *FilterGenerated) Name() string { return "filter generated" }

// Call implements Action.
func (a *FilterGenerated) Call(_ context.Context, j *Job) Result {
	t := j.Test
	if res := changePhase(a.states, t, model.PhaseFilteringFinal, nil); res.Kind != KindContinue {
		return res
	}
	generated, err := compare.GeneratedFiles(t)
	if err != nil {
		return FromError(fmt.Errorf("%w: failed to list generated files: %v", model.ErrCompare, err))
	}
	approved, err := t.ApprovedFiles()
	if err != nil {
		return FromError(fmt.Errorf("%w: failed to list approved files: %v", model.ErrSetup, err))
	}
	cfg := t.App().Config
	pipeline := filter.NewPipeline(a.logger, cfg, t.App().Name, t.RelPath())
	p := pool.New().WithErrors().WithMaxGoroutines(filterWorkers())
	for stem, path := range generated {
		if cfg.MatchesAny("binary_file", stem) {
			continue
		}
		approvedForm := ""
		if _, ok := approved[stem]; ok {
			approvedForm = filepath.Join(t.Sandbox(), pipeline.FilteredName(stem, true))
		}
		p.Go(func() error {
			_, err := pipeline.FilterGenerated(stem, path, t.Sandbox(), approvedForm)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	return Continue()
}

// Compare pairs approved and generated files and keeps the resulting state
// for the phases after it.
type Compare struct {
	comparator *compare.Comparator
}

// Name implements Action.
func (a *Compare) Name() string { return "compare" }

// Call implements Action.
func (a *Compare) Call(_ context.Context, j *Job) Result {
	result, err := a.comparator.FindAndCompare(j.Test, j.Test.State())
	if err != nil {
		return FromError(err)
	}
	j.Result = result
	return Continue()
}

// ClassifyKnownBugs rewrites a compared state matching a known bug, or asks
// for a rerun while the bug allows more of them.
type ClassifyKnownBugs struct {
	logger zerolog.Logger
}

// Name implements Action.
func (a *ClassifyKnownBugs) Name() string { return "classify known bugs" }

// Call implements Action.
func (a *ClassifyKnownBugs) Call(_ context.Context, j *Job) Result {
	if j.Result == nil {
		return Continue()
	}
	t := j.Test
	bugs, err := knownbugs.Load(a.logger, t)
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrConfiguration, err))
	}
	m, ok, err := bugs.Check(j.Result)
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrCompare, err))
	}
	if !ok {
		return Continue()
	}
	if m.Bug.RerunCount > j.Reruns {
		saved := j.Result
		if m.State != nil {
			saved = m.State
		}
		saved = saved.Clone()
		saved.FreeText = rerunNote(j.Reruns+1, t.Sandbox()) + saved.FreeText
		if err := state.Save(t.FrameworkDir(), saved); err != nil {
			a.logger.Warn().Err(err).Str("test", t.RelPath()).Msg("Failed to save state before rerun")
		}
		return Rerun("known bug " + m.Bug.Name)
	}
	if m.State == nil {
		return Continue()
	}
	a.logger.Info().Str("test", t.RelPath()).Str("bug", m.Bug.Name).Str("stem", m.Stem).Msg("Matched known bug")
	if j.Reruns > 0 {
		m.State.FreeText = rerunNote(j.Reruns+1, t.Sandbox()) + m.State.FreeText
	}
	j.Result = m.State
	return Continue()
}

func rerunNote(runs int, sandbox string) string {
	return fmt.Sprintf("(NOTE: Test was run %d times in total and each time encountered this issue.\n"+
		"Results of previous runs can be found in %s.backup.*)\n\n", runs, sandbox)
}

// SaveApproved overwrites the approved files with the run's results.
type SaveApproved struct {
	logger     zerolog.Logger
	comparator *compare.Comparator
	opts       compare.SaveOptions
}

// Name implements Action.
func (a *SaveApproved) Name() string { return "save approved" }

// Call implements Action.
func (a *SaveApproved) Call(_ context.Context, j *Job) Result {
	if j.Result == nil || (!j.Result.HasFailed() && !a.opts.OverwriteSuccess) {
		return Continue()
	}
	saved, err := a.comparator.Save(j.Test, j.Result, a.opts)
	if err != nil {
		a.logger.Error().Err(err).Str("test", j.Test.RelPath()).Msg("Failed to save approved files")
		return Continue()
	}
	saved.LifecycleChange = "saved"
	j.Result = saved
	return Continue()
}

// SaveState publishes the compared state. The observers registered on the
// run persist it.
type SaveState struct {
	states *state.Run
}

// Name implements Action.
func (a *SaveState) Name() string { return "save state" }

// Call implements Action.
func (a *SaveState) Call(_ context.Context, j *Job) Result {
	if j.Result == nil {
		return Continue()
	}
	if err := a.states.ChangeState(j.Test, j.Result); err != nil {
		return Fail(model.ErrSetup, err.Error())
	}
	return Continue()
}

// Reporter is told the state a test finished in.
type Reporter interface {
	Report(ctx context.Context, t *testtree.Test, s *model.TestState) error
}

// Notify reports the test's final state.
type Notify struct {
	reporter Reporter
}

// NewNotify returns a Notify reporting to r.
func NewNotify(r Reporter) *Notify {
	return &Notify{reporter: r}
}

// Name implements Action.
func (a *Notify) Name() string { return "notify" }

// Call implements Action.
func (a *Notify) Call(ctx context.Context, j *Job) Result {
	if err := a.reporter.Report(ctx, j.Test, j.Test.State()); err != nil {
		return Fail(model.ErrProtocol, fmt.Sprintf("failed to report %s: %v", j.Test.RelPath(), err))
	}
	return Continue()
}
