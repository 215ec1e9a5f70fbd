package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

func newTest(t *testing.T) *testtree.Test {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.hello"), []byte("executable: /bin/true\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "testsuite.hello"), []byte("case\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case"), 0o755))
	app, err := testtree.Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)
	app.WriteDir = t.TempDir()
	tc, ok := app.Find("case")
	require.True(t, ok)
	return tc
}

func completed(category model.Category) *model.TestState {
	return &model.TestState{Phase: model.PhaseComplete, Category: category, LifecycleChange: "complete"}
}

type recorder struct {
	seen []model.Phase
}

func (r *recorder) Notify(_ *testtree.Test, s *model.TestState) {
	r.seen = append(r.seen, s.Phase)
}

func TestRun_ChangeState(t *testing.T) {
	tc := newTest(t)
	run := NewRun(zerolog.Nop())
	first, second := &recorder{}, &recorder{}
	run.AddObserver(first)
	run.AddObserver(ObserverFunc(func(*testtree.Test, *model.TestState) { panic("broken observer") }))
	run.AddObserver(second)

	phases := []model.Phase{model.PhasePreparing, model.PhaseRunning, model.PhaseFilteringFinal}
	for _, p := range phases {
		require.NoError(t, run.ChangeState(tc, &model.TestState{Phase: p}))
	}
	require.NoError(t, run.ChangeState(tc, completed(model.CategorySuccess)))

	want := append(phases, model.PhaseComplete)
	require.Equal(t, want, first.seen)
	require.Equal(t, want, second.seen)
	require.Equal(t, model.CategorySuccess, tc.State().Category)
}

func TestRun_ChangeState_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		current *model.TestState
		next    *model.TestState
	}{
		{"backwards", &model.TestState{Phase: model.PhaseRunning}, &model.TestState{Phase: model.PhasePreparing}},
		{"unknown phase", model.NotStarted(), &model.TestState{Phase: "sleeping"}},
		{"complete without category", model.NotStarted(), &model.TestState{Phase: model.PhaseComplete}},
		{"leaving complete", completed(model.CategoryFailure), &model.TestState{Phase: model.PhaseRunning}},
		{"replacing without old state", completed(model.CategoryFailure), completed(model.CategorySuccess)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTest(t)
			tc.SetState(tt.current)
			rec := &recorder{}
			run := NewRun(zerolog.Nop())
			run.AddObserver(rec)
			err := run.ChangeState(tc, tt.next)
			require.ErrorIs(t, err, ErrTransition)
			require.Empty(t, rec.seen)
			require.Same(t, tt.current, tc.State())
		})
	}
}

func TestRun_ChangeState_Replacement(t *testing.T) {
	tc := newTest(t)
	old := completed(model.CategoryFailure)
	tc.SetState(old)
	run := NewRun(zerolog.Nop())

	next := completed(model.CategoryKnownBug)
	next.OldState = old
	require.NoError(t, run.ChangeState(tc, next))
	require.Same(t, old, tc.State().OldState)
}

func TestRun_ChangeState_Reentrant(t *testing.T) {
	tc := newTest(t)
	run := NewRun(zerolog.Nop())
	var inner error
	run.AddObserver(ObserverFunc(func(tt *testtree.Test, s *model.TestState) {
		inner = run.ChangeState(tt, &model.TestState{Phase: model.PhaseRunning})
	}))
	require.NoError(t, run.ChangeState(tc, &model.TestState{Phase: model.PhasePreparing}))
	require.ErrorIs(t, inner, ErrReentrant)
	require.Equal(t, model.PhasePreparing, tc.State().Phase)
}

func TestRun_Restart(t *testing.T) {
	tc := newTest(t)
	tc.SetState(completed(model.CategoryFailure))
	rec := &recorder{}
	run := NewRun(zerolog.Nop())
	run.AddObserver(rec)
	require.NoError(t, run.Restart(tc, "rerun"))
	require.Equal(t, model.PhaseNotStarted, tc.State().Phase)
	require.Equal(t, "rerun", tc.State().LifecycleChange)
	require.Len(t, rec.seen, 1)
}

func TestRun_MarkUnmark(t *testing.T) {
	tc := newTest(t)
	original := completed(model.CategoryFailure)
	original.BriefText = "stdout different"
	original.FreeText = "diff\n"
	tc.SetState(original)
	run := NewRun(zerolog.Nop())
	run.AddObserver(NewSaver(zerolog.Nop()))

	require.NoError(t, run.Mark(tc, model.CategorySuccess, "flaky clock", "Timestamps moved"))
	marked := tc.State()
	require.True(t, IsMarked(marked))
	require.Equal(t, model.CategorySuccess, marked.Category)
	require.Equal(t, "flaky clock", marked.BriefText)
	require.Equal(t, "Timestamps moved\n\nORIGINAL STATE:\nTest failure : stdout different\n diff\n", marked.FreeText)
	require.Same(t, original, marked.OldState)

	saved, err := Load(Path(tc))
	require.NoError(t, err)
	require.Equal(t, ChangeMarked, saved.LifecycleChange)
	require.Equal(t, model.CategoryFailure, saved.OldState.Category)

	// Marking again replaces the mark rather than stacking it.
	require.NoError(t, run.Mark(tc, model.CategoryKnownBug, "bug 12", ""))
	require.Same(t, original, tc.State().OldState)

	require.NoError(t, run.Unmark(tc))
	require.False(t, IsMarked(tc.State()))
	require.Equal(t, model.CategoryFailure, tc.State().Category)
	require.Equal(t, "stdout different", tc.State().BriefText)
	require.Equal(t, ChangeUnmarked, tc.State().LifecycleChange)

	saved, err = Load(Path(tc))
	require.NoError(t, err)
	require.Equal(t, model.CategoryFailure, saved.Category)
	require.Equal(t, ChangeUnmarked, saved.LifecycleChange)
}

func TestRun_MarkUnmark_Invalid(t *testing.T) {
	tc := newTest(t)
	run := NewRun(zerolog.Nop())
	require.ErrorIs(t, run.Mark(tc, model.CategorySuccess, "early", ""), ErrTransition)

	tc.SetState(completed(model.CategoryFailure))
	require.ErrorIs(t, run.Mark(tc, "marked", "bad category", ""), ErrTransition)
	require.ErrorIs(t, run.Unmark(tc), ErrTransition)
	require.Equal(t, model.CategoryFailure, tc.State().Category)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	tc := newTest(t)
	started := time.Date(2020, 1, 4, 12, 0, 0, 0, time.UTC)
	done := started.Add(3 * time.Second)
	s := &model.TestState{
		Phase:           model.PhaseComplete,
		Category:        model.CategoryFailure,
		BriefText:       "RESULT different",
		FreeText:        "---------- Differences in RESULT ----------\n1c1\n< 42\n---\n> 43\n",
		LifecycleChange: "complete",
		Started:         &started,
		Completed:       &done,
		ExecutionHosts:  []string{"host1"},
		Comparisons: []model.FileComparison{{
			Stem:          "RESULT",
			ApprovedFile:  "/tests/case/RESULT.hello",
			GeneratedFile: "/tmp/case/RESULT.hello",
			Severity:      1,
			Different:     true,
			ComputedAt:    done,
		}},
	}

	run := NewRun(zerolog.Nop())
	run.AddObserver(NewSaver(zerolog.Nop()))
	tc.SetState(&model.TestState{Phase: model.PhaseFilteringFinal})
	require.NoError(t, run.ChangeState(tc, s))
	require.FileExists(t, Path(tc))

	loaded, err := Load(Path(tc))
	require.NoError(t, err)
	require.Equal(t, s.Category, loaded.Category)
	require.Equal(t, s.BriefText, loaded.BriefText)
	require.Equal(t, s.FreeText, loaded.FreeText)
	require.Len(t, loaded.Comparisons, len(s.Comparisons))
	require.Equal(t, []string{"host1"}, loaded.ExecutionHosts)

	first, err := os.ReadFile(Path(tc))
	require.NoError(t, err)
	again, err := Marshal(loaded)
	require.NoError(t, err)
	require.Equal(t, string(first), string(again))
}

func TestSaver_SkipsIncompleteAndReconnected(t *testing.T) {
	tc := newTest(t)
	sv := NewSaver(zerolog.Nop())
	sv.Notify(tc, &model.TestState{Phase: model.PhaseRunning})
	reconnected := completed(model.CategorySuccess)
	reconnected.LifecycleChange = "reconnected"
	sv.Notify(tc, reconnected)
	require.NoFileExists(t, Path(tc))
}

func TestUnmarshal_Errors(t *testing.T) {
	_, err := Unmarshal([]byte(`{"phase": "complete", "colour": "red"}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`{"phase": "asleep"}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)
}

func TestRestoreLatestBackup(t *testing.T) {
	tc := newTest(t)
	earlier := completed(model.CategoryKnownBug)
	earlier.FreeText = "crash\n(NOTE: Test was run 2 times in total and each time encountered this issue.\nmore\n"
	require.NoError(t, Save(filepath.Join(tc.Sandbox()+".backup.1", "framework_tmp"), completed(model.CategoryFailure)))
	require.NoError(t, Save(filepath.Join(tc.Sandbox()+".backup.2", "framework_tmp"), earlier))
	require.NoError(t, os.MkdirAll(tc.Sandbox()+".backup.x", 0o755))

	require.Equal(t, []string{tc.Sandbox() + ".backup.2", tc.Sandbox() + ".backup.1"}, Backups(tc.Sandbox()))

	killed := completed(model.CategoryKilled)
	restored, ok := RestoreLatestBackup(tc, killed)
	require.True(t, ok)
	require.Equal(t, model.CategoryKnownBug, restored.Category)
	require.Equal(t, "restored", restored.LifecycleChange)
	require.Same(t, killed, restored.OldState)
	require.Equal(t, "crash\n"+killedRerunNote+"more\n", restored.FreeText)
}

func TestExitCode(t *testing.T) {
	cfg := config.New(config.DefaultRegistry())
	tests := []struct {
		name   string
		states []*model.TestState
		want   int
	}{
		{"all success", []*model.TestState{completed(model.CategorySuccess)}, 0},
		{"failure", []*model.TestState{completed(model.CategorySuccess), completed(model.CategoryFailure)}, 1},
		{"failure and killed", []*model.TestState{completed(model.CategoryFailure), completed(model.CategoryKilled)}, 3},
		{"known bug is not triggering", []*model.TestState{completed(model.CategoryKnownBug)}, 0},
		{"unrunnable", []*model.TestState{completed(model.CategoryUnrunnable)}, 4},
		{"incomplete ignored", []*model.TestState{{Phase: model.PhaseRunning, Category: model.CategoryFailure}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExitCode(cfg, tt.states))
		})
	}

	require.NoError(t, cfg.Set("failure_exit_categories", []string{"knownBug"}))
	require.Equal(t, 8, ExitCode(cfg, []*model.TestState{completed(model.CategoryKnownBug), completed(model.CategoryFailure)}))
}
