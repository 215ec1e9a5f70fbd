package reconnect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/action"
	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/filter"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newApp(t *testing.T, versions ...string) *testtree.Application {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "executable: /bin/true\n")
	writeFile(t, filepath.Join(root, "testsuite.hello"), "case\nother\n")
	for _, c := range []string{"case", "other"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, c), 0o755))
	}
	app, err := testtree.Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", versions)
	require.NoError(t, err)
	app.WriteDir = t.TempDir()
	return app
}

// oldRun lays out a previous run of case with a saved state.
func oldRun(t *testing.T, tmp, name, appDir string, s *model.TestState) string {
	t.Helper()
	sandbox := filepath.Join(tmp, name, appDir, "case")
	writeFile(t, filepath.Join(sandbox, "stdout.hello"), "Hello\n")
	if s != nil {
		require.NoError(t, state.Save(filepath.Join(sandbox, "framework_tmp"), s))
	}
	return filepath.Join(tmp, name, appDir)
}

func TestLocate(t *testing.T) {
	tmp := t.TempDir()
	older := oldRun(t, tmp, "hello.01Jan000001.10", "hello", nil)
	newer := oldRun(t, tmp, "hello.02Jan000001.11", "hello", nil)
	oldRun(t, tmp, "hello.v2.03Jan000001.12", "hello.v2", nil)
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "scratch"), 0o755))

	tests := []struct {
		name     string
		versions []string
		source   string
		want     string
	}{
		{name: "newest", want: newer},
		{name: "dated version", versions: []string{"01Jan000001"}, want: older},
		{name: "run directory", source: filepath.Dir(older), want: older},
		{name: "name under tmp", source: "hello.01Jan000001.10", want: older},
		{name: "versions", versions: []string{"v2"}, want: filepath.Join(tmp, "hello.v2.03Jan000001.12", "hello.v2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := Locate(zerolog.Nop(), tmp, tt.source, newApp(t, tt.versions...))
			require.NoError(t, err)
			require.Equal(t, tt.want, target.AppDir)
		})
	}
}

func TestLocate_Errors(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", nil)

	_, err := Locate(zerolog.Nop(), tmp, "missing", newApp(t))
	require.ErrorIs(t, err, model.ErrConfiguration)
	require.ErrorContains(t, err, "could not find TextTest temporary directory")

	_, err = Locate(zerolog.Nop(), tmp, "", newApp(t, "v3"))
	require.ErrorContains(t, err, "could not find any runs matching hello.v3")

	_, err = Locate(zerolog.Nop(), tmp, "", newApp(t, "05May120000"))
	require.ErrorContains(t, err, "no run of hello dated 05May120000")
}

func TestTarget_Apply(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.01Jan000001.10", "hello", nil)
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", nil)
	app := newApp(t)
	target, err := Locate(zerolog.Nop(), tmp, "", app)
	require.NoError(t, err)
	require.Equal(t, []string{"02Jan000001", "01Jan000001"}, target.DatedVersions)

	require.NoError(t, target.Apply(app.Config))
	require.Equal(t, []string{"01Jan000001", "02Jan000001"}, app.Config.List("unsaveable_version"))

	tc, _ := app.Find("case")
	other, _ := app.Find("other")
	require.True(t, target.Accepts(tc))
	require.False(t, target.Accepts(other))
}

func newPhase(t *testing.T, app *testtree.Application, tmp string, full bool) (*Test, *state.Run) {
	t.Helper()
	target, err := Locate(zerolog.Nop(), tmp, "", app)
	require.NoError(t, err)
	states := state.NewRun(zerolog.Nop())
	return NewTest(zerolog.Nop(), states, target, full), states
}

func compared() *model.TestState {
	return &model.TestState{
		Phase:          model.PhaseComplete,
		Category:       model.CategoryFailure,
		BriefText:      "stdout different",
		ExecutionHosts: []string{"node7"},
		Comparisons:    []model.FileComparison{{Stem: "stdout", Severity: 1, Different: true}},
	}
}

func TestTest_Fast(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", compared())
	app := newApp(t)
	phase, _ := newPhase(t, app, tmp, false)

	tc, _ := app.Find("case")
	res := phase.Call(context.Background(), &action.Job{Test: tc})
	require.Equal(t, action.KindSkip, res.Kind)

	s := tc.State()
	require.Equal(t, model.CategoryFailure, s.Category)
	require.Equal(t, "stdout different", s.BriefText)
	require.Equal(t, "reconnected", s.LifecycleChange)
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "stdout.hello"))
}

func TestTest_Full(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", compared())
	app := newApp(t)
	phase, _ := newPhase(t, app, tmp, true)

	tc, _ := app.Find("case")
	res := phase.Call(context.Background(), &action.Job{Test: tc})
	require.Equal(t, action.KindContinue, res.Kind)

	s := tc.State()
	require.Equal(t, model.PhaseRunning, s.Phase)
	require.Equal(t, []string{"node7"}, s.ExecutionHosts)
	data, err := os.ReadFile(filepath.Join(tc.Sandbox(), "stdout.hello"))
	require.NoError(t, err)
	require.Equal(t, "Hello\n", string(data))
}

func TestTest_FullFiltersAfresh(t *testing.T) {
	tmp := t.TempDir()
	appDir := oldRun(t, tmp, "hello.02Jan000001.11", "hello", compared())
	old := filepath.Join(appDir, "case")
	writeFile(t, filepath.Join(old, "stdout.hello"), "Build 123\nRESULT\n")
	writeFile(t, filepath.Join(old, "stdout.hello.cmp"), "Build 123\nRESULT\n")
	writeFile(t, filepath.Join(old, "stdout.hello.cmp.normal"), "Build 123\nRESULT\n")
	writeFile(t, filepath.Join(old, "stdout.hello.origcmp"), "RESULT\n")
	writeFile(t, filepath.Join(old, "core.dump"), "\x00")

	// The rules changed since the old run.
	app := newApp(t)
	rules := config.NewStemLists()
	rules.Set("stdout", []string{"Build"})
	require.NoError(t, app.Config.Set("run_dependent_text", rules))
	phase, _ := newPhase(t, app, tmp, true)

	tc, _ := app.Find("case")
	res := phase.Call(context.Background(), &action.Job{Test: tc})
	require.Equal(t, action.KindContinue, res.Kind)
	require.FileExists(t, filepath.Join(tc.Sandbox(), "stdout.hello"))
	for _, name := range []string{"stdout.hello.cmp", "stdout.hello.cmp.normal", "stdout.hello.origcmp", "core.dump"} {
		require.NoFileExists(t, filepath.Join(tc.Sandbox(), name))
	}

	pipeline := filter.NewPipeline(zerolog.Nop(), app.Config, "hello", tc.RelPath())
	filtered, err := pipeline.FilterGenerated("stdout", filepath.Join(tc.Sandbox(), "stdout.hello"), tc.Sandbox(), "")
	require.NoError(t, err)
	data, err := os.ReadFile(filtered)
	require.NoError(t, err)
	require.Equal(t, "RESULT\n", string(data))
}

func TestTest_FullKeepsStateWithoutResults(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", &model.TestState{
		Phase:     model.PhaseComplete,
		Category:  model.CategoryUnrunnable,
		BriefText: "no executable",
	})
	app := newApp(t)
	phase, _ := newPhase(t, app, tmp, true)

	tc, _ := app.Find("case")
	res := phase.Call(context.Background(), &action.Job{Test: tc})
	require.Equal(t, action.KindSkip, res.Kind)
	require.Equal(t, model.CategoryUnrunnable, tc.State().Category)
}

func TestTest_NoResults(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", nil)
	app := newApp(t)
	phase, _ := newPhase(t, app, tmp, false)

	other, _ := app.Find("other")
	res := phase.Call(context.Background(), &action.Job{Test: other})
	require.Equal(t, action.KindFail, res.Kind)
	require.Equal(t, model.CategoryUnrunnable, res.State.Category)
	require.Equal(t, "no results", res.State.BriefText)
	require.Contains(t, res.State.FreeText, "No file found to load results from under ")
}

func TestTest_RecomputesWithoutState(t *testing.T) {
	tmp := t.TempDir()
	oldRun(t, tmp, "hello.02Jan000001.11", "hello", nil)
	app := newApp(t)
	phase, _ := newPhase(t, app, tmp, false)

	tc, _ := app.Find("case")
	res := phase.Call(context.Background(), &action.Job{Test: tc})
	require.Equal(t, action.KindContinue, res.Kind)
	require.FileExists(t, filepath.Join(tc.Sandbox(), "stdout.hello"))
}
