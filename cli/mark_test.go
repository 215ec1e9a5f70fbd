package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/compare"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
)

func TestChangeResults(t *testing.T) {
	needsPOSIX(t)
	app, out := testApp(t)
	root := testTree(t, "")
	opts := runOptions(root)
	opts.inProcess = true
	opts.keepTmp = true
	opts.name = "first"
	_, err := app.execute(context.Background(), opts)
	require.NoError(t, err)
	run := onlyRun(t, app.env.Tmp).Dir.Path
	saved := filepath.Join(run, "hello", "bad", "framework_tmp", state.FileName)
	load := func() *model.TestState {
		t.Helper()
		s, err := state.Load(saved)
		require.NoError(t, err)
		return s
	}

	// Untouched approved files leave the verdict alone.
	out.Reset()
	require.NoError(t, app.changeResults(runOptions(root), run, []string{"bad"}, recomputeTest(compare.New(zerolog.Nop()))))
	require.Equal(t, "hello test bad unchanged\n", out.String())
	require.Equal(t, model.CategoryFailure, load().Category)

	approved := filepath.Join(root, "bad", "stdout.hello")
	writeFile(t, approved, "Goodbye\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(approved, future, future))

	out.Reset()
	require.NoError(t, app.changeResults(runOptions(root), run, []string{"bad"}, recomputeTest(compare.New(zerolog.Nop()))))
	require.Equal(t, "hello test bad succeeded\n", out.String())
	recomputed := load()
	require.Equal(t, model.CategorySuccess, recomputed.Category)
	require.Equal(t, "recalculated", recomputed.LifecycleChange)

	out.Reset()
	require.NoError(t, app.changeResults(runOptions(root), run, []string{"bad"}, markTest(model.CategoryKnownBug, "bug 7", "")))
	require.Equal(t, "hello test bad had known bugs : bug 7\n", out.String())
	marked := load()
	require.Equal(t, state.ChangeMarked, marked.LifecycleChange)
	require.Equal(t, model.CategorySuccess, marked.OldState.Category)

	// Marked tests are not recomputed.
	out.Reset()
	require.NoError(t, app.changeResults(runOptions(root), run, []string{"bad"}, recomputeTest(compare.New(zerolog.Nop()))))
	require.Equal(t, "hello test bad unchanged\n", out.String())

	out.Reset()
	require.NoError(t, app.changeResults(runOptions(root), run, []string{"bad"}, unmarkTest))
	require.Equal(t, "hello test bad succeeded\n", out.String())
	restored := load()
	require.Equal(t, model.CategorySuccess, restored.Category)
	require.Equal(t, state.ChangeUnmarked, restored.LifecycleChange)
}

func TestChangeResults_Errors(t *testing.T) {
	needsPOSIX(t)
	app, _ := testApp(t)
	root := testTree(t, "")
	opts := runOptions(root)
	opts.inProcess = true
	opts.keepTmp = true
	opts.name = "first"
	_, err := app.execute(context.Background(), opts)
	require.NoError(t, err)
	run := onlyRun(t, app.env.Tmp).Dir.Path

	err = app.changeResults(runOptions(root), run, []string{"missing"}, unmarkTest)
	require.ErrorIs(t, err, model.ErrSelection)

	err = app.changeResults(runOptions(root), run, []string{"bad"}, markTest("bogus", "why", ""))
	require.ErrorIs(t, err, model.ErrSetup)
}

func TestContainsAny(t *testing.T) {
	require.True(t, containsAny("suite/bad", nil))
	require.True(t, containsAny("suite/bad", []string{"good", "bad"}))
	require.False(t, containsAny("suite/bad", []string{"good"}))
}
