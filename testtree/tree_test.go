package testtree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTree lays out:
//
//	root/
//	  grp1/ case_a case_b
//	  single
func newTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "executable: /bin/echo\nextra_version: [fast]\n")
	writeFile(t, filepath.Join(root, "testsuite.hello"), "# Grouped tests\ngrp1\n\nsingle\nmissing_dir\n")
	writeFile(t, filepath.Join(root, "environment.hello"), "GREETING=hello\n")
	writeFile(t, filepath.Join(root, "grp1", "testsuite.hello"), "case_a\ncase_b\n")
	writeFile(t, filepath.Join(root, "grp1", "environment.hello"), "TARGET=${GREETING}_world\n")
	writeFile(t, filepath.Join(root, "grp1", "case_a", "options.hello"), `-n "two words" 'single quoted'`+"\n")
	writeFile(t, filepath.Join(root, "grp1", "case_a", "options.hello.fast"), "--fast\n")
	writeFile(t, filepath.Join(root, "grp1", "case_a", "stdout.hello"), "hi\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "grp1", "case_b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "single"), 0o755))
	return root
}

func TestLoad(t *testing.T) {
	root := newTree(t)
	app, err := Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)

	var paths []string
	for _, tc := range app.TestCases() {
		paths = append(paths, tc.RelPath())
	}
	require.Equal(t, []string{"grp1/case_a", "grp1/case_b", "single"}, paths)

	grp, ok := app.Find("grp1")
	require.True(t, ok)
	require.True(t, grp.IsSuite())
	require.Equal(t, "Grouped tests", grp.Description)
	require.Len(t, grp.Children(), 2)
	require.Equal(t, app.RootSuite(), grp.Parent())

	caseA, ok := app.Find("grp1/case_a")
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, "grp1", "case_a"), caseA.Dir())

	app.WriteDir = "/tmp/run/hello"
	require.Equal(t, filepath.Join("/tmp/run/hello", "grp1", "case_a", "framework_tmp"), caseA.FrameworkDir())

	require.Len(t, app.Extras, 1)
	require.Equal(t, "hello.fast", app.Extras[0].FullName())
}

func TestTest_EnvironmentAndOptions(t *testing.T) {
	root := newTree(t)
	app, err := Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)

	caseA, _ := app.Find("grp1/case_a")
	env, err := caseA.Environment()
	require.NoError(t, err)
	require.Equal(t, "hello", env["GREETING"])
	require.Equal(t, "hello_world", env["TARGET"])

	args, err := caseA.Options()
	require.NoError(t, err)
	require.Equal(t, []string{"-n", "two words", "single quoted"}, args)

	fast := app.Extras[0]
	fastCase, _ := fast.Find("grp1/case_a")
	args, err = fastCase.Options()
	require.NoError(t, err)
	require.Equal(t, []string{"--fast"}, args)

	approved, err := caseA.ApprovedFiles()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"stdout": filepath.Join(caseA.Dir(), "stdout.hello")}, approved)

	single, _ := app.Find("single")
	args, err = single.Options()
	require.NoError(t, err)
	require.Empty(t, args)
}

func TestTest_State(t *testing.T) {
	root := newTree(t)
	app, err := Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)
	tc, _ := app.Find("single")
	require.Equal(t, model.PhaseNotStarted, tc.State().Phase)

	tc.SetState(&model.TestState{Phase: model.PhaseComplete, Category: model.CategorySuccess})
	require.True(t, tc.State().IsComplete())
}

func TestLoad_MissingSuiteFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "")
	_, err := Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestSelect(t *testing.T) {
	root := newTree(t)
	app, err := Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)

	selFile := filepath.Join(t.TempDir(), "selection")
	writeFile(t, selFile, "hello:\n# chosen\nsingle\ngrp1/case_b/\n")

	tests := []struct {
		name string
		sel  Selection
		want []string
	}{
		{name: "everything", want: []string{"grp1/case_a", "grp1/case_b", "single"}},
		{name: "substring", sel: Selection{Tests: []string{"case_"}}, want: []string{"grp1/case_a", "grp1/case_b"}},
		{name: "several substrings", sel: Selection{Tests: []string{"_a", "sing"}}, want: []string{"grp1/case_a", "single"}},
		{name: "suite", sel: Selection{Suites: []string{"grp1"}}, want: []string{"grp1/case_a", "grp1/case_b"}},
		{name: "file", sel: Selection{File: selFile}, want: []string{"grp1/case_b", "single"}},
		{name: "file and substring", sel: Selection{File: selFile, Tests: []string{"case"}}, want: []string{"grp1/case_b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(app, tt.sel)
			require.NoError(t, err)
			var paths []string
			for _, tc := range got {
				paths = append(paths, tc.RelPath())
			}
			require.Equal(t, tt.want, paths)
		})
	}

	_, err = Select(app, Selection{Tests: []string{"nothing"}})
	require.ErrorIs(t, err, model.ErrSelection)
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "a b  c", want: []string{"a", "b", "c"}},
		{in: `"a b" c`, want: []string{"a b", "c"}},
		{in: `'$HOME' "\$HOME"`, want: []string{"$HOME", "$HOME"}},
		{in: `a\ b`, want: []string{"a b"}},
		{in: `""`, want: []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SplitArgs(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := SplitArgs(`"open`)
	require.Error(t, err)
}
