package knownbugs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func failed(brief, free string) *model.TestState {
	return &model.TestState{
		Phase:     model.PhaseComplete,
		Category:  model.CategoryFailure,
		BriefText: brief,
		FreeText:  free,
	}
}

func readSet(t *testing.T, content string) *Set {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knownbugs.hello")
	writeFile(t, path, content)
	s := &Set{}
	require.NoError(t, s.ReadFile(path))
	return s
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		bugs     string
		state    *model.TestState
		matched  bool
		brief    string
		category model.Category
	}{
		{
			name: "free text match",
			bugs: `[crash]
search_string = Segmentation fault
search_file = free_text
brief_description = segfault on startup
full_description = The server crashes when started twice
`,
			state:    failed("stdout different", "Segmentation fault (core dumped)\n"),
			matched:  true,
			brief:    "segfault on startup",
			category: model.CategoryKnownBug,
		},
		{
			name: "bug id",
			bugs: `[ticket]
search_string = timeout
bug_id = 1234
`,
			state:    failed("stdout different", "connection timeout\n"),
			matched:  true,
			brief:    "bug 1234",
			category: model.CategoryKnownBug,
		},
		{
			name: "internal error",
			bugs: `[internal]
search_string = ^Traceback
internal_error = 1
brief_description = python crashed
`,
			state:    failed("stdout different", "Traceback (most recent call last):\n"),
			matched:  true,
			brief:    "internal error: python crashed",
			category: model.CategoryKnownBug,
		},
		{
			name: "literal search without regexp",
			bugs: `[literal]
search_string = a.b*c
use_regexp = 0
brief_description = literal
`,
			state:   failed("stdout different", "axbbbc\n"),
			matched: false,
		},
		{
			name: "brief text",
			bugs: `[brief]
search_string = missing
search_file = brief_text
brief_description = flaky output
`,
			state:    failed("errors missing", ""),
			matched:  true,
			brief:    "flaky output",
			category: model.CategoryKnownBug,
		},
		{
			name: "success is not examined",
			bugs: `[crash]
search_string = anything
brief_description = x
`,
			state:   &model.TestState{Phase: model.PhaseComplete, Category: model.CategorySuccess, FreeText: "anything"},
			matched: false,
		},
		{
			name: "multi-line search",
			bugs: `[multi]
search_string = first\nsecond
brief_description = two lines
`,
			state:    failed("x", "zero\nfirst\nsecond\n"),
			matched:  true,
			brief:    "two lines",
			category: model.CategoryKnownBug,
		},
		{
			name: "host restriction",
			bugs: `[hosts]
search_string = boom
execution_hosts = other
brief_description = only elsewhere
`,
			state:   &model.TestState{Phase: model.PhaseComplete, Category: model.CategoryFailure, FreeText: "boom", ExecutionHosts: []string{"here"}},
			matched: false,
		},
		{
			name: "absence",
			bugs: `[absent]
search_string = all done
trigger_on_absence = 1
brief_description = never finished
`,
			state:    failed("x", "started\n"),
			matched:  true,
			brief:    "never finished",
			category: model.CategoryKnownBug,
		},
		{
			name: "cancellation blocks later bugs",
			bugs: `[b_real]
search_string = boom
brief_description = real
[a_cancel]
search_string = boom
`,
			state:    failed("x", "boom\n"),
			matched:  true,
			brief:    "real",
			category: model.CategoryKnownBug,
		},
		{
			name: "priority wins",
			bugs: `[a_low]
search_string = boom
brief_description = low
priority = 50
[b_high]
search_string = boom
brief_description = high
priority = 5
`,
			state:    failed("x", "boom\n"),
			matched:  true,
			brief:    "high",
			category: model.CategoryKnownBug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := readSet(t, tt.bugs)
			m, ok, err := s.Check(tt.state)
			require.NoError(t, err)
			require.Equal(t, tt.matched, ok)
			if !tt.matched {
				return
			}
			require.Equal(t, tt.brief, m.State.BriefText)
			require.Equal(t, tt.category, m.State.Category)
			require.Same(t, tt.state, m.State.OldState)
			require.Equal(t, model.CategoryFailure, tt.state.Category)
		})
	}
}

func TestCheck_FreeText(t *testing.T) {
	s := readSet(t, `[crash]
search_string = Segmentation fault
brief_description = segfault
full_description = Crashes on startup
rerun_count = 2
`)
	state := failed("stdout different", "Segmentation fault\n")
	m, ok, err := s.Check(state)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, m.Bug.RerunCount)
	require.Equal(t, "\n(NOTE: Test was run 3 times in total and each time encountered this issue.\n"+
		"Results of previous runs can be found in the sandbox backups.)\n\n"+
		"Crashes on startup\n(This bug was triggered by text found in the full difference report matching 'Segmentation fault')"+
		"\nSegmentation fault\n", m.State.FreeText)
}

func TestCheck_RerunOnly(t *testing.T) {
	s := readSet(t, `[flaky]
search_string = flaky
rerun_only = 1
rerun_count = 1
`)
	m, ok, err := s.Check(failed("x", "flaky\n"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, m.State)
	require.Equal(t, 1, m.Bug.RerunCount)
}

func TestCheck_GeneratedFile(t *testing.T) {
	dir := t.TempDir()
	generated := filepath.Join(dir, "errors.hello")
	writeFile(t, generated, "warning: disk almost full\n")
	s := readSet(t, `[disk]
search_string = disk almost full
search_file = errors
brief_description = disk space
`)
	state := failed("errors new", "")
	state.Comparisons = []model.FileComparison{{Stem: "errors", GeneratedFile: generated, Severity: 1}}

	m, ok, err := s.Check(state)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "errors", m.Stem)
	require.Contains(t, m.State.FreeText, "in file 'errors' matching 'disk almost full'")
}

func TestCheck_OtherDifferencesBlock(t *testing.T) {
	dir := t.TempDir()
	generated := filepath.Join(dir, "errors.hello")
	writeFile(t, generated, "oops\n")
	s := readSet(t, `[oops]
search_string = oops
search_file = errors
brief_description = oops
`)
	state := failed("errors new(+)", "")
	state.Comparisons = []model.FileComparison{
		{Stem: "errors", GeneratedFile: generated},
		{Stem: "stdout", ApprovedFile: generated},
	}
	_, ok, err := s.Check(state)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "executable: /bin/true\n")
	writeFile(t, filepath.Join(root, "testsuite.hello"), "case\n")
	writeFile(t, filepath.Join(root, "knownbugs.hello"), "[suite]\nsearch_string = suite bug\nbrief_description = suite\n")
	writeFile(t, filepath.Join(root, "case", "knownbugs.hello"), "[own]\nsearch_string = own bug\nbrief_description = own\n")

	app, err := testtree.Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)
	tc, ok := app.Find("case")
	require.True(t, ok)

	s, err := Load(zerolog.Nop(), tc)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	require.Equal(t, "own", s.bugs[StemFreeText][0].BriefDescription)
}

func TestReadFile_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knownbugs.hello")
	writeFile(t, path, "[nosearch]\nbrief_description = x\n")
	require.Error(t, (&Set{}).ReadFile(path))

	writeFile(t, path, "[bad]\nsearch_string = x\nrerun_count = many\n")
	require.Error(t, (&Set{}).ReadFile(path))
}
