package filter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

func TestFloatDiff(t *testing.T) {
	tests := []struct {
		name      string
		from, to  string
		tolerance float64
		relative  float64
		want      string
	}{
		{
			name:      "within absolute tolerance",
			from:      "mean = 3.14159\n",
			to:        "mean = 3.14162\n",
			tolerance: 0.01,
			want:      "mean = 3.14159\n",
		},
		{
			name:      "outside absolute tolerance",
			from:      "mean = 3.14159\n",
			to:        "mean = 3.24159\n",
			tolerance: 0.01,
			want:      "mean = 3.24159\n",
		},
		{
			name:     "within relative tolerance",
			from:     "total 1000.0 units\n",
			to:       "total 1001.0 units\n",
			relative: 0.01,
			want:     "total 1000.0 units\n",
		},
		{
			name:     "relative against zero",
			from:     "x 0.0\n",
			to:       "x 0.1\n",
			relative: 0.5,
			want:     "x 0.1\n",
		},
		{
			name:      "fortran exponent",
			from:      "v 1.0D+02\n",
			to:        "v 1.0001D+02\n",
			tolerance: 0.1,
			want:      "v 1.0D+02\n",
		},
		{
			name:      "text difference is kept",
			from:      "a 1.0\nword\n",
			to:        "a 1.0\nother\n",
			tolerance: 0.1,
			want:      "a 1.0\nother\n",
		},
		{
			name:      "inserted lines pass through",
			from:      "a\nc\n",
			to:        "a\nb\nc\n",
			tolerance: 0.1,
			want:      "a\nb\nc\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			err := FloatDiff(splitLines(tt.from), splitLines(tt.to), &out, tt.tolerance, tt.relative)
			require.NoError(t, err)
			require.Equal(t, tt.want, out.String())
		})
	}
}

func splitLines(s string) []string {
	lines, _ := readLines(strings.NewReader(s))
	return lines
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.New(config.DefaultRegistry())
}

func TestPipeline_FloatingPointTolerance(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("floating_point_tolerance", map[string]string{"results": "0.01"}))

	p := NewPipeline(zerolog.Nop(), cfg, "myapp", "suite/case")
	approvedForm := filepath.Join(dir, p.FilteredName("results", true))
	generated := filepath.Join(dir, "results.myapp")
	require.NoError(t, os.WriteFile(approvedForm, []byte("mean = 3.14159\n"), 0o644))
	require.NoError(t, os.WriteFile(generated, []byte("mean = 3.14162\n"), 0o644))

	filters, err := p.GeneratedFilters("results", approvedForm)
	require.NoError(t, err)
	require.Len(t, filters, 1)

	target := filepath.Join(dir, p.FilteredName("results", false))
	require.NoError(t, p.Apply("results", generated, target, filters))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "mean = 3.14159\n", string(got))
	require.FileExists(t, target+".fpdiff")
}

func TestPipeline_ChainWritesEveryPostfix(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig(t)
	rd := config.NewStemLists()
	rd.Set("stdout", []string{"{LINE 1}"})
	require.NoError(t, cfg.Set("run_dependent_text", rd))
	un := config.NewStemLists()
	un.Set(config.DefaultStem, []string{"item"})
	require.NoError(t, cfg.Set("unordered_text", un))

	p := NewPipeline(zerolog.Nop(), cfg, "myapp", "case")
	src := filepath.Join(dir, "stdout.myapp")
	require.NoError(t, os.WriteFile(src, []byte("header\nitem b\nitem a\n"), 0o644))

	filters, err := p.TextFilters("stdout")
	require.NoError(t, err)
	require.Len(t, filters, 2)

	target := filepath.Join(dir, p.FilteredName("stdout", false))
	require.NoError(t, p.Apply("stdout", src, target, filters))
	require.FileExists(t, target+".normal")
	require.FileExists(t, target+".sorted")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "-- Unordered text as found by filter 'item' --\nitem a\nitem b\n\n", string(got))

	// Other stems only see the default unordered rule.
	filters, err = p.TextFilters("errors")
	require.NoError(t, err)
	require.Len(t, filters, 1)
}

func TestPipeline_ChangedOperatingSystem(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("home_operating_system", "plan9"))
	p := NewPipeline(zerolog.Nop(), cfg, "myapp", "case")
	p.goos = "linux"

	filters, err := p.TextFilters("stdout")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	require.Equal(t, PostfixRunDependent, filters[0].Postfix())

	p.goos = "plan9"
	filters, err = p.TextFilters("stdout")
	require.NoError(t, err)
	require.Empty(t, filters)
}

func TestPipeline_NoFiltersCopies(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(zerolog.Nop(), newTestConfig(t), "myapp", "case")
	src := filepath.Join(dir, "stdout.myapp")
	require.NoError(t, os.WriteFile(src, []byte("unchanged\n"), 0o644))

	target := filepath.Join(dir, p.FilteredName("stdout", true))
	require.NoError(t, p.Apply("stdout", src, target, nil))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "unchanged\n", string(got))
}

func TestUpToDate(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(in, nil, 0o644))
	require.False(t, UpToDate(out, in))

	require.NoError(t, os.WriteFile(out, nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(in, past, past))
	require.True(t, UpToDate(out, in))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(in, future, future))
	require.False(t, UpToDate(out, in))
}

func TestIsFilteredForm(t *testing.T) {
	for name, want := range map[string]bool{
		"stdout.hello":            false,
		"stdout.hello.v2":         false,
		"stdout.hello.cmp":        true,
		"stdout.hello.origcmp":    true,
		"stdout.hello.cmp.fpdiff": true,
		"cmp.hello":               false,
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, want, IsFilteredForm(name))
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, Validate(cfg))

	rules := config.NewStemLists()
	rules.Set("stdout", []string{"fine", "{LINE x}"})
	require.NoError(t, cfg.Set("run_dependent_text", rules))

	err := Validate(cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrConfiguration)
}
