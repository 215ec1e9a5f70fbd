package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/history"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
)

func TestRemoveFirstDashDash(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "empty slice",
			in:   []string{},
			want: []string{},
		},
		{
			name: "starts with --",
			in:   []string{"--", "suite/case", "other"},
			want: []string{"suite/case", "other"},
		},
		{
			name: "no --",
			in:   []string{"suite/case"},
			want: []string{"suite/case"},
		},
		{
			name: "only --",
			in:   []string{"--"},
			want: []string{},
		},
		{
			name: "-- in middle",
			in:   []string{"case", "--", "other"},
			want: []string{"case", "--", "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := removeFirstDashDash(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("removeFirstDashDash() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseViewArgs(t *testing.T) {
	tests := []struct {
		name      string
		in        []string
		wantRef   string
		wantTests []string
	}{
		{
			name:      "empty args - default to 0",
			in:        []string{},
			wantRef:   "0",
			wantTests: nil,
		},
		{
			name:      "only index",
			in:        []string{"0"},
			wantRef:   "0",
			wantTests: []string{},
		},
		{
			name:      "negative index",
			in:        []string{"-1"},
			wantRef:   "-1",
			wantTests: []string{},
		},
		{
			name:      "id with tests",
			in:        []string{"abc123", "suite/case", "other"},
			wantRef:   "abc123",
			wantTests: []string{"suite/case", "other"},
		},
		{
			name:      "index with -- separator",
			in:        []string{"-2", "--", "case"},
			wantRef:   "-2",
			wantTests: []string{"case"},
		},
		{
			name:      "only -- uses default 0",
			in:        []string{"--", "case"},
			wantRef:   "0",
			wantTests: []string{"case"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRef, gotTests := parseViewArgs(tt.in)
			if gotRef != tt.wantRef {
				t.Errorf("parseViewArgs() gotRef = %v, want %v", gotRef, tt.wantRef)
			}
			if !reflect.DeepEqual(gotTests, tt.wantTests) {
				t.Errorf("parseViewArgs() gotTests = %v, want %v", gotTests, tt.wantTests)
			}
		})
	}
}

// testApp returns an App writing to a buffer, with its temporary root
// in a fresh directory.
func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	env := config.EnvFrom(func(string) string { return "" })
	env.Tmp = t.TempDir()
	return &App{logger: zerolog.Nop(), env: env, getenv: func(string) string { return "" }, out: out}, out
}

// savedRun lays out a finished run with one failing and one succeeding
// test.
func savedRun(t *testing.T, tmp, name string) string {
	t.Helper()
	dir := filepath.Join(tmp, name)
	require.NoError(t, state.Save(filepath.Join(dir, "hello", "suite", "bad", "framework_tmp"), &model.TestState{
		Phase:     model.PhaseComplete,
		Category:  model.CategoryFailure,
		BriefText: "stdout different",
		FreeText:  "---------- Differences in stdout ----------\n< Hello\n> Goodbye\n",
	}))
	require.NoError(t, state.Save(filepath.Join(dir, "hello", "suite", "good", "framework_tmp"), &model.TestState{
		Phase:    model.PhaseComplete,
		Category: model.CategorySuccess,
	}))
	info := history.NewInfo("hello", []string{"texttest", "-a", "hello"}, []string{"hello"}, nil, config.Env{}, time.Now())
	info.ExitCode = 1
	require.NoError(t, history.WriteInfo(dir, info))
	return dir
}

func TestView_DisplayRun(t *testing.T) {
	app, out := testApp(t)
	older := savedRun(t, app.env.Tmp, "hello.01Jan000001.10")
	savedRun(t, app.env.Tmp, "hello.02Jan000001.11")

	dir, err := app.resolveRun("-1")
	require.NoError(t, err)
	require.Equal(t, older, dir.Path)

	require.NoError(t, app.displayRun(dir, nil))
	require.Contains(t, out.String(), "=== Run: hello.01Jan000001.10 ===")
	require.Contains(t, out.String(), "Exit Code: 1")
	require.Contains(t, out.String(), "Args: -a hello")
	require.Contains(t, out.String(), "hello test suite/bad: failure : stdout different\n")
	require.Contains(t, out.String(), "hello test suite/good: success\n")
	require.NotContains(t, out.String(), "< Hello")

	out.Reset()
	require.NoError(t, app.displayRun(dir, []string{"bad"}))
	require.Contains(t, out.String(), "    < Hello\n")
	require.NotContains(t, out.String(), "suite/good")

	require.Error(t, app.displayRun(dir, []string{"missing"}))
}

func TestView_ResolveRun(t *testing.T) {
	app, _ := testApp(t)
	dir := savedRun(t, app.env.Tmp, "nightly.01Jan000001.10")

	for _, ref := range []string{"0", dir, "nightly"} {
		got, err := app.resolveRun(ref)
		require.NoError(t, err, ref)
		require.Equal(t, dir, got.Path, ref)
	}

	_, err := app.resolveRun("1")
	require.ErrorContains(t, err, "invalid index")
	_, err = app.resolveRun("-3")
	require.ErrorContains(t, err, "out of range")
	_, err = os.Stat(dir)
	require.NoError(t, err)
}
