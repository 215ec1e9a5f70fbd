package collate

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
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

func newCase(t *testing.T, cfg string) *testtree.Test {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "executable: /bin/true\n"+cfg)
	writeFile(t, filepath.Join(root, "testsuite.hello"), "case\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case"), 0o755))

	app, err := testtree.Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)
	app.WriteDir = t.TempDir()
	tc, ok := app.Find("case")
	require.True(t, ok)
	require.NoError(t, os.MkdirAll(tc.FrameworkDir(), 0o755))
	return tc
}

func generated(t *testing.T, tc *testtree.Test, name, content string) {
	writeFile(t, filepath.Join(tc.Sandbox(), name), content)
}

func read(t *testing.T, tc *testtree.Test, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tc.Sandbox(), name))
	require.NoError(t, err)
	return string(data)
}

func needsShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("collate scripts use POSIX tools")
	}
}

func collate(t *testing.T, tc *testtree.Test, during func()) error {
	t.Helper()
	e := New(zerolog.Nop())
	before, err := e.Snapshot(tc)
	require.NoError(t, err)
	during()
	return e.Collate(context.Background(), tc, before)
}

func TestCollate_EditedSourcesOnly(t *testing.T) {
	tc := newCase(t, `collate_file:
  output: [result.txt]
  stale: [old.txt]
  edited: [edited.txt]
`)
	generated(t, tc, "old.txt", "from before\n")
	generated(t, tc, "edited.txt", "v1\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(tc.Sandbox(), "edited.txt"), past, past))

	err := collate(t, tc, func() {
		generated(t, tc, "result.txt", "RESULT 42\n")
		generated(t, tc, "edited.txt", "v2\n")
	})
	require.NoError(t, err)
	require.Equal(t, "RESULT 42\n", read(t, tc, "output.hello"))
	require.Equal(t, "v2\n", read(t, tc, "edited.hello"))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "stale.hello"))
}

func TestCollate_MissingSourceIsNotAnError(t *testing.T) {
	tc := newCase(t, "collate_file:\n  output: [never.txt]\n")
	require.NoError(t, collate(t, tc, func() {}))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "output.hello"))
}

func TestCollate_FirstSourceWins(t *testing.T) {
	tc := newCase(t, "collate_file:\n  output: [b.txt, a.txt]\n")
	err := collate(t, tc, func() {
		generated(t, tc, "a.txt", "a\n")
		generated(t, tc, "b.txt", "b\n")
	})
	require.NoError(t, err)
	require.Equal(t, "b\n", read(t, tc, "output.hello"))
}

func TestCollate_Wildcards(t *testing.T) {
	tc := newCase(t, `collate_file:
  "log_*": ["logs/*.log"]
  "extra_*": ["*"]
`)
	err := collate(t, tc, func() {
		generated(t, tc, "logs/server.log", "server\n")
		generated(t, tc, "logs/client.log", "client\n")
		generated(t, tc, "notes.txt", "notes\n")
		generated(t, tc, "stdout.hello", "already a stem\n")
	})
	require.NoError(t, err)
	require.Equal(t, "server\n", read(t, tc, "log_server.hello"))
	require.Equal(t, "client\n", read(t, tc, "log_client.hello"))
	require.Equal(t, "notes\n", read(t, tc, "extra_notes_txt.hello"))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "extra_stdout_hello.hello"))
}

func TestTargetStem(t *testing.T) {
	tests := []struct {
		target, pattern, path string
		want                  string
	}{
		{"log_*", "*.log", "server.log", "log_server"},
		{"res_*_*", "out/*/res_*.txt", "out/run1/res_a.txt", "res_a_run1"},
		{"res_*_*", "res_*.txt", "res_a.txt", "res_a_WILDCARD"},
		{"all_*", "*", "notes.txt", "all_notes_txt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, TargetStem(tt.target, tt.pattern, tt.path))
		})
	}
}

func TestCollate_ScriptChain(t *testing.T) {
	needsShell(t)
	tc := newCase(t, `collate_file:
  sorted: [raw.txt]
collate_script:
  sorted: [sort, uniq]
`)
	err := collate(t, tc, func() {
		generated(t, tc, "raw.txt", "b\na\nb\n")
	})
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", read(t, tc, "sorted.hello"))
	errs, err := os.ReadFile(filepath.Join(tc.FrameworkDir(), "sorted.hello.collate_errs"))
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestCollate_FailingScript(t *testing.T) {
	needsShell(t)
	tc := newCase(t, `collate_file:
  bad: [raw.txt]
  good: [raw.txt]
collate_script:
  bad: ["false"]
`)
	err := collate(t, tc, func() {
		generated(t, tc, "raw.txt", "data\n")
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrRun))
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "KILLED (false)", se.BriefText())
	require.Equal(t, "Killed collation script 'false'\n while collating file(s) at "+filepath.Join(tc.Sandbox(), "raw.txt")+"\n", se.FreeText())
	require.Equal(t, "data\n", read(t, tc, "good.hello"))
}

func TestCollate_EmptyScriptOutputRemovesTarget(t *testing.T) {
	needsShell(t)
	tc := newCase(t, `collate_file:
  quiet: [raw.txt]
collate_script:
  quiet: ["true"]
`)
	require.NoError(t, collate(t, tc, func() {
		generated(t, tc, "raw.txt", "data\n")
	}))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "quiet.hello"))
}

func TestCollate_MissingScript(t *testing.T) {
	tc := newCase(t, `collate_file:
  out: [raw.txt]
collate_script:
  out: [no_such_collate_script_anywhere]
`)
	require.NoError(t, collate(t, tc, func() {
		generated(t, tc, "raw.txt", "data\n")
	}))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "out.hello"))
	errs, err := os.ReadFile(filepath.Join(tc.FrameworkDir(), "out.hello.collate_errs"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(errs), "Could not find extract script 'no_such_collate_script_anywhere'"))
}

func TestCollate_Discard(t *testing.T) {
	tc := newCase(t, `discard_file: [junk]
discard_file_text:
  default: ["^DEBUG"]
`)
	require.NoError(t, collate(t, tc, func() {
		generated(t, tc, "junk.hello", "anything\n")
		generated(t, tc, "noisy.hello", "INFO start\nDEBUG detail\n")
		generated(t, tc, "clean.hello", "INFO start\nnot DEBUG at start\n")
	}))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "junk.hello"))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "noisy.hello"))
	require.FileExists(t, filepath.Join(tc.Sandbox(), "clean.hello"))
}

func TestCollate_Compress(t *testing.T) {
	tc := newCase(t, "compress_file_size: 10\n")
	big := strings.Repeat("0123456789", 10)
	require.NoError(t, collate(t, tc, func() {
		generated(t, tc, "dump.dat", big)
		generated(t, tc, "small.dat", "tiny")
		generated(t, tc, "stdout.hello", big)
	}))
	require.NoFileExists(t, filepath.Join(tc.Sandbox(), "dump.dat"))
	require.FileExists(t, filepath.Join(tc.Sandbox(), "small.dat"))
	require.FileExists(t, filepath.Join(tc.Sandbox(), "stdout.hello"))

	f, err := os.Open(filepath.Join(tc.Sandbox(), "dump.dat.gz"))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, big, string(data))
}
