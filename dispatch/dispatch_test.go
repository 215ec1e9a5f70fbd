package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
	"github.com/perfgo/texttest/wire"
)

// The test binary doubles as the slave: with envTestSlave set it behaves
// as the mode names instead of running tests.
const (
	envTestSlave   = "TEXTTEST_TEST_SLAVE"
	envTestPath    = "TEXTTEST_TEST_PATH"
	envTestPIDFile = "TEXTTEST_TEST_PIDFILE"
	envSandbox     = "TEXTTEST_SANDBOX"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(envTestSlave); mode != "" {
		os.Exit(runTestSlave(mode))
	}
	os.Exit(m.Run())
}

// runTestSlave modes:
//
//	report  announce, save a teststate in the sandbox if given, report success
//	vanish  announce, then exit without a report
//	quiet   exit without a word to the master
//	hang    announce, wait to be killed, report killed
func runTestSlave(mode string) int {
	if mode == "quiet" {
		fmt.Fprintln(os.Stderr, "slave could not start")
		return 1
	}
	r, err := ResponderFromEnv(zerolog.Nop(), os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	relPath := os.Getenv(envTestPath)
	send := func(ctx context.Context, category, brief, free string) error {
		return r.send(ctx, wire.Message{JobID: r.JobID(), RelPath: relPath, Category: category, BriefText: brief, FreeText: free})
	}

	ctx, stop := SlaveContext(context.Background())
	defer stop()
	host, _ := os.Hostname()
	if err := send(ctx, string(model.PhaseRunning), RunningBrief(os.Getpid(), host), ""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if pidFile := os.Getenv(envTestPIDFile); pidFile != "" {
		_ = os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
	}

	switch mode {
	case "report":
		if sandbox := os.Getenv(envSandbox); sandbox != "" {
			saved := &model.TestState{
				Phase:       model.PhaseComplete,
				Category:    model.CategorySuccess,
				Comparisons: []model.FileComparison{{Stem: "stdout", Severity: 1}},
			}
			if err := state.Save(filepath.Join(sandbox, "framework_tmp"), saved); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 2
			}
		}
		err = send(ctx, string(model.CategorySuccess), "", "")
	case "vanish":
		fmt.Fprintln(os.Stderr, "slave crashed")
		return 3
	case "hang":
		<-ctx.Done()
		err = send(ctx, string(model.CategoryKilled), "KILLED", "Test was terminated before it completed\n")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

func needsPOSIX(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("slaves are signalled with SIGUSR2")
	}
}

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newApp loads an application "hello" with the given test cases.
func newApp(t *testing.T, cases ...string) *testtree.Application {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config.hello"), "executable: /bin/true\n")
	suite := ""
	for _, c := range cases {
		suite += c + "\n"
		require.NoError(t, os.MkdirAll(filepath.Join(root, c), 0o755))
	}
	writeFile(t, filepath.Join(root, "testsuite.hello"), suite)
	app, err := testtree.Load(zerolog.Nop(), config.DefaultRegistry(), root, "hello", nil)
	require.NoError(t, err)
	app.WriteDir = t.TempDir()
	return app
}

// recorder keeps every notification per test.
type recorder struct {
	mu     sync.Mutex
	states map[string][]*model.TestState
}

func newRecorder(states *state.Run) *recorder {
	r := &recorder{states: map[string][]*model.TestState{}}
	states.AddObserver(r)
	return r
}

func (r *recorder) Notify(t *testtree.Test, s *model.TestState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[t.RelPath()] = append(r.states[t.RelPath()], s)
}

func (r *recorder) of(relPath string) []*model.TestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.TestState(nil), r.states[relPath]...)
}

func (r *recorder) phases(relPath string) []model.Phase {
	var out []model.Phase
	for _, s := range r.of(relPath) {
		out = append(out, s.Phase)
	}
	return out
}

func TestJobName(t *testing.T) {
	app := newApp(t, "case_a")
	tc, ok := app.Find("case_a")
	require.True(t, ok)
	require.Equal(t, "Test-case_a-hello", JobName(tc))
}

func TestParseRunning(t *testing.T) {
	tests := []struct {
		brief string
		pid   int
		host  string
		ok    bool
	}{
		{brief: RunningBrief(4242, "node7"), pid: 4242, host: "node7", ok: true},
		{brief: "pid=12", pid: 12, ok: true},
		{brief: "host=node7"},
		{brief: "pid=abc host=node7"},
	}
	for _, tt := range tests {
		t.Run(tt.brief, func(t *testing.T) {
			pid, host, ok := parseRunning(tt.brief)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.pid, pid)
				require.Equal(t, tt.host, host)
			}
		})
	}
}

func TestResponderFromEnv(t *testing.T) {
	env := map[string]string{EnvMasterAddr: "127.0.0.1:1234"}
	_, err := ResponderFromEnv(zerolog.Nop(), func(k string) string { return env[k] })
	require.ErrorIs(t, err, model.ErrConfiguration)

	env[EnvJobID] = "job3"
	r, err := ResponderFromEnv(zerolog.Nop(), func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "job3", r.JobID())
}

func TestResponder_ReportReachesServer(t *testing.T) {
	server, err := Listen(zerolog.Nop(), "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	app := newApp(t, "case")
	tc, _ := app.Find("case")
	r := NewResponder(zerolog.Nop(), fmt.Sprintf("127.0.0.1:%d", server.Port()), "job1")

	// A cancelled context, as after a kill, does not stop the report.
	cancelled, stop := context.WithCancel(context.Background())
	stop()
	require.NoError(t, r.Report(cancelled, tc, &model.TestState{
		Phase:     model.PhaseComplete,
		Category:  model.CategoryFailure,
		BriefText: "stdout different",
		FreeText:  "---------- Differences in stdout ----------\n",
	}))
	m := <-server.Messages()
	require.Equal(t, wire.Message{
		JobID:     "job1",
		RelPath:   "case",
		Category:  "failure",
		BriefText: "stdout different",
		FreeText:  "---------- Differences in stdout ----------\n",
	}, m)

	r.Notify(tc, &model.TestState{Phase: model.PhaseFilteringFinal})
	m = <-server.Messages()
	require.Equal(t, "filtering_final", m.Category)
}

func TestServer_MalformedReport(t *testing.T) {
	for name, report := range map[string]string{
		"unknown category": "job9:case:bogus:brief:3\nabc",
		"oversized length": "job9:case:failure:brief:1125899906842624\nabc",
	} {
		t.Run(name, func(t *testing.T) {
			malformedReport(t, report)
		})
	}
}

func malformedReport(t *testing.T, report string) {
	server, err := Listen(zerolog.Nop(), "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()))
	require.NoError(t, err)
	_, err = io.WriteString(conn, report)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, _ = io.Copy(io.Discard, conn)
	conn.Close()

	m := <-server.Messages()
	require.Equal(t, "job9", m.JobID)
	require.Equal(t, string(model.CategoryUnrunnable), m.Category)
	require.Equal(t, "malformed state report", m.BriefText)
	require.True(t, m.Complete())
}
