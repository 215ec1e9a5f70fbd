package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// counting records the most jobs live at any submission.
type counting struct {
	Dispatcher
	mu  sync.Mutex
	max int
}

func (c *counting) Submit(ctx context.Context, sub Submission) (string, error) {
	live := len(c.Dispatcher.StatusForAll()) + 1
	c.mu.Lock()
	if live > c.max {
		c.max = live
	}
	c.mu.Unlock()
	return c.Dispatcher.Submit(ctx, sub)
}

type failing struct {
	Dispatcher
}

func (failing) Name() string { return "broken queue" }

func (failing) Submit(context.Context, Submission) (string, error) {
	return "", errors.New("queue is down")
}

func (failing) Capacity() int { return 1 }

func (failing) Cleanup(bool) bool { return true }

// slaveSubmission runs the test binary as a slave in mode, with logs in
// logDir.
func slaveSubmission(mode, logDir string, extra map[string]string) func(*testtree.Test) Submission {
	return func(t *testtree.Test) Submission {
		env := map[string]string{envTestSlave: mode, envTestPath: t.RelPath(), envSandbox: t.Sandbox()}
		for k, v := range extra {
			env[k] = v
		}
		return Submission{Env: env, LogDir: logDir, Sandbox: t.Sandbox()}
	}
}

func newLocalMaster(t *testing.T, d Dispatcher, submission func(*testtree.Test) Submission, opts ...MasterOption) (*Master, *recorder) {
	t.Helper()
	logger := zerolog.Nop()
	server, err := Listen(logger, "127.0.0.1:0")
	require.NoError(t, err)
	states := state.NewRun(logger)
	rec := newRecorder(states)
	opts = append([]MasterOption{WithPollInterval(20 * time.Millisecond), WithQuitGracePeriod(5 * time.Second)}, opts...)
	return NewMaster(logger, d, states, server, submission, opts...), rec
}

func newLocal(t *testing.T, capacity int) *Local {
	t.Helper()
	l, err := NewLocal(zerolog.Nop(), WithExecutable(testExecutable(t)), WithCapacity(capacity), WithGracePeriod(time.Second))
	require.NoError(t, err)
	return l
}

func runMaster(t *testing.T, ctx context.Context, m *Master, tests []*testtree.Test) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return m.Run(ctx, tests)
}

func TestMaster_RunsEveryTestWithinCapacity(t *testing.T) {
	needsPOSIX(t)
	app := newApp(t, "a", "b", "c", "d")
	d := &counting{Dispatcher: newLocal(t, 2)}
	m, rec := newLocalMaster(t, d, slaveSubmission("report", t.TempDir(), nil))

	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	require.LessOrEqual(t, d.max, 2)
	for _, tc := range app.TestCases() {
		s := tc.State()
		require.Equal(t, model.CategorySuccess, s.Category, tc.RelPath())
		// The state the slave saved is preferred to the abbreviated report.
		require.Len(t, s.Comparisons, 1)
		require.NotNil(t, s.Completed)

		phases := rec.phases(tc.RelPath())
		require.Equal(t, []model.Phase{model.PhaseRunning, model.PhaseComplete}, phases)
		running := rec.of(tc.RelPath())[0]
		require.Len(t, running.ExecutionHosts, 1)
		require.Empty(t, running.BriefText)
	}
}

func TestMaster_SlaveWithoutReport(t *testing.T) {
	needsPOSIX(t)
	tests := []struct {
		mode     string
		category model.Category
		brief    string
		free     []string
	}{
		{
			mode:     "vanish",
			category: model.CategoryKilled,
			brief:    "no report, possibly killed with SIGKILL",
			free:     []string{"Full accounting info from", "slave crashed", "exit status 3"},
		},
		{
			mode:     "quiet",
			category: model.CategoryUnrunnable,
			brief:    "local queue job exited",
			free:     []string{"slave could not start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			app := newApp(t, "case")
			m, _ := newLocalMaster(t, newLocal(t, 1), slaveSubmission(tt.mode, t.TempDir(), nil))
			require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

			s := app.TestCases()[0].State()
			require.Equal(t, tt.category, s.Category)
			require.Equal(t, tt.brief, s.BriefText)
			for _, part := range tt.free {
				require.Contains(t, s.FreeText, part)
			}
		})
	}
}

func TestMaster_KillsSlaveOverTimeLimit(t *testing.T) {
	needsPOSIX(t)
	app := newApp(t, "case")
	m, rec := newLocalMaster(t, newLocal(t, 1), slaveSubmission("hang", t.TempDir(), nil),
		WithKillTimeout(200*time.Millisecond))
	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	s := app.TestCases()[0].State()
	require.Equal(t, model.CategoryKilled, s.Category)
	require.Equal(t, "KILLED", s.BriefText)
	require.Equal(t, []model.Phase{model.PhaseRunning, model.PhaseComplete}, rec.phases("case"))
}

func TestMaster_Quit(t *testing.T) {
	needsPOSIX(t)
	app := newApp(t, "first", "second")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, rec := newLocalMaster(t, newLocal(t, 1), slaveSubmission("hang", t.TempDir(), nil))
	m.states.AddObserver(state.ObserverFunc(func(_ *testtree.Test, s *model.TestState) {
		if s.Phase == model.PhaseRunning {
			cancel()
		}
	}))
	err := runMaster(t, ctx, m, app.TestCases())
	require.ErrorIs(t, err, context.Canceled)

	first, _ := app.Find("first")
	require.Equal(t, model.CategoryKilled, first.State().Category)
	require.Equal(t, "KILLED", first.State().BriefText)

	second, _ := app.Find("second")
	require.Equal(t, model.CategoryCancelled, second.State().Category)
	require.Equal(t, []model.Phase{model.PhaseComplete}, rec.phases("second"))
}

func TestMaster_SubmissionFailure(t *testing.T) {
	app := newApp(t, "case")
	m, _ := newLocalMaster(t, failing{}, func(*testtree.Test) Submission { return Submission{} })
	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	s := app.TestCases()[0].State()
	require.Equal(t, model.CategoryUnrunnable, s.Category)
	require.Equal(t, "Failed to submit to broken queue", s.BriefText)
	require.Equal(t, "queue is down\n", s.FreeText)
}

func TestLocal_FailureInfo(t *testing.T) {
	needsPOSIX(t)
	l := newLocal(t, 1)
	logDir := t.TempDir()
	id, err := l.Submit(context.Background(), Submission{
		Name:   "Test-case-hello",
		Env:    map[string]string{envTestSlave: "quiet"},
		LogDir: logDir,
	})
	require.NoError(t, err)
	require.Equal(t, "job1", id)

	require.Eventually(t, func() bool {
		_, live := l.StatusForAll()[id]
		return !live
	}, 30*time.Second, 10*time.Millisecond)
	require.False(t, l.Kill(id))
	require.FileExists(t, filepath.Join(logDir, "Test-case-hello.errors"))
	info := l.FailureInfo(id)
	require.Contains(t, info, "---------- Full accounting info from ")
	require.Contains(t, info, "slave could not start\n")
	require.True(t, l.Cleanup(true))
}
