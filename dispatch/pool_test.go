package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/texttest/cli/ssh"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

const (
	// Runs its last argument locally, as ssh would on the remote machine.
	fakeSSH = "#!/bin/sh\nfor a; do last=$a; done\nexec sh -c \"$last\"\n"
	// Copies its last-but-one argument to the path part of its last.
	fakeSCP = "#!/bin/sh\nfor a; do src=$dst; dst=$a; done\nexec cp -p \"$src\" \"${dst#*:}\"\n"
	// Never reaches the machine.
	unreachableSSH = "#!/bin/sh\nsleep 1\necho 'ssh: connect to host 127.0.0.1 port 22: Connection refused' >&2\nexit 255\n"
)

// newPool claims the one-machine test pool, reached through shell.
func newPool(t *testing.T, app *testtree.Application, shell string) *Pool {
	t.Helper()
	needsPOSIX(t)
	bin := t.TempDir()
	writeFile(t, filepath.Join(bin, "ssh"), shell)
	writeFile(t, filepath.Join(bin, "scp"), fakeSCP)
	for _, name := range []string{"ssh", "scp"} {
		require.NoError(t, os.Chmod(filepath.Join(bin, name), 0o755))
	}

	inventory := filepath.Join(t.TempDir(), "pool.yaml")
	writeFile(t, inventory, "machines:\n  - address: 127.0.0.1\n    instance_type: t3.large\n")
	claimer := newClaimer(NewFileInventory(inventory))

	p, err := NewPool(context.Background(), zerolog.Nop(), claimer, nil, 0,
		WithRemoteRoot(filepath.Join(t.TempDir(), "remote")),
		WithPoolExecutable(testExecutable(t)),
		WithTrees(Tree{Local: app.WriteDir, Name: "sandboxes", Output: true}),
		WithSSHOptions(ssh.WithPrograms(filepath.Join(bin, "ssh"), filepath.Join(bin, "scp")), ssh.WithoutMultiplexing()),
		WithRelayGracePeriod(time.Second),
		WithPIDLookup(10, 50*time.Millisecond),
	)
	require.NoError(t, err)
	require.Equal(t, 2, p.Capacity())
	return p
}

func TestPool_RunsSlaveRemotely(t *testing.T) {
	app := newApp(t, "case")
	p := newPool(t, app, fakeSSH)
	m, rec := newLocalMaster(t, p, slaveSubmission("report", t.TempDir(), nil))
	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	tc := app.TestCases()[0]
	s := tc.State()
	require.Equal(t, model.CategorySuccess, s.Category)
	// The saved state came back with the sandbox.
	require.FileExists(t, state.Path(tc))
	require.Len(t, s.Comparisons, 1)
	require.Equal(t, []model.Phase{model.PhaseRunning, model.PhaseComplete}, rec.phases("case"))
}

func TestPool_KillsSlaveOverTimeLimit(t *testing.T) {
	app := newApp(t, "case")
	p := newPool(t, app, fakeSSH)
	pidFile := filepath.Join(t.TempDir(), "slave.pid")
	m, rec := newLocalMaster(t, p, slaveSubmission("hang", t.TempDir(), map[string]string{envTestPIDFile: pidFile}),
		WithKillTimeout(300*time.Millisecond), WithPollInterval(50*time.Millisecond))
	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	s := app.TestCases()[0].State()
	require.Equal(t, model.CategoryKilled, s.Category)
	require.Equal(t, "KILLED", s.BriefText)

	completes := 0
	for _, phase := range rec.phases("case") {
		if phase == model.PhaseComplete {
			completes++
		}
	}
	require.Equal(t, 1, completes)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.Error(t, proc.Signal(syscall.Signal(0)), "slave %d still running", pid)
}

func TestPool_MachineFailsToSynchronise(t *testing.T) {
	app := newApp(t, "case")
	p := newPool(t, app, unreachableSSH)
	m, _ := newLocalMaster(t, p, slaveSubmission("report", t.TempDir(), nil))
	require.NoError(t, runMaster(t, context.Background(), m, app.TestCases()))

	s := app.TestCases()[0].State()
	require.Equal(t, model.CategoryUnrunnable, s.Category)
	require.Equal(t, "pool job exited", s.BriefText)
	require.Contains(t, s.FreeText, "Failed to synchronise files with pool machine ec2-user@127.0.0.1")
	require.Contains(t, s.FreeText, "Connection refused")
	require.Zero(t, p.Capacity())
}

func TestPool_RemoteCommand(t *testing.T) {
	p := &Pool{
		remoteRoot: "/home/ec2-user/.texttest/pool",
		trees:      []Tree{{Local: "/work/run", Name: "sandboxes", Output: true}},
	}
	job := &poolJob{id: "job0_10.0.0.1", sub: Submission{
		Args: []string{"slave", "-d", "/work/run/case"},
		Env:  map[string]string{"TEXTTEST_SANDBOX": "/work/run/case", "APP": "hello world"},
	}}
	require.Equal(t,
		"exec env 'APP=hello world' TEXTTEST_JOB_ID=job0_10.0.0.1 TEXTTEST_SANDBOX=/home/ec2-user/.texttest/pool/sandboxes/case "+
			"/home/ec2-user/.texttest/pool/bin/texttest slave -d /home/ec2-user/.texttest/pool/sandboxes/case",
		p.remoteCommand(job))
}
