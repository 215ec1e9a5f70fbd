package action

// This file contains running the program under test, on this machine or on
// the machine named by remote_host.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/sandbox"
	"github.com/perfgo/texttest/testtree"
)

// Runner runs the program under test for a prepared job.
type Runner interface {
	// Host names the machine t runs on
	Host(t *testtree.Test) string
	Run(ctx context.Context, j *Job) Result
}

// Dialer opens a transport to a remote machine.
type Dialer func(host string) (sandbox.Transport, error)

// SUTRunner starts the configured executable with the test's options,
// input and environment, writing its standard output and error to the
// stdout and stderr stems.
type SUTRunner struct {
	logger    zerolog.Logger
	sandboxes *sandbox.Manager
	dial      Dialer
	hostname  string
}

// NewSUTRunner returns a runner. dial is used for applications configured
// with a remote_host and may be nil when none is.
func NewSUTRunner(logger zerolog.Logger, sandboxes *sandbox.Manager, dial Dialer) *SUTRunner {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &SUTRunner{logger: logger, sandboxes: sandboxes, dial: dial, hostname: host}
}

// Host implements Runner.
func (r *SUTRunner) Host(t *testtree.Test) string {
	if remote := t.App().Config.String("remote_host"); remote != "" {
		return remote
	}
	return r.hostname
}

// Run implements Runner.
func (r *SUTRunner) Run(ctx context.Context, j *Job) Result {
	argv, exeIndex, err := commandLine(j.Test)
	if err != nil {
		return FromError(err)
	}
	vars, err := testVariables(j)
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	timeout := time.Duration(j.Test.App().Config.Int("kill_timeout")) * time.Second
	if remote := j.Test.App().Config.String("remote_host"); remote != "" {
		return r.runRemote(ctx, j, remote, argv, exeIndex, vars, timeout)
	}
	return r.runLocal(ctx, j, argv, vars, timeout)
}

// commandLine returns the interpreter, executable and options of t, and
// the index of the executable.
func commandLine(t *testtree.Test) ([]string, int, error) {
	cfg := t.App().Config
	exe := cfg.String("executable")
	if exe == "" {
		return nil, 0, fmt.Errorf("%w: no executable configured for %s", model.ErrConfiguration, t.App().Name)
	}
	var argv []string
	if interpreter := cfg.String("interpreter"); interpreter != "" {
		parts, err := testtree.SplitArgs(interpreter)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad interpreter %q: %v", model.ErrConfiguration, interpreter, err)
		}
		argv = append(argv, parts...)
	}
	exeIndex := len(argv)
	argv = append(argv, exe)
	opts, err := t.Options()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad options for %s: %v", model.ErrSetup, t.RelPath(), err)
	}
	return append(argv, opts...), exeIndex, nil
}

// testVariables returns the test's environment overlaid with what the
// sandbox exports.
func testVariables(j *Job) (map[string]string, error) {
	env, err := j.Test.Environment()
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(env))
	for k, v := range env {
		vars[k] = v
	}
	if j.Sandbox != nil {
		for k, v := range j.Sandbox.Env {
			vars[k] = v
		}
	}
	return vars, nil
}

func withKillTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// outcome interprets how the program's run ended.
func outcome(ctx, runCtx context.Context, t *testtree.Test, timeout time.Duration, err error) Result {
	if ctx.Err() != nil {
		return Killed("KILLED", "Test was terminated before it completed\n")
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Killed("TIMEOUT", fmt.Sprintf("Test exceeded wallclock time limit of %d seconds\n", int(timeout.Seconds())))
	}
	if err != nil {
		return Fail(model.ErrSetup, fmt.Sprintf("Failed to run %s: %v", t.App().Config.String("executable"), err))
	}
	return Continue()
}

func (r *SUTRunner) runLocal(ctx context.Context, j *Job, argv []string, vars map[string]string, timeout time.Duration) Result {
	t := j.Test
	app := t.App().Name
	stdout, err := os.Create(filepath.Join(t.Sandbox(), "stdout."+app))
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(t.Sandbox(), "stderr."+app))
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	defer stderr.Close()

	var stdin io.Reader
	if input, ok := t.InputFile(); ok {
		f, err := os.Open(input)
		if err != nil {
			return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
		}
		defer f.Close()
		stdin = f
	}

	runCtx, cancel := withKillTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = t.Sandbox()
	cmd.Env = config.MergeEnv(os.Environ(), vars)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(terminateSignal) }
	cmd.WaitDelay = time.Duration(t.App().Config.Int("kill_grace_period")) * time.Second

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && runCtx.Err() == nil {
		r.logger.Debug().Str("test", t.RelPath()).Int("code", exitErr.ExitCode()).Msg("Program exited with non-zero status")
		err = nil
	}
	removeEmptyOutput(t)
	return outcome(ctx, runCtx, t, timeout, err)
}

// removeEmptyOutput deletes empty standard output and error files that no
// approved file expects.
func removeEmptyOutput(t *testtree.Test) {
	for _, stem := range []string{"stdout", "stderr"} {
		if _, ok := t.FileName(stem); ok {
			continue
		}
		p := filepath.Join(t.Sandbox(), stem+"."+t.App().Name)
		if info, err := os.Stat(p); err == nil && info.Size() == 0 {
			_ = os.Remove(p)
		}
	}
}

const exitMarker = "texttest-exit="

func (r *SUTRunner) runRemote(ctx context.Context, j *Job, host string, argv []string, exeIndex int, vars map[string]string, timeout time.Duration) Result {
	t := j.Test
	if r.dial == nil {
		return Fail(model.ErrConfiguration, "remote_host is set but no remote shell is available")
	}
	tr, err := r.dial(host)
	if err != nil {
		return FromError(fmt.Errorf("%w: failed to reach %s: %v", model.ErrInfrastructure, host, err))
	}
	app := t.App().Name
	input := "/dev/null"
	if in, ok := t.InputFile(); ok {
		staged := filepath.Join(t.FrameworkDir(), "input."+app)
		if err := sandbox.CopyTree(in, staged); err != nil {
			return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
		}
		input = "framework_tmp/input." + app
	}

	mirrored, err := r.sandboxes.Mirror(ctx, t, tr, t.App().Config.String("pool_remote_root"))
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrInfrastructure, err))
	}
	argv = append([]string(nil), argv...)
	argv[exeIndex] = mirrored.Executable
	command := remoteCommand(mirrored.Sandbox, remoteVariables(vars, t.Sandbox(), mirrored.Sandbox), argv, input, app)

	runCtx, cancel := withKillTimeout(ctx, timeout)
	defer cancel()
	out, runErr := tr.RunCommand(runCtx, command)
	if runErr == nil {
		if i := strings.LastIndex(out, exitMarker); i >= 0 {
			r.logger.Debug().Str("test", t.RelPath()).Str("host", host).
				Str("code", strings.TrimSpace(out[i+len(exitMarker):])).Msg("Remote program finished")
		}
	}
	// Whatever was produced before a kill is still worth collating.
	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), time.Minute)
	defer fetchCancel()
	if err := r.sandboxes.Fetch(fetchCtx, t, tr, mirrored.Sandbox); err != nil {
		r.logger.Warn().Err(err).Str("test", t.RelPath()).Str("host", host).Msg("Failed to fetch remote sandbox")
		if runErr == nil {
			runErr = err
		}
	}
	removeEmptyOutput(t)
	if runErr != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return FromError(fmt.Errorf("%w: running on %s: %v", model.ErrInfrastructure, host, runErr))
	}
	return outcome(ctx, runCtx, t, timeout, nil)
}

// remoteVariables moves values naming the local sandbox onto the remote
// one.
func remoteVariables(vars map[string]string, local, remote string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = strings.ReplaceAll(v, local, remote)
	}
	return out
}

func remoteCommand(dir string, vars map[string]string, argv []string, input, app string) string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("cd " + shellescape.Quote(dir) + " && { env")
	for _, k := range names {
		b.WriteString(" " + shellescape.Quote(k+"="+vars[k]))
	}
	b.WriteString(" " + shellescape.QuoteCommand(argv))
	b.WriteString(" < " + shellescape.Quote(input))
	b.WriteString(" > " + shellescape.Quote("stdout."+app))
	b.WriteString(" 2> " + shellescape.Quote("stderr."+app))
	b.WriteString("; echo " + exitMarker + "$?; }")
	return b.String()
}
