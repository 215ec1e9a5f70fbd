package action

// This file contains running a named script in place of the program under
// test.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// ScriptRunner runs a shell script in each test's sandbox instead of the
// configured executable. The script sees the test's environment and its
// output is collected like the program's.
type ScriptRunner struct {
	logger   zerolog.Logger
	script   string
	hostname string
}

// NewScriptRunner returns a runner for script, a shell command line.
func NewScriptRunner(logger zerolog.Logger, script string) *ScriptRunner {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &ScriptRunner{logger: logger, script: script, hostname: host}
}

// Host implements Runner. Scripts always run here.
func (r *ScriptRunner) Host(_ *testtree.Test) string { return r.hostname }

// Run implements Runner.
func (r *ScriptRunner) Run(ctx context.Context, j *Job) Result {
	t := j.Test
	vars, err := testVariables(j)
	if err != nil {
		return FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
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

	timeout := time.Duration(t.App().Config.Int("kill_timeout")) * time.Second
	runCtx, cancel := withKillTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", r.script)
	cmd.Dir = t.Sandbox()
	cmd.Env = config.MergeEnv(os.Environ(), vars)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(terminateSignal) }
	cmd.WaitDelay = time.Duration(t.App().Config.Int("kill_grace_period")) * time.Second

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && runCtx.Err() == nil {
		r.logger.Debug().Str("test", t.RelPath()).Int("code", exitErr.ExitCode()).Msg("Script exited with non-zero status")
		err = nil
	}
	removeEmptyOutput(t)
	if err != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return Fail(model.ErrSetup, fmt.Sprintf("Failed to run script %q: %v", r.script, err))
	}
	return outcome(ctx, runCtx, t, timeout, nil)
}
