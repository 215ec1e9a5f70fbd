package dispatch

// This file contains the dispatcher running slaves as child processes of
// the master.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

// Local runs each slave as a child process.
type Local struct {
	logger   zerolog.Logger
	exe      string
	capacity int
	grace    time.Duration
	host     string
	procs    *processTable

	mu   sync.Mutex
	next int
}

// LocalOption configures a Local dispatcher.
type LocalOption func(*Local)

// WithExecutable sets the program slaves run, the current executable by
// default.
func WithExecutable(path string) LocalOption {
	return func(l *Local) {
		l.exe = path
	}
}

// WithCapacity overrides the number of CPUs as the capacity.
func WithCapacity(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithGracePeriod sets how long final cleanup waits for signalled slaves.
func WithGracePeriod(d time.Duration) LocalOption {
	return func(l *Local) {
		l.grace = d
	}
}

// NewLocal returns a dispatcher for child processes.
func NewLocal(logger zerolog.Logger, opts ...LocalOption) (*Local, error) {
	l := &Local{
		logger:   logger,
		capacity: runtime.NumCPU(),
		grace:    10 * time.Second,
		procs:    newProcessTable(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to find the texttest executable: %w", err)
		}
		l.exe = exe
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	l.host = host
	return l, nil
}

// Name implements Dispatcher.
func (l *Local) Name() string { return "local queue" }

// Submit implements Dispatcher.
func (l *Local) Submit(_ context.Context, sub Submission) (string, error) {
	l.mu.Lock()
	l.next++
	id := fmt.Sprintf("job%d", l.next)
	l.mu.Unlock()

	env := make(map[string]string, len(sub.Env)+1)
	for k, v := range sub.Env {
		env[k] = v
	}
	env[EnvJobID] = id

	// Slaves outlive the submitting call, so no context is attached.
	cmd := exec.Command(l.exe, sub.Args...)
	cmd.Dir = sub.LogDir
	cmd.Env = config.MergeEnv(os.Environ(), env)
	if err := l.procs.start(id, cmd, sub.LogDir, sub.Name, nil); err != nil {
		return "", fmt.Errorf("%w: failed to start slave process: %v", model.ErrSetup, err)
	}
	l.logger.Debug().Str("job", id).Str("name", sub.Name).Int("pid", cmd.Process.Pid).Msg("Submitted slave")
	return id, nil
}

// StatusForAll implements Dispatcher.
func (l *Local) StatusForAll() map[string]JobInfo {
	status := map[string]JobInfo{}
	for _, id := range l.procs.live() {
		status[id] = JobInfo{Status: model.JobRunning, Description: fmt.Sprintf("Running as pid %d", l.procs.pid(id))}
	}
	return status
}

// Kill implements Dispatcher.
func (l *Local) Kill(jobID string) bool {
	return l.procs.signal(jobID, killSignal)
}

// RecordPID implements PIDRecorder. Local slaves are signalled through
// their process handle, so the reported pid is only logged.
func (l *Local) RecordPID(jobID string, pid int) {
	l.logger.Debug().Str("job", jobID).Int("pid", pid).Msg("Slave started")
}

// Capacity implements Dispatcher.
func (l *Local) Capacity() int { return l.capacity }

// FailureInfo implements Dispatcher.
func (l *Local) FailureInfo(jobID string) string {
	return accountingInfo(l.host, l.procs.errors(jobID))
}

// Cleanup implements Dispatcher. Submission is synchronous, so it is
// always complete.
func (l *Local) Cleanup(final bool) bool {
	if final {
		for _, id := range l.procs.terminate(l.grace) {
			l.logger.Warn().Str("job", id).Msg("Slave did not exit within the grace period and was killed")
		}
	}
	return true
}
