package dispatch

// Package dispatch launches slave processes, one per test, watches them and
// collects the states they report. A Dispatcher hides where slaves run: as
// child processes of the master, or on a pool of remote machines reached
// over ssh. The Master drives a Dispatcher and a Server, and the Responder
// is the slave's end of the conversation.

import (
	"context"
	"fmt"
	"strings"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// Environment variables passed to every slave.
const (
	EnvMasterAddr = "TEXTTEST_MASTER_ADDR"
	EnvJobID      = "TEXTTEST_JOB_ID"
)

// Submission describes one slave to launch.
type Submission struct {
	// Name identifies the job and names its log files
	Name string
	// Arguments to the texttest executable
	Args []string
	// Variables set for the slave in addition to the inherited ones
	Env map[string]string
	// Directory receiving <Name>.log and <Name>.errors
	LogDir string
	// Requirements on the machine, as tag=pattern
	Rules []string
	// Sandbox the slave writes into, brought back from remote machines
	Sandbox string
}

// JobInfo is the status of one live job.
type JobInfo struct {
	Status      model.JobStatus
	Description string
}

// Dispatcher launches and controls slaves.
type Dispatcher interface {
	// Name describes the dispatcher in messages, e.g. "local queue"
	Name() string
	// Submit launches a slave and returns its job id.
	Submit(ctx context.Context, sub Submission) (string, error)
	// StatusForAll returns every job that is still pending or running.
	// Jobs that have finished are absent.
	StatusForAll() map[string]JobInfo
	// Kill asks the job to terminate, reporting whether it was found.
	Kill(jobID string) bool
	// Capacity bounds how many slaves may run at once.
	Capacity() int
	// FailureInfo explains why a job ended without reporting.
	FailureInfo(jobID string) string
	// Cleanup releases resources, all of them when final is set, and
	// reports whether submission is complete.
	Cleanup(final bool) bool
}

// PIDRecorder is implemented by dispatchers that need the pid a slave
// reported to signal it.
type PIDRecorder interface {
	RecordPID(jobID string, pid int)
}

// JobName names the job running t, e.g. "Test-case_a.grp1-myapp".
func JobName(t *testtree.Test) string {
	parts := strings.Split(t.RelPath(), "/")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	name := "Test-" + strings.Join(parts, ".") + "-" + t.App().FullName()
	return strings.NewReplacer(":", "_", " ", "_").Replace(name)
}

func accountingInfo(host, text string) string {
	return fmt.Sprintf("---------- Full accounting info from %s ----------\n%s", host, text)
}
