package model

// JobStatus is the status a dispatcher reports for one job.
type JobStatus string

const (
	JobPending JobStatus = "PEND"
	JobSync    JobStatus = "SYNCH"
	JobRunning JobStatus = "RUN"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "EXIT"
)

// JobRecord tracks one slave submission.
type JobRecord struct {
	// Identifier assigned by the dispatcher backend
	ID string `json:"id"`
	// Relative path of the test the job runs
	TestPath string `json:"test_path"`
	// Host the master submitted from
	SubmissionHost string `json:"submission_host,omitempty"`
	// Host the slave executes on
	ExecutionHost string `json:"execution_host,omitempty"`
	// Pid of the slave on the execution host, once reported
	RemotePID int `json:"remote_pid,omitempty"`
	// Pid of the local process (slave or relay), if any
	LocalPID int `json:"local_pid,omitempty"`
	// Terminal status, empty while the job is live
	Status JobStatus `json:"status,omitempty"`
}
