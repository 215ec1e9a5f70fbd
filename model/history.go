package model

import "time"

// RunInfo describes one texttest invocation. It is written as runinfo.json
// at the root of the run directory.
type RunInfo struct {
	// Unique ID for this run (uuid)
	ID string `json:"id"`
	// Run descriptor, the first component of the run directory name
	Descriptor string `json:"descriptor"`
	// Timestamp when the run started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Applications loaded
	Apps []string `json:"apps"`
	// Version list applied
	Versions []string `json:"versions,omitempty"`
	// Batch session, if run in batch mode
	BatchSession string `json:"batch_session,omitempty"`
	// Exit code of the run
	ExitCode int `json:"exit_code"`
	// Duration of the run
	Duration time.Duration `json:"duration"`
	// Count of tests per terminal category
	Categories map[Category]int `json:"categories,omitempty"`
	// CI information, when run under Jenkins
	CI *CI `json:"ci,omitempty"`
	// Commit of the checkout given with -c
	Git *Git `json:"git,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash
	Commit string `json:"commit,omitempty"`
	// Git branch name
	Branch string `json:"branch,omitempty"`
}

// CI contains continuous integration information
type CI struct {
	// Jenkins job name
	JobName string `json:"job_name,omitempty"`
	// Jenkins build number
	BuildNumber string `json:"build_number,omitempty"`
	// Jenkins URL
	URL string `json:"url,omitempty"`
}

// Total returns the number of tests that reached a terminal category.
func (r RunInfo) Total() int {
	n := 0
	for _, c := range r.Categories {
		n += c
	}
	return n
}
