package dispatch

// This file contains the table of child processes the local and pool
// dispatchers start: slaves themselves, or the ssh relays running them.

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

type process struct {
	cmd        *exec.Cmd
	errorsPath string
	done       chan struct{}
	err        error
}

// processTable is shared by the submission, polling and kill paths.
type processTable struct {
	mu    sync.Mutex
	procs map[string]*process
}

func newProcessTable() *processTable {
	return &processTable{procs: map[string]*process{}}
}

// start runs cmd with its output in logDir/<name>.log and .errors. after
// runs once the process has exited and before it is seen as finished.
func (pt *processTable) start(id string, cmd *exec.Cmd, logDir, name string, after func()) error {
	if logDir == "" {
		return errors.New("no log directory given")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	stdout, err := os.Create(filepath.Join(logDir, name+".log"))
	if err != nil {
		return err
	}
	errorsPath := filepath.Join(logDir, name+".errors")
	stderr, err := os.Create(errorsPath)
	if err != nil {
		stdout.Close()
		return err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p := &process{cmd: cmd, errorsPath: errorsPath, done: make(chan struct{})}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return err
	}
	pt.procs[id] = p
	go func() {
		p.err = cmd.Wait()
		stdout.Close()
		stderr.Close()
		if after != nil {
			after()
		}
		close(p.done)
	}()
	return nil
}

func (pt *processTable) get(id string) (*process, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.procs[id]
	return p, ok
}

func (p *process) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (pt *processTable) running(id string) bool {
	p, ok := pt.get(id)
	return ok && p.running()
}

// live returns the ids of processes that have not finished.
func (pt *processTable) live() []string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var ids []string
	for id, p := range pt.procs {
		if p.running() {
			ids = append(ids, id)
		}
	}
	return ids
}

// signal sends sig to a live process, reporting whether it was live.
func (pt *processTable) signal(id string, sig os.Signal) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.procs[id]
	if !ok || !p.running() {
		return false
	}
	return p.cmd.Process.Signal(sig) == nil
}

func (pt *processTable) pid(id string) int {
	p, ok := pt.get(id)
	if !ok {
		return 0
	}
	return p.cmd.Process.Pid
}

// errors returns what the process wrote to its standard error.
func (pt *processTable) errors(id string) string {
	p, ok := pt.get(id)
	if !ok {
		return ""
	}
	data, err := os.ReadFile(p.errorsPath)
	if err != nil {
		return ""
	}
	text := string(data)
	if !p.running() && p.err != nil {
		text += fmt.Sprintf("(exited with %v)\n", p.err)
	}
	return text
}

// terminate waits up to grace for every live process, then kills the rest.
// It returns the ids that had to be killed.
func (pt *processTable) terminate(grace time.Duration) []string {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	var killed []string
	for _, id := range pt.live() {
		p, _ := pt.get(id)
		if !expired {
			select {
			case <-p.done:
				continue
			case <-timer.C:
				expired = true
			}
		}
		if p.running() {
			_ = p.cmd.Process.Kill()
			<-p.done
			killed = append(killed, id)
		}
	}
	return killed
}
