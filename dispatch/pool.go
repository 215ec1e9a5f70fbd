package dispatch

// This file contains the dispatcher running slaves on a pool of remote
// machines. Each machine is synchronised once, then serves its own queue of
// jobs from one goroutine, starting an ssh relay per slave.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/perfgo/texttest/cli/ssh"
	"github.com/perfgo/texttest/model"
)

// Tree is a local directory mirrored below the remote root of every
// machine. Paths inside it are rewritten when passed to remote slaves.
type Tree struct {
	Local string
	// Name of the copy below the remote root
	Name string
	// Copy only what git tracks or would track
	Git bool
	// Created empty at startup; slaves write into it
	Output bool
}

// Pool runs slaves on claimed pool machines.
type Pool struct {
	logger      zerolog.Logger
	claimer     *Claimer
	user        string
	remoteRoot  string
	exe         string
	trees       []Tree
	sshOptions  []ssh.SSHOption
	grace       time.Duration
	pidRetries  int
	pidInterval time.Duration
	syncRetries int
	procs       *processTable
	workers     conc.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	machines []*machine
	released []*machine
	next     int
	closed   bool
}

type machine struct {
	Machine
	login      string
	client     *ssh.Client
	jobs       map[string]*poolJob
	queue      []*poolJob
	count      int
	synced     bool
	failure    string
	cancelSync context.CancelFunc
	stopped    bool
}

type poolJob struct {
	id        string
	sub       Submission
	pid       int
	started   bool
	finished  bool
	cancelled bool
	failure   string
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithUser sets the login user on pool machines.
func WithUser(user string) PoolOption {
	return func(p *Pool) {
		p.user = user
	}
}

// WithRemoteRoot sets the directory on each machine holding the mirrored
// trees and the texttest executable.
func WithRemoteRoot(dir string) PoolOption {
	return func(p *Pool) {
		p.remoteRoot = dir
	}
}

// WithPoolExecutable sets the texttest executable copied to each machine.
func WithPoolExecutable(path string) PoolOption {
	return func(p *Pool) {
		p.exe = path
	}
}

// WithTrees sets the directories mirrored on each machine.
func WithTrees(trees ...Tree) PoolOption {
	return func(p *Pool) {
		p.trees = append(p.trees, trees...)
	}
}

// WithSSHOptions configures the connections to pool machines.
func WithSSHOptions(opts ...ssh.SSHOption) PoolOption {
	return func(p *Pool) {
		p.sshOptions = append(p.sshOptions, opts...)
	}
}

// WithRelayGracePeriod sets how long final cleanup waits for relays.
func WithRelayGracePeriod(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.grace = d
	}
}

// WithPIDLookup sets how often, and how far apart, a kill looks for the
// pid of a slave that has not reported it yet.
func WithPIDLookup(attempts int, interval time.Duration) PoolOption {
	return func(p *Pool) {
		if attempts < 1 {
			attempts = 1
		}
		p.pidRetries = attempts
		p.pidInterval = interval
	}
}

// NewPool claims machines matching rules, up to maxCapacity cores, and
// starts synchronising them.
func NewPool(ctx context.Context, logger zerolog.Logger, claimer *Claimer, rules []string, maxCapacity int, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		logger:      logger,
		claimer:     claimer,
		user:        "ec2-user",
		remoteRoot:  ".texttest/pool",
		grace:       10 * time.Second,
		pidRetries:  10,
		pidInterval: time.Second,
		syncRetries: 5,
		procs:       newProcessTable(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	if p.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to find the texttest executable: %w", err)
		}
		p.exe = exe
	}
	sort.SliceStable(p.trees, func(i, j int) bool {
		return len(p.trees[i].Local) > len(p.trees[j].Local)
	})

	claimed, others, err := claimer.Claim(ctx, rules, maxCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to claim pool machines: %v", model.ErrInfrastructure, err)
	}
	if len(claimed) == 0 {
		if len(others) > 0 {
			return nil, fmt.Errorf("%w: every pool machine matching %s is in use by %s",
				model.ErrInfrastructure, strings.Join(rules, ","), strings.Join(others, ", "))
		}
		return nil, fmt.Errorf("%w: no pool machines match %s", model.ErrInfrastructure, strings.Join(rules, ","))
	}

	for _, mc := range claimed {
		m := &machine{
			Machine: mc,
			login:   p.user + "@" + mc.Address,
			jobs:    map[string]*poolJob{},
		}
		client, err := ssh.New(logger.With().Str("machine", m.login).Logger(), m.login, p.sshOptions...)
		if err != nil {
			m.failure = fmt.Sprintf("Failed to connect to pool machine %s\n(%v)\n", m.login, err)
		}
		m.client = client
		p.machines = append(p.machines, m)
		p.logger.Info().Str("machine", m.login).Int("cores", m.Cores()).Msg("Claimed pool machine")
		p.workers.Go(func() { p.serve(m) })
	}
	return p, nil
}

// Name implements Dispatcher.
func (p *Pool) Name() string { return "pool" }

// Owner returns the tag marking the claimed machines.
func (p *Pool) Owner() string { return p.claimer.Owner() }

func (p *Pool) remoteExecutable() string {
	return path.Join(p.remoteRoot, "bin", "texttest")
}

func (p *Pool) remoteTree(t Tree) string {
	return path.Join(p.remoteRoot, t.Name)
}

// remotePath rewrites local tree paths in s to their remote copies.
func (p *Pool) remotePath(s string) string {
	for _, t := range p.trees {
		if t.Local != "" && strings.Contains(s, t.Local) {
			return strings.ReplaceAll(s, t.Local, p.remoteTree(t))
		}
	}
	return s
}

func (p *Pool) retry(ctx context.Context, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(p.syncRetries-1))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// synchronize prepares m for slaves: the same platform, the mirrored
// trees and the texttest executable.
func (p *Pool) synchronize(ctx context.Context, m *machine) error {
	goos, arch, err := m.client.DetectSystem(ctx)
	if err != nil {
		return err
	}
	if goos != runtime.GOOS || arch != runtime.GOARCH {
		return fmt.Errorf("machine runs %s/%s but texttest was built for %s/%s", goos, arch, runtime.GOOS, runtime.GOARCH)
	}
	dirs := []string{shellescape.Quote(path.Dir(p.remoteExecutable()))}
	for _, t := range p.trees {
		if t.Output {
			dirs = append(dirs, shellescape.Quote(p.remoteTree(t)))
		}
	}
	if _, err := m.client.RunCommand(ctx, "mkdir -p "+strings.Join(dirs, " ")); err != nil {
		return fmt.Errorf("failed to create remote directories: %w", err)
	}
	for _, t := range p.trees {
		if t.Output {
			continue
		}
		err := p.retry(ctx, func() error {
			if t.Git {
				return m.client.SyncGitTree(ctx, t.Local, p.remoteTree(t))
			}
			return m.client.SyncToRemote(ctx, t.Local, p.remoteTree(t))
		})
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", t.Local, err)
		}
	}
	return p.retry(ctx, func() error {
		return m.client.CopyFile(ctx, p.exe, p.remoteExecutable())
	})
}

// serve is the goroutine owning m: it synchronises the machine, then
// starts its queued jobs in order.
func (p *Pool) serve(m *machine) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	m.cancelSync = cancel
	failed := m.failure != ""
	p.mu.Unlock()

	var err error
	if !failed {
		p.logger.Info().Str("machine", m.login).Msg("Synchronising pool machine")
		err = p.synchronize(ctx, m)
	}
	cancel()

	p.mu.Lock()
	if err != nil && m.failure == "" {
		m.failure = fmt.Sprintf("Failed to synchronise files with pool machine %s\n"+
			"Start an ssh-agent holding the key for this machine before starting texttest.\n\n(%v)\n", m.login, err)
	}
	m.synced = m.failure == ""
	if !m.synced {
		m.stopped = true
		p.mu.Unlock()
		p.logger.Error().Str("machine", m.login).Msg("Pool machine failed to synchronise, its jobs will fail")
		return
	}
	p.mu.Unlock()

	for {
		job := p.take(m)
		if job == nil {
			break
		}
		p.launch(m, job)
	}
	p.mu.Lock()
	m.stopped = true
	p.mu.Unlock()
	p.logger.Debug().Str("machine", m.login).Msg("No more jobs for pool machine")
}

// take waits for m's next job, returning nil once the pool is closed and
// the queue is empty.
func (p *Pool) take(m *machine) *poolJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(m.queue) > 0 {
			job := m.queue[0]
			m.queue = m.queue[1:]
			if !job.cancelled {
				return job
			}
		}
		if p.closed {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) launch(m *machine, job *poolJob) {
	cmd := m.client.Command(context.Background(), p.remoteCommand(job))
	after := func() {
		p.fetch(m, job)
		p.mu.Lock()
		job.finished = true
		p.mu.Unlock()
	}
	err := p.procs.start(job.id, cmd, job.sub.LogDir, job.sub.Name, after)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		job.finished = true
		job.failure = fmt.Sprintf("Failed to start ssh relay to %s: %v\n", m.login, err)
		return
	}
	job.started = true
	p.logger.Debug().Str("job", job.id).Str("machine", m.login).Msg("Started slave")
}

// remoteCommand runs the slave for job on the remote machine.
func (p *Pool) remoteCommand(job *poolJob) string {
	env := map[string]string{EnvJobID: job.id}
	for k, v := range job.sub.Env {
		env[k] = p.remotePath(v)
	}
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	argv := []string{p.remoteExecutable()}
	for _, a := range job.sub.Args {
		argv = append(argv, p.remotePath(a))
	}
	var b strings.Builder
	b.WriteString("exec env")
	for _, k := range names {
		b.WriteString(" " + shellescape.Quote(k+"="+env[k]))
	}
	b.WriteString(" " + shellescape.QuoteCommand(argv))
	return b.String()
}

// fetch brings the job's sandbox back from the machine.
func (p *Pool) fetch(m *machine, job *poolJob) {
	local := job.sub.Sandbox
	if local == "" {
		return
	}
	remote := p.remotePath(local)
	if remote == local {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.client.SyncFromRemote(ctx, remote, local); err != nil {
		p.logger.Warn().Err(err).Str("job", job.id).Str("machine", m.login).Msg("Failed to fetch sandbox")
	}
}

func (p *Pool) active(m *machine) int {
	n := 0
	for _, job := range m.jobs {
		if !job.cancelled && !job.finished {
			n++
		}
	}
	return n
}

// pick returns the next machine after the last one used that has room and
// matches rules.
func (p *Pool) pick(rules []string) *machine {
	n := len(p.machines)
	for i := 0; i < n; i++ {
		m := p.machines[(p.next+i)%n]
		if m.failure != "" || p.active(m) >= m.Cores() || !m.Matches(rules) {
			continue
		}
		p.next = (p.next + i + 1) % n
		return m
	}
	return nil
}

// Submit implements Dispatcher.
func (p *Pool) Submit(_ context.Context, sub Submission) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("%w: pool no longer accepts jobs", model.ErrInfrastructure)
	}
	m := p.pick(sub.Rules)
	if m == nil {
		for _, m := range p.machines {
			if m.failure == "" {
				return "", fmt.Errorf("%w: no pool machine has room for %s", model.ErrInfrastructure, sub.Name)
			}
		}
		return "", fmt.Errorf("%w: no more available machines to submit jobs to, existing jobs have failed", model.ErrInfrastructure)
	}
	id := fmt.Sprintf("job%d_%s", m.count, m.Address)
	m.count++
	job := &poolJob{id: id, sub: sub}
	m.jobs[id] = job
	m.queue = append(m.queue, job)
	p.cond.Broadcast()
	return id, nil
}

// StatusForAll implements Dispatcher.
func (p *Pool) StatusForAll() map[string]JobInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := map[string]JobInfo{}
	for _, m := range p.machines {
		if m.failure != "" {
			continue
		}
		for id, job := range m.jobs {
			switch {
			case job.cancelled || job.finished:
			case !m.synced:
				status[id] = JobInfo{Status: model.JobSync, Description: "Synchronizing data with " + m.login}
			case !job.started:
				status[id] = JobInfo{Status: model.JobPending, Description: "Waiting for " + m.login}
			default:
				status[id] = JobInfo{Status: model.JobRunning, Description: "Running on " + m.login}
			}
		}
	}
	return status
}

func (p *Pool) find(jobID string) (*machine, *poolJob) {
	for _, ms := range [][]*machine{p.machines, p.released} {
		for _, m := range ms {
			if job, ok := m.jobs[jobID]; ok {
				return m, job
			}
		}
	}
	return nil, nil
}

// RecordPID implements PIDRecorder.
func (p *Pool) RecordPID(jobID string, pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, job := p.find(jobID); job != nil {
		job.pid = pid
	}
}

// Kill implements Dispatcher. ssh does not forward signals, so a running
// slave is signalled on its machine by pid, once it has reported one.
func (p *Pool) Kill(jobID string) bool {
	p.mu.Lock()
	m, job := p.find(jobID)
	if job == nil || job.finished || job.cancelled {
		p.mu.Unlock()
		return false
	}
	if !job.started {
		if !m.synced && m.failure == "" && m.cancelSync != nil {
			m.failure = "Terminated test during file synchronisation\n"
			m.cancelSync()
		}
		job.cancelled = true
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()
	p.workers.Go(func() { p.killRemote(m, job) })
	return true
}

var errNoPID = errors.New("slave has not reported its pid")

func (p *Pool) killRemote(m *machine, job *poolJob) {
	var pid int
	lookup := func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		pid = job.pid
		if pid == 0 {
			return errNoPID
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.pidInterval), uint64(p.pidRetries-1))
	if err := backoff.Retry(lookup, b); err != nil {
		p.logger.Warn().Str("job", job.id).Str("machine", m.login).Msg("Slave never reported its pid, terminating the relay")
		p.procs.signal(job.id, os.Kill)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.client.RunCommand(ctx, fmt.Sprintf("kill -USR2 %d", pid)); err != nil {
		p.logger.Warn().Err(err).Str("job", job.id).Int("pid", pid).Msg("Failed to signal remote slave, terminating the relay")
		p.procs.signal(job.id, os.Kill)
		return
	}
	p.logger.Debug().Str("job", job.id).Int("pid", pid).Str("machine", m.login).Msg("Signalled remote slave")
}

// Capacity implements Dispatcher.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.machines {
		if m.failure == "" {
			n += m.Cores()
		}
	}
	return n
}

// FailureInfo implements Dispatcher.
func (p *Pool) FailureInfo(jobID string) string {
	p.mu.Lock()
	m, job := p.find(jobID)
	if job == nil {
		p.mu.Unlock()
		return ""
	}
	text := m.failure + job.failure
	login := m.login
	p.mu.Unlock()
	return accountingInfo(login, text+p.procs.errors(jobID))
}

// Cleanup implements Dispatcher. It is only called once every job has been
// submitted: the queues are closed, and machines with nothing left to do
// are released. Final cleanup releases every machine.
func (p *Pool) Cleanup(final bool) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}
	var release, keep []*machine
	for _, m := range p.machines {
		if final || (m.stopped && p.active(m) == 0) {
			release = append(release, m)
		} else {
			keep = append(keep, m)
		}
	}
	p.machines = keep
	p.released = append(p.released, release...)
	p.mu.Unlock()

	if final {
		for _, id := range p.procs.terminate(p.grace) {
			p.logger.Warn().Str("job", id).Msg("Relay did not exit within the grace period and was killed")
		}
		p.workers.Wait()
	}
	if len(release) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		machines := make([]Machine, len(release))
		for i, m := range release {
			machines[i] = m.Machine
		}
		p.claimer.Release(ctx, machines)
		for _, m := range release {
			if m.client != nil {
				m.client.Close()
			}
		}
	}
	return final || len(keep) == 0
}
