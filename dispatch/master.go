package dispatch

// This file contains the master's loop: submitting a slave per test within
// the dispatcher's capacity, following the slaves' reports and polling the
// dispatcher for slaves that ended without one.

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
	"github.com/perfgo/texttest/wire"
)

// Master runs tests through slaves. All state changes happen on the
// goroutine calling Run.
type Master struct {
	logger        zerolog.Logger
	dispatcher    Dispatcher
	states        *state.Run
	server        *Server
	submission    func(t *testtree.Test) Submission
	pollInterval  time.Duration
	killTimeout   time.Duration
	grace         time.Duration
	maxCapacity   int
	advertiseHost string
	host          string
	now           func() time.Time
}

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithPollInterval sets the time between status polls.
func WithPollInterval(d time.Duration) MasterOption {
	return func(m *Master) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithKillTimeout sets the wall-clock limit of a slave after it started,
// zero for none.
func WithKillTimeout(d time.Duration) MasterOption {
	return func(m *Master) {
		m.killTimeout = d
	}
}

// WithQuitGracePeriod sets how long a quit waits for killed slaves to
// report.
func WithQuitGracePeriod(d time.Duration) MasterOption {
	return func(m *Master) {
		m.grace = d
	}
}

// WithMaxCapacity caps the number of slaves below the dispatcher's own
// capacity.
func WithMaxCapacity(n int) MasterOption {
	return func(m *Master) {
		m.maxCapacity = n
	}
}

// WithAdvertiseHost sets the host slaves use to reach the master.
func WithAdvertiseHost(host string) MasterOption {
	return func(m *Master) {
		m.advertiseHost = host
	}
}

// NewMaster returns a master submitting through dispatcher and listening
// on server. submission describes the slave for a test; the master adds
// its own address to the environment.
func NewMaster(logger zerolog.Logger, dispatcher Dispatcher, states *state.Run, server *Server, submission func(t *testtree.Test) Submission, opts ...MasterOption) *Master {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	m := &Master{
		logger:        logger,
		dispatcher:    dispatcher,
		states:        states,
		server:        server,
		submission:    submission,
		pollInterval:  time.Second,
		grace:         10 * time.Second,
		advertiseHost: "127.0.0.1",
		host:          host,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type job struct {
	test      *testtree.Test
	record    model.JobRecord
	submitted time.Time
	started   time.Time
	report    *wire.Message
	// Why the master killed the job, empty if it did not
	killed string
}

// Address returns the host:port slaves report to.
func (m *Master) Address() string {
	return net.JoinHostPort(m.advertiseHost, strconv.Itoa(m.server.Port()))
}

func (m *Master) capacity() int {
	c := m.dispatcher.Capacity()
	if m.maxCapacity > 0 && m.maxCapacity < c {
		c = m.maxCapacity
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Run submits every test and returns once each has a complete state. When
// ctx is cancelled the slaves are killed and given the grace period to
// report, and Run returns ctx's error.
func (m *Master) Run(ctx context.Context, tests []*testtree.Test) error {
	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go m.server.Serve(serveCtx)

	pending := append([]*testtree.Test(nil), tests...)
	active := map[string]*job{}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for len(pending) > 0 || len(active) > 0 {
		if ctx.Err() != nil {
			m.quit(active, pending, ticker)
			m.dispatcher.Cleanup(true)
			return ctx.Err()
		}
		for len(pending) > 0 && len(active) < m.capacity() {
			t := pending[0]
			pending = pending[1:]
			m.submit(ctx, t, active)
		}
		if len(active) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case msg := <-m.server.Messages():
			m.receive(msg, active)
		case <-ticker.C:
			m.poll(active)
			if len(pending) == 0 && !m.dispatcher.Cleanup(false) {
				m.logger.Debug().Int("jobs", len(active)).Msg("Waiting for remaining slaves")
			}
		}
	}
	m.dispatcher.Cleanup(true)
	return nil
}

func (m *Master) submit(ctx context.Context, t *testtree.Test, active map[string]*job) {
	sub := m.submission(t)
	env := map[string]string{}
	for k, v := range sub.Env {
		env[k] = v
	}
	env[EnvMasterAddr] = m.Address()
	sub.Env = env
	if sub.Name == "" {
		sub.Name = JobName(t)
	}

	id, err := m.dispatcher.Submit(ctx, sub)
	if err != nil {
		m.logger.Error().Err(err).Str("test", t.RelPath()).Msg("Failed to submit slave")
		m.complete(t, &model.TestState{
			Category:  model.CategoryUnrunnable,
			BriefText: "Failed to submit to " + m.dispatcher.Name(),
			FreeText:  err.Error() + "\n",
		})
		return
	}
	active[id] = &job{
		test:      t,
		record:    model.JobRecord{ID: id, TestPath: t.RelPath(), SubmissionHost: m.host},
		submitted: m.now(),
	}
	m.logger.Info().Str("test", t.RelPath()).Str("job", id).Msg("Submitted test")
}

func (m *Master) receive(msg wire.Message, active map[string]*job) {
	j, ok := active[msg.JobID]
	if !ok || j.report != nil {
		m.logger.Debug().Str("job", msg.JobID).Str("category", msg.Category).Msg("Ignoring report for finished job")
		return
	}
	if msg.Complete() {
		// Applied once the job has gone, so that remote sandboxes are back.
		j.report = &msg
		return
	}
	s := msg.State()
	if s.Phase == model.PhaseRunning {
		now := m.now()
		j.started = now
		s.Started = &now
		s.BriefText = ""
		if pid, host, ok := parseRunning(msg.BriefText); ok {
			j.record.RemotePID = pid
			j.record.ExecutionHost = host
			s.ExecutionHosts = []string{host}
			if rec, ok := m.dispatcher.(PIDRecorder); ok {
				rec.RecordPID(msg.JobID, pid)
			}
		} else {
			m.logger.Warn().Str("job", msg.JobID).Str("brief", msg.BriefText).Msg("Running report without a pid")
		}
	} else if current := j.test.State(); len(current.ExecutionHosts) > 0 {
		s.Started = current.Started
		s.ExecutionHosts = current.ExecutionHosts
	}
	if !j.test.State().Phase.Before(s.Phase) {
		return
	}
	if err := m.states.ChangeState(j.test, s); err != nil {
		m.logger.Error().Err(err).Str("test", j.test.RelPath()).Msg("Failed to apply slave report")
	}
}

// poll finishes the jobs the dispatcher no longer knows and kills those
// over their time limit.
func (m *Master) poll(active map[string]*job) {
	statuses := m.dispatcher.StatusForAll()
	// A slave's report is handed over before it exits, so reports for
	// every job missing from statuses are queued by now.
	m.drain(active)

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		j := active[id]
		if info, ok := statuses[id]; ok {
			j.record.Status = info.Status
			m.checkTimeout(id, j)
			continue
		}
		delete(active, id)
		m.finish(id, j)
	}
}

func (m *Master) drain(active map[string]*job) {
	for {
		select {
		case msg := <-m.server.Messages():
			m.receive(msg, active)
		default:
			return
		}
	}
}

func (m *Master) checkTimeout(id string, j *job) {
	if m.killTimeout <= 0 || j.killed != "" || j.report != nil || j.started.IsZero() {
		return
	}
	if m.now().Sub(j.started) < m.killTimeout {
		return
	}
	j.killed = fmt.Sprintf("it exceeded the wallclock time limit of %d seconds", int(m.killTimeout.Seconds()))
	m.logger.Warn().Str("test", j.test.RelPath()).Str("job", id).Msg("Killing slave over its time limit")
	m.dispatcher.Kill(id)
}

// finish gives a job that has gone its complete state.
func (m *Master) finish(id string, j *job) {
	if j.report != nil {
		m.complete(j.test, m.reportedState(j))
		return
	}

	var s *model.TestState
	switch {
	case j.killed != "" && j.started.IsZero():
		at := m.now().Format("15:04")
		s = &model.TestState{
			Category:  model.CategoryCancelled,
			BriefText: "cancelled pending job at " + at,
			FreeText:  fmt.Sprintf("Test job %s was cancelled (while still pending in %s) at %s\n", id, m.dispatcher.Name(), at),
		}
	case !j.started.IsZero():
		s = &model.TestState{Category: model.CategoryKilled, BriefText: "no report, possibly killed with SIGKILL"}
	default:
		s = &model.TestState{Category: model.CategoryUnrunnable, BriefText: m.dispatcher.Name() + " job exited"}
	}
	if s.FreeText == "" {
		s.FreeText = s.BriefText + "\n"
		if j.killed != "" {
			s.FreeText += "The slave was killed because " + j.killed + "\n"
		}
		s.FreeText += m.dispatcher.FailureInfo(id)
	}
	m.logger.Warn().Str("test", j.test.RelPath()).Str("job", id).Str("brief", s.BriefText).Msg("Slave ended without reporting")
	m.complete(j.test, s)
}

// reportedState prefers the full state the slave saved in the sandbox to
// the abbreviated one it sent.
func (m *Master) reportedState(j *job) *model.TestState {
	reported := j.report.State()
	saved, err := state.Load(state.Path(j.test))
	if err == nil && saved.IsComplete() && string(saved.Category) == j.report.Category {
		return saved
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("test", j.test.RelPath()).Msg("Using the reported state")
	}
	if current := j.test.State(); len(reported.ExecutionHosts) == 0 {
		reported.Started = current.Started
		reported.ExecutionHosts = current.ExecutionHosts
	}
	return reported
}

func (m *Master) complete(t *testtree.Test, s *model.TestState) {
	s.Phase = model.PhaseComplete
	if s.LifecycleChange == "" || s.LifecycleChange == "reported" {
		s.LifecycleChange = "complete"
	}
	if s.Completed == nil {
		now := m.now()
		s.Completed = &now
	}
	if current := t.State(); current.IsComplete() && s.OldState == nil {
		s.OldState = current
	}
	if err := m.states.ChangeState(t, s); err != nil {
		m.logger.Error().Err(err).Str("test", t.RelPath()).Msg("Failed to complete test")
	}
}

// quit cancels the tests not yet submitted, kills every slave and waits up
// to the grace period for their reports.
func (m *Master) quit(active map[string]*job, pending []*testtree.Test, ticker *time.Ticker) {
	m.logger.Warn().Int("jobs", len(active)).Int("pending", len(pending)).Msg("Quitting, killing slaves")
	for _, t := range pending {
		m.complete(t, &model.TestState{
			Category:  model.CategoryCancelled,
			BriefText: "cancelled",
			FreeText:  "Test was cancelled before it was submitted\n",
		})
	}
	for id, j := range active {
		if j.report == nil {
			j.killed = "the run was quit"
			m.dispatcher.Kill(id)
		}
	}

	deadline := time.NewTimer(m.grace)
	defer deadline.Stop()
	for len(active) > 0 {
		select {
		case msg := <-m.server.Messages():
			m.receive(msg, active)
		case <-ticker.C:
			m.poll(active)
		case <-deadline.C:
			ids := make([]string, 0, len(active))
			for id := range active {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				j := active[id]
				m.logger.Warn().Str("test", j.test.RelPath()).Str("job", id).Msg("Slave did not report within the grace period")
				if j.report != nil {
					m.complete(j.test, m.reportedState(j))
					continue
				}
				m.complete(j.test, &model.TestState{
					Category:  model.CategoryKilled,
					BriefText: "KILLED",
					FreeText:  "Test was still running when texttest was quit\n",
				})
			}
			return
		}
	}
}
