package dispatch

// This file contains the slave's side: reporting to the master, and
// turning the dispatcher's kill signal into cancellation.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
	"github.com/perfgo/texttest/wire"
)

// SlaveContext returns a context cancelled when the dispatcher asks the
// slave to stop.
func SlaveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, slaveSignals...)
}

// RunningBrief is the brief text of the message announcing a started
// slave.
func RunningBrief(pid int, host string) string {
	return fmt.Sprintf("pid=%d host=%s", pid, host)
}

// parseRunning reads the pid and host back from a RunningBrief.
func parseRunning(brief string) (int, string, bool) {
	pid, host := 0, ""
	for _, field := range strings.Fields(brief) {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "pid":
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, "", false
			}
			pid = n
		case "host":
			host = value
		}
	}
	return pid, host, pid > 0
}

// Responder sends a slave's states to its master.
type Responder struct {
	logger  zerolog.Logger
	addr    string
	jobID   string
	timeout time.Duration
}

// NewResponder returns a responder reporting job jobID to the master at
// addr.
func NewResponder(logger zerolog.Logger, addr, jobID string) *Responder {
	return &Responder{logger: logger, addr: addr, jobID: jobID, timeout: 30 * time.Second}
}

// ResponderFromEnv builds the responder from the variables the dispatcher
// sets for the slave.
func ResponderFromEnv(logger zerolog.Logger, getenv func(string) string) (*Responder, error) {
	addr, jobID := getenv(EnvMasterAddr), getenv(EnvJobID)
	if addr == "" || jobID == "" {
		return nil, fmt.Errorf("%w: %s and %s must be set for a slave", model.ErrConfiguration, EnvMasterAddr, EnvJobID)
	}
	return NewResponder(logger.With().Str("job", jobID).Logger(), addr, jobID), nil
}

// JobID returns the job the responder reports for.
func (r *Responder) JobID() string { return r.jobID }

// AnnounceRunning tells the master the slave has started and where.
func (r *Responder) AnnounceRunning(ctx context.Context, t *testtree.Test) error {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return r.send(ctx, wire.Message{
		JobID:     r.jobID,
		RelPath:   t.RelPath(),
		Category:  string(model.PhaseRunning),
		BriefText: RunningBrief(os.Getpid(), host),
	})
}

// Report implements action.Reporter. The report is sent even when ctx has
// been cancelled by a kill.
func (r *Responder) Report(ctx context.Context, t *testtree.Test, s *model.TestState) error {
	return r.send(ctx, wire.FromState(r.jobID, t.RelPath(), s))
}

// Notify implements state.Observer, forwarding the filtering phases so the
// master can follow long comparisons.
func (r *Responder) Notify(t *testtree.Test, s *model.TestState) {
	if s.Phase != model.PhaseFilteringInitial && s.Phase != model.PhaseFilteringFinal {
		return
	}
	if err := r.send(context.Background(), wire.FromState(r.jobID, t.RelPath(), s)); err != nil {
		r.logger.Warn().Err(err).Str("test", t.RelPath()).Msg("Failed to report progress")
	}
}

func (r *Responder) send(ctx context.Context, m wire.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = r.timeout
	op := func() error {
		err := wire.Send(ctx, r.addr, m)
		if errors.Is(err, model.ErrProtocol) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Debug().Err(err).Dur("retry_in", next).Msg("Failed to reach master")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to report %s to %s: %w", m.Category, r.addr, err)
	}
	return nil
}
