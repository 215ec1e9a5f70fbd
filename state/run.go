package state

// Package state owns the lifecycle of a test: the single entry point through
// which states change, the observers told about each change, the teststate
// file a completed state is persisted to and the exit code derived from the
// categories a run produced.

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

var (
	// ErrTransition is returned for a state change the lifecycle forbids.
	ErrTransition = errors.New("invalid state transition")
	// ErrReentrant is returned when an observer tries to change state while
	// a notification is being delivered.
	ErrReentrant = errors.New("state changed from inside an observer")
)

// Observer is told about every state change of every test.
type Observer interface {
	Notify(t *testtree.Test, s *model.TestState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t *testtree.Test, s *model.TestState)

// Notify calls f.
func (f ObserverFunc) Notify(t *testtree.Test, s *model.TestState) {
	f(t, s)
}

// Run is the context shared by all actions of one invocation. State changes
// and notifications happen on the goroutine that owns the Run.
type Run struct {
	logger     zerolog.Logger
	observers  []Observer
	delivering bool
}

// NewRun returns an empty run context.
func NewRun(logger zerolog.Logger) *Run {
	return &Run{logger: logger}
}

// AddObserver registers o. Observers are notified in registration order.
func (r *Run) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// ChangeState validates next against t's current state, stores it and
// notifies every observer exactly once.
func (r *Run) ChangeState(t *testtree.Test, next *model.TestState) error {
	if r.delivering {
		return ErrReentrant
	}
	if err := checkTransition(t.State(), next); err != nil {
		return fmt.Errorf("%s: %w", t.RelPath(), err)
	}
	t.SetState(next)
	r.logger.Debug().
		Str("test", t.RelPath()).
		Str("phase", string(next.Phase)).
		Str("category", string(next.Category)).
		Str("change", next.LifecycleChange).
		Msg("State changed")
	r.notify(t, next)
	return nil
}

// Restart puts t back to NotStarted for a rerun, notifying observers.
func (r *Run) Restart(t *testtree.Test, reason string) error {
	if r.delivering {
		return ErrReentrant
	}
	s := model.NotStarted()
	s.LifecycleChange = reason
	t.SetState(s)
	r.notify(t, s)
	return nil
}

func (r *Run) notify(t *testtree.Test, s *model.TestState) {
	r.delivering = true
	defer func() { r.delivering = false }()
	for _, o := range r.observers {
		r.deliver(o, t, s)
	}
}

func (r *Run) deliver(o Observer, t *testtree.Test, s *model.TestState) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("test", t.RelPath()).
				Interface("panic", p).
				Msg("Observer failed")
		}
	}()
	o.Notify(t, s)
}

func checkTransition(current, next *model.TestState) error {
	if next == nil || !next.Phase.Known() {
		return fmt.Errorf("%w: unknown phase", ErrTransition)
	}
	if next.IsComplete() && !next.Category.Valid() {
		return fmt.Errorf("%w: complete state without a valid category %q", ErrTransition, next.Category)
	}
	if current.IsComplete() {
		if !next.IsComplete() {
			return fmt.Errorf("%w: %s after complete", ErrTransition, next.Phase)
		}
		if next.OldState == nil {
			return fmt.Errorf("%w: completed state replaced without keeping it", ErrTransition)
		}
		return nil
	}
	if next.Phase.Before(current.Phase) {
		return fmt.Errorf("%w: %s after %s", ErrTransition, next.Phase, current.Phase)
	}
	return nil
}
