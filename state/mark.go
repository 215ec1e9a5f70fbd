package state

// This file contains marking a completed test with a category chosen by
// hand, and undoing it.

import (
	"fmt"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// Lifecycle changes of hand-made verdicts.
const (
	ChangeMarked   = "marked"
	ChangeUnmarked = "unmarked"
)

// IsMarked reports whether s is a mark placed over a completed state.
func IsMarked(s *model.TestState) bool {
	return s != nil && s.IsComplete() && s.LifecycleChange == ChangeMarked && s.OldState != nil
}

// Mark gives t's completed state the category and brief text a user chose.
// The completed state is kept so Unmark can restore it; marking a marked
// test replaces the mark.
func (r *Run) Mark(t *testtree.Test, category model.Category, brief, free string) error {
	current := t.State()
	if !current.IsComplete() {
		return fmt.Errorf("%s: %w: only completed tests can be marked", t.RelPath(), ErrTransition)
	}
	if !category.Valid() {
		return fmt.Errorf("%s: %w: unknown category %q", t.RelPath(), ErrTransition, category)
	}
	if IsMarked(current) {
		current = current.OldState
	}
	next := current.Clone()
	next.Category = category
	next.BriefText = brief
	next.FreeText = fmt.Sprintf("%s\n\nORIGINAL STATE:\nTest %s : %s\n %s", free, current.Category, current.BriefText, current.FreeText)
	next.LifecycleChange = ChangeMarked
	next.OldState = current
	return r.ChangeState(t, next)
}

// Unmark restores the state t had before it was marked.
func (r *Run) Unmark(t *testtree.Test) error {
	current := t.State()
	if !IsMarked(current) {
		return fmt.Errorf("%s: %w: test is not marked", t.RelPath(), ErrTransition)
	}
	restored := current.OldState.Clone()
	restored.LifecycleChange = ChangeUnmarked
	restored.OldState = current
	return r.ChangeState(t, restored)
}
