package compare

// Package compare pairs a test's approved files with the files its run
// generated, filters both sides and records the result as an ordered list
// of file comparisons carried by the test's state.

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/filter"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

const defaultPriority = 99

// Comparator builds file comparisons for tests.
type Comparator struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Comparator.
func New(logger zerolog.Logger) *Comparator {
	return &Comparator{logger: logger, now: time.Now}
}

// GeneratedFiles maps each stem generated in the sandbox to its path. Only
// files named exactly <stem>.<app> count; filtered forms and framework
// files are skipped.
func GeneratedFiles(t *testtree.Test) (map[string]string, error) {
	entries, err := os.ReadDir(t.Sandbox())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		vf, ok := config.ParseVersionedName(e.Name(), t.App().Name)
		if !ok || len(vf.Versions) > 0 || config.FrameworkStems[vf.Stem] {
			continue
		}
		out[vf.Stem] = filepath.Join(t.Sandbox(), e.Name())
	}
	return out, nil
}

// FindAndCompare compares every stem that has an approved or a generated
// file, plus the application's log stem, and returns the completed state.
// previous supplies execution hosts and start time.
func (c *Comparator) FindAndCompare(t *testtree.Test, previous *model.TestState) (*model.TestState, error) {
	approved, err := t.ApprovedFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list approved files: %v", model.ErrCompare, err)
	}
	generated, err := GeneratedFiles(t)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list generated files: %v", model.ErrCompare, err)
	}
	stems := map[string]bool{}
	for s := range approved {
		stems[s] = true
	}
	for s := range generated {
		stems[s] = true
	}
	if logStem := t.App().Config.String("log_file"); logStem != "" {
		stems[logStem] = true
	}

	pipeline := filter.NewPipeline(c.logger, t.App().Config, t.App().Name, t.RelPath())
	var comparisons []model.FileComparison
	for stem := range stems {
		comp, err := c.compareStem(t, pipeline, stem, approved[stem], generated[stem])
		if err != nil {
			return nil, err
		}
		comparisons = append(comparisons, comp)
	}
	Sort(comparisons)

	state := &model.TestState{
		Phase:           model.PhaseComplete,
		LifecycleChange: "complete",
		Comparisons:     comparisons,
	}
	if previous != nil {
		state.ExecutionHosts = append([]string(nil), previous.ExecutionHosts...)
		state.Started = previous.Started
	}
	completed := c.now()
	state.Completed = &completed
	Categorise(state)
	return state, nil
}

func (c *Comparator) compareStem(t *testtree.Test, pipeline *filter.Pipeline, stem, approved, generated string) (model.FileComparison, error) {
	cfg := t.App().Config
	comp := model.FileComparison{
		Stem:            stem,
		ApprovedFile:    approved,
		GeneratedFile:   generated,
		Severity:        cfg.CompositeInt("failure_severity", stem, defaultPriority),
		DisplayPriority: cfg.CompositeInt("failure_display_priority", stem, defaultPriority),
		Binary:          cfg.MatchesAny("binary_file", stem),
	}
	if err := c.refresh(t, pipeline, &comp); err != nil {
		return comp, err
	}
	c.logger.Debug().
		Str("test", t.RelPath()).
		Str("stem", stem).
		Str("kind", string(comp.Kind())).
		Bool("different", comp.Different).
		Msg("Compared file")
	return comp, nil
}

// refresh brings the filtered forms up to date, recomputes the difference
// cache and rebuilds the preview.
func (c *Comparator) refresh(t *testtree.Test, pipeline *filter.Pipeline, comp *model.FileComparison) error {
	comp.FilteredApproved = comp.ApprovedFile
	comp.FilteredGenerated = comp.GeneratedFile
	if !comp.Binary {
		if comp.ApprovedFile != "" {
			path, err := pipeline.FilterApproved(comp.Stem, comp.ApprovedFile, t.Sandbox())
			if err != nil {
				return fmt.Errorf("%w: %v", model.ErrSetup, err)
			}
			comp.FilteredApproved = path
		}
		if comp.GeneratedFile != "" {
			path, err := pipeline.FilterGenerated(comp.Stem, comp.GeneratedFile, t.Sandbox(), comp.FilteredApproved)
			if err != nil {
				return fmt.Errorf("%w: %v", model.ErrSetup, err)
			}
			comp.FilteredGenerated = path
		}
	}
	comp.Different = false
	if comp.Kind() == model.ComparisonBoth {
		equal, err := sameContents(comp.FilteredApproved, comp.FilteredGenerated)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrCompare, err)
		}
		comp.Different = !equal
	}
	comp.ComputedAt = c.now()
	comp.Preview = ""
	if comp.HasDifferences() {
		comp.Preview = buildPreview(t, *comp)
	}
	return nil
}

func sameContents(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

// Sort orders comparisons by display priority, highest first, then by stem.
func Sort(comparisons []model.FileComparison) {
	sort.SliceStable(comparisons, func(i, j int) bool {
		a, b := comparisons[i], comparisons[j]
		if a.DisplayPriority != b.DisplayPriority {
			return a.DisplayPriority > b.DisplayPriority
		}
		return a.Stem < b.Stem
	})
}

// Categorise sets the category, brief text and free text of a complete
// state from its comparisons. The most severe differing comparison decides:
// severity 1 is a failure, anything else still counts as success but keeps
// the summary as brief text.
func Categorise(state *model.TestState) {
	failed := state.FailedComparisons()
	if len(failed) == 0 {
		state.Category = model.CategorySuccess
		state.BriefText = ""
		state.FreeText = ""
		return
	}
	worst := failed[0]
	for _, c := range failed[1:] {
		if c.Severity < worst.Severity {
			worst = c
		}
	}
	brief := worst.Summary()
	if len(failed) > 1 {
		brief += "(+)"
	}
	state.BriefText = brief
	if worst.Severity == 1 {
		state.Category = model.CategoryFailure
	} else {
		state.Category = model.CategorySuccess
	}
	state.FreeText = FreeText(failed)
}

// FreeText renders the title and preview of each comparison in order.
func FreeText(comparisons []model.FileComparison) string {
	var b strings.Builder
	for _, c := range comparisons {
		b.WriteString(title(c))
		b.WriteString("\n")
		b.WriteString(c.Preview)
	}
	return b.String()
}

// NeedsRecalculation reports whether comp's approved file may have changed
// since its difference cache was computed. An approved file stamped at the
// same instant counts as changed, since coarse file times cannot order them.
func NeedsRecalculation(comp model.FileComparison) bool {
	if comp.Kind() != model.ComparisonBoth || comp.Saved {
		return false
	}
	info, err := os.Stat(comp.ApprovedFile)
	if err != nil {
		return false
	}
	return !info.ModTime().Before(comp.ComputedAt)
}

// Recompute refreshes every comparison whose approved file is newer than its
// cached result. It returns the replacement state and whether anything was
// recomputed; the previous state is kept as the old state.
func (c *Comparator) Recompute(t *testtree.Test, state *model.TestState) (*model.TestState, bool, error) {
	if !state.IsComplete() || !state.HasResults() {
		return state, false, nil
	}
	next := state.Clone()
	next.OldState = nil
	pipeline := filter.NewPipeline(c.logger, t.App().Config, t.App().Name, t.RelPath())
	changed := false
	for i := range next.Comparisons {
		comp := &next.Comparisons[i]
		if !NeedsRecalculation(*comp) {
			continue
		}
		c.logger.Info().Str("test", t.RelPath()).Str("stem", comp.Stem).Msg("Recomputing comparison")
		if err := c.refresh(t, pipeline, comp); err != nil {
			return nil, false, err
		}
		changed = true
	}
	if !changed {
		return state, false, nil
	}
	Sort(next.Comparisons)
	if state.Category == model.CategorySuccess || state.Category == model.CategoryFailure {
		Categorise(next)
	}
	next.LifecycleChange = "recalculated"
	next.OldState = state
	return next, true, nil
}
