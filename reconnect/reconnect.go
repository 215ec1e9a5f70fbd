package reconnect

// Package reconnect takes a previous run's results instead of running the
// tests again. The previous run is found among the run directories under
// the temporary root; each test then either adopts the state saved in its
// old sandbox, or has the old sandbox's files copied in and compared anew.

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/action"
	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/filter"
	"github.com/perfgo/texttest/history"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// Target is the application directory of the run reconnected to.
type Target struct {
	RunDir history.RunDir
	// AppDir holds the old sandboxes at each test's relative path
	AppDir string
	// DatedVersions are the dates of every run found for the application
	DatedVersions []string
}

// Locate finds the run to reconnect app to. source is the -reconnect
// argument: a run directory, a directory holding run directories, a name
// below tmpRoot, or empty for tmpRoot itself. A dated version among the
// application's versions picks the run started at that date; otherwise
// the newest run wins.
func Locate(logger zerolog.Logger, tmpRoot, source string, app *testtree.Application) (*Target, error) {
	runs, err := candidates(tmpRoot, source)
	if err != nil {
		return nil, err
	}
	versions, dated := splitDated(app.Versions)

	var matching []history.RunDir
	for _, d := range runs {
		if appDir(d.Path, app.Name, versions) != "" {
			matching = append(matching, d)
		}
	}
	if len(matching) == 0 {
		return nil, fmt.Errorf("%w: could not find any runs matching %s under %s", model.ErrConfiguration, app.FullName(), searched(tmpRoot, source))
	}
	history.SortNewestFirst(matching, time.Now())

	target := &Target{}
	seen := map[string]bool{}
	for _, d := range matching {
		if !seen[d.Date] {
			seen[d.Date] = true
			target.DatedVersions = append(target.DatedVersions, d.Date)
		}
	}
	chosen := matching[0]
	if len(dated) > 0 {
		found := false
		for _, d := range matching {
			if d.Date == dated[0] {
				chosen, found = d, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: no run of %s dated %s", model.ErrConfiguration, app.Name, dated[0])
		}
	}
	target.RunDir = chosen
	target.AppDir = appDir(chosen.Path, app.Name, versions)
	if target.AppDir == "" {
		return nil, fmt.Errorf("%w: could not find an application directory matching %s for the run directory found at %s",
			model.ErrConfiguration, app.FullName(), chosen.Path)
	}
	logger.Info().Str("app", app.FullName()).Str("path", target.AppDir).Msg("Reconnecting to test results")
	return target, nil
}

func searched(tmpRoot, source string) string {
	switch {
	case source == "":
		return tmpRoot
	case filepath.IsAbs(source):
		return source
	default:
		return filepath.Join(tmpRoot, source)
	}
}

func candidates(tmpRoot, source string) ([]history.RunDir, error) {
	if info, err := os.Stat(source); source != "" && err == nil && info.IsDir() {
		if d, ok := history.ParseDirName(filepath.Base(filepath.Clean(source))); ok {
			d.Path = filepath.Clean(source)
			return []history.RunDir{d}, nil
		}
	}
	dir := searched(tmpRoot, source)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: could not find TextTest temporary directory at %s", model.ErrConfiguration, dir)
	}
	if d, ok := history.ParseDirName(filepath.Base(dir)); ok {
		d.Path = dir
		return []history.RunDir{d}, nil
	}
	return history.Discover(dir)
}

// splitDated separates run dates, used as versions, from real versions.
func splitDated(versions []string) (plain, dated []string) {
	for _, v := range versions {
		if history.IsDate(v) {
			dated = append(dated, v)
		} else {
			plain = append(plain, v)
		}
	}
	return plain, dated
}

// appDir returns the directory under runDir named <app>[.<versions>] for
// the given versions, in any order.
func appDir(runDir, app string, versions []string) string {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return ""
	}
	want := map[string]bool{}
	for _, v := range versions {
		want[v] = true
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		parts := strings.Split(e.Name(), ".")
		if parts[0] != app {
			continue
		}
		have := map[string]bool{}
		for _, v := range parts[1:] {
			have[v] = true
		}
		if len(have) != len(want) {
			continue
		}
		ok := true
		for v := range want {
			ok = ok && have[v]
		}
		if ok {
			return filepath.Join(runDir, e.Name())
		}
	}
	return ""
}

// Apply registers every dated version found as unsaveable, so results are
// never saved under a run date.
func (tg *Target) Apply(cfg *config.Config) error {
	seen := map[string]bool{}
	var versions []string
	for _, v := range append(cfg.List("unsaveable_version"), tg.DatedVersions...) {
		if !seen[v] {
			seen[v] = true
			versions = append(versions, v)
		}
	}
	sort.Strings(versions)
	return cfg.Set("unsaveable_version", versions)
}

// Accepts reports whether the old run has a sandbox for t.
func (tg *Target) Accepts(t *testtree.Test) bool {
	_, err := os.Stat(tg.location(t))
	return err == nil
}

func (tg *Target) location(t *testtree.Test) string {
	return filepath.Join(tg.AppDir, filepath.FromSlash(t.RelPath()))
}

// Test is the phase replacing preparing and running a test.
type Test struct {
	logger zerolog.Logger
	states *state.Run
	target *Target
	// Full recomputes the comparison from the old sandbox's files
	Full bool
}

// NewTest returns the reconnecting phase for target.
func NewTest(logger zerolog.Logger, states *state.Run, target *Target, full bool) *Test {
	return &Test{logger: logger, states: states, target: target, Full: full}
}

// Name implements action.Action.
func (a *Test) Name() string { return "reconnect" }

// Call implements action.Action. A loaded state ends the sequence unless
// it is recomputed; otherwise the later phases compare the copied files.
func (a *Test) Call(_ context.Context, j *action.Job) action.Result {
	t := j.Test
	location := a.target.location(t)
	if info, err := os.Stat(location); err != nil || !info.IsDir() {
		return action.Fail(model.ErrSetup, "no results\nNo file found to load results from under "+location)
	}

	loaded, err := state.Load(filepath.Join(location, "framework_tmp", state.FileName))
	if err != nil {
		a.logger.Debug().Err(err).Str("test", t.RelPath()).Msg("No state to reconnect to, recomputing")
	} else if !loaded.IsComplete() {
		loaded = nil
	}
	if loaded != nil && (!a.Full || !hasResults(loaded)) {
		loaded.OldState = nil
		loaded.LifecycleChange = "reconnected"
		if err := a.states.ChangeState(t, loaded); err != nil {
			return action.FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
		}
		a.logger.Debug().Str("test", t.RelPath()).Str("category", string(loaded.Category)).Msg("Reconnected to test")
		return action.Skip("reconnected")
	}

	if err := copyFiles(location, t.Sandbox(), t.App().Name); err != nil {
		return action.FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	next := t.State().Clone()
	next.Phase = model.PhaseRunning
	next.LifecycleChange = "reconnected"
	if loaded != nil {
		next.Started = loaded.Started
		next.ExecutionHosts = loaded.ExecutionHosts
	}
	if err := a.states.ChangeState(t, next); err != nil {
		return action.FromError(fmt.Errorf("%w: %v", model.ErrSetup, err))
	}
	a.logger.Debug().Str("test", t.RelPath()).Msg("Recomputing reconnected test")
	return action.Continue()
}

// hasResults reports whether s came from comparing files, rather than from
// a test that never got that far.
func hasResults(s *model.TestState) bool {
	return len(s.Comparisons) > 0
}

// copyFiles copies the files app generated directly in from into to.
// Filtered forms are left behind so the comparison filters afresh. A file
// that cannot be read is replaced by a note saying why.
func copyFiles(from, to, app string) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", from, err)
	}
	if err := os.MkdirAll(filepath.Join(to, "framework_tmp"), 0o755); err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || filter.IsFilteredForm(e.Name()) {
			continue
		}
		if _, ok := config.ParseVersionedName(e.Name(), app); !ok {
			continue
		}
		dst := filepath.Join(to, e.Name())
		if err := copyFile(filepath.Join(from, e.Name()), dst); err != nil {
			note := "Failed to copy file - error follows :\n" + err.Error() + "\n"
			if werr := os.WriteFile(dst, []byte(note), 0o644); werr != nil {
				return werr
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
