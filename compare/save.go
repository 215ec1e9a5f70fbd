package compare

// This file contains saving generated results as the new approved files.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// SaveOptions control which files are saved and how.
type SaveOptions struct {
	// Version suffix for the saved files, empty for the unversioned name
	Version string
	// Save the generated file rather than its filtered form
	Exact bool
	// Also save stems that currently have no differences
	OverwriteSuccess bool
}

// Save overwrites approved files from the generated ones and returns the
// replacement state. Missing results remove the approved file when it is
// the one the version names.
func (c *Comparator) Save(t *testtree.Test, state *model.TestState, opts SaveOptions) (*model.TestState, error) {
	if !state.IsComplete() {
		return nil, fmt.Errorf("%w: test %s has not completed", model.ErrCompare, t.RelPath())
	}
	next := state.Clone()
	next.OldState = nil
	cfg := t.App().Config
	opts.Version = saveableVersion(cfg, opts.Version)
	for i := range next.Comparisons {
		comp := &next.Comparisons[i]
		if !comp.HasDifferences() && !(opts.OverwriteSuccess && comp.Kind() == model.ComparisonBoth) {
			continue
		}
		if comp.Kind() == model.ComparisonMissing {
			if err := c.saveMissing(t, comp, opts.Version); err != nil {
				return nil, err
			}
			continue
		}
		source := comp.GeneratedFile
		if !opts.Exact || cfg.MatchesAny("save_filtered_file_stems", comp.Stem) {
			source = filteredForSave(*comp)
		}
		dest := saveTarget(t, *comp, opts.Version)
		if err := copyFile(source, dest); err != nil {
			return nil, fmt.Errorf("failed to save %s: %w", comp.Stem, err)
		}
		if comp.FilteredApproved != "" && comp.FilteredApproved != comp.ApprovedFile {
			// The filtered form now describes the replaced file.
			_ = os.Remove(comp.FilteredApproved)
		}
		c.logger.Info().
			Str("test", t.RelPath()).
			Str("stem", comp.Stem).
			Str("path", dest).
			Msg("Saved approved file")
		comp.ApprovedFile = dest
		comp.Saved = true
		comp.Different = false
		comp.Preview = ""
	}
	Categorise(next)
	next.LifecycleChange = "saved"
	next.OldState = state
	return next, nil
}

func (c *Comparator) saveMissing(t *testtree.Test, comp *model.FileComparison, version string) error {
	if !versionMatches(comp.ApprovedFile, t.App().Name, version) {
		c.logger.Warn().
			Str("test", t.RelPath()).
			Str("stem", comp.Stem).
			Str("version", version).
			Msg("Missing result is approved under another version, leaving it in place")
		return nil
	}
	if err := os.Remove(comp.ApprovedFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", comp.ApprovedFile, err)
	}
	c.logger.Info().Str("test", t.RelPath()).Str("path", comp.ApprovedFile).Msg("Removed approved file")
	comp.ApprovedFile = ""
	comp.FilteredApproved = ""
	comp.Saved = true
	comp.Different = false
	comp.Preview = ""
	return nil
}

// saveableVersion drops the parts of version listed as unsaveable_version.
func saveableVersion(cfg *config.Config, version string) string {
	if version == "" {
		return ""
	}
	skip := map[string]bool{}
	for _, v := range cfg.List("unsaveable_version") {
		skip[v] = true
	}
	var kept []string
	for _, v := range strings.Split(version, ".") {
		if !skip[v] {
			kept = append(kept, v)
		}
	}
	return strings.Join(kept, ".")
}

// filteredForSave prefers the run-dependent output over the fully filtered
// form, so sorting is not baked into approved files.
func filteredForSave(comp model.FileComparison) string {
	normal := comp.FilteredGenerated + ".normal"
	if _, err := os.Stat(normal); err == nil {
		return normal
	}
	if comp.FilteredGenerated != "" {
		return comp.FilteredGenerated
	}
	return comp.GeneratedFile
}

// saveTarget is the existing approved file if its versions equal version,
// otherwise <stem>.<app>[.<version>] in the test directory.
func saveTarget(t *testtree.Test, comp model.FileComparison, version string) string {
	if comp.ApprovedFile != "" && versionMatches(comp.ApprovedFile, t.App().Name, version) {
		return comp.ApprovedFile
	}
	return filepath.Join(t.Dir(), config.SaveName(comp.Stem, t.App().Name, version))
}

func versionMatches(path, app, version string) bool {
	vf, ok := config.ParseVersionedName(filepath.Base(path), app)
	if !ok {
		return false
	}
	want := map[string]bool{}
	if version != "" {
		for _, v := range strings.Split(version, ".") {
			want[v] = true
		}
	}
	if len(want) != len(vf.Versions) {
		return false
	}
	for _, v := range vf.Versions {
		if !want[v] {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
