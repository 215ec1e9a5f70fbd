package filter

// This file contains the per-stem filter chain: which filters apply to a
// stem, and how a source file is pushed through them into the canonical
// .normal/.sorted/.fpdiff files.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

const (
	keyRunDependent = "run_dependent_text"
	keyUnordered    = "unordered_text"
	keyFloatAbs     = "floating_point_tolerance"
	keyFloatRel     = "relative_float_tolerance"
	keyHomeOS       = "home_operating_system"

	// ImplicitRule is applied when the approved files were produced on
	// another operating system and no rules are configured for a stem.
	ImplicitRule = "{INTERNAL writedir}{REPLACE <writedir>}"
)

// Suffixes of filtered files in the sandbox.
const (
	SuffixGenerated = "cmp"
	SuffixApproved  = "origcmp"
)

// Pipeline builds and runs filter chains for one test.
type Pipeline struct {
	logger   zerolog.Logger
	cfg      *config.Config
	app      string
	testPath string
	goos     string
}

// NewPipeline returns the pipeline for the test at testPath (relative to
// the application root).
func NewPipeline(logger zerolog.Logger, cfg *config.Config, app, testPath string) *Pipeline {
	return &Pipeline{
		logger:   logger,
		cfg:      cfg,
		app:      app,
		testPath: filepath.ToSlash(testPath),
		goos:     runtime.GOOS,
	}
}

// FilteredName returns the sandbox file name holding stem's filtered form.
func (p *Pipeline) FilteredName(stem string, approved bool) string {
	if approved {
		return stem + "." + p.app + "." + SuffixApproved
	}
	return stem + "." + p.app + "." + SuffixGenerated
}

// IsFilteredForm reports whether name is a file a pipeline wrote: a
// filtered form or the output of one of its filters.
func IsFilteredForm(name string) bool {
	for _, part := range strings.Split(name, ".")[1:] {
		if part == SuffixGenerated || part == SuffixApproved {
			return true
		}
	}
	return false
}

func (p *Pipeline) changedOS() bool {
	home := p.cfg.String(keyHomeOS)
	return home != "" && home != "any" && home != p.goos
}

// TextFilters returns the run-dependent and unordered filters for stem,
// in application order.
func (p *Pipeline) TextFilters(stem string) ([]Filter, error) {
	var filters []Filter
	if texts := p.cfg.CompositeList(keyRunDependent, stem); len(texts) > 0 {
		f, err := NewRunDependentFilter(texts, p.testPath)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	if texts := p.cfg.CompositeList(keyUnordered, stem); len(texts) > 0 {
		f, err := NewUnorderedFilter(texts, p.testPath)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	if len(filters) == 0 && p.changedOS() {
		f, err := NewRunDependentFilter([]string{ImplicitRule}, p.testPath)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// GeneratedFilters returns the text filters followed, when a tolerance is
// configured and an approved form exists, by the floating point filter.
func (p *Pipeline) GeneratedFilters(stem, approvedForm string) ([]Filter, error) {
	filters, err := p.TextFilters(stem)
	if err != nil {
		return nil, err
	}
	tolerance, _ := p.cfg.CompositeFloat(keyFloatAbs, stem)
	relative, _ := p.cfg.CompositeFloat(keyFloatRel, stem)
	if (tolerance != 0 || relative != 0) && approvedForm != "" {
		if _, err := os.Stat(approvedForm); err == nil {
			filters = append(filters, NewFloatFilter(approvedForm, tolerance, relative))
		}
	}
	return filters, nil
}

// Apply runs filters over src. Each filter writes target.<postfix> from the
// previous output; the last output is then copied to target. With no
// filters, src is copied to target unchanged.
func (p *Pipeline) Apply(stem, src, target string, filters []Filter) error {
	current := src
	for _, f := range filters {
		next := target + "." + f.Postfix()
		p.logger.Debug().
			Str("stem", stem).
			Str("path", next).
			Msg("Applying filter")
		if err := runFilter(f, current, next); err != nil {
			return fmt.Errorf("failed to filter %s: %w", filepath.Base(src), err)
		}
		current = next
	}
	if err := copyFile(current, target); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(target), err)
	}
	return nil
}

// FilterApproved brings the filtered form of an approved file in sandbox up
// to date and returns its path.
func (p *Pipeline) FilterApproved(stem, approved, sandbox string) (string, error) {
	target := filepath.Join(sandbox, p.FilteredName(stem, true))
	if UpToDate(target, approved) {
		return target, nil
	}
	filters, err := p.TextFilters(stem)
	if err != nil {
		return "", err
	}
	return target, p.Apply(stem, approved, target, filters)
}

// FilterGenerated brings the filtered form of a generated file up to date
// and returns its path. approvedForm is the filtered approved file, empty
// when there is none.
func (p *Pipeline) FilterGenerated(stem, generated, sandbox, approvedForm string) (string, error) {
	target := filepath.Join(sandbox, p.FilteredName(stem, false))
	if UpToDate(target, generated, approvedForm) {
		return target, nil
	}
	filters, err := p.GeneratedFilters(stem, approvedForm)
	if err != nil {
		return "", err
	}
	return target, p.Apply(stem, generated, target, filters)
}

func runFilter(f Filter, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := f.FilterFile(in, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
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

// UpToDate reports whether target exists and is no older than every input.
func UpToDate(target string, inputs ...string) bool {
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	for _, in := range inputs {
		if in == "" {
			continue
		}
		inInfo, err := os.Stat(in)
		if err != nil {
			continue
		}
		if inInfo.ModTime().After(info.ModTime()) {
			return false
		}
	}
	return true
}

// Validate compiles every configured rule so malformed rules are reported
// before any test runs.
func Validate(cfg *config.Config) error {
	for _, key := range []string{keyRunDependent, keyUnordered} {
		lists := cfg.StemLists(key)
		for _, stem := range lists.Keys() {
			for _, text := range lists.Get(stem) {
				if _, err := ParseRule(text, ""); err != nil {
					return fmt.Errorf("%s for %s: %w: %w", key, stem, model.ErrConfiguration, err)
				}
			}
		}
	}
	return nil
}
