package cli

// This file contains the view command for displaying the results of a
// previous run.

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/texttest/history"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

// parseViewArgs splits the arguments into the run reference and the tests
// to show in full. Without a reference the newest run is shown.
func parseViewArgs(in []string) (ref string, tests []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// "--" leaves the reference at its default and starts the tests
	if in[0] == "--" {
		return "0", in[1:]
	}

	return in[0], removeFirstDashDash(in[1:])
}

func (a *App) view(ctx *cli.Context) error {
	ref, tests := parseViewArgs(ctx.Args().Slice())

	dir, err := a.resolveRun(ref)
	if err != nil {
		return err
	}
	return a.displayRun(dir, tests)
}

// resolveRun finds the run ref names: a run directory, an index counting
// back from the newest run (0, -1, ...), or a prefix of a run's directory
// name or id.
func (a *App) resolveRun(ref string) (history.RunDir, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		if d, ok := history.ParseDirName(filepath.Base(filepath.Clean(ref))); ok {
			d.Path = filepath.Clean(ref)
			return d, nil
		}
	}
	if parsed, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if parsed > 0 {
			return history.RunDir{}, fmt.Errorf("invalid index: %s (use 0 for the last run, -1 for the one before, etc.)", ref)
		}
		dirs, err := history.Discover(a.env.Tmp)
		if err != nil {
			return history.RunDir{}, fmt.Errorf("failed to load previous runs: %w", err)
		}
		index := int(-parsed)
		if index >= len(dirs) {
			return history.RunDir{}, fmt.Errorf("index %s out of range (only %d runs under %s)", ref, len(dirs), a.env.Tmp)
		}
		return dirs[index], nil
	}
	return history.Find(a.logger, a.env.Tmp, ref)
}

// testResult is one teststate file found in a run directory.
type testResult struct {
	app     string
	relPath string
	state   *model.TestState
}

// runResults reads every test state saved below dir.
func runResults(dir string) ([]testResult, error) {
	var results []testResult
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != state.FileName || filepath.Base(filepath.Dir(path)) != "framework_tmp" {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(filepath.Dir(path)))
		if err != nil {
			return err
		}
		app, testPath, _ := strings.Cut(filepath.ToSlash(rel), "/")
		if testPath == "" {
			return nil
		}
		s, err := state.Load(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		results = append(results, testResult{app: app, relPath: testPath, state: s})
		return nil
	})
	return results, err
}

func (a *App) displayRun(dir history.RunDir, tests []string) error {
	fmt.Fprintf(a.out, "=== Run: %s ===\n", filepath.Base(dir.Path))
	info, err := history.ReadInfo(dir.Path)
	switch {
	case err == nil:
		fmt.Fprintf(a.out, "ID: %s\n", info.ID)
		fmt.Fprintf(a.out, "Time: %s\n", info.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(a.out, "Duration: %s\n", info.Duration)
		fmt.Fprintf(a.out, "Exit Code: %d\n", info.ExitCode)
		if len(info.Args) > 1 {
			fmt.Fprintf(a.out, "Args: %s\n", strings.Join(info.Args[1:], " "))
		}
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(a.out, "No run summary, the run may still be in progress")
	default:
		return err
	}
	fmt.Fprintln(a.out)

	results, err := runResults(dir.Path)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(a.out, "No test results found")
		return nil
	}
	shown := 0
	for _, r := range results {
		full := false
		if len(tests) > 0 {
			for _, t := range tests {
				full = full || strings.Contains(r.relPath, t)
			}
			if !full {
				continue
			}
		}
		shown++
		line := fmt.Sprintf("%s test %s: %s", r.app, r.relPath, r.state.Category)
		if r.state.BriefText != "" {
			line += " : " + r.state.BriefText
		}
		fmt.Fprintln(a.out, line)
		if full && r.state.FreeText != "" {
			for _, l := range strings.Split(strings.TrimRight(r.state.FreeText, "\n"), "\n") {
				fmt.Fprintln(a.out, "    "+l)
			}
		}
	}
	if shown == 0 {
		return fmt.Errorf("no results for %s in %s", strings.Join(tests, ", "), dir.Path)
	}
	return nil
}
