package cli

// This file contains the commands acting on the saved results of a previous
// run: marking a verdict by hand, removing a mark, and recomputing
// comparisons whose approved files have changed since.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/texttest/compare"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// resultFlags select the applications whose results are changed.
func resultFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "a", Usage: "Comma-separated applications to load"},
		&cli.StringFlag{Name: "v", Usage: "Comma-separated versions to apply"},
		&cli.StringFlag{Name: "d", Usage: "Test tree root directories, separated like PATH"},
	}
}

func resultCommands(a *App) []*cli.Command {
	return []*cli.Command{
		{
			Name:      "mark",
			Usage:     "Give tests of a previous run a verdict by hand",
			ArgsUsage: "index|id|directory [test...]",
			Flags: append(resultFlags(),
				&cli.StringFlag{Name: "category", Value: string(model.CategorySuccess), Usage: "Category to mark the tests with"},
				&cli.StringFlag{Name: "brief", Required: true, Usage: "Short reason shown in place of the result"},
				&cli.StringFlag{Name: "free", Usage: "Longer explanation"},
			),
			Action: func(ctx *cli.Context) error {
				return a.onSavedResults(ctx, markTest(model.Category(ctx.String("category")), ctx.String("brief"), ctx.String("free")))
			},
		},
		{
			Name:      "unmark",
			Usage:     "Restore the verdict of marked tests",
			ArgsUsage: "index|id|directory [test...]",
			Flags:     resultFlags(),
			Action: func(ctx *cli.Context) error {
				return a.onSavedResults(ctx, unmarkTest)
			},
		},
		{
			Name:      "recompute",
			Usage:     "Compare again the tests whose approved files changed",
			ArgsUsage: "index|id|directory [test...]",
			Flags:     resultFlags(),
			Action: func(ctx *cli.Context) error {
				return a.onSavedResults(ctx, recomputeTest(compare.New(a.logger)))
			},
		},
	}
}

// resultAction changes the state of one test with a saved result and
// reports whether it did.
type resultAction func(states *state.Run, t *testtree.Test) (bool, error)

func markTest(category model.Category, brief, free string) resultAction {
	return func(states *state.Run, t *testtree.Test) (bool, error) {
		return true, states.Mark(t, category, brief, free)
	}
}

func unmarkTest(states *state.Run, t *testtree.Test) (bool, error) {
	if !state.IsMarked(t.State()) {
		return false, nil
	}
	return true, states.Unmark(t)
}

func recomputeTest(c *compare.Comparator) resultAction {
	return func(states *state.Run, t *testtree.Test) (bool, error) {
		if state.IsMarked(t.State()) {
			return false, nil
		}
		next, changed, err := c.Recompute(t, t.State())
		if err != nil || !changed {
			return false, err
		}
		return true, states.ChangeState(t, next)
	}
}

func (a *App) onSavedResults(ctx *cli.Context, act resultAction) error {
	defer a.close()
	if ctx.NArg() == 0 {
		return fmt.Errorf("%w: name the run to change", model.ErrConfiguration)
	}
	return a.changeResults(a.readOptions(ctx), ctx.Args().First(), ctx.Args().Tail(), act)
}

// changeResults applies act to every test of the run ref names whose path
// contains one of names, or to every test with a saved result when names
// is empty. Changed states are saved back into the run.
func (a *App) changeResults(opts options, ref string, names []string, act resultAction) error {
	tests, err := a.savedResults(opts, ref, names)
	if err != nil {
		return err
	}
	states := state.NewRun(a.logger)
	states.AddObserver(state.NewSaver(a.logger))
	failed := 0
	for _, t := range tests {
		changed, err := act(states, t)
		switch {
		case err != nil:
			failed++
			a.logger.Error().Err(err).Str("test", t.RelPath()).Msg("Failed to change saved result")
		case changed:
			fmt.Fprintln(a.out, resultLine(t, t.State()))
		default:
			fmt.Fprintf(a.out, "%s test %s unchanged\n", t.App().FullName(), t.RelPath())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: failed to change %d of %d results", model.ErrSetup, failed, len(tests))
	}
	return nil
}

// savedResults loads the applications and points them at the run ref
// names, returning the selected tests with their saved states.
func (a *App) savedResults(opts options, ref string, names []string) ([]*testtree.Test, error) {
	dir, err := a.resolveRun(ref)
	if err != nil {
		return nil, err
	}
	apps, err := a.loadApps(opts)
	if err != nil {
		return nil, err
	}
	var tests []*testtree.Test
	for _, app := range apps {
		app.WriteDir = filepath.Join(dir.Path, app.FullName())
		for _, t := range app.TestCases() {
			if !containsAny(t.RelPath(), names) {
				continue
			}
			s, err := state.Load(state.Path(t))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			t.SetState(s)
			tests = append(tests, t)
		}
	}
	if len(tests) == 0 {
		return nil, fmt.Errorf("%w: no saved results for %s in %s", model.ErrSelection, strings.Join(names, ", "), dir.Path)
	}
	return tests, nil
}

func containsAny(s string, subs []string) bool {
	if len(subs) == 0 {
		return true
	}
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
