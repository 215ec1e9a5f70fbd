package cli

// This file contains the run action: loading applications, creating the
// run directory and running the selected tests in process or through a
// queue.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/texttest/action"
	"github.com/perfgo/texttest/collate"
	"github.com/perfgo/texttest/compare"
	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/history"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/reconnect"
	"github.com/perfgo/texttest/sandbox"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// options are the parsed run flags.
type options struct {
	apps      []string
	versions  []string
	checkout  string
	dirs      []string
	selection testtree.Selection
	batch     string

	reconnect     bool
	reconnectFrom string
	reconnectFull bool

	overwrite        bool
	overwriteVersion string
	overwriteSuccess bool
	reportOnly       bool

	script    string
	name      string
	repeat    int
	keepTmp   bool
	ignoreCat bool
	queue     string
	inProcess bool
}

func (a *App) readOptions(ctx *cli.Context) options {
	opts := options{
		apps:     splitList(ctx.String("a")),
		versions: splitList(ctx.String("v")),
		checkout: ctx.String("c"),
		selection: testtree.Selection{
			Tests:  splitList(ctx.String("t")),
			Suites: splitList(ctx.String("ts")),
			File:   ctx.String("f"),
		},
		batch:            ctx.String("b"),
		reconnect:        ctx.IsSet("reconnect"),
		reconnectFrom:    ctx.String("reconnect"),
		reconnectFull:    ctx.Bool("reconnfull"),
		overwrite:        ctx.IsSet("o"),
		overwriteVersion: ctx.String("o"),
		overwriteSuccess: ctx.Bool("n"),
		reportOnly:       ctx.Bool("actrep"),
		script:           ctx.String("s"),
		name:             ctx.String("name"),
		repeat:           ctx.Int("m"),
		keepTmp:          ctx.Bool("keeptmp"),
		ignoreCat:        ctx.Bool("ignorecat"),
		queue:            ctx.String("q"),
		inProcess:        ctx.Bool("l"),
	}
	for _, d := range filepath.SplitList(ctx.String("d")) {
		if d != "" {
			opts.dirs = append(opts.dirs, d)
		}
	}
	if len(opts.dirs) == 0 {
		opts.dirs = []string{a.env.Home}
	}
	if opts.repeat < 1 {
		opts.repeat = 1
	}
	return opts
}

// loadApps loads the named applications from the test tree roots, or every
// application found there when none is named. Extra versions are returned
// after the application they belong to.
func (a *App) loadApps(opts options) ([]*testtree.Application, error) {
	registry := config.DefaultRegistry()
	names := opts.apps
	if len(names) == 0 {
		names = discoverApps(opts.dirs)
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: no config files found under %s", model.ErrConfiguration, strings.Join(opts.dirs, ", "))
		}
	}
	var apps []*testtree.Application
	for _, name := range names {
		found := false
		for _, dir := range opts.dirs {
			if _, err := os.Stat(filepath.Join(dir, "config."+name)); err != nil {
				continue
			}
			found = true
			app, err := testtree.Load(a.logger.With().Str("app", name).Logger(), registry, dir, name, opts.versions)
			if err != nil {
				return nil, err
			}
			for _, each := range append([]*testtree.Application{app}, app.Extras...) {
				if err := useCheckout(each.Config, opts.checkout); err != nil {
					return nil, err
				}
				apps = append(apps, each)
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: could not find application %s under %s", model.ErrConfiguration, name, strings.Join(opts.dirs, ", "))
		}
	}
	return apps, nil
}

// discoverApps returns the applications whose config file lies directly in
// one of dirs.
func discoverApps(dirs []string) []string {
	seen := map[string]bool{}
	var names []string
	for _, dir := range dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "config.*"))
		for _, m := range matches {
			name := strings.TrimPrefix(filepath.Base(m), "config.")
			if name == "" || strings.Contains(name, ".") || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// useCheckout resolves a relative executable against the checkout.
func useCheckout(cfg *config.Config, checkout string) error {
	exe := cfg.String("executable")
	if checkout == "" || exe == "" || filepath.IsAbs(exe) || !strings.ContainsRune(exe, '/') {
		return nil
	}
	return cfg.Set("executable", filepath.Join(checkout, exe))
}

// selected pairs an application with the tests chosen from it.
type selected struct {
	app    *testtree.Application
	tests  []*testtree.Test
	target *reconnect.Target
}

// selectTests applies the selection to every application. Applications
// where nothing matches are skipped as long as another one has tests.
func (a *App) selectTests(apps []*testtree.Application, opts options) ([]selected, error) {
	var out []selected
	var firstErr error
	for _, app := range apps {
		tests, err := testtree.Select(app, opts.selection)
		if err != nil {
			if !errors.Is(err, model.ErrSelection) {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn().Err(err).Str("app", app.FullName()).Msg("No tests selected")
			continue
		}
		out = append(out, selected{app: app, tests: tests})
	}
	if len(out) == 0 {
		return nil, firstErr
	}
	return out, nil
}

// attachReconnect finds the previous run of every application and keeps
// the tests it has results for.
func (a *App) attachReconnect(sel []selected, opts options) ([]selected, error) {
	var out []selected
	for _, s := range sel {
		target, err := reconnect.Locate(a.logger, a.env.Tmp, opts.reconnectFrom, s.app)
		if err != nil {
			return nil, err
		}
		if err := target.Apply(s.app.Config); err != nil {
			return nil, err
		}
		var kept []*testtree.Test
		for _, t := range s.tests {
			if target.Accepts(t) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			a.logger.Warn().Str("app", s.app.FullName()).Str("path", target.AppDir).Msg("No results to reconnect to")
			continue
		}
		s.tests, s.target = kept, target
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tests to reconnect to", model.ErrSelection)
	}
	return out, nil
}

// run is the default action.
func (a *App) run(ctx *cli.Context) error {
	defer a.close()
	if ctx.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %s", model.ErrConfiguration, strings.Join(ctx.Args().Slice(), " "))
	}
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := a.execute(sigCtx, a.readOptions(ctx))
	if err != nil {
		return err
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// execute runs the tests opts select and returns the exit code.
func (a *App) execute(ctx context.Context, opts options) (int, error) {
	started := time.Now()
	apps, err := a.loadApps(opts)
	if err != nil {
		return 0, err
	}
	sel, err := a.selectTests(apps, opts)
	if err != nil {
		return 0, err
	}
	if opts.reconnect {
		if sel, err = a.attachReconnect(sel, opts); err != nil {
			return 0, err
		}
	}

	var names []string
	for _, app := range apps {
		names = appendUnique(names, app.Name)
	}
	descriptor := history.Descriptor(opts.name, names, a.env)
	runDir := filepath.Join(a.env.Tmp, history.DirName(descriptor, opts.versions, started, os.Getpid()))
	for _, app := range apps {
		app.WriteDir = filepath.Join(runDir, app.FullName())
	}
	info := history.NewInfo(descriptor, a.args, names, opts.versions, a.env, started)
	info.BatchSession = opts.batch
	if opts.checkout != "" {
		if info.Git, err = gitInfo(opts.checkout); err != nil {
			a.logger.Debug().Err(err).Str("path", opts.checkout).Msg("Checkout is not a git repository")
		}
	}
	if err := history.WriteInfo(runDir, info); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrSetup, err)
	}
	a.logger.Info().Str("path", runDir).Msg("Created run directory")

	states := state.NewRun(a.logger)
	states.AddObserver(state.NewSaver(a.logger))
	summary := newSummary(a.out)
	states.AddObserver(summary)

	queue, err := a.queueFor(sel, opts)
	if err != nil {
		return 0, err
	}
	if queue == "" {
		err = a.runInProcess(ctx, sel, states, opts)
	} else {
		err = a.runQueued(ctx, queue, sel, states, opts, runDir)
	}
	if errors.Is(err, context.Canceled) {
		a.logger.Warn().Msg("Run interrupted")
		a.cancelRemaining(sel, states)
	} else if err != nil {
		return 0, err
	}

	code := 0
	var finals []*model.TestState
	for _, s := range sel {
		var appStates []*model.TestState
		for _, t := range s.tests {
			appStates = append(appStates, t.State())
			if !opts.keepTmp && t.State().IsComplete() && t.State().Category == model.CategorySuccess {
				a.tidySandbox(t)
			}
		}
		code |= state.ExitCode(s.app.Config, appStates)
		finals = append(finals, appStates...)
	}
	summary.Print()

	info.ExitCode = code
	info.Duration = time.Since(started)
	info.Categories = state.Counts(finals)
	if werr := history.WriteInfo(runDir, info); werr != nil {
		a.logger.Warn().Err(werr).Str("path", runDir).Msg("Failed to update run info")
	}
	return code, nil
}

func appendUnique(list []string, s string) []string {
	for _, item := range list {
		if item == s {
			return list
		}
	}
	return append(list, s)
}

// cancelRemaining completes every test an interrupted run left unfinished.
func (a *App) cancelRemaining(sel []selected, states *state.Run) {
	for _, s := range sel {
		for _, t := range s.tests {
			if t.State().IsComplete() {
				continue
			}
			next := &model.TestState{
				Phase:     model.PhaseComplete,
				Category:  model.CategoryCancelled,
				BriefText: "cancelled",
				FreeText:  "Test run was interrupted before this test completed\n",
			}
			if err := states.ChangeState(t, next); err != nil {
				a.logger.Debug().Err(err).Str("test", t.RelPath()).Msg("Failed to cancel test")
			}
		}
	}
}

// tidySandbox removes what a succeeding test left, keeping its state.
func (a *App) tidySandbox(t *testtree.Test) {
	entries, err := os.ReadDir(t.Sandbox())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() == filepath.Base(t.FrameworkDir()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(t.Sandbox(), e.Name())); err != nil {
			a.logger.Debug().Err(err).Str("test", t.RelPath()).Msg("Failed to tidy sandbox")
		}
	}
}

// queueFor returns the queue system the tests go through, empty to run
// them in this process.
func (a *App) queueFor(sel []selected, opts options) (string, error) {
	if opts.inProcess {
		return "", nil
	}
	if opts.reconnect {
		a.logger.Debug().Msg("Reconnecting in process")
		return "", nil
	}
	if opts.repeat > 1 {
		a.logger.Info().Int("repeat", opts.repeat).Msg("Repeating tests in process")
		return "", nil
	}
	queue := opts.queue
	if queue == "" {
		queue = sel[0].app.Config.String("queue_system_module")
	}
	switch queue {
	case "local", "pool":
		return queue, nil
	case "", "none":
		return "", nil
	}
	return "", fmt.Errorf("%w: unknown queue system %q", model.ErrConfiguration, queue)
}

// pipeline builds the default sequence for app. target, when set,
// reconnects rather than runs; reporter, when set, is told each result.
func (a *App) pipeline(app *testtree.Application, states *state.Run, opts options, target *reconnect.Target, reporter action.Reporter) *action.Pipeline {
	var sandboxOpts []sandbox.Option
	if opts.ignoreCat {
		sandboxOpts = append(sandboxOpts, sandbox.WithIgnoreCatalogues())
	}
	sandboxes := sandbox.New(a.logger, sandboxOpts...)

	var runner action.Runner
	if opts.script != "" {
		runner = action.NewScriptRunner(a.logger, opts.script)
	} else {
		d := newDialer(a.logger, app.Config)
		a.closers = append(a.closers, d)
		runner = action.NewSUTRunner(a.logger, sandboxes, d.dial)
	}

	deps := action.Dependencies{
		Logger:     a.logger,
		States:     states,
		Sandboxes:  sandboxes,
		Collation:  collate.New(a.logger),
		Comparator: compare.New(a.logger),
		Runner:     runner,
		Reporter:   reporter,
	}
	if opts.overwrite && !opts.reportOnly {
		version := opts.overwriteVersion
		if version == "" {
			version = app.VersionString()
		}
		deps.Save = &compare.SaveOptions{Version: version, OverwriteSuccess: opts.overwriteSuccess}
	}
	if target != nil {
		deps.Reconnect = reconnect.NewTest(a.logger, states, target, opts.reconnectFull)
	}
	phases, finish := action.DefaultSequence(deps)
	return action.NewPipeline(a.logger, states, phases, finish)
}

// runInProcess runs every application's tests here, one after another,
// opts.repeat times.
func (a *App) runInProcess(ctx context.Context, sel []selected, states *state.Run, opts options) error {
	for _, s := range sel {
		p := a.pipeline(s.app, states, opts, s.target, nil)
		for i := 0; i < opts.repeat; i++ {
			if i > 0 {
				if err := a.prepareRepeat(s.tests, states, i); err != nil {
					return err
				}
			}
			if err := p.Apply(ctx, s.app.RootSuite(), s.tests); err != nil {
				return err
			}
		}
	}
	return nil
}

// prepareRepeat moves the previous round's sandboxes aside and restarts
// the tests.
func (a *App) prepareRepeat(tests []*testtree.Test, states *state.Run, round int) error {
	for _, t := range tests {
		if _, err := os.Stat(t.Sandbox()); err == nil {
			kept := fmt.Sprintf("%s.repeat.%d", t.Sandbox(), round)
			if err := os.Rename(t.Sandbox(), kept); err != nil {
				return fmt.Errorf("%w: failed to keep the sandbox of %s: %v", model.ErrSetup, t.RelPath(), err)
			}
		}
		if err := states.Restart(t, "repeat"); err != nil {
			return err
		}
	}
	return nil
}
