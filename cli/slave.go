package cli

// This file contains the slave command, run by a dispatcher for a single
// test. It reports to the master through the responder.

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/texttest/dispatch"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

func (a *App) slave(ctx *cli.Context) error {
	defer a.close()
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: the slave runs exactly one test, got %d", model.ErrConfiguration, ctx.NArg())
	}
	relPath := ctx.Args().First()
	writeDir := ctx.String("writedir")
	if writeDir == "" {
		return fmt.Errorf("%w: the slave needs -writedir", model.ErrConfiguration)
	}
	opts := a.readOptions(ctx)
	if len(opts.apps) != 1 {
		return fmt.Errorf("%w: the slave runs exactly one application", model.ErrConfiguration)
	}

	responder, err := dispatch.ResponderFromEnv(a.logger, a.getenv)
	if err != nil {
		return err
	}
	logger := a.logger.With().Str("job", responder.JobID()).Logger()

	apps, err := a.loadApps(opts)
	if err != nil {
		return err
	}
	app := apps[0]
	app.WriteDir = writeDir
	t, ok := app.Find(relPath)
	if !ok || t.IsSuite() {
		return fmt.Errorf("%w: no test case %s in %s", model.ErrSelection, relPath, app.FullName())
	}

	runCtx, stop := dispatch.SlaveContext(ctx.Context)
	defer stop()
	if err := responder.AnnounceRunning(runCtx, t); err != nil {
		logger.Warn().Err(err).Str("test", relPath).Msg("Failed to tell the master the slave is running")
	}

	states := state.NewRun(logger)
	states.AddObserver(state.NewSaver(logger))
	states.AddObserver(responder)
	p := a.pipeline(app, states, opts, nil, responder)
	if err := p.Apply(runCtx, app.RootSuite(), []*testtree.Test{t}); err != nil {
		return err
	}
	logger.Debug().Str("test", relPath).Str("category", string(t.State().Category)).Msg("Slave finished")
	return nil
}
