package cli

// Package cli is the texttest command line: running tests, the slave
// process dispatchers launch, and browsing previous runs.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perfgo/texttest/config"
)

const AppName = "texttest"

// personalLogName is the rolling log kept in TEXTTEST_PERSONAL_LOG.
const personalLogName = "texttest.log"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
	env    config.Env
	getenv func(string) string
	out    io.Writer
	args   []string
	// closed when the command finishes
	closers []io.Closer
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	env := config.ReadEnv()
	logger :=
		log.Output(logOutput(env))

	// -v selects versions
	cli.VersionFlag = &cli.BoolFlag{
		Name:  "version",
		Usage: "print the version",
	}

	app := &App{
		logger: logger,
		env:    env,
		getenv: os.Getenv,
		out:    os.Stdout,
	}
	app.cli = &cli.App{
		Name:      AppName,
		Usage:     "Run approval tests and compare their output with approved files",
		UsageText: AppName + " [options] | " + AppName + " command [options]",
		Flags:     append(runFlags(), globalFlags()...),
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") || ctx.Bool("x") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Action: app.run,
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "slave",
		Usage:  "Run one test on behalf of a master (started by dispatchers)",
		Hidden: true,
		Flags: append(runFlags(),
			&cli.StringFlag{
				Name:  "writedir",
				Usage: "Directory holding the application's sandboxes",
			},
		),
		Action: app.slave,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:  "list",
		Usage: "List previous runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "Only show runs whose descriptor contains this text",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "Maximum number of runs to show, 0 for all",
			},
		},
		Action: app.list,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "view",
		Usage:     "Show the results of a previous run",
		ArgsUsage: "[index|id|directory] [test...]",
		// Indexes such as -1 are not flags
		SkipFlagParsing: true,
		Action:          app.view,
	})
	app.cli.Commands = append(app.cli.Commands, resultCommands(app)...)
	return app
}

// logOutput is the console, and the personal rolling log when one is
// configured.
func logOutput(env config.Env) io.Writer {
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	}
	if env.PersonalLog == "" {
		return console
	}
	rolling := &lumberjack.Logger{
		Filename:   filepath.Join(env.PersonalLog, personalLogName),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(console, zerolog.ConsoleWriter{Out: rolling, NoColor: true, TimeFormat: time.RFC3339Nano})
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable verbose (debug) logging",
		},
		&cli.BoolFlag{
			Name:  "x",
			Usage: "Enable diagnostics, the same as --verbose",
		},
	}
}

// runFlags are shared by the run action and the slave command, which is
// given the same selection as its master.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "a", Usage: "Comma-separated applications to load"},
		&cli.StringFlag{Name: "v", Usage: "Comma-separated versions to apply"},
		&cli.StringFlag{Name: "c", Usage: "Location of the program under test, for relative executables"},
		&cli.StringFlag{Name: "d", Usage: "Test tree root directories, separated like PATH"},
		&cli.StringFlag{Name: "t", Usage: "Comma-separated substrings of test paths to select"},
		&cli.StringFlag{Name: "ts", Usage: "Comma-separated suites to select"},
		&cli.StringFlag{Name: "f", Usage: "File listing the tests to select"},
		&cli.StringFlag{Name: "b", Usage: "Batch session to run under"},
		&cli.StringFlag{Name: "reconnect", Usage: "Reconnect to a previous run in this directory"},
		&cli.BoolFlag{Name: "reconnfull", Usage: "Recompute results when reconnecting"},
		&cli.StringFlag{Name: "o", Usage: "Overwrite approved files, optionally for a version"},
		&cli.BoolFlag{Name: "n", Usage: "Also overwrite approved files of succeeding tests"},
		&cli.StringFlag{Name: "s", Usage: "Shell script to run in place of the program under test"},
		&cli.StringFlag{Name: "name", Usage: "Label for this run"},
		&cli.IntFlag{Name: "m", Value: 1, Usage: "Run each test this many times"},
		&cli.BoolFlag{Name: "keeptmp", Usage: "Keep sandboxes of succeeding tests"},
		&cli.BoolFlag{Name: "ignorecat", Usage: "Ignore catalogue files and copy test data in full"},
		&cli.BoolFlag{Name: "actrep", Usage: "Only report results, never save approved files"},
		&cli.StringFlag{Name: "q", Usage: "Queue system to use: local or pool"},
		&cli.BoolFlag{Name: "l", Usage: "Run tests in this process rather than through a queue"},
	}
}

// normalizeArgs lets -o go without a version: a bare -o followed by
// another flag, or by nothing, becomes -o=.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if (a == "-o" || a == "--o") && (i+1 == len(args) || strings.HasPrefix(args[i+1], "-")) {
			a = "-o="
		}
		out = append(out, a)
	}
	return out
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (a *App) close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

func (a *App) Run(args []string) error {
	a.args = args
	return a.cli.Run(normalizeArgs(args))
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if len(commit) >= 8 && commit != "none" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
