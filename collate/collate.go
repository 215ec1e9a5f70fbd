package collate

// Package collate maps the files a program under test wrote into its
// sandbox onto the stems the framework compares. Targets and sources come
// from collate_file in the order they are written; wildcards in a source
// carry over into a wildcard target, one target per matching file.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// Before records the modification times of collation sources that existed
// before the program ran.
type Before map[string]time.Time

// ScriptError reports a collate script that failed or was killed.
type ScriptError struct {
	Script  string
	Sources []string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("collation script %s failed: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// Is makes a ScriptError match model.ErrRun.
func (e *ScriptError) Is(target error) bool {
	return target == model.ErrRun
}

// BriefText is the brief text of the killed state.
func (e *ScriptError) BriefText() string {
	return "KILLED (" + filepath.Base(e.Script) + ")"
}

// FreeText is the free text of the killed state.
func (e *ScriptError) FreeText() string {
	return "Killed collation script '" + e.Script + "'\n while collating file(s) at " + strings.Join(e.Sources, ",") + "\n"
}

// Engine collates files for tests.
type Engine struct {
	logger zerolog.Logger
}

// New returns an Engine.
func New(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

type source struct {
	pattern string
	literal bool
}

type collation struct {
	target  string
	sources []source
}

// Snapshot records which collation sources already exist in t's sandbox.
// Files unchanged since then are never collated.
func (e *Engine) Snapshot(t *testtree.Test) (Before, error) {
	before := Before{}
	cfg := t.App().Config.StemLists("collate_file")
	for _, target := range cfg.Keys() {
		for _, pattern := range cfg.Get(target) {
			paths, err := findPaths(t, pattern)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				if info, err := os.Stat(p); err == nil {
					before[p] = info.ModTime()
				}
			}
		}
	}
	return before, nil
}

// Collate writes every configured target whose source was created or
// edited since before was taken, then removes discarded files and
// compresses large ones. A failing collate script is reported as a
// *ScriptError after the remaining targets have been collated.
func (e *Engine) Collate(ctx context.Context, t *testtree.Test, before Before) error {
	collations, err := expand(t)
	if err != nil {
		return err
	}
	var scriptErr error
	for _, c := range collations {
		sources, err := editedFiles(t, c.sources, before)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			continue
		}
		e.logger.Debug().Str("test", t.RelPath()).Str("stem", c.target).Strs("sources", sources).Msg("Collating")
		if err := e.extract(ctx, t, c.target, sources); err != nil {
			var se *ScriptError
			if !errors.As(err, &se) {
				return err
			}
			if scriptErr == nil {
				scriptErr = err
			}
		}
	}
	if err := e.removeUnwanted(t); err != nil {
		return err
	}
	if err := e.compress(t); err != nil {
		return err
	}
	return scriptErr
}

func hasMagic(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// expand resolves wildcard targets into one collation per matching source
// file, keeping the authored order of targets.
func expand(t *testtree.Test) ([]collation, error) {
	cfg := t.App().Config.StemLists("collate_file")
	var out []collation
	index := map[string]int{}
	add := func(target string, sources ...source) {
		if i, ok := index[target]; ok {
			out[i].sources = append(out[i].sources, sources...)
			return
		}
		index[target] = len(out)
		out = append(out, collation{target: target, sources: sources})
	}
	for _, target := range cfg.Keys() {
		patterns := cfg.Get(target)
		if !hasMagic(target) {
			var sources []source
			for _, p := range patterns {
				sources = append(sources, source{pattern: p})
			}
			if i, ok := index[target]; ok {
				out[i].sources = sources
			} else {
				add(target, sources...)
			}
			continue
		}
		for _, pattern := range patterns {
			paths, err := findPaths(t, pattern)
			if err != nil {
				return nil, err
			}
			for _, p := range paths {
				rel, err := filepath.Rel(t.Sandbox(), p)
				if err != nil {
					return nil, err
				}
				add(TargetStem(target, pattern, filepath.ToSlash(rel)), source{pattern: p, literal: true})
			}
		}
	}
	return out, nil
}

// findPaths returns the regular files in t's sandbox matching pattern, in
// lexical order. The pattern "*" leaves out files already named after one
// of the application's stems.
func findPaths(t *testtree.Test, pattern string) ([]string, error) {
	dir := t.Sandbox()
	matches, err := doublestar.Glob(os.DirFS(dir), filepath.ToSlash(pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: bad collation pattern %q: %v", model.ErrConfiguration, pattern, err)
	}
	sort.Strings(matches)
	var out []string
	for _, m := range matches {
		path := filepath.Join(dir, filepath.FromSlash(m))
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if pattern == "*" && alreadyCollated(m, t.App().Name) {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

func alreadyCollated(name, app string) bool {
	parts := strings.Split(filepath.Base(name), ".")
	return len(parts) > 1 && parts[1] == app
}

func editedFiles(t *testtree.Test, sources []source, before Before) ([]string, error) {
	var out []string
	for _, s := range sources {
		var paths []string
		if s.literal {
			if info, err := os.Stat(s.pattern); err == nil && info.Mode().IsRegular() {
				paths = []string{s.pattern}
			}
		} else {
			var err error
			if paths, err = findPaths(t, s.pattern); err != nil {
				return nil, err
			}
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			if old, ok := before[p]; ok && old.Equal(info.ModTime()) {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) extract(ctx context.Context, t *testtree.Test, stem string, sources []string) error {
	app := t.App().Name
	target := filepath.Join(t.Sandbox(), stem+"."+app)
	errFile := filepath.Join(t.FrameworkDir(), stem+"."+app+".collate_errs")
	scripts := t.App().Config.CompositeList("collate_script", stem)
	if len(scripts) == 0 {
		if len(sources) > 1 {
			e.logger.Warn().Str("test", t.RelPath()).Str("stem", stem).Strs("sources", sources).
				Msg("Multiple files found but no collate_script is defined, using the first")
		}
		return copyFile(sources[0], target)
	}
	if err := os.MkdirAll(t.FrameworkDir(), 0o755); err != nil {
		return err
	}
	env, err := t.Environment()
	if err != nil {
		return err
	}
	runErr := e.runScripts(ctx, t, scripts, sources, target, errFile, config.MergeEnv(os.Environ(), env))

	if runErr == nil && emptyOutput(sources, target, errFile) {
		_ = os.Remove(target)
	}
	if data, err := os.ReadFile(errFile); err == nil && len(data) > 0 {
		e.logger.Warn().Str("test", t.RelPath()).Str("stem", stem).Str("errors", strings.TrimSpace(string(data))).
			Msg("Errors occurred running collate_script(s) " + strings.Join(scripts, " and "))
	}
	return runErr
}

// runScripts chains scripts: the first reads the sources named on its
// command line, each later one reads its predecessor's output, and the last
// writes target. Earlier scripts' stderr joins their stdout.
func (e *Engine) runScripts(ctx context.Context, t *testtree.Test, scripts, sources []string, target, errFile string, env []string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()
	errOut, err := os.Create(errFile)
	if err != nil {
		return err
	}
	defer errOut.Close()

	var cmds []*exec.Cmd
	var names []string
	var stdin io.Reader
	var toClose []io.Closer
	defer func() {
		for _, c := range toClose {
			_ = c.Close()
		}
	}()
	for i, script := range scripts {
		args, err := testtree.SplitArgs(script)
		if err != nil || len(args) == 0 {
			return fmt.Errorf("%w: bad collate_script %q", model.ErrConfiguration, script)
		}
		if i == 0 {
			args = append(args, sources...)
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = t.Sandbox()
		cmd.Env = env
		cmd.Stdin = stdin
		if i == len(scripts)-1 {
			cmd.Stdout = out
			cmd.Stderr = errOut
		} else {
			r, w, err := os.Pipe()
			if err != nil {
				return err
			}
			cmd.Stdout = w
			cmd.Stderr = w
			stdin = r
			toClose = append(toClose, r, w)
		}
		cmds = append(cmds, cmd)
		names = append(names, args[0])
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			_ = os.Remove(target)
			msg := "Could not find extract script '" + scripts[i] + "', not extracting file(s) at\n" + strings.Join(sources, ",") + "\n"
			_, _ = errOut.WriteString(msg)
			e.logger.Warn().Str("test", t.RelPath()).Str("script", scripts[i]).Msg("Could not start collate script")
			for _, started := range cmds[:i] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			return nil
		}
	}
	// The parent's copies of the pipe ends must go for readers to see EOF.
	for _, c := range toClose {
		_ = c.Close()
	}
	toClose = nil

	var first error
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil && first == nil {
			first = &ScriptError{Script: names[i], Sources: sources, Err: err}
		}
	}
	return first
}

// emptyOutput reports whether scripts turned non-empty sources into an
// empty target without complaining.
func emptyOutput(sources []string, target, errFile string) bool {
	nonEmpty := false
	for _, s := range sources {
		if info, err := os.Stat(s); err == nil && info.Size() > 0 {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return false
	}
	if info, err := os.Stat(target); err != nil || info.Size() != 0 {
		return false
	}
	info, err := os.Stat(errFile)
	return err == nil && info.Size() == 0
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
