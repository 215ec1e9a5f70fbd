package sandbox

// Package sandbox prepares the directory a test runs in: it backs up what a
// previous run left, brings in the test's data files by copying, linking or
// partially copying them, installs interceptors and exports the variables
// the program under test needs to find all of it.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/testtree"
)

// Environment variables exported to every test.
const (
	EnvSandbox     = "TEXTTEST_SANDBOX"
	EnvSandboxRoot = "TEXTTEST_SANDBOX_ROOT"
)

// Manager prepares sandboxes.
type Manager struct {
	logger           zerolog.Logger
	ignoreCatalogues bool
	symlink          func(oldname, newname string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithIgnoreCatalogues makes partial copies always copy in full.
func WithIgnoreCatalogues() Option {
	return func(m *Manager) {
		m.ignoreCatalogues = true
	}
}

// WithSymlink replaces the function used to create links. Links that fail
// are replaced by copies.
func WithSymlink(fn func(oldname, newname string) error) Option {
	return func(m *Manager) {
		m.symlink = fn
	}
}

// New returns a Manager.
func New(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{logger: logger, symlink: os.Symlink}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prepared describes a freshly prepared sandbox.
type Prepared struct {
	Dir string
	// Backup is where the previous sandbox was moved, if there was one
	Backup string
	// Env holds variables to export on top of the test's environment
	Env map[string]string
	// Snapshot is the sandbox content before the run, when catalogues are on
	Snapshot Snapshot
}

// Prepare builds t's sandbox.
func (m *Manager) Prepare(t *testtree.Test) (*Prepared, error) {
	dir := t.Sandbox()
	backup, err := Backup(dir)
	if err != nil {
		return nil, err
	}
	if backup != "" {
		m.logger.Debug().Str("test", t.RelPath()).Str("path", backup).Msg("Backed up previous sandbox")
	}
	if err := os.MkdirAll(t.FrameworkDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	env, err := t.Environment()
	if err != nil {
		return nil, err
	}
	lookup := func(name string) (string, bool) {
		if v, ok := env[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}

	p := &Prepared{Dir: dir, Backup: backup, Env: map[string]string{
		EnvSandbox:     dir,
		EnvSandboxRoot: t.App().WriteDir,
	}}
	cfg := t.App().Config
	placed := map[string]string{}
	for _, step := range []struct {
		key   string
		place func(t *testtree.Test, src, dst string) error
	}{
		{"copy_test_path", m.copyPath},
		{"partial_copy_test_path", m.partialCopy},
		{"link_test_path", m.link},
	} {
		for _, name := range cfg.List(step.key) {
			name = config.Expand(name, lookup)
			src, ok := FindDataPath(t, name)
			if !ok {
				m.logger.Debug().Str("test", t.RelPath()).Str("path", name).Msg("No test data found")
				continue
			}
			dst := filepath.Join(dir, filepath.Base(name))
			if _, err := os.Lstat(dst); err == nil {
				continue
			}
			if err := step.place(t, src, dst); err != nil {
				return nil, fmt.Errorf("failed to bring %s into the sandbox: %w", name, err)
			}
			placed[name] = dst
		}
	}

	for variable, name := range cfg.StemValues("test_data_environment") {
		name = config.Expand(name, lookup)
		if dst, ok := placed[name]; ok {
			p.Env[variable] = dst
		} else if src, ok := FindDataPath(t, name); ok {
			p.Env[variable] = src
		}
	}

	intercepted, err := m.installInterceptors(t, lookup)
	if err != nil {
		return nil, err
	}
	for k, v := range intercepted {
		p.Env[k] = v
	}

	if cfg.Bool("create_catalogues") {
		if p.Snapshot, err = TakeSnapshot(dir, t.App().Name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Backup renames an existing sandbox to <dir>.backup.<n>, n being the
// lowest unused positive number, and returns the new name. It returns ""
// when there is nothing to back up.
func Backup(dir string) (string, error) {
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return "", nil
	}
	for n := 1; ; n++ {
		name := dir + ".backup." + strconv.Itoa(n)
		if _, err := os.Lstat(name); os.IsNotExist(err) {
			if err := os.Rename(dir, name); err != nil {
				return "", fmt.Errorf("failed to back up sandbox: %w", err)
			}
			return name, nil
		}
	}
}

// FindDataPath resolves a data file name for t. Absolute names are used as
// they are; relative ones are looked up in the test's directory and then in
// each enclosing suite, a versioned <name>.<app> variant winning over the
// plain name.
func FindDataPath(t *testtree.Test, name string) (string, bool) {
	if filepath.IsAbs(name) {
		_, err := os.Stat(name)
		return name, err == nil
	}
	for n := t; n != nil; n = n.Parent() {
		if path, ok := n.FileName(name); ok {
			return path, true
		}
		path := filepath.Join(n.Dir(), name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (m *Manager) copyPath(_ *testtree.Test, src, dst string) error {
	return CopyTree(src, dst)
}

func (m *Manager) link(_ *testtree.Test, src, dst string) error {
	if err := m.symlink(src, dst); err != nil {
		m.logger.Debug().Err(err).Str("path", dst).Msg("Linking failed, copying instead")
		return CopyTree(src, dst)
	}
	return nil
}

// CopyTree copies src to dst. Directories are copied recursively, symbolic
// links are recreated rather than followed, and modification times are
// kept.
func CopyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := CopyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
	default:
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return err
		}
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
