package sandbox

// This file contains mirroring of a prepared sandbox to the machine the
// program under test runs on, and fetching the results back.

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"al.essio.dev/pkg/shellescape"

	"github.com/perfgo/texttest/testtree"
)

// Transport reaches a remote machine.
type Transport interface {
	Host() string
	RunCommand(ctx context.Context, command string) (string, error)
	// SyncToRemote replaces the content of remoteDir with that of localDir
	SyncToRemote(ctx context.Context, localDir, remoteDir string) error
	// SyncFromRemote copies the content of remoteDir into localDir
	SyncFromRemote(ctx context.Context, remoteDir, localDir string) error
	CopyFile(ctx context.Context, localPath, remotePath string) error
}

// RemoteDir is where t's sandbox lives below remoteRoot.
func RemoteDir(t *testtree.Test, remoteRoot string) string {
	return path.Join(remoteRoot, t.App().FullName(), t.RelPath())
}

// Mirrored holds the remote locations of a mirrored sandbox.
type Mirrored struct {
	Sandbox string
	// Executable is the remote copy of the executable, or the configured
	// value when it is not a local file
	Executable string
}

// Mirror copies t's prepared sandbox, and the executable when it is a local
// file, to the machine behind tr.
func (m *Manager) Mirror(ctx context.Context, t *testtree.Test, tr Transport, remoteRoot string) (Mirrored, error) {
	out := Mirrored{
		Sandbox:    RemoteDir(t, remoteRoot),
		Executable: t.App().Config.String("executable"),
	}
	m.logger.Debug().Str("test", t.RelPath()).Str("host", tr.Host()).Str("path", out.Sandbox).Msg("Mirroring sandbox")
	quoted := shellescape.Quote(out.Sandbox)
	if _, err := tr.RunCommand(ctx, "rm -rf "+quoted+" && mkdir -p "+quoted); err != nil {
		return Mirrored{}, fmt.Errorf("failed to create remote sandbox on %s: %w", tr.Host(), err)
	}
	if err := tr.SyncToRemote(ctx, t.Sandbox(), out.Sandbox); err != nil {
		return Mirrored{}, fmt.Errorf("failed to mirror sandbox to %s: %w", tr.Host(), err)
	}

	if info, err := os.Stat(out.Executable); err == nil && info.Mode().IsRegular() && filepath.IsAbs(out.Executable) {
		binDir := path.Join(remoteRoot, "bin")
		if _, err := tr.RunCommand(ctx, "mkdir -p "+shellescape.Quote(binDir)); err != nil {
			return Mirrored{}, fmt.Errorf("failed to create remote bin directory on %s: %w", tr.Host(), err)
		}
		remoteExe := path.Join(binDir, filepath.Base(out.Executable))
		if err := tr.CopyFile(ctx, out.Executable, remoteExe); err != nil {
			return Mirrored{}, fmt.Errorf("failed to copy executable to %s: %w", tr.Host(), err)
		}
		out.Executable = remoteExe
	}
	return out, nil
}

// Fetch brings the remote sandbox's content back into t's local sandbox.
func (m *Manager) Fetch(ctx context.Context, t *testtree.Test, tr Transport, remote string) error {
	if err := tr.SyncFromRemote(ctx, remote, t.Sandbox()); err != nil {
		return fmt.Errorf("failed to fetch sandbox from %s: %w", tr.Host(), err)
	}
	return nil
}
