package ssh

// Package ssh runs commands on, and moves directory trees to and from,
// remote machines through the system's ssh and scp programs. Connections
// are multiplexed over one master connection per host unless that is
// turned off.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// Client manages an SSH connection to a specific remote host.
type Client struct {
	logger         zerolog.Logger
	host           string
	shellProgram   string
	copyProgram    string
	multiplex      bool
	controlPath    string
	identityFile   string
	knownHostsFile string
	proxyCommand   string
	extraOptions   []string
}

// SSHOption is a function that configures an SSH client.
type SSHOption func(*Client)

// WithIdentityFile sets the identity file (private key) to use for authentication.
func WithIdentityFile(path string) SSHOption {
	return func(c *Client) {
		c.identityFile = path
	}
}

// WithKnownHostsFile sets the known hosts file to use for host verification.
func WithKnownHostsFile(path string) SSHOption {
	return func(c *Client) {
		c.knownHostsFile = path
	}
}

// WithProxyCommand sets a proxy command for the SSH connection.
func WithProxyCommand(command string) SSHOption {
	return func(c *Client) {
		c.proxyCommand = command
	}
}

// WithExtraOptions adds extra SSH options to the connection.
func WithExtraOptions(options ...string) SSHOption {
	return func(c *Client) {
		c.extraOptions = append(c.extraOptions, options...)
	}
}

// WithPrograms replaces the remote shell and remote copy programs.
func WithPrograms(shell, cp string) SSHOption {
	return func(c *Client) {
		if shell != "" {
			c.shellProgram = shell
		}
		if cp != "" {
			c.copyProgram = cp
		}
	}
}

// WithoutMultiplexing opens a fresh connection for every command.
func WithoutMultiplexing() SSHOption {
	return func(c *Client) {
		c.multiplex = false
	}
}

// New creates a new SSH client and, unless turned off, establishes a
// multiplexed connection to the host.
func New(logger zerolog.Logger, host string, opts ...SSHOption) (*Client, error) {
	c := &Client{
		logger:       logger,
		host:         host,
		shellProgram: "ssh",
		copyProgram:  "scp",
		multiplex:    true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.multiplex {
		controlPath, err := c.setupMultiplexing()
		if err != nil {
			return nil, fmt.Errorf("failed to setup SSH multiplexing: %w", err)
		}
		c.controlPath = controlPath
	}

	return c, nil
}

// Close closes the SSH connection and cleans up the control socket.
func (c *Client) Close() {
	if c.controlPath == "" {
		return
	}
	c.logger.Debug().Str("controlPath", c.controlPath).Msg("Cleaning up SSH multiplexing")

	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
		"-O", "exit",
		c.host,
	}
	cmd := exec.Command(c.shellProgram, args...)
	_ = cmd.Run()

	_ = os.Remove(c.controlPath)
}

// Command returns the command running command on the remote host without
// starting it.
func (c *Client) Command(ctx context.Context, command string) *exec.Cmd {
	args := c.buildSSHArgs()
	args = append(args, c.host, command)
	return exec.CommandContext(ctx, c.shellProgram, args...)
}

// RunCommand executes a command on the remote host and returns the output.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	stdout, _, err := c.RunCommandWithStderr(ctx, command)
	return stdout, err
}

// RunCommandWithStderr executes a command on the remote host and returns both stdout and stderr.
func (c *Client) RunCommandWithStderr(ctx context.Context, command string) (stdout, stderr string, err error) {
	cmd := c.Command(ctx, command)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	c.logger.Debug().
		Str("host", c.host).
		Str("command", command).
		Msg("Running remote command")

	if err := cmd.Run(); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("command failed: %w (stderr: %s)", err, stderrBuf.String())
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// buildSSHArgs constructs the SSH arguments with all configured options.
func (c *Client) buildSSHArgs() []string {
	args := []string{}

	if c.controlPath != "" {
		args = append(args,
			"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
			"-o", "ControlMaster=no",
		)
	}

	if c.identityFile != "" {
		args = append(args, "-i", c.identityFile)
	}

	if c.knownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", c.knownHostsFile))
	}

	if c.proxyCommand != "" {
		args = append(args, "-o", fmt.Sprintf("ProxyCommand=%s", c.proxyCommand))
	}

	for _, opt := range c.extraOptions {
		args = append(args, "-o", opt)
	}

	return args
}

// DetectSystem detects the OS and architecture of the remote system,
// normalised to Go's GOOS and GOARCH names.
func (c *Client) DetectSystem(ctx context.Context) (string, string, error) {
	out, err := c.RunCommand(ctx, "uname -s; uname -m")
	if err != nil {
		return "", "", fmt.Errorf("failed to detect system: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("unexpected uname output %q", out)
	}

	osName := strings.ToLower(fields[0])
	arch := fields[1]
	switch arch {
	case "x86_64", "amd64":
		arch = "amd64"
	case "aarch64", "arm64":
		arch = "arm64"
	case "i386", "i686":
		arch = "386"
	case "armv7l":
		arch = "arm"
	}

	return osName, arch, nil
}

// SyncToRemote copies the content of localDir into remoteDir, streaming a
// tar archive through the connection.
func (c *Client) SyncToRemote(ctx context.Context, localDir, remoteDir string) error {
	c.logger.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Msg("Syncing directory to remote host")

	archive := exec.CommandContext(ctx, "tar", "-C", localDir, "-czf", "-", ".")
	q := shellescape.Quote(remoteDir)
	return c.pipeToRemote(ctx, archive, fmt.Sprintf("mkdir -p %s && cd %s && tar -xzf -", q, q))
}

// SyncGitTree copies the tracked and untracked, not ignored, files of the
// git working tree at localDir to remoteDir.
func (c *Client) SyncGitTree(ctx context.Context, localDir, remoteDir string) error {
	check := exec.CommandContext(ctx, "git", "-C", localDir, "rev-parse", "--git-dir")
	if err := check.Run(); err != nil {
		return fmt.Errorf("not in a git repository: %w", err)
	}

	c.logger.Info().
		Str("local", localDir).
		Str("remote", remoteDir).
		Msg("Syncing git working tree to remote host")

	archive := exec.CommandContext(ctx, "sh", "-c",
		"(git ls-files -z; git ls-files --others --exclude-standard -z) | tar --null -T - -czf -",
	)
	archive.Dir = localDir
	q := shellescape.Quote(remoteDir)
	return c.pipeToRemote(ctx, archive, fmt.Sprintf("mkdir -p %s && cd %s && tar -xzf -", q, q))
}

// pipeToRemote runs archive locally with its output as the input of
// command on the remote host.
func (c *Client) pipeToRemote(ctx context.Context, archive *exec.Cmd, command string) error {
	sshCmd := c.Command(ctx, command)

	pipe, err := archive.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	sshCmd.Stdin = pipe

	var archiveStderr, sshStderr bytes.Buffer
	archive.Stderr = &archiveStderr
	sshCmd.Stderr = &sshStderr

	if err := sshCmd.Start(); err != nil {
		return fmt.Errorf("failed to start SSH: %w (stderr: %s)", err, sshStderr.String())
	}

	if err := archive.Start(); err != nil {
		_ = sshCmd.Process.Kill()
		_ = sshCmd.Wait()
		return fmt.Errorf("failed to start archive: %w (stderr: %s)", err, archiveStderr.String())
	}

	if err := archive.Wait(); err != nil {
		_ = sshCmd.Wait()
		return fmt.Errorf("archive failed: %w (stderr: %s)", err, archiveStderr.String())
	}

	if err := sshCmd.Wait(); err != nil {
		return fmt.Errorf("failed to extract on remote: %w (stderr: %s)", err, sshStderr.String())
	}

	return nil
}

// SyncFromRemote copies the content of remoteDir into localDir.
func (c *Client) SyncFromRemote(ctx context.Context, remoteDir, localDir string) error {
	c.logger.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Msg("Syncing directory from remote host")

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", localDir, err)
	}
	sshCmd := c.Command(ctx, fmt.Sprintf("cd %s && tar -czf - .", shellescape.Quote(remoteDir)))
	extract := exec.CommandContext(ctx, "tar", "-C", localDir, "-xzf", "-")

	pipe, err := sshCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	extract.Stdin = pipe

	var sshStderr, extractStderr bytes.Buffer
	sshCmd.Stderr = &sshStderr
	extract.Stderr = &extractStderr

	if err := extract.Start(); err != nil {
		return fmt.Errorf("failed to start extraction: %w", err)
	}
	if err := sshCmd.Start(); err != nil {
		_ = extract.Process.Kill()
		_ = extract.Wait()
		return fmt.Errorf("failed to start SSH: %w", err)
	}
	if err := sshCmd.Wait(); err != nil {
		_ = extract.Wait()
		return fmt.Errorf("failed to archive on remote: %w (stderr: %s)", err, sshStderr.String())
	}
	if err := extract.Wait(); err != nil {
		return fmt.Errorf("failed to extract locally: %w (stderr: %s)", err, extractStderr.String())
	}
	return nil
}

// CopyFile copies a local file to remotePath keeping its mode.
func (c *Client) CopyFile(ctx context.Context, localPath, remotePath string) error {
	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("Copying file to remote host")

	args := c.buildSSHArgs()
	args = append(args, "-p", localPath, fmt.Sprintf("%s:%s", c.host, remotePath))
	cmd := exec.CommandContext(ctx, c.copyProgram, args...)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to copy %s: %w (stderr: %s)", filepath.Base(localPath), err, stderr.String())
	}
	return nil
}

// Host returns the remote host this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// ControlPath returns the SSH control socket path, empty without
// multiplexing.
func (c *Client) ControlPath() string {
	return c.controlPath
}

// setupMultiplexing establishes an SSH master connection for multiplexing.
func (c *Client) setupMultiplexing() (string, error) {
	controlDir := controlSocketDir()

	if err := os.MkdirAll(controlDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create control directory: %w", err)
	}

	// Unix domain socket paths are limited to about 104 characters.
	hash := sha256.Sum256([]byte(c.host))
	hostHash := hex.EncodeToString(hash[:])[:12]
	controlPath := filepath.Join(controlDir, fmt.Sprintf("ssh-%s", hostHash))

	c.logger.Debug().
		Str("host", c.host).
		Str("controlPath", controlPath).
		Msg("Setting up SSH multiplexing")

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", controlPath),
		"-o", "ControlPersist=30s",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
	}
	c.controlPath = ""
	args = append(args, c.buildSSHArgs()...)
	args = append(args,
		"-f", // Run in background
		"-N", // Don't execute a remote command
		c.host,
	)

	cmd := exec.Command(c.shellProgram, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to establish SSH master connection: %w (stderr: %s)", err, stderr.String())
	}

	c.logger.Debug().Str("host", c.host).Msg("SSH master connection established")
	return controlPath, nil
}

// controlSocketDir returns the directory to use for SSH control sockets.
func controlSocketDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "texttest")
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home := os.Getenv("HOME"); home != "" {
			configHome = filepath.Join(home, ".config")
		}
	}

	if configHome != "" {
		return filepath.Join(configHome, "texttest")
	}

	return filepath.Join(os.TempDir(), "texttest")
}
