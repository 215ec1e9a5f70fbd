package cli

// This file contains running tests through a queue system: slaves on this
// machine or on claimed pool machines, driven by a master.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/cli/k8s"
	"github.com/perfgo/texttest/cli/ssh"
	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/dispatch"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/sandbox"
	"github.com/perfgo/texttest/state"
	"github.com/perfgo/texttest/testtree"
)

// slaveLogDir holds the slaves' captured output inside the run directory.
const slaveLogDir = "slavelogs"

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// runQueued submits every selected test as a slave job and waits for all
// of them. The first application's configuration drives the queue.
func (a *App) runQueued(ctx context.Context, queue string, sel []selected, states *state.Run, opts options, runDir string) error {
	cfg := sel[0].app.Config
	var tests []*testtree.Test
	for _, s := range sel {
		tests = append(tests, s.tests...)
	}

	listen := "127.0.0.1:0"
	var d dispatch.Dispatcher
	masterOpts := []dispatch.MasterOption{
		dispatch.WithPollInterval(seconds(cfg.Float("queue_poll_interval"))),
		dispatch.WithQuitGracePeriod(time.Duration(cfg.Int("kill_grace_period")) * time.Second),
		dispatch.WithMaxCapacity(cfg.Int("queue_system_max_capacity")),
	}
	if limit := cfg.Int("kill_timeout"); limit > 0 {
		// The slave enforces the limit itself; the master steps in only
		// when it has not reported by the end of the grace period.
		masterOpts = append(masterOpts, dispatch.WithKillTimeout(time.Duration(limit+cfg.Int("kill_grace_period"))*time.Second))
	}

	switch queue {
	case "local":
		local, err := dispatch.NewLocal(a.logger, dispatch.WithGracePeriod(time.Duration(cfg.Int("kill_grace_period"))*time.Second))
		if err != nil {
			return err
		}
		d = local
	case "pool":
		pool, err := a.newPool(ctx, sel, cfg, opts, runDir)
		if err != nil {
			return err
		}
		d = pool
		listen = ":0"
		host := cfg.String("pool_master_address")
		if host == "" {
			if host, err = os.Hostname(); err != nil {
				return fmt.Errorf("%w: failed to find the master's host name: %v", model.ErrConfiguration, err)
			}
		}
		masterOpts = append(masterOpts, dispatch.WithAdvertiseHost(host))
	}

	server, err := dispatch.Listen(a.logger, listen)
	if err != nil {
		return fmt.Errorf("%w: failed to listen for slaves: %v", model.ErrInfrastructure, err)
	}
	defer server.Close()

	logDir := filepath.Join(runDir, slaveLogDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSetup, err)
	}
	master := dispatch.NewMaster(a.logger, d, states, server, submission(opts, logDir), masterOpts...)
	a.logger.Info().Str("queue", d.Name()).Int("tests", len(tests)).Str("address", master.Address()).Msg("Submitting tests")
	return master.Run(ctx, tests)
}

// submission describes the slave running t: the slave command with the
// selection options that affect a single test.
func submission(opts options, logDir string) func(t *testtree.Test) dispatch.Submission {
	return func(t *testtree.Test) dispatch.Submission {
		app := t.App()
		args := []string{"slave", "-a", app.Name, "-d", app.Root, "-writedir", app.WriteDir}
		if len(app.Versions) > 0 {
			args = append(args, "-v", strings.Join(app.Versions, ","))
		}
		if opts.checkout != "" {
			args = append(args, "-c", opts.checkout)
		}
		if opts.overwrite {
			args = append(args, "-o="+opts.overwriteVersion)
		}
		if opts.overwriteSuccess {
			args = append(args, "-n")
		}
		if opts.reportOnly {
			args = append(args, "-actrep")
		}
		if opts.ignoreCat {
			args = append(args, "-ignorecat")
		}
		if opts.script != "" {
			args = append(args, "-s", opts.script)
		}
		args = append(args, t.RelPath())
		return dispatch.Submission{
			Args: args,
			Env: map[string]string{
				sandbox.EnvSandbox:     t.Sandbox(),
				sandbox.EnvSandboxRoot: app.WriteDir,
			},
			LogDir:  logDir,
			Rules:   app.Config.List("queue_system_resource"),
			Sandbox: t.Sandbox(),
		}
	}
}

// newPool claims the pool machines and mirrors the test trees, the
// checkout and the run directory onto them.
func (a *App) newPool(ctx context.Context, sel []selected, cfg *config.Config, opts options, runDir string) (*dispatch.Pool, error) {
	inventory, err := a.inventory(sel[0].app)
	if err != nil {
		return nil, err
	}
	var trees []dispatch.Tree
	roots := map[string]bool{}
	for _, s := range sel {
		if roots[s.app.Root] {
			continue
		}
		roots[s.app.Root] = true
		trees = append(trees, dispatch.Tree{Local: s.app.Root, Name: fmt.Sprintf("tests%d", len(roots))})
	}
	if opts.checkout != "" {
		trees = append(trees, dispatch.Tree{Local: opts.checkout, Name: "checkout", Git: true})
	}
	trees = append(trees, dispatch.Tree{Local: runDir, Name: "sandboxes", Output: true})

	return dispatch.NewPool(ctx, a.logger, dispatch.NewClaimer(a.logger, inventory),
		cfg.List("queue_system_resource"), cfg.Int("queue_system_max_capacity"),
		dispatch.WithUser(cfg.String("pool_user")),
		dispatch.WithRemoteRoot(cfg.String("pool_remote_root")),
		dispatch.WithTrees(trees...),
		dispatch.WithSSHOptions(sshOptions(cfg)...),
	)
}

// inventory returns where the pool machines are listed: an inventory file,
// relative to the application root, or the nodes of a Kubernetes cluster.
func (a *App) inventory(app *testtree.Application) (dispatch.Inventory, error) {
	cfg := app.Config
	if path := cfg.String("pool_inventory_file"); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(app.Root, path)
		}
		return dispatch.NewFileInventory(path), nil
	}
	if kubeContext, selector := cfg.String("pool_kube_context"), cfg.String("pool_node_selector"); kubeContext != "" || selector != "" {
		return dispatch.NewKubeInventory(k8s.New(kubeContext), selector), nil
	}
	return nil, fmt.Errorf("%w: the pool queue needs pool_inventory_file or pool_kube_context", model.ErrConfiguration)
}

// sshOptions are the remote shell settings of cfg.
func sshOptions(cfg *config.Config) []ssh.SSHOption {
	opts := []ssh.SSHOption{
		ssh.WithPrograms(cfg.String("remote_shell_program"), cfg.String("remote_copy_program")),
		ssh.WithExtraOptions(cfg.List("remote_shell_options")...),
	}
	if path := cfg.String("remote_identity_file"); path != "" {
		opts = append(opts, ssh.WithIdentityFile(path))
	}
	if path := cfg.String("remote_known_hosts_file"); path != "" {
		opts = append(opts, ssh.WithKnownHostsFile(path))
	}
	if command := cfg.String("remote_proxy_command"); command != "" {
		opts = append(opts, ssh.WithProxyCommand(command))
	}
	return opts
}

// dialer keeps one ssh client per remote host.
type dialer struct {
	logger  zerolog.Logger
	options []ssh.SSHOption

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func newDialer(logger zerolog.Logger, cfg *config.Config) *dialer {
	return &dialer{
		logger:  logger,
		options: sshOptions(cfg),
		clients: map[string]*ssh.Client{},
	}
}

func (d *dialer) dial(host string) (sandbox.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[host]; ok {
		return c, nil
	}
	c, err := ssh.New(d.logger.With().Str("host", host).Logger(), host, d.options...)
	if err != nil {
		return nil, err
	}
	d.clients[host] = c
	return c, nil
}

// Close closes every client.
func (d *dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for host, c := range d.clients {
		c.Close()
		delete(d.clients, host)
	}
	return nil
}
