package sandbox

// This file contains interceptors: wrapper executables placed first on the
// SUT's PATH and proxy Python modules placed first on its PYTHONPATH. Both
// append what they see to the sandbox's traffic.<app> file and hand over to
// the real thing.

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/perfgo/texttest/testtree"
)

const trafficStem = "traffic"

func (m *Manager) installInterceptors(t *testtree.Test, lookup func(string) (string, bool)) (map[string]string, error) {
	cfg := t.App().Config
	commands := cfg.List("intercept_commands")
	modules := cfg.List("intercept_python_modules")
	if len(commands) == 0 && len(modules) == 0 {
		return nil, nil
	}
	dir := filepath.Join(t.FrameworkDir(), "interceptors")
	traffic := filepath.Join(t.Sandbox(), trafficStem+"."+t.App().Name)
	env := map[string]string{}

	if len(commands) > 0 {
		searchPath, _ := lookup("PATH")
		for _, cmd := range commands {
			target := findExecutable(cmd, searchPath)
			if err := writeIfChanged(filepath.Join(dir, cmd), commandInterceptor(cmd, target, traffic), 0o755); err != nil {
				return nil, fmt.Errorf("failed to install interceptor for %s: %w", cmd, err)
			}
			m.logger.Debug().Str("test", t.RelPath()).Str("command", cmd).Str("path", target).Msg("Installed command interceptor")
		}
		env["PATH"] = prependPath(dir, searchPath)
	}

	if len(modules) > 0 {
		pyDir := filepath.Join(dir, "python")
		seen := map[string]bool{}
		for _, module := range modules {
			top := strings.SplitN(module, ".", 2)[0]
			if seen[top] {
				continue
			}
			seen[top] = true
			if err := writeIfChanged(filepath.Join(pyDir, top+".py"), moduleInterceptor(top, traffic), 0o644); err != nil {
				return nil, fmt.Errorf("failed to install interceptor for module %s: %w", module, err)
			}
		}
		pythonPath, _ := lookup("PYTHONPATH")
		env["PYTHONPATH"] = prependPath(pyDir, pythonPath)
	}
	return env, nil
}

// findExecutable looks cmd up on searchPath, returning "" when it is not
// there.
func findExecutable(cmd, searchPath string) string {
	if strings.Contains(cmd, "/") {
		return cmd
	}
	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, cmd)
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return path
		}
	}
	if path, err := exec.LookPath(cmd); err == nil {
		return path
	}
	return ""
}

func commandInterceptor(cmd, target, traffic string) []byte {
	var b bytes.Buffer
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "printf '%%s\\n' \"<-CMD:%s $*\" >> %s\n", cmd, shellescape.Quote(traffic))
	if target == "" {
		fmt.Fprintf(&b, "echo %s >&2\nexit 127\n", shellescape.Quote(cmd+": command not found"))
	} else {
		fmt.Fprintf(&b, "exec %s \"$@\"\n", shellescape.Quote(target))
	}
	return b.Bytes()
}

func moduleInterceptor(module, traffic string) []byte {
	var b bytes.Buffer
	b.WriteString("import importlib, sys\n")
	fmt.Fprintf(&b, "with open(%q, \"a\") as _traffic:\n", traffic)
	fmt.Fprintf(&b, "    _traffic.write(\"<-PYT:import %s\\n\")\n", module)
	b.WriteString("_here = __file__.rsplit(\"/\", 1)[0]\n")
	b.WriteString("sys.path = [p for p in sys.path if p != _here]\n")
	fmt.Fprintf(&b, "del sys.modules[%q]\n", module)
	fmt.Fprintf(&b, "sys.modules[__name__] = importlib.import_module(%q)\n", module)
	return b.Bytes()
}

func prependPath(dir, list string) string {
	if list == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + list
}

// writeIfChanged leaves an identical existing file untouched so repeated
// preparation of the same sandbox gives the same result.
func writeIfChanged(path string, content []byte, perm os.FileMode) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return os.Chmod(path, perm)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, perm)
}
