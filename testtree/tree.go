package testtree

// Package testtree loads an application's test tree from disk. The
// Application owns every node in an arena; nodes refer to their parent and
// children by index, so a Test is never reached through a cycle.

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

// Application binds a program under test to its test tree and configuration.
type Application struct {
	Name     string
	Versions []string
	// Directory holding config.<name> and testsuite.<name>
	Root   string
	Config *config.Config
	// Sibling applications sharing this tree under an extra version
	Extras []*Application

	// WriteDir is the application's directory inside the run directory.
	// Sandboxes live below it at each test's relative path.
	WriteDir string

	logger zerolog.Logger
	nodes  []*Test
}

// Load reads the application name rooted at root with the given versions,
// including its extra-version siblings.
func Load(logger zerolog.Logger, registry *config.Registry, root, name string, versions []string) (*Application, error) {
	app, err := load(logger, registry, root, name, versions)
	if err != nil {
		return nil, err
	}
	for _, extra := range app.Config.List("extra_version") {
		sibling, err := load(logger, registry, root, name, append(append([]string(nil), versions...), extra))
		if err != nil {
			return nil, fmt.Errorf("failed to load extra version %s: %w", extra, err)
		}
		app.Extras = append(app.Extras, sibling)
	}
	return app, nil
}

func load(logger zerolog.Logger, registry *config.Registry, root, name string, versions []string) (*Application, error) {
	cfg, err := config.Load(registry, root, name, versions)
	if err != nil {
		return nil, err
	}
	app := &Application{
		Name:     name,
		Versions: versions,
		Root:     root,
		Config:   cfg,
		logger:   logger.With().Str("app", name).Logger(),
	}
	if err := app.buildTree(); err != nil {
		return nil, err
	}
	return app, nil
}

// NewApplication builds an application from an already loaded configuration.
func NewApplication(logger zerolog.Logger, root, name string, versions []string, cfg *config.Config) (*Application, error) {
	app := &Application{Name: name, Versions: versions, Root: root, Config: cfg, logger: logger}
	if err := app.buildTree(); err != nil {
		return nil, err
	}
	return app, nil
}

// FullName is the application name followed by its versions, as used for
// the application's directory in a run.
func (a *Application) FullName() string {
	if len(a.Versions) == 0 {
		return a.Name
	}
	return a.Name + "." + strings.Join(a.Versions, ".")
}

// VersionString returns the versions joined by dots.
func (a *Application) VersionString() string {
	return strings.Join(a.Versions, ".")
}

// RootSuite returns the top-level suite.
func (a *Application) RootSuite() *Test {
	return a.nodes[0]
}

// Find returns the test at relPath.
func (a *Application) Find(relPath string) (*Test, bool) {
	relPath = filepath.ToSlash(relPath)
	for _, t := range a.nodes {
		if t.RelPath() == relPath {
			return t, true
		}
	}
	return nil, false
}

// TestCases returns every test case in tree order.
func (a *Application) TestCases() []*Test {
	var out []*Test
	a.RootSuite().Walk(func(t *Test) {
		if !t.IsSuite() {
			out = append(out, t)
		}
	})
	return out
}

func (a *Application) buildTree() error {
	a.nodes = []*Test{{app: a, id: 0, parent: -1, suite: true}}
	return a.readSuite(0)
}

func (a *Application) readSuite(id int) error {
	suite := a.nodes[id]
	path := filepath.Join(suite.Dir(), "testsuite."+a.Name)
	entries, err := readSuiteFile(path)
	if err != nil {
		if id == 0 {
			return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
		return err
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.name] {
			a.logger.Warn().Str("path", path).Str("test", e.name).Msg("Ignoring duplicate test name")
			continue
		}
		seen[e.name] = true
		dir := filepath.Join(suite.Dir(), e.name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			a.logger.Warn().Str("path", dir).Msg("Test directory does not exist, ignoring")
			continue
		}
		child := &Test{
			app:         a,
			id:          len(a.nodes),
			parent:      id,
			Name:        e.name,
			Description: e.description,
		}
		_, err := os.Stat(filepath.Join(dir, "testsuite."+a.Name))
		child.suite = err == nil
		a.nodes = append(a.nodes, child)
		suite.children = append(suite.children, child.id)
		if child.suite {
			if err := a.readSuite(child.id); err != nil {
				return err
			}
		}
	}
	return nil
}

type suiteEntry struct {
	name        string
	description string
}

// readSuiteFile parses a testsuite file. Comment lines directly above an
// entry become its description.
func readSuiteFile(path string) ([]suiteEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test suite: %w", err)
	}
	defer f.Close()

	var entries []suiteEntry
	var comment []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			comment = nil
		case strings.HasPrefix(line, "#"):
			comment = append(comment, strings.TrimSpace(strings.TrimPrefix(line, "#")))
		default:
			entries = append(entries, suiteEntry{name: line, description: strings.Join(comment, "\n")})
			comment = nil
		}
	}
	return entries, scanner.Err()
}

// Test is one node of the tree, either a suite or a test case.
type Test struct {
	app      *Application
	id       int
	parent   int
	children []int
	suite    bool

	Name        string
	Description string

	envOnce sync.Once
	env     map[string]string
	envErr  error

	mu    sync.Mutex
	state *model.TestState
}

// App returns the owning application.
func (t *Test) App() *Application {
	return t.app
}

// IsSuite reports whether the node has children of its own.
func (t *Test) IsSuite() bool {
	return t.suite
}

// Parent returns the enclosing suite, nil for the root.
func (t *Test) Parent() *Test {
	if t.parent < 0 {
		return nil
	}
	return t.app.nodes[t.parent]
}

// Children returns the suite's children in authored order.
func (t *Test) Children() []*Test {
	out := make([]*Test, len(t.children))
	for i, id := range t.children {
		out[i] = t.app.nodes[id]
	}
	return out
}

// RelPath is the slash-separated path from the application root. It is
// empty for the root suite and unique within the application.
func (t *Test) RelPath() string {
	if t.parent < 0 {
		return ""
	}
	parent := t.Parent().RelPath()
	if parent == "" {
		return t.Name
	}
	return parent + "/" + t.Name
}

// Dir is the test's directory in the test tree.
func (t *Test) Dir() string {
	return filepath.Join(t.app.Root, filepath.FromSlash(t.RelPath()))
}

// Sandbox is the test's directory in the current run.
func (t *Test) Sandbox() string {
	return filepath.Join(t.app.WriteDir, filepath.FromSlash(t.RelPath()))
}

// FrameworkDir holds framework bookkeeping inside the sandbox.
func (t *Test) FrameworkDir() string {
	return filepath.Join(t.Sandbox(), "framework_tmp")
}

// Walk calls fn for t and every descendant, depth first in authored order.
func (t *Test) Walk(fn func(*Test)) {
	fn(t)
	for _, c := range t.Children() {
		c.Walk(fn)
	}
}

// String identifies the test in logs.
func (t *Test) String() string {
	if t.parent < 0 {
		return t.app.Name
	}
	return t.RelPath()
}

// FileName returns the path of a definition file such as options.<app>,
// preferring the most specific versioned variant. The boolean is false when
// no such file exists.
func (t *Test) FileName(stem string) (string, bool) {
	dir := t.Dir()
	best := ""
	bestParts := -1
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		vf, ok := config.ParseVersionedName(e.Name(), t.app.Name)
		if !ok || vf.Stem != stem {
			continue
		}
		if !allIn(vf.Versions, t.app.Versions) {
			continue
		}
		if len(vf.Versions) > bestParts {
			best, bestParts = e.Name(), len(vf.Versions)
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}

func allIn(parts, active []string) bool {
	for _, p := range parts {
		found := false
		for _, a := range active {
			if a == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ApprovedFiles maps each stem with an approved file to its path.
func (t *Test) ApprovedFiles() (map[string]string, error) {
	names, err := config.ResolveApproved(t.Dir(), t.app.Name, t.app.Versions)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for stem, name := range names {
		out[stem] = filepath.Join(t.Dir(), name)
	}
	return out, nil
}

// State returns the test's current state.
func (t *Test) State() *model.TestState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		t.state = model.NotStarted()
	}
	return t.state
}

// SetState replaces the test's state. Callers outside the state-change
// protocol must not use it.
func (t *Test) SetState(s *model.TestState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}
