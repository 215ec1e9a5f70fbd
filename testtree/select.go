package testtree

// This file contains test selection by path substring, by suite and by
// selection file.

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/perfgo/texttest/model"
)

// Selection restricts which test cases run. The zero value selects all.
type Selection struct {
	// Substrings of relative paths (-t)
	Tests []string
	// Suite relative paths or names (-ts)
	Suites []string
	// File listing relative paths, one per line (-f)
	File string
}

// Empty reports whether the selection selects everything.
func (s Selection) Empty() bool {
	return len(s.Tests) == 0 && len(s.Suites) == 0 && s.File == ""
}

// Select returns the test cases of app matching sel in tree order. A
// selection matching nothing is an error.
func Select(app *Application, sel Selection) ([]*Test, error) {
	all := app.TestCases()
	if sel.Empty() {
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: application %s has no tests", model.ErrSelection, app.Name)
		}
		return all, nil
	}
	var listed map[string]bool
	if sel.File != "" {
		paths, err := readSelectionFile(sel.File)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSelection, err)
		}
		listed = map[string]bool{}
		for _, p := range paths {
			listed[p] = true
		}
	}
	var out []*Test
	for _, t := range all {
		if matchesSelection(t, sel, listed) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tests matched the selection for %s", model.ErrSelection, app.Name)
	}
	return out, nil
}

func matchesSelection(t *Test, sel Selection, listed map[string]bool) bool {
	rel := t.RelPath()
	if listed != nil && !listed[rel] {
		return false
	}
	if len(sel.Tests) > 0 && !containsAny(rel, sel.Tests) {
		return false
	}
	if len(sel.Suites) > 0 && !inSuites(t, sel.Suites) {
		return false
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func inSuites(t *Test, suites []string) bool {
	for p := t.Parent(); p != nil; p = p.Parent() {
		for _, s := range suites {
			if p.RelPath() == s || (p.Parent() != nil && p.Name == s) {
				return true
			}
		}
	}
	return false
}

// readSelectionFile reads relative paths, one per line. Application header
// lines ending in a colon and # comments are ignored.
func readSelectionFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read selection file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasSuffix(line, ":") {
			continue
		}
		out = append(out, strings.TrimSuffix(line, "/"))
	}
	return out, scanner.Err()
}
