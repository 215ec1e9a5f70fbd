package sandbox

// This file contains the catalogue: a record of which paths a run created,
// edited or removed in its sandbox, written with four dashes of indentation
// per directory level, and the reader partial copies use to decide what may
// be linked instead of copied.

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/testtree"
)

const (
	catalogueStem = "catalogue"
	catalogueRoot = "<Test Directory>"
	indentUnit    = "----"
)

// Snapshot maps sandbox-relative slash paths to a description of their
// content: a modification time for files, the target for links.
type Snapshot map[string]string

// TakeSnapshot records the user-visible content of a sandbox. The
// framework's own files are left out: framework_tmp and top-level files
// named after a stem of app.
func TakeSnapshot(dir, app string) (Snapshot, error) {
	snap := Snapshot{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.Contains(rel, "/") && frameworkOwned(rel, app) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			snap[rel] = "-> " + target
		case info.IsDir():
			snap[rel] = "dir"
		default:
			snap[rel] = strconv.FormatInt(info.ModTime().UnixNano(), 10) + " " + strconv.FormatInt(info.Size(), 10)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sandbox %s: %w", dir, err)
	}
	return snap, nil
}

func frameworkOwned(name, app string) bool {
	if name == "framework_tmp" {
		return true
	}
	_, ok := config.ParseVersionedName(name, app)
	return ok
}

// Changes lists the paths that differ between two snapshots.
type Changes struct {
	Created []string
	Edited  []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Edited) == 0 && len(c.Removed) == 0
}

// Diff compares a snapshot taken before a run with one taken after it.
// Directories whose children are listed are not listed themselves.
func Diff(before, after Snapshot) Changes {
	var c Changes
	for path, desc := range after {
		old, ok := before[path]
		switch {
		case !ok:
			c.Created = append(c.Created, path)
		case old != desc && desc != "dir":
			c.Edited = append(c.Edited, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			c.Removed = append(c.Removed, path)
		}
	}
	c.Created = removeParents(c.Created)
	c.Edited = removeParents(c.Edited)
	c.Removed = removeParents(c.Removed)
	return c
}

func removeParents(paths []string) []string {
	sort.Strings(paths)
	var out []string
	for i, p := range paths {
		if i+1 < len(paths) && strings.HasPrefix(paths[i+1], p+"/") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// WriteCatalogue writes catalogue.<app> into the sandbox describing how its
// content changed since before was taken.
func WriteCatalogue(dir, app string, before Snapshot) error {
	after, err := TakeSnapshot(dir, app)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, catalogueStem+"."+app))
	if err != nil {
		return fmt.Errorf("failed to write catalogue: %w", err)
	}
	w := bufio.NewWriter(f)
	writeChanges(w, Diff(before, after))
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write catalogue: %w", err)
	}
	return f.Close()
}

func writeChanges(w io.StringWriter, c Changes) {
	if c.Empty() {
		_, _ = w.WriteString("No files or directories were created, edited or deleted.\n")
		return
	}
	sections := []struct {
		header string
		paths  []string
	}{
		{"The following new files/directories were created:", c.Created},
		{"The following existing files/directories changed their contents:", c.Edited},
		{"The following existing files/directories were deleted:", c.Removed},
	}
	for _, s := range sections {
		if len(s.paths) == 0 {
			continue
		}
		_, _ = w.WriteString(s.header + "\n")
		full := make([]string, len(s.paths))
		for i, p := range s.paths {
			full[i] = catalogueRoot + "/" + p
		}
		writeStructure(w, full)
	}
}

// writeStructure prints slash paths as a tree. A path shares the dashes of
// the components it has in common with the one before it.
func writeStructure(w io.StringWriter, paths []string) {
	var prev []string
	for _, p := range paths {
		parts := strings.Split(p, "/")
		indent := 0
		for i, part := range parts {
			indent++
			if i >= len(prev) || part != prev[i] {
				prev = nil
				_, _ = w.WriteString(part + "\n")
				if i != len(parts)-1 {
					_, _ = w.WriteString(strings.Repeat(indentUnit, indent))
				}
			} else {
				_, _ = w.WriteString(indentUnit)
			}
		}
		prev = parts
	}
}

// parseCatalogue reads the entries of a catalogue that lie below the data
// path nameInCatalogue, mapping each directory (as a path under the source's
// parent) to the entries listed in it. ok is false when the data path does
// not appear.
func parseCatalogue(r io.Reader, sourcePath, nameInCatalogue string) (map[string][]string, bool, error) {
	rootDir := filepath.Dir(sourcePath)
	modified := map[string][]string{}
	current := []string{rootDir}
	found := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		pos := strings.LastIndex(line, indentUnit)
		if pos < 0 {
			continue
		}
		pos += len(indentUnit)
		indent := pos / len(indentUnit)
		name := line[pos:]
		if indent > len(current) {
			continue
		}
		current = current[:indent]
		parent := current[indent-1]
		var full string
		if indent == 1 {
			if name != nameInCatalogue {
				current = append(current, "")
				continue
			}
			found = true
			full = sourcePath
		} else {
			if parent == "" {
				current = append(current, "")
				continue
			}
			full = filepath.Join(parent, name)
		}
		modified[parent] = append(modified[parent], full)
		current = append(current, full)
	}
	return modified, found, sc.Err()
}

// partialCopy recreates src at dst with real copies of whatever the last
// approved catalogue says a run modified and links to everything else.
// Without usable catalogue information everything is copied.
func (m *Manager) partialCopy(t *testtree.Test, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if m.ignoreCatalogues || !info.IsDir() {
		return CopyTree(src, dst)
	}
	path, ok := t.FileName(catalogueStem)
	if !ok {
		return CopyTree(src, dst)
	}
	f, err := os.Open(path)
	if err != nil {
		return CopyTree(src, dst)
	}
	defer f.Close()
	modified, found, err := parseCatalogue(f, src, filepath.Base(dst))
	if err != nil || !found {
		return CopyTree(src, dst)
	}
	if _, ok := modified[src]; !ok {
		return m.link(t, src, dst)
	}
	return m.copyAndLink(t, src, dst, modified)
}

func (m *Manager) copyAndLink(t *testtree.Test, src, dst string, modified map[string][]string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return err
	}
	changed := map[string]bool{}
	for _, p := range modified[src] {
		changed[p] = true
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		switch {
		case !changed[from]:
			err = m.link(t, from, to)
		case e.IsDir():
			err = m.copyAndLink(t, from, to, modified)
		default:
			err = CopyTree(from, to)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
