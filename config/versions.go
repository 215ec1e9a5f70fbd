package config

// This file contains version resolution for approved files named
// <stem>.<app>[.<version>...].

import (
	"os"
	"strings"
)

// FrameworkStems are file stems in test directories that hold test
// definitions rather than approved results.
var FrameworkStems = map[string]bool{
	"config":      true,
	"testsuite":   true,
	"options":     true,
	"input":       true,
	"environment": true,
	"knownbugs":   true,
}

// VersionedFile is one candidate approved file found in a directory.
type VersionedFile struct {
	Name     string
	Stem     string
	Versions []string
}

// ParseVersionedName splits name into stem and version parts if it belongs
// to app. ok is false for files of other applications.
func ParseVersionedName(name, app string) (VersionedFile, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || parts[0] == "" || parts[1] != app {
		return VersionedFile{}, false
	}
	return VersionedFile{Name: name, Stem: parts[0], Versions: parts[2:]}, true
}

// priority returns how well vf fits the active versions: the number of
// version parts, or -1 if any part is not active. rank breaks ties, lower is
// better.
func (vf VersionedFile) priority(active []string) (parts int, rank int) {
	rank = 0
	for _, v := range vf.Versions {
		idx := indexOf(active, v)
		if idx < 0 {
			return -1, 0
		}
		rank += idx
	}
	return len(vf.Versions), rank
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// ResolveApproved returns, for each stem in dir, the approved file name that
// best fits the active versions.
func ResolveApproved(dir, app string, versions []string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	type best struct {
		name  string
		parts int
		rank  int
	}
	chosen := map[string]best{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		vf, ok := ParseVersionedName(e.Name(), app)
		if !ok || FrameworkStems[vf.Stem] {
			continue
		}
		parts, rank := vf.priority(versions)
		if parts < 0 {
			continue
		}
		cur, seen := chosen[vf.Stem]
		if !seen || parts > cur.parts || (parts == cur.parts && rank < cur.rank) {
			chosen[vf.Stem] = best{name: e.Name(), parts: parts, rank: rank}
		}
	}
	out := make(map[string]string, len(chosen))
	for stem, b := range chosen {
		out[stem] = b.name
	}
	return out, nil
}

// SaveName returns the file name used when saving stem for app, with the
// given version string as suffix.
func SaveName(stem, app, version string) string {
	name := stem + "." + app
	if version != "" {
		name += "." + version
	}
	return name
}
