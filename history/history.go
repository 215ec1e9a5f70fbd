package history

// Package history names run directories, finds them again under the
// temporary root and records a summary of each run in runinfo.json.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
)

// DateLayout is the time stamp in run directory names, e.g. 15Oct143000.
const DateLayout = "02Jan150405"

// InfoFile is the run summary at the root of a run directory.
const InfoFile = "runinfo.json"

// RunDir is a run directory, named <descriptor>.<versions>.<date>.<pid>.
type RunDir struct {
	Path       string
	Descriptor string
	Versions   []string
	Date       string
	PID        int
}

// Descriptor returns the first part of a run directory name: name when
// given, the Jenkins job and build under CI, else the applications.
func Descriptor(name string, apps []string, env config.Env) string {
	d := name
	switch {
	case d != "":
	case env.InCI():
		d = env.JobName + "_" + env.BuildNumber
	default:
		d = strings.Join(apps, "_")
	}
	return strings.NewReplacer(".", "_", "/", "_", string(filepath.Separator), "_").Replace(d)
}

// DirName returns the name of the run directory for a run started at at.
func DirName(descriptor string, versions []string, at time.Time, pid int) string {
	parts := []string{descriptor}
	if len(versions) > 0 {
		parts = append(parts, strings.Join(versions, "."))
	}
	parts = append(parts, at.Format(DateLayout), strconv.Itoa(pid))
	return strings.Join(parts, ".")
}

// ParseDirName reads a run directory name back. It reports false for
// names that are not run directories.
func ParseDirName(name string) (RunDir, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 || parts[0] == "" {
		return RunDir{}, false
	}
	n := len(parts)
	pid, err := strconv.Atoi(parts[n-1])
	if err != nil || pid <= 0 {
		return RunDir{}, false
	}
	if !IsDate(parts[n-2]) {
		return RunDir{}, false
	}
	d := RunDir{Descriptor: parts[0], Date: parts[n-2], PID: pid}
	for _, v := range parts[1 : n-2] {
		if v != "" {
			d.Versions = append(d.Versions, v)
		}
	}
	return d, true
}

// IsDate reports whether s is a run directory time stamp.
func IsDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// DateValue places a yearless time stamp in the latest year that does not
// put it after now.
func DateValue(date string, now time.Time) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, date, now.Location())
	if err != nil {
		return time.Time{}, err
	}
	t = t.AddDate(now.Year()-t.Year(), 0, 0)
	if t.After(now) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

// Time returns when the run started, as far as the name tells.
func (d RunDir) Time(now time.Time) time.Time {
	t, _ := DateValue(d.Date, now)
	return t
}

// Discover lists the run directories directly under root, newest first.
func Discover(root string) ([]RunDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	var dirs []RunDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, ok := ParseDirName(e.Name())
		if !ok {
			continue
		}
		d.Path = filepath.Join(root, e.Name())
		dirs = append(dirs, d)
	}
	SortNewestFirst(dirs, time.Now())
	return dirs, nil
}

// SortNewestFirst orders dirs by start time, newest first, then by name.
func SortNewestFirst(dirs []RunDir, now time.Time) {
	sort.SliceStable(dirs, func(i, j int) bool {
		ti, tj := dirs[i].Time(now), dirs[j].Time(now)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return filepath.Base(dirs[i].Path) < filepath.Base(dirs[j].Path)
	})
}

// NewInfo starts the summary of a run.
func NewInfo(descriptor string, args, apps, versions []string, env config.Env, started time.Time) model.RunInfo {
	info := model.RunInfo{
		ID:         uuid.NewString(),
		Descriptor: descriptor,
		Timestamp:  started,
		Args:       args,
		Apps:       apps,
		Versions:   versions,
	}
	if env.InCI() {
		info.CI = &model.CI{JobName: env.JobName, BuildNumber: env.BuildNumber, URL: env.JenkinsURL}
	}
	return info
}

// WriteInfo writes info to dir/runinfo.json.
func WriteInfo(dir string, info model.RunInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run info: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, InfoFile), append(data, '\n'), 0o644)
}

// ReadInfo reads dir/runinfo.json.
func ReadInfo(dir string) (model.RunInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return model.RunInfo{}, err
	}
	var info model.RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return model.RunInfo{}, fmt.Errorf("failed to parse %s: %w", filepath.Join(dir, InfoFile), err)
	}
	return info, nil
}

// Entry is a run directory with its summary.
type Entry struct {
	Dir  RunDir
	Info model.RunInfo
}

// LoadEntries reads the summary of every run directory under root, newest
// first. Runs without a summary, such as ones still in progress, are
// skipped.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	dirs, err := Discover(root)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, d := range dirs {
		info, err := ReadInfo(d.Path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", d.Path).Msg("Failed to read run info")
			continue
		}
		entries = append(entries, Entry{Dir: d, Info: info})
	}
	return entries, nil
}

// Find returns the run directory under root whose name or run id starts
// with ref.
func Find(logger zerolog.Logger, root, ref string) (RunDir, error) {
	dirs, err := Discover(root)
	if err != nil {
		return RunDir{}, err
	}
	var found []RunDir
	for _, d := range dirs {
		if strings.HasPrefix(filepath.Base(d.Path), ref) {
			found = append(found, d)
			continue
		}
		if info, err := ReadInfo(d.Path); err == nil && strings.HasPrefix(info.ID, ref) {
			found = append(found, d)
		}
	}
	switch len(found) {
	case 0:
		return RunDir{}, fmt.Errorf("no run matching %q under %s", ref, root)
	case 1:
		return found[0], nil
	default:
		logger.Debug().Int("matches", len(found)).Str("ref", ref).Msg("Several runs match, using the newest")
		return found[0], nil
	}
}
