package state

// This file contains reading and writing of the teststate file kept in a
// sandbox's framework_tmp directory.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// FileName is the name of the persisted state inside framework_tmp.
const FileName = "teststate"

const lockName = FileName + ".lock"

// Path returns where t's state is persisted.
func Path(t *testtree.Test) string {
	return filepath.Join(t.FrameworkDir(), FileName)
}

// Marshal renders s in the teststate format. Marshalling the result of
// Unmarshal gives the same bytes back.
func Marshal(s *model.TestState) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a teststate file.
func Unmarshal(data []byte) (*model.TestState, error) {
	var s model.TestState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if !s.Phase.Known() {
		return nil, fmt.Errorf("unknown phase %q", s.Phase)
	}
	return &s, nil
}

// Save writes s to dir/teststate under an exclusive lock, creating dir.
func Save(dir string, s *model.TestState) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock state: %w", err)
	}
	defer lock.Unlock()

	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, FileName))
}

// Load reads the teststate file at path under a shared lock.
func Load(path string) (*model.TestState, error) {
	lock := flock.New(filepath.Join(filepath.Dir(path), lockName))
	if err := lock.RLock(); err == nil {
		defer lock.Unlock()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, nil
}

// Saver is an observer persisting every complete state.
type Saver struct {
	logger zerolog.Logger
}

// NewSaver returns a Saver.
func NewSaver(logger zerolog.Logger) *Saver {
	return &Saver{logger: logger}
}

// Notify persists s when it is complete. States reloaded from an earlier
// run are already on disk.
func (sv *Saver) Notify(t *testtree.Test, s *model.TestState) {
	if !s.IsComplete() || s.LifecycleChange == "reconnected" {
		return
	}
	if err := Save(t.FrameworkDir(), s); err != nil {
		sv.logger.Error().Err(err).Str("test", t.RelPath()).Msg("Failed to save state")
		return
	}
	sv.logger.Debug().Str("test", t.RelPath()).Str("path", Path(t)).Msg("Saved state")
}

// Backups returns the backup directories of sandbox, most recent first.
func Backups(sandbox string) []string {
	parent, base := filepath.Split(sandbox)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil
	}
	prefix := base + ".backup."
	type backup struct {
		n    int
		path string
	}
	var found []backup
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || n < 1 {
			continue
		}
		found = append(found, backup{n: n, path: filepath.Join(parent, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n > found[j].n })
	out := make([]string, len(found))
	for i, b := range found {
		out[i] = b.path
	}
	return out
}

const (
	rerunNotePrefix = "(NOTE: Test was run "
	killedRerunNote = "(NOTE: This issue triggered a rerun, but this rerun was killed before it could complete.\n" +
		"The results presented here are those of the completed run.\n"
)

// RestoreLatestBackup returns the most recent complete state found in a
// backup of t's sandbox. It is used when a rerun was killed.
func RestoreLatestBackup(t *testtree.Test, current *model.TestState) (*model.TestState, bool) {
	for _, dir := range Backups(t.Sandbox()) {
		s, err := Load(filepath.Join(dir, "framework_tmp", FileName))
		if err != nil || !s.IsComplete() {
			continue
		}
		var b strings.Builder
		for _, line := range strings.SplitAfter(s.FreeText, "\n") {
			if strings.HasPrefix(line, rerunNotePrefix) {
				b.WriteString(killedRerunNote)
				continue
			}
			b.WriteString(line)
		}
		s.FreeText = b.String()
		s.LifecycleChange = "restored"
		s.OldState = current
		return s, true
	}
	return nil, false
}
