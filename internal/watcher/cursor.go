package watcher

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/snapship/snapship/pkg/errors"
)

// cursorRecord is the persisted per-folder watch state. The cursor is a
// monotonic sequence over accepted events; seen maps each handled filename to
// the sequence number it was accepted under. A relaunch resumes from this
// record instead of replaying or missing already-handled files.
type cursorRecord struct {
	Folder string           `yaml:"folder"`
	Cursor int64            `yaml:"cursor"`
	Seen   map[string]int64 `yaml:"seen"`
}

// CursorStore persists cursor records under the state directory, one YAML
// file per watched folder.
type CursorStore struct {
	stateDir string
}

// NewCursorStore creates the store, ensuring the state directory exists.
func NewCursorStore(stateDir string) (*CursorStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCursorPersist, "failed to create state dir "+stateDir, err).
			WithComponent("watcher")
	}
	return &CursorStore{stateDir: stateDir}, nil
}

func (s *CursorStore) recordPath(folder string) string {
	sum := sha1.Sum([]byte(folder))
	return filepath.Join(s.stateDir, "cursor-"+hex.EncodeToString(sum[:8])+".yaml")
}

// Load returns the record for folder, or a fresh empty record when none was
// persisted yet.
func (s *CursorStore) Load(folder string) (*cursorRecord, error) {
	rec := &cursorRecord{Folder: folder, Seen: make(map[string]int64)}

	data, err := os.ReadFile(s.recordPath(folder))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return nil, errors.Wrap(errors.ErrCodeCursorPersist, "failed to read cursor for "+folder, err).
			WithComponent("watcher")
	}

	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCursorPersist, "corrupt cursor record for "+folder, err).
			WithComponent("watcher")
	}
	if rec.Seen == nil {
		rec.Seen = make(map[string]int64)
	}
	rec.Folder = folder
	return rec, nil
}

// Save persists the record atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *CursorStore) Save(rec *cursorRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrCodeCursorPersist, "failed to encode cursor record", err).
			WithComponent("watcher")
	}

	target := s.recordPath(rec.Folder)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeCursorPersist, "failed to write cursor record", err).
			WithComponent("watcher")
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeCursorPersist, "failed to commit cursor record", err).
			WithComponent("watcher")
	}
	return nil
}
