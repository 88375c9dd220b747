package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StateRecord is the durable snapshot of one active session. It is
// everything the broker needs to re-adopt a per-user process after a
// restart; transient fields (state, client address) are rebuilt.
type StateRecord struct {
	Username  string    `json:"username"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore persists the session membership snapshot as a JSON file,
// rewritten atomically (temp file + rename) on every membership change.
type StateStore struct {
	path string
}

func NewStateStore(path string) *StateStore { return &StateStore{path: path} }

// Load reads the snapshot written by a previous broker process. A missing
// file is not an error; it just means a cold start.
func (s *StateStore) Load() ([]StateRecord, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}
	var records []StateRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return records, nil
}

// Save atomically replaces the snapshot on disk.
func (s *StateStore) Save(records []StateRecord) error {
	if records == nil {
		records = []StateRecord{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
