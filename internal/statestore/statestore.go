package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

var ErrCorruptState = errors.New("state file is corrupt")

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Read returns nil with no error when no state file exists yet (first
// run). An existing but unparsable file is ErrCorruptState: the caller
// must not silently restart a rollout over it.
func (s *Store) Read() (*models.RolloutState, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	state := models.RolloutState{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path, err)
	}
	if state.RolloutID == "" {
		return nil, fmt.Errorf("%w: %s: persisted state has empty rolloutId", ErrCorruptState, s.path)
	}
	return &state, nil
}

// Write persists the state atomically: temp file in the same directory,
// fsync, then rename over the target. A crash mid-write leaves the
// previous file intact.
func (s *Store) Write(state *models.RolloutState) error {
	state.LastUpdateTime = time.Now().UTC()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rollout state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(raw)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file %s: %w", s.path, err)
	}
	return nil
}

// Remove deletes the state file after a terminal status. Absence is fine.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file %s: %w", s.path, err)
	}
	return nil
}
