package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrLockHeld = errors.New("state lock is held by another process")

const (
	StaleWarnAfter  = 5 * time.Minute
	LikelyDeadAfter = 1 * time.Hour
)

type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"timestamp"`
}

type LockHandle struct {
	path string
	info LockInfo
}

// AcquireLock creates an exclusive lock file next to the state file. A
// stale lock is reported but never broken automatically: the operator
// must pass force to take over, so two live sentinels can't race on the
// same rollout.
func AcquireLock(path string, force bool) (*LockHandle, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := LockInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Timestamp: time.Now().UTC(),
	}

	existing, err := readLockInfo(path)
	if err == nil {
		age := time.Since(existing.Timestamp)
		switch {
		case age > LikelyDeadAfter:
			log.Warn().Msgf("lock held by pid %d on %s for %s, holder likely crashed", existing.PID, existing.Hostname, age.Truncate(time.Second))
		case age > StaleWarnAfter:
			log.Warn().Msgf("lock held by pid %d on %s for %s, may be stale", existing.PID, existing.Hostname, age.Truncate(time.Second))
		}
		if !force {
			return nil, fmt.Errorf("%w: pid=%d host=%s acquired=%s (use force-unlock to override)",
				ErrLockHeld, existing.PID, existing.Hostname, existing.Timestamp.Format(time.RFC3339))
		}
		log.Warn().Msgf("force-unlock: taking over lock from pid %d on %s", existing.PID, existing.Hostname)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		// unreadable lock file is treated as held: we can't tell whose it is
		if !force {
			return nil, fmt.Errorf("%w: lock file %s exists but is unreadable: %v", ErrLockHeld, path, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove unreadable lock file: %w", err)
		}
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lock file appeared at %s during acquisition", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	_, err = f.Write(raw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	return &LockHandle{path: path, info: info}, nil
}

// Release removes the lock file. Meant for defer on all controlled exit
// paths; a crash intentionally leaves the file behind for stale
// detection on the next run.
func (h *LockHandle) Release() {
	if h == nil {
		return
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Msgf("failed to release lock %s", h.path)
	}
}

func readLockInfo(path string) (LockInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	info := LockInfo{}
	if err := json.Unmarshal(raw, &info); err != nil {
		return LockInfo{}, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return info, nil
}
