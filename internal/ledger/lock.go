package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	lockDirName   = ".pipeline.lock"
	lockOwnerFile = "owner.json"
)

// ErrLocked is returned when another run holds the output directory.
var ErrLocked = errors.New("output directory is locked by another run")

// Lock is a held run lock. The zero value releases nothing.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	RunID     string `json:"run_id,omitempty"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock takes the single-writer lock on outputDir. Directory creation
// is atomic, so only one process can hold it. A lock left behind by a dead
// process on this host is reclaimed.
func AcquireLock(outputDir, runID string) (*Lock, error) {
	target := strings.TrimSpace(outputDir)
	if target == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	lockDir := filepath.Join(target, lockDirName)
	ownerPath := filepath.Join(lockDir, lockOwnerFile)
	for attempt := 0; ; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire run lock for %s: %w", target, err)
		}

		var owner lockOwner
		data, readErr := os.ReadFile(ownerPath)
		if readErr != nil || json.Unmarshal(data, &owner) != nil || owner.PID <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrLocked, target)
		}
		if attempt == 0 && owner.stale() {
			log.Warn().
				Int("pid", owner.PID).
				Str("run_id", owner.RunID).
				Str("created_at", owner.CreatedAt).
				Msg("Reclaiming run lock left by a process that is no longer running")
			if err := os.RemoveAll(lockDir); err != nil {
				return nil, fmt.Errorf("remove stale run lock %s: %w", lockDir, err)
			}
			continue
		}
		return nil, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
			ErrLocked, target, owner.PID, owner.CreatedAt, owner.Hostname)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, _ := json.MarshalIndent(owner, "", "  ")
	if err := os.WriteFile(ownerPath, append(data, '\n'), 0o644); err != nil {
		_ = os.Remove(lockDir)
		return nil, fmt.Errorf("write run lock owner for %s: %w", target, err)
	}
	return &Lock{dir: lockDir}, nil
}

// Release removes the lock. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock %s: %w", l.dir, err)
	}
	l.dir = ""
	return nil
}

// stale reports whether the owner ran on this host and has exited. Owners on
// other hosts are never considered stale.
func (o lockOwner) stale() bool {
	if o.Hostname != hostnameOrUnknown() {
		return false
	}
	return !processAlive(o.PID)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
