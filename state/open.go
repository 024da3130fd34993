package state

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Open returns the tracker for backend rooted at stateDir. The pebble store
// lives in a "pebble" subdirectory.
func Open(backend, stateDir string, logger *slog.Logger) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		tracker, err := NewFileTracker(stateDir)
		if err != nil {
			return nil, err
		}
		return tracker, nil
	case BackendPebble:
		if strings.TrimSpace(stateDir) == "" {
			return nil, fmt.Errorf("state directory is empty")
		}
		tracker, err := NewPebbleTracker(filepath.Join(stateDir, "pebble"), logger)
		if err != nil {
			return nil, err
		}
		return tracker, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
