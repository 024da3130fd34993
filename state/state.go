// Package state remembers which local archive messages have been
// acknowledged, so they are not offered to the forwarder again.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrEmptyID = errors.New("message id is empty")

type Tracker interface {
	IsAcknowledged(id string) (bool, error)
	Acknowledge(id, fileName string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Acknowledged int
}

type record struct {
	ID             string    `json:"id"`
	FileName       string    `json:"file_name,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

type MemoryTracker struct {
	mu    sync.RWMutex
	acked map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{acked: make(map[string]string)}
}

func (m *MemoryTracker) IsAcknowledged(id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.acked[id]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryTracker) Acknowledge(id, fileName string) error {
	if id == "" {
		return ErrEmptyID
	}
	m.mu.Lock()
	m.acked[id] = fileName
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.acked)
	m.mu.RUnlock()
	return Snapshot{Acknowledged: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker appends one JSON line per acknowledgment to acknowledged.jsonl
// and replays the file on open.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
	now     func() time.Time
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, "acknowledged.jsonl"),
		now:           time.Now,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriterSize(file, 64*1024)

	return tracker, nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.ID == "" {
			continue
		}

		f.mu.Lock()
		f.acked[rec.ID] = rec.FileName
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// Acknowledge records id and syncs the file before returning.
func (f *FileTracker) Acknowledge(id, fileName string) error {
	if id == "" {
		return ErrEmptyID
	}

	f.mu.Lock()
	if _, exists := f.acked[id]; exists {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	data, err := json.Marshal(record{ID: id, FileName: fileName, AcknowledgedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}

	f.mu.Lock()
	f.acked[id] = fileName
	f.mu.Unlock()
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
