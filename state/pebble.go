package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

var ackPrefix = []byte("ack/")

// PebbleTracker keeps acknowledgments in a pebble store under ack/<id>.
type PebbleTracker struct {
	db    *pebble.DB
	count atomic.Int64
	now   func() time.Time
}

func NewPebbleTracker(dir string, logger *slog.Logger) (*PebbleTracker, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{logger}})
	if err != nil {
		return nil, fmt.Errorf("open pebble state: %w", err)
	}

	t := &PebbleTracker{db: db, now: time.Now}
	n, err := t.countAcknowledged()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	t.count.Store(int64(n))
	return t, nil
}

func (t *PebbleTracker) IsAcknowledged(id string) (bool, error) {
	_, closer, err := t.db.Get(ackKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ack %s: %w", id, err)
	}
	return true, closer.Close()
}

func (t *PebbleTracker) Acknowledge(id, fileName string) error {
	if id == "" {
		return ErrEmptyID
	}
	seen, err := t.IsAcknowledged(id)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	data, err := json.Marshal(record{ID: id, FileName: fileName, AcknowledgedAt: t.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if err := t.db.Set(ackKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("write ack %s: %w", id, err)
	}
	t.count.Add(1)
	return nil
}

func (t *PebbleTracker) Snapshot() Snapshot {
	return Snapshot{Acknowledged: int(t.count.Load())}
}

func (t *PebbleTracker) Close() error {
	return t.db.Close()
}

func (t *PebbleTracker) countAcknowledged() (int, error) {
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: ackPrefix,
		UpperBound: []byte("ack0"),
	})
	if err != nil {
		return 0, fmt.Errorf("scan pebble state: %w", err)
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("scan pebble state: %w", err)
	}
	return n, nil
}

func ackKey(id string) []byte {
	return append(append([]byte(nil), ackPrefix...), id...)
}

type pebbleLogger struct {
	logger *slog.Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "pebble")
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "pebble")
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "pebble")
	panic(fmt.Sprintf(format, args...))
}
