// Package tracker records which observation timestamps have been fully
// processed, persisting the set to disk on every change.
package tracker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/metrics"
	"github.com/i474232898/mrms-rala/internal/radar"
)

const (
	// FileName is the tracker file kept in the cache directory.
	FileName = "downloads.json"

	DefaultCapacity = 100
)

// record is the on-disk form. Timestamps are in insertion order, oldest first.
type record struct {
	Timestamps []radar.Timestamp `json:"timestamps"`
	LastCheck  time.Time         `json:"last_check"`
}

// Tracker is a bounded, insertion-ordered set of processed timestamps.
// When full, adding evicts the entry inserted first.
type Tracker struct {
	mu        sync.Mutex
	path      string
	capacity  int
	order     []radar.Timestamp
	set       map[radar.Timestamp]struct{}
	lastCheck time.Time

	clock     clockwork.Clock
	writeFile func(path string, data []byte) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for last-check times.
func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func withWriter(fn func(path string, data []byte) error) Option {
	return func(t *Tracker) { t.writeFile = fn }
}

// New loads the tracker file from dir, creating it when absent. A file that
// cannot be parsed is logged and replaced by an empty set.
func New(dir string, capacity int, opts ...Option) (*Tracker, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}

	t := &Tracker{
		path:      filepath.Join(dir, FileName),
		capacity:  capacity,
		set:       make(map[radar.Timestamp]struct{}),
		clock:     clockwork.NewRealClock(),
		writeFile: writeAtomic,
	}
	for _, opt := range opts {
		opt(t)
	}

	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.Info().Str("path", t.path).Msg("no tracker file, starting fresh")
		t.lastCheck = t.clock.Now().UTC()
		if err := t.persist(t.order, t.lastCheck); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read tracker file: %w", err)
	default:
		t.load(data)
	}

	metrics.TrackedTimestamps.Set(float64(len(t.order)))
	return t, nil
}

func (t *Tracker) load(data []byte) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Error().Err(err).Str("path", t.path).Msg("tracker file unreadable, starting empty")
		t.lastCheck = t.clock.Now().UTC()
		return
	}

	for _, ts := range rec.Timestamps {
		if _, err := radar.ParseTimestamp(string(ts)); err != nil {
			logging.Warn().Str("timestamp", string(ts)).Msg("dropping malformed tracked timestamp")
			continue
		}
		if _, dup := t.set[ts]; dup {
			continue
		}
		t.order = append(t.order, ts)
		t.set[ts] = struct{}{}
	}
	if n := len(t.order) - t.capacity; n > 0 {
		for _, ts := range t.order[:n] {
			delete(t.set, ts)
		}
		t.order = append([]radar.Timestamp(nil), t.order[n:]...)
	}

	t.lastCheck = rec.LastCheck
	if t.lastCheck.IsZero() {
		t.lastCheck = t.clock.Now().UTC()
	}
	logging.Info().Int("count", len(t.order)).Msg("loaded tracked timestamps")
}

// Has reports whether ts has been recorded.
func (t *Tracker) Has(ts radar.Timestamp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[ts]
	return ok
}

// Add records ts and writes the file through. It reports false without
// touching disk when ts is already present. On a write failure the tracker
// is left exactly as before the call.
func (t *Tracker) Add(ts radar.Timestamp) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.set[ts]; ok {
		return false, nil
	}

	order := make([]radar.Timestamp, 0, min(len(t.order)+1, t.capacity))
	var evicted []radar.Timestamp
	if over := len(t.order) + 1 - t.capacity; over > 0 {
		evicted = t.order[:over]
		order = append(order, t.order[over:]...)
	} else {
		order = append(order, t.order...)
	}
	order = append(order, ts)
	now := t.clock.Now().UTC()

	if err := t.persist(order, now); err != nil {
		return false, err
	}

	for _, old := range evicted {
		delete(t.set, old)
	}
	t.set[ts] = struct{}{}
	t.order = order
	t.lastCheck = now
	metrics.TrackedTimestamps.Set(float64(len(order)))

	logging.Debug().Str("timestamp", ts.String()).Int("evicted", len(evicted)).Msg("timestamp tracked")
	return true, nil
}

// Count returns the number of tracked timestamps.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Latest returns the most recently added timestamp.
func (t *Tracker) Latest() (radar.Timestamp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return "", false
	}
	return t.order[len(t.order)-1], true
}

// Timestamps returns the tracked timestamps, most recently added first.
func (t *Tracker) Timestamps() []radar.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]radar.Timestamp, len(t.order))
	for i, ts := range t.order {
		out[len(t.order)-1-i] = ts
	}
	return out
}

// LastCheck returns when the set last changed.
func (t *Tracker) LastCheck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCheck
}

func (t *Tracker) persist(order []radar.Timestamp, lastCheck time.Time) error {
	if order == nil {
		order = []radar.Timestamp{}
	}
	data, err := json.MarshalIndent(record{Timestamps: order, LastCheck: lastCheck}, "", "  ")
	if err != nil {
		return &radar.TrackerPersistenceError{Path: t.path, Err: err}
	}
	if err := t.writeFile(t.path, data); err != nil {
		metrics.TrackerWriteErrors.Inc()
		return &radar.TrackerPersistenceError{Path: t.path, Err: err}
	}
	return nil
}

// writeAtomic replaces path with data via a synced temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
