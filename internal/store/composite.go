// Package store keeps fused composites: the latest one in memory for
// lock-free reads, and a bounded history of artifacts on disk.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/metrics"
	"github.com/i474232898/mrms-rala/internal/radar"
)

var (
	// ErrNotReady is returned before the first composite is published.
	ErrNotReady = errors.New("no composite published yet")
	// ErrNotFound is returned for a timestamp that is not retained.
	ErrNotFound = errors.New("composite not found")
)

const (
	DefaultRetention = 50

	compositeDir   = "composites"
	artifactPrefix = "rala_"
	artifactSuffix = ".rala"
	tempMarker     = ".tmp-"
)

// CompositeCache publishes composites atomically and keeps at most retain
// artifacts on disk. The latest composite is never evicted.
type CompositeCache struct {
	dir    string
	retain int

	latest atomic.Pointer[radar.CompositeGrid]

	// writeMu serializes Publish. Readers never take it.
	writeMu sync.Mutex

	mu    sync.RWMutex
	index []radar.Timestamp // ascending
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Dir       string          `json:"dir"`
	Retention int             `json:"retention"`
	Retained  int             `json:"retained"`
	Latest    radar.Timestamp `json:"latest,omitempty"`
}

// Open prepares dir/composites, drops leftovers of interrupted writes and
// loads the newest readable artifact as the latest composite.
func Open(dir string, retain int) (*CompositeCache, error) {
	if retain <= 0 {
		retain = DefaultRetention
	}
	c := &CompositeCache{dir: filepath.Join(dir, compositeDir), retain: retain}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create composite dir: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("scan composite dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, tempMarker) {
			if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
				logging.Warn().Err(err).Str("file", name).Msg("could not remove stale temp file")
			}
			continue
		}
		if ts, ok := parseArtifactName(name); ok {
			c.index = append(c.index, ts)
		}
	}
	sort.Slice(c.index, func(i, j int) bool { return c.index[i] < c.index[j] })

	for i := len(c.index) - 1; i >= 0; i-- {
		ts := c.index[i]
		comp, err := c.readArtifact(ts)
		if err != nil {
			logging.Warn().Err(err).Str("timestamp", ts.String()).Msg("discarding unreadable composite")
			c.discard(ts)
			continue
		}
		c.latest.Store(comp)
		break
	}

	c.mu.Lock()
	c.enforceRetention()
	c.mu.Unlock()

	if l := c.latest.Load(); l != nil {
		observeLatest(l)
		logging.Info().Str("timestamp", l.Timestamp.String()).Int("retained", len(c.index)).Msg("restored latest composite")
	}
	return c, nil
}

// Publish stores comp durably and then makes it the latest composite.
// comp must not be modified afterwards.
func (c *CompositeCache) Publish(comp *radar.CompositeGrid) error {
	if comp == nil {
		return fmt.Errorf("publish: nil composite")
	}
	if _, err := radar.ParseTimestamp(comp.Timestamp.String()); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeArtifact(comp); err != nil {
		return err
	}
	c.latest.Store(comp)

	c.mu.Lock()
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i] >= comp.Timestamp })
	if i == len(c.index) || c.index[i] != comp.Timestamp {
		c.index = append(c.index, "")
		copy(c.index[i+1:], c.index[i:])
		c.index[i] = comp.Timestamp
	}
	c.enforceRetention()
	c.mu.Unlock()

	observeLatest(comp)
	return nil
}

// enforceRetention removes the oldest artifacts other than the latest until
// at most retain remain. Must be called with mu held.
func (c *CompositeCache) enforceRetention() {
	var keep radar.Timestamp
	if l := c.latest.Load(); l != nil {
		keep = l.Timestamp
	}

	for len(c.index) > c.retain {
		victim := 0
		if c.index[0] == keep {
			victim = 1
		}
		ts := c.index[victim]
		if err := os.Remove(c.artifactPath(ts)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn().Err(err).Str("timestamp", ts.String()).Msg("could not evict composite")
		}
		c.index = append(c.index[:victim], c.index[victim+1:]...)
		logging.Debug().Str("timestamp", ts.String()).Msg("evicted composite")
	}
	metrics.CompositesRetained.Set(float64(len(c.index)))
}

// Latest returns the most recently published composite without locking.
func (c *CompositeCache) Latest() (*radar.CompositeGrid, error) {
	if l := c.latest.Load(); l != nil {
		return l, nil
	}
	return nil, ErrNotReady
}

// Get returns the composite for ts, reading it from disk unless it is the
// latest one.
func (c *CompositeCache) Get(ts radar.Timestamp) (*radar.CompositeGrid, error) {
	if l := c.latest.Load(); l != nil && l.Timestamp == ts {
		return l, nil
	}

	c.mu.RLock()
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i] >= ts })
	found := i < len(c.index) && c.index[i] == ts
	c.mu.RUnlock()
	if !found {
		return nil, ErrNotFound
	}

	comp, err := c.readArtifact(ts)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Evicted between the index lookup and the read.
		return nil, ErrNotFound
	case errors.Is(err, errCorruptArtifact):
		logging.Error().Err(err).Str("timestamp", ts.String()).Msg("discarding unreadable composite")
		c.discard(ts)
		return nil, ErrNotFound
	}
	return comp, err
}

// discard drops an unreadable artifact from the index and the disk.
func (c *CompositeCache) discard(ts radar.Timestamp) {
	c.mu.Lock()
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i] >= ts })
	if i < len(c.index) && c.index[i] == ts {
		c.index = append(c.index[:i], c.index[i+1:]...)
	}
	metrics.CompositesRetained.Set(float64(len(c.index)))
	c.mu.Unlock()

	if err := os.Remove(c.artifactPath(ts)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Str("timestamp", ts.String()).Msg("could not remove unreadable composite")
	}
}

// Timestamps returns the retained timestamps in ascending order.
func (c *CompositeCache) Timestamps() []radar.Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]radar.Timestamp(nil), c.index...)
}

// Range returns the retained timestamps observed within [from, to].
func (c *CompositeCache) Range(from, to time.Time) []radar.Timestamp {
	lo, hi := radar.TimestampFromTime(from), radar.TimestampFromTime(to)

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []radar.Timestamp
	for _, ts := range c.index {
		if ts >= lo && ts <= hi {
			out = append(out, ts)
		}
	}
	return out
}

func (c *CompositeCache) Stats() Stats {
	c.mu.RLock()
	s := Stats{Dir: c.dir, Retention: c.retain, Retained: len(c.index)}
	c.mu.RUnlock()
	if l := c.latest.Load(); l != nil {
		s.Latest = l.Timestamp
	}
	return s
}

func (c *CompositeCache) artifactPath(ts radar.Timestamp) string {
	return filepath.Join(c.dir, artifactPrefix+ts.String()+artifactSuffix)
}

func parseArtifactName(name string) (radar.Timestamp, bool) {
	if !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, artifactSuffix) {
		return "", false
	}
	ts, err := radar.ParseTimestamp(strings.TrimSuffix(strings.TrimPrefix(name, artifactPrefix), artifactSuffix))
	if err != nil {
		return "", false
	}
	return ts, true
}

func (c *CompositeCache) writeArtifact(comp *radar.CompositeGrid) error {
	path := c.artifactPath(comp.Timestamp)
	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encodeComposite(tmp, comp); err != nil {
		tmp.Close()
		return fmt.Errorf("encode composite %s: %w", comp.Timestamp, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

func (c *CompositeCache) readArtifact(ts radar.Timestamp) (*radar.CompositeGrid, error) {
	f, err := os.Open(c.artifactPath(ts))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	comp, err := decodeComposite(f)
	if err != nil {
		if !errors.Is(err, errCorruptArtifact) {
			err = fmt.Errorf("%w: %v", errCorruptArtifact, err)
		}
		return nil, fmt.Errorf("decode composite %s: %w", ts, err)
	}
	return comp, nil
}

func observeLatest(comp *radar.CompositeGrid) {
	metrics.CompositeValidPoints.Set(float64(comp.ValidPoints))
	metrics.LatestObservation.Set(float64(comp.Timestamp.Time().Unix()))
	for i, e := range comp.Elevations {
		if i < len(comp.Contributions) {
			metrics.CompositeContributions.WithLabelValues(radar.FormatElevation(e)).Set(float64(comp.Contributions[i]))
		}
	}
}
