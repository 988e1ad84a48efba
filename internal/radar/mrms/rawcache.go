package mrms

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/radar"
)

// rawCache keeps downloaded (still compressed) grid files under
// <dir>/<tilt>/, at most limit per tilt.
type rawCache struct {
	dir   string
	limit int
}

func (c *rawCache) path(elevation float64, name string) string {
	return filepath.Join(c.dir, radar.ElevationDir(elevation), name)
}

// get returns the cached file for ts, or the closest cached file of the tilt
// within tolerance when the exact one was never published.
func (c *rawCache) get(elevation float64, ts radar.Timestamp, tolerance time.Duration) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := os.ReadFile(c.path(elevation, radar.Filename(elevation, ts)))
	if err == nil {
		return data, true
	}

	entries, err := os.ReadDir(filepath.Join(c.dir, radar.ElevationDir(elevation)))
	if err != nil {
		return nil, false
	}
	var files []File
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if elev, fts, ok := radar.ParseFilename(e.Name()); ok {
			files = append(files, File{Name: e.Name(), Elevation: elev, Timestamp: fts})
		}
	}
	f, ok := closest(files, ts, tolerance.Seconds())
	if !ok {
		return nil, false
	}
	data, err = os.ReadFile(c.path(elevation, f.Name))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *rawCache) put(elevation float64, name string, data []byte) error {
	if c == nil {
		return nil
	}
	dir := filepath.Join(c.dir, radar.ElevationDir(elevation))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create raw dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return err
	}

	c.cleanup(dir)
	return nil
}

// cleanup removes the oldest observations beyond the limit.
func (c *rawCache) cleanup(dir string) {
	if c.limit <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if _, _, ok := radar.ParseFilename(e.Name()); ok && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.limit {
		return
	}
	// Names differ only by timestamp within a tilt directory.
	sort.Strings(names)
	for _, name := range names[:len(names)-c.limit] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn().Err(err).Str("file", name).Msg("could not remove raw grid file")
		}
	}
}
