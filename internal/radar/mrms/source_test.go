package mrms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/mrms-rala/internal/radar"
)

type recordingDecoder struct {
	mu    sync.Mutex
	calls map[float64][]byte
}

func (d *recordingDecoder) Decode(elevation float64, raw []byte) (*radar.ElevationGrid, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[float64][]byte)
	}
	d.calls[elevation] = raw
	return &radar.ElevationGrid{Elevation: elevation, Rows: 1, Cols: 1, Missing: -999, Values: []float32{float32(len(raw))}}, nil
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// archive serves MRMS-style tilt directories from an in-memory file map.
type archive struct {
	t        *testing.T
	mu       sync.Mutex
	files    map[string][]byte // path -> payload
	requests atomic.Int64
	status   atomic.Int32
}

func (a *archive) add(elevation float64, ts radar.Timestamp, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := fmt.Sprintf("/MergedReflectivityQC_%s/%s", radar.FormatElevation(elevation), radar.Filename(elevation, ts))
	a.files[path] = gz(a.t, body)
}

func (a *archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.requests.Add(1)
	if code := a.status.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.HasSuffix(r.URL.Path, "/") {
		var b strings.Builder
		b.WriteString("<html><body><table>")
		b.WriteString(`<tr><td><a href="../">Parent Directory</a></td></tr>`)
		for path := range a.files {
			if strings.HasPrefix(path, r.URL.Path) {
				name := path[len(r.URL.Path):]
				fmt.Fprintf(&b, `<tr><td><a href="%s">%s</a></td><td>1.2M</td></tr>`, name, name)
			}
		}
		latest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/"), "/")
		fmt.Fprintf(&b, `<tr><td><a href="%s_latest.grib2.gz">latest</a></td></tr>`, strings.Replace(latest, "MergedReflectivityQC", "MRMS_MergedReflectivityQC", 1))
		b.WriteString("</table></body></html>")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(b.String()))
		return
	}
	data, ok := a.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func newArchive(t *testing.T) (*archive, *httptest.Server) {
	a := &archive{t: t, files: make(map[string][]byte)}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func newTestSource(t *testing.T, baseURL, cacheDir string, dec radar.Decoder) *Source {
	t.Helper()
	s, err := NewSource(Config{
		BaseURL:    baseURL,
		Elevations: []float64{1.0, 0.5},
		CacheDir:   cacheDir,
		CacheLimit: 2,
		Backoff:    BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, dec)
	require.NoError(t, err)
	return s
}

func TestLatestTimestampUsesLowestTilt(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.5, "20251107-195636", "a")
	a.add(0.5, "20251107-200036", "b")
	a.add(1.0, "20251107-200436", "c")

	s := newTestSource(t, srv.URL, "", &recordingDecoder{})
	ts, err := s.LatestTimestamp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, radar.Timestamp("20251107-200036"), ts)
}

func TestLatestTimestampNoData(t *testing.T) {
	_, srv := newArchive(t)
	s := newTestSource(t, srv.URL, "", &recordingDecoder{})

	_, err := s.LatestTimestamp(context.Background())
	require.ErrorIs(t, err, radar.ErrNoData)
}

func TestFetchDecompressesAndCaches(t *testing.T) {
	a, srv := newArchive(t)
	a.add(1.0, "20251107-200036", "GRIB-payload")
	dir := t.TempDir()
	dec := &recordingDecoder{}
	s := newTestSource(t, srv.URL, dir, dec)

	grid, err := s.Fetch(context.Background(), 1.0, "20251107-200036")
	require.NoError(t, err)
	assert.Equal(t, 1.0, grid.Elevation)
	assert.Equal(t, []byte("GRIB-payload"), dec.calls[1.0])

	cached := filepath.Join(dir, "01_00", radar.Filename(1.0, "20251107-200036"))
	assert.FileExists(t, cached)

	before := a.requests.Load()
	_, err = s.Fetch(context.Background(), 1.0, "20251107-200036")
	require.NoError(t, err)
	assert.Equal(t, before, a.requests.Load())
}

func TestFetchFallsBackToNearestFile(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.75, "20251107-200039", "near")
	a.add(0.75, "20251107-195039", "far")
	dec := &recordingDecoder{}
	s := newTestSource(t, srv.URL, "", dec)

	_, err := s.Fetch(context.Background(), 0.75, "20251107-200036")
	require.NoError(t, err)
	assert.Equal(t, []byte("near"), dec.calls[0.75])
}

func TestFetchRejectsPreviousVolume(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.5, "20251107-200036", "current")
	a.add(0.75, "20251107-195836", "previous-volume")
	dec := &recordingDecoder{}
	s := newTestSource(t, srv.URL, "", dec)

	_, err := s.Fetch(context.Background(), 0.75, "20251107-200036")
	var fe *radar.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, errNotFound)
	assert.NotContains(t, dec.calls, 0.75)
}

func TestNearestFileServedFromRawCache(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.75, "20251107-200039", "near")
	dec := &recordingDecoder{}
	s := newTestSource(t, srv.URL, t.TempDir(), dec)

	_, err := s.Fetch(context.Background(), 0.75, "20251107-200036")
	require.NoError(t, err)

	before := a.requests.Load()
	_, err = s.Fetch(context.Background(), 0.75, "20251107-200036")
	require.NoError(t, err)
	assert.Equal(t, before, a.requests.Load())
	assert.Equal(t, []byte("near"), dec.calls[0.75])
}

func TestFetchMissingTilt(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.75, "20251107-194036", "stale")
	s := newTestSource(t, srv.URL, "", &recordingDecoder{})

	_, err := s.Fetch(context.Background(), 0.75, "20251107-200036")
	var fe *radar.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 0.75, fe.Elevation)
	assert.True(t, errors.Is(err, errNotFound))
}

func TestFetchRetriesServerErrors(t *testing.T) {
	a, srv := newArchive(t)
	a.status.Store(http.StatusBadGateway)
	s := newTestSource(t, srv.URL, "", &recordingDecoder{})

	_, err := s.Fetch(context.Background(), 0.5, "20251107-200036")
	require.ErrorIs(t, err, errServerError)
	assert.EqualValues(t, 3, a.requests.Load())
}

func TestFetchHonoursCancellation(t *testing.T) {
	a, srv := newArchive(t)
	a.add(0.5, "20251107-200036", "x")
	s := newTestSource(t, srv.URL, "", &recordingDecoder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Fetch(ctx, 0.5, "20251107-200036")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRawCacheCleanup(t *testing.T) {
	dir := t.TempDir()
	c := &rawCache{dir: dir, limit: 2}
	for _, ts := range []radar.Timestamp{"20251107-200036", "20251107-195636", "20251107-200436"} {
		require.NoError(t, c.put(0.5, radar.Filename(0.5, ts), []byte("x")))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "00_50"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		radar.Filename(0.5, "20251107-200036"),
		radar.Filename(0.5, "20251107-200436"),
	}, names)
}

func TestParseListing(t *testing.T) {
	page := `<html><body>
<a href="MRMS_MergedReflectivityQC_00.50_20251107-195636.grib2.gz">a</a>
<a href="MRMS_MergedReflectivityQC_00.50_20251107-200036.grib2.gz">b</a>
<a href="MRMS_MergedReflectivityQC_00.50_20251107-200036.grib2.gz">dup</a>
<a href="MRMS_MergedReflectivityQC_00.50_latest.grib2.gz">latest</a>
<a href="README.txt">readme</a>
</body></html>`

	files, err := parseListing(strings.NewReader(page), "https://example.test/3DRefl/MergedReflectivityQC_00.50")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, radar.Timestamp("20251107-200036"), files[0].Timestamp)
	assert.Equal(t, "https://example.test/3DRefl/MergedReflectivityQC_00.50/MRMS_MergedReflectivityQC_00.50_20251107-200036.grib2.gz", files[0].URL)
	assert.Equal(t, 0.5, files[1].Elevation)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0, 9))

	l := newLimiter(2, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())

	l = newLimiter(10, 9)
	assert.Equal(t, 9, l.Burst())
	assert.InDelta(t, 10, float64(l.Limit()), 1e-9)
}
