// Package mrms reads MergedReflectivityQC grids from the NOAA MRMS archive.
package mrms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/metrics"
	"github.com/i474232898/mrms-rala/internal/radar"
)

const (
	DefaultBaseURL = "https://mrms.ncep.noaa.gov/3DRefl"

	// DefaultMatchTolerance bounds how far a tilt's file may be from the
	// requested observation when the exact file is not published. It must
	// stay well under the two minute volume spacing so a neighbouring
	// volume is never taken for the requested one.
	DefaultMatchTolerance = 30 * time.Second

	defaultUserAgent = "mrms-rala/1.0 (+https://github.com/i474232898/mrms-rala)"
	maxPayloadSize   = 256 << 20
)

// Config configures a Source.
type Config struct {
	BaseURL        string
	Elevations     []float64
	Timeout        time.Duration
	CacheDir       string // raw file cache; disabled when empty
	CacheLimit     int    // files kept per tilt
	MatchTolerance time.Duration
	Client         *http.Client
	Backoff        BackoffConfig
	RateLimit      float64 // requests per second to the archive; 0 disables
}

// Source implements radar.GridSource over the MRMS HTTP archive.
type Source struct {
	baseURL    string
	elevations []float64
	tolerance  time.Duration
	httpCfg    HTTPClientConfig
	circuit    *gobreaker.CircuitBreaker
	decoder    radar.Decoder
	raw        *rawCache
}

// NewSource creates a Source decoding payloads with dec.
func NewSource(cfg Config, dec radar.Decoder) (*Source, error) {
	if len(cfg.Elevations) == 0 {
		return nil, fmt.Errorf("mrms source: no elevation angles configured")
	}
	if dec == nil {
		return nil, fmt.Errorf("mrms source: no decoder")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MatchTolerance <= 0 {
		cfg.MatchTolerance = DefaultMatchTolerance
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = BackoffConfig{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
	}

	elevations := append([]float64(nil), cfg.Elevations...)
	sort.Float64s(elevations)

	s := &Source{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		elevations: elevations,
		tolerance:  cfg.MatchTolerance,
		httpCfg: HTTPClientConfig{
			Client:    cfg.Client,
			Backoff:   cfg.Backoff,
			UserAgent: defaultUserAgent,
			Limiter:   newLimiter(cfg.RateLimit, len(elevations)),
		},
		circuit: newBreaker("mrms"),
		decoder: dec,
	}
	if cfg.CacheDir != "" {
		s.raw = &rawCache{dir: cfg.CacheDir, limit: cfg.CacheLimit}
	}
	return s, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// DirURL returns the directory holding the files of one tilt.
func (s *Source) DirURL(elevation float64) string {
	return fmt.Sprintf("%s/MergedReflectivityQC_%s", s.baseURL, radar.FormatElevation(elevation))
}

// List returns the files currently published for a tilt, newest first.
func (s *Source) List(ctx context.Context, elevation float64) ([]File, error) {
	dir := s.DirURL(elevation)
	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, dir+"/", nil)
	})
	if err != nil {
		metrics.FetchRequests.WithLabelValues("listing", "error").Inc()
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	defer resp.Body.Close()

	files, err := parseListing(resp.Body, dir)
	if err != nil {
		metrics.FetchRequests.WithLabelValues("listing", "error").Inc()
		return nil, fmt.Errorf("parse listing %s: %w", dir, err)
	}
	metrics.FetchRequests.WithLabelValues("listing", "ok").Inc()
	return files, nil
}

// LatestTimestamp reports the newest observation of the lowest tilt.
func (s *Source) LatestTimestamp(ctx context.Context) (radar.Timestamp, error) {
	files, err := s.List(ctx, s.elevations[0])
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", radar.ErrNoData
	}
	return files[0].Timestamp, nil
}

// Fetch downloads, decompresses and decodes one tilt of observation ts.
// When the tilt has no file at exactly ts, the closest one within the match
// tolerance is used instead.
func (s *Source) Fetch(ctx context.Context, elevation float64, ts radar.Timestamp) (*radar.ElevationGrid, error) {
	fail := func(err error) (*radar.ElevationGrid, error) {
		return nil, &radar.FetchError{Elevation: elevation, Timestamp: ts, Err: err}
	}

	payload, ok := s.raw.get(elevation, ts, s.tolerance)
	if ok {
		metrics.RawCacheHits.Inc()
	} else {
		name := radar.Filename(elevation, ts)
		var err error
		payload, err = s.download(ctx, s.DirURL(elevation)+"/"+name)
		if errors.Is(err, errNotFound) {
			name, payload, err = s.fetchNearest(ctx, elevation, ts)
		}
		if err != nil {
			return fail(err)
		}
		if err := s.raw.put(elevation, name, payload); err != nil {
			logging.Warn().Err(err).Str("file", name).Msg("could not cache raw grid file")
		}
	}

	raw, err := gunzip(payload)
	if err != nil {
		return fail(fmt.Errorf("decompress: %w", err))
	}
	grid, err := s.decoder.Decode(elevation, raw)
	if err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}
	return grid, nil
}

func (s *Source) fetchNearest(ctx context.Context, elevation float64, ts radar.Timestamp) (string, []byte, error) {
	files, err := s.List(ctx, elevation)
	if err != nil {
		return "", nil, err
	}
	f, ok := closest(files, ts, s.tolerance.Seconds())
	if !ok {
		return "", nil, fmt.Errorf("no file within %s of %s: %w", s.tolerance, ts, errNotFound)
	}
	logging.Debug().
		Str("timestamp", ts.String()).
		Str("matched", f.Timestamp.String()).
		Float64("elevation", elevation).
		Msg("using nearest tilt file")
	payload, err := s.download(ctx, f.URL)
	return f.Name, payload, err
}

func (s *Source) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	})
	if err != nil {
		metrics.FetchRequests.WithLabelValues("file", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize+1))
	if err != nil {
		metrics.FetchRequests.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(data) > maxPayloadSize {
		metrics.FetchRequests.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("read %s: payload exceeds %d bytes", url, maxPayloadSize)
	}
	metrics.FetchRequests.WithLabelValues("file", "ok").Inc()
	metrics.FetchBytes.Add(float64(len(data)))
	return data, nil
}

// gunzip inflates gzip payloads and passes anything else through.
func gunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
