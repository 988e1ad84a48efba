package radar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/metrics"
)

// DefaultQualityThreshold is the minimum quality a tilt needs to be selected.
const DefaultQualityThreshold = 0.5

// ServiceConfig tunes one refresh cycle.
type ServiceConfig struct {
	Elevations       []float64
	QualityThreshold float64
	QCMin            float32
	QCMax            float32
	SmoothingRadius  int
	FetchConcurrency int
}

// Outcome is how a refresh cycle ended.
type Outcome string

const (
	OutcomeNoData    Outcome = "no_data"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
)

// CycleResult summarises one refresh cycle.
type CycleResult struct {
	ID          uuid.UUID
	Timestamp   Timestamp
	Outcome     Outcome
	ValidPoints int
	Duration    time.Duration
}

// Service runs refresh cycles: discover, fetch, fuse, publish, record.
type Service struct {
	source    GridSource
	tracker   Tracker
	publisher Publisher
	fuser     Fuser
	cfg       ServiceConfig
	clock     clockwork.Clock
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock sets the clock that stamps GeneratedAt on composites.
func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// NewService creates a new Service.
func NewService(source GridSource, tracker Tracker, publisher Publisher, fuser Fuser, cfg ServiceConfig, opts ...ServiceOption) *Service {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = len(cfg.Elevations)
	}
	s := &Service{
		source:    source,
		tracker:   tracker,
		publisher: publisher,
		fuser:     fuser,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCycle performs one refresh cycle. onStage, if non-nil, is told about
// each stage transition and always ends on StageIdle.
//
// A cycle whose observation is already tracked, or for which the source has
// nothing yet, returns without error. Any failure leaves the timestamp
// untracked so the next cycle retries it.
func (s *Service) RunCycle(ctx context.Context, onStage func(Stage)) (res CycleResult, err error) {
	res.ID = uuid.New()
	started := time.Now()
	log := logging.With().Str("cycle_id", res.ID.String()).Logger()

	stage := func(st Stage) {
		if onStage != nil {
			onStage(st)
		}
	}
	defer func() {
		res.Duration = time.Since(started)
		if err != nil {
			res.Outcome = OutcomeFailed
		}
		metrics.CyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
		stage(StageIdle)
	}()

	stage(StageChecking)
	ts, err := s.source.LatestTimestamp(ctx)
	if errors.Is(err, ErrNoData) {
		log.Debug().Msg("no observation available yet")
		res.Outcome = OutcomeNoData
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("discover latest observation: %w", err)
	}
	res.Timestamp = ts
	log = log.With().Str("timestamp", ts.String()).Logger()

	if s.tracker.Has(ts) {
		log.Debug().Msg("observation already processed")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	stage(StageFetching)
	mark := time.Now()
	set, err := s.fetchAll(ctx, ts)
	if err != nil {
		return res, err
	}
	metrics.StageDuration.WithLabelValues(StageFetching.String()).Observe(time.Since(mark).Seconds())

	stage(StageFusing)
	mark = time.Now()
	composite, err := s.fuser.Fuse(set, s.cfg.QualityThreshold)
	if err != nil {
		return res, fmt.Errorf("fuse %s: %w", ts, err)
	}
	if s.cfg.SmoothingRadius > 0 {
		composite, err = s.fuser.FillMissing(composite, s.cfg.SmoothingRadius)
		if err != nil {
			return res, fmt.Errorf("fill missing %s: %w", ts, err)
		}
	}
	metrics.StageDuration.WithLabelValues(StageFusing.String()).Observe(time.Since(mark).Seconds())
	composite.GeneratedAt = s.clock.Now().UTC()

	stage(StagePublishing)
	mark = time.Now()
	if err := s.publisher.Publish(composite); err != nil {
		return res, fmt.Errorf("publish %s: %w", ts, err)
	}
	metrics.StageDuration.WithLabelValues(StagePublishing.String()).Observe(time.Since(mark).Seconds())

	// Recorded last: a crash or write failure before this point means the
	// observation is reprocessed, never skipped.
	if _, err := s.tracker.Add(ts); err != nil {
		return res, fmt.Errorf("record %s: %w", ts, err)
	}

	res.Outcome = OutcomePublished
	res.ValidPoints = composite.ValidPoints
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	log.Info().
		Int("valid_points", composite.ValidPoints).
		Int("filled_points", composite.FilledPoints).
		Dur("duration", time.Since(started)).
		Msg("composite published")
	return res, nil
}

// fetchAll downloads every configured elevation concurrently. The first
// failure cancels the remaining fetches.
func (s *Service) fetchAll(ctx context.Context, ts Timestamp) (*ElevationSet, error) {
	if len(s.cfg.Elevations) == 0 {
		return nil, ErrEmptyInput
	}

	grids := make([]*ElevationGrid, len(s.cfg.Elevations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, elevation := range s.cfg.Elevations {
		g.Go(func() error {
			grid, err := s.source.Fetch(gctx, elevation, ts)
			if err != nil {
				var fe *FetchError
				if errors.As(err, &fe) {
					return err
				}
				return &FetchError{Elevation: elevation, Timestamp: ts, Err: err}
			}
			if s.cfg.QCMax > s.cfg.QCMin {
				grid = QualityControl(grid, s.cfg.QCMin, s.cfg.QCMax)
			}
			grids[i] = grid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := NewElevationSet(ts)
	for _, grid := range grids {
		set.Add(grid)
	}
	return set, nil
}
