// Package scheduler drives refresh cycles on a fixed interval and on demand,
// never running two at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/mrms-rala/internal/logging"
	"github.com/i474232898/mrms-rala/internal/metrics"
	"github.com/i474232898/mrms-rala/internal/radar"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Cycle runs one refresh cycle.
type Cycle interface {
	RunCycle(ctx context.Context, onStage func(radar.Stage)) (radar.CycleResult, error)
}

// Counter reports how many observations have been processed.
type Counter interface {
	Count() int
}

// TriggerResult is the answer to a manual refresh request.
type TriggerResult int

const (
	TriggerStarted TriggerResult = iota
	TriggerAlreadyRunning
	TriggerStopped
)

func (r TriggerResult) String() string {
	switch r {
	case TriggerStarted:
		return "started"
	case TriggerAlreadyRunning:
		return "already_running"
	default:
		return "stopped"
	}
}

// Status is a snapshot of the scheduler. Reading it never waits on a cycle.
type Status struct {
	Running               bool            `json:"running"`
	UpdateInProgress      bool            `json:"update_in_progress"`
	Stage                 string          `json:"stage"`
	UpdateIntervalSeconds float64         `json:"update_interval_seconds"`
	LastCheck             *time.Time      `json:"last_check,omitempty"`
	NextRun               *time.Time      `json:"next_run,omitempty"`
	TrackedCount          int             `json:"tracked_count"`
	LastOutcome           radar.Outcome   `json:"last_outcome,omitempty"`
	LastError             string          `json:"last_error,omitempty"`
	LastSuccess           *time.Time      `json:"last_success,omitempty"`
	LastTimestamp         radar.Timestamp `json:"last_timestamp,omitempty"`
	CyclesRun             int64           `json:"cycles_run"`
}

// runState lives from Start to Stop.
type runState struct {
	cron       *gocron.Scheduler
	job        *gocron.Job
	requests   chan struct{}
	quit       chan struct{}
	done       chan struct{}
	inProgress atomic.Bool
}

// Scheduler serializes refresh cycles. Timer ticks and manual triggers both
// claim the in-flight flag and hand the cycle to a single consumer goroutine.
type Scheduler struct {
	cycle    Cycle
	tracked  Counter
	interval time.Duration
	clock    clockwork.Clock

	lifecycle sync.Mutex
	run       *runState

	stage atomic.Int32

	mu          sync.Mutex
	lastCheck   time.Time
	lastSuccess time.Time
	lastOutcome radar.Outcome
	lastErr     string
	lastTS      radar.Timestamp
	cycles      int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for status times.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a new Scheduler. tracked may be nil.
func New(cycle Cycle, tracked Counter, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &Scheduler{
		cycle:    cycle,
		tracked:  tracked,
		interval: interval,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the periodic job; the first cycle runs immediately.
func (s *Scheduler) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.run != nil {
		return ErrAlreadyStarted
	}

	rs := &runState{
		cron:     gocron.NewScheduler(time.UTC),
		requests: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	job, err := rs.cron.Every(s.interval).SingletonMode().StartImmediately().Do(func() {
		s.enqueue(rs)
	})
	if err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}
	rs.job = job

	go s.consume(rs)
	rs.cron.StartAsync()
	s.run = rs

	logging.Info().Dur("interval", s.interval).Msg("scheduler started")
	return nil
}

// Stop halts the timer and waits for an in-flight or already accepted cycle
// to finish. The cycle is not cancelled.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	rs := s.run
	s.run = nil
	s.lifecycle.Unlock()
	if rs == nil {
		return
	}

	rs.cron.Stop()
	close(rs.quit)
	<-rs.done
	logging.Info().Msg("scheduler stopped")
}

// TriggerNow requests an immediate cycle without waiting for it. A request
// accepted here runs even if Stop is called right after.
func (s *Scheduler) TriggerNow() TriggerResult {
	// Held across enqueue so Stop cannot close quit between the nil check
	// and the send.
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	rs := s.run
	if rs == nil {
		return TriggerStopped
	}
	if !s.enqueue(rs) {
		return TriggerAlreadyRunning
	}
	return TriggerStarted
}

// enqueue claims the in-flight flag and wakes the consumer.
func (s *Scheduler) enqueue(rs *runState) bool {
	if !rs.inProgress.CompareAndSwap(false, true) {
		return false
	}
	select {
	case rs.requests <- struct{}{}:
		return true
	default:
		rs.inProgress.Store(false)
		return false
	}
}

func (s *Scheduler) consume(rs *runState) {
	defer close(rs.done)
	for {
		select {
		case <-rs.quit:
			select {
			case <-rs.requests:
				s.runCycle()
				rs.inProgress.Store(false)
			default:
			}
			return
		case <-rs.requests:
			s.runCycle()
			rs.inProgress.Store(false)
		}
	}
}

func (s *Scheduler) runCycle() {
	metrics.UpdateInProgress.Set(1)
	defer metrics.UpdateInProgress.Set(0)

	s.mu.Lock()
	s.lastCheck = s.clock.Now().UTC()
	s.mu.Unlock()

	var (
		res radar.CycleResult
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("refresh cycle panicked: %v", p)
				s.stage.Store(int32(radar.StageIdle))
			}
		}()
		res, err = s.cycle.RunCycle(context.Background(), func(st radar.Stage) {
			s.stage.Store(int32(st))
		})
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	if err != nil {
		s.lastOutcome = radar.OutcomeFailed
		s.lastErr = err.Error()
		logging.Error().Err(err).Str("timestamp", res.Timestamp.String()).Msg("refresh cycle failed")
		return
	}
	s.lastOutcome = res.Outcome
	s.lastErr = ""
	if res.Outcome == radar.OutcomePublished {
		s.lastSuccess = s.clock.Now().UTC()
		s.lastTS = res.Timestamp
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	st := Status{
		Stage:                 radar.Stage(s.stage.Load()).String(),
		UpdateIntervalSeconds: s.interval.Seconds(),
	}

	s.lifecycle.Lock()
	rs := s.run
	s.lifecycle.Unlock()
	if rs != nil {
		st.Running = true
		st.UpdateInProgress = rs.inProgress.Load()
		if next := rs.job.NextRun(); !next.IsZero() {
			st.NextRun = &next
		}
	}
	if s.tracked != nil {
		st.TrackedCount = s.tracked.Count()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastCheck = timePtr(s.lastCheck)
	st.LastSuccess = timePtr(s.lastSuccess)
	st.LastOutcome = s.lastOutcome
	st.LastError = s.lastErr
	st.LastTimestamp = s.lastTS
	st.CyclesRun = s.cycles
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
