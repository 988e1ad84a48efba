package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/mrms-rala/internal/logging"
)

type fakeRunner struct {
	starts  atomic.Int32
	stops   atomic.Int32
	failing atomic.Int32 // number of starts to fail
}

func (r *fakeRunner) Start() error {
	r.starts.Add(1)
	if r.failing.Load() > 0 {
		r.failing.Add(-1)
		return errors.New("cache dir not writable")
	}
	return nil
}

func (r *fakeRunner) Stop() { r.stops.Add(1) }

type fakeListener struct {
	listening chan struct{}
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeListener() *fakeListener {
	return &fakeListener{listening: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (l *fakeListener) Listen(string) error {
	l.listening <- struct{}{}
	<-l.stop
	return nil
}

func (l *fakeListener) ShutdownWithContext(context.Context) error {
	l.shutdowns.Add(1)
	close(l.stop)
	return nil
}

func TestRunnerServiceStopsOnCancel(t *testing.T) {
	r := &fakeRunner{}
	svc := NewRunnerService("scheduler", r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return r.starts.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	assert.EqualValues(t, 1, r.stops.Load())
	assert.Equal(t, "scheduler", svc.String())
}

func TestRunnerServiceStartFailure(t *testing.T) {
	r := &fakeRunner{}
	r.failing.Store(1)
	err := NewRunnerService("scheduler", r).Serve(context.Background())
	assert.ErrorContains(t, err, "cache dir not writable")
	assert.Zero(t, r.stops.Load())
}

func TestHTTPServiceShutdown(t *testing.T) {
	l := newFakeListener()
	svc := NewHTTPService(l, "127.0.0.1:0", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-l.listening
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("http service did not stop")
	}
	assert.EqualValues(t, 1, l.shutdowns.Load())
}

// TestTreeRestartsFailedService checks that a runner whose first start fails
// is started again by the supervisor.
func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	r := &fakeRunner{}
	r.failing.Store(1)
	tree.AddIngestService(NewRunnerService("scheduler", r))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return r.starts.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-errCh
	assert.GreaterOrEqual(t, r.stops.Load(), int32(1))
}
