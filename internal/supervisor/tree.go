// Package supervisor runs the long-lived parts of the service under a suture
// supervisor tree so a crashed component is restarted in isolation.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: ingest (the refresh scheduler) and api (HTTP).
type Tree struct {
	root   *suture.Supervisor
	ingest *suture.Supervisor
	api    *suture.Supervisor
}

// NewTree builds the tree. Supervisor events are logged through logger.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()

	t := &Tree{
		root:   suture.New("mrms-rala", rootSpec),
		ingest: suture.New("ingest-layer", spec),
		api:    suture.New("api-layer", spec),
	}
	t.root.Add(t.ingest)
	t.root.Add(t.api)
	return t
}

// AddIngestService adds a service to the ingest layer.
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled. A cancelled context is a
// clean shutdown and returns nil.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
