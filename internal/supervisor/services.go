package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/i474232898/mrms-rala/internal/logging"
)

// Runner is something started once and stopped on shutdown, such as the
// refresh scheduler.
type Runner interface {
	Start() error
	Stop()
}

// RunnerService adapts a Runner to suture.Service.
type RunnerService struct {
	name   string
	runner Runner
}

func NewRunnerService(name string, r Runner) *RunnerService {
	return &RunnerService{name: name, runner: r}
}

func (s *RunnerService) Serve(ctx context.Context) error {
	if err := s.runner.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", s.name, err)
	}
	<-ctx.Done()
	s.runner.Stop()
	return ctx.Err()
}

func (s *RunnerService) String() string { return s.name }

// Listener is the subset of *fiber.App the HTTP service needs.
type Listener interface {
	Listen(addr string) error
	ShutdownWithContext(ctx context.Context) error
}

// HTTPService serves a Listener until the supervisor stops it.
type HTTPService struct {
	server          Listener
	addr            string
	shutdownTimeout time.Duration
}

func NewHTTPService(server Listener, addr string, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, addr: addr, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", h.addr).Msg("http server listening")
		errCh <- h.server.Listen(h.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
