package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/api"
	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/eventbus"
)

// HealthService serves the HTTP API: health checks, status, control and metrics.
type HealthService struct {
	cfg     *config.Config
	handler http.Handler
	stream  *api.Stream
	server  *http.Server
	done    chan struct{}
}

// NewHealthService creates a new HealthService. The live status stream is
// fed from bus.
func NewHealthService(cfg *config.Config, driver api.Driver, bus *eventbus.Bus, opts api.Options) *HealthService {
	stream := api.NewStream()
	stream.Subscribe(bus)
	opts.Stream = stream

	return &HealthService{
		cfg:     cfg,
		handler: api.NewRouter(driver, opts),
		stream:  stream,
	}
}

// Start begins the HTTP server if enabled.
func (s *HealthService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}
	s.done = make(chan struct{})

	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	go func() {
		defer close(s.done)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onFatalError(fmt.Errorf("http server: %w", err))
		}
	}()
}

// Stop shuts the server down gracefully. Stream clients are disconnected
// first, Shutdown would otherwise wait for them.
func (s *HealthService) Stop() error {
	s.stream.Close()
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	<-s.done
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
