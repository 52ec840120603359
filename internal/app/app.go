package app

import (
	"context"
	"errors"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/config"
)

// App owns all services and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
}

// Options adjusts startup behaviour from the command line.
type Options struct {
	// StartDisabled keeps the driver disabled regardless of stored settings.
	StartDisabled bool
}

// New builds every service without starting any of them.
func New(cfg *config.Config, opts Options) (*App, error) {
	services, err := NewServices(cfg, opts)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Run starts the services and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or a service fails. Services are stopped before Run
// returns; a service failure is returned as the error.
func (a *App) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatal atomic.Pointer[error]
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		fatal.CompareAndSwap(nil, &err)
		cancel()
	}

	if err := a.services.Start(ctx, onFatalError); err != nil {
		cancel()
		return errors.Join(err, a.services.Stop())
	}
	log.Info().Str("device", a.cfg.Device.ID).Str("address", a.cfg.Device.Address).Msg("shellyd started")

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	stopErr := a.services.Stop()
	if err := fatal.Load(); err != nil {
		return errors.Join(*err, stopErr)
	}
	return stopErr
}

// PurgeLedger drops all ledger history.
func (a *App) PurgeLedger() (int64, error) {
	if a.services.Ledger == nil {
		return 0, nil
	}
	return a.services.Ledger.DeleteOlderThan(0)
}
