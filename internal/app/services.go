package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/shellyd/internal/api"
	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/db"
	"github.com/dokzlo13/shellyd/internal/engine"
	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/ledger"
	"github.com/dokzlo13/shellyd/internal/metrics"
	"github.com/dokzlo13/shellyd/internal/settings"
	"github.com/dokzlo13/shellyd/internal/shelly"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg  *config.Config
	opts Options

	// Core infrastructure
	DB       *db.DB
	Ledger   *ledger.Ledger // nil when the ledger is disabled
	Settings *settings.Bucket
	Bus      *eventbus.Bus

	// Device and driver
	Device  *shelly.Client
	Driver  *Driver
	Metrics *metrics.Collector

	// High-level services
	Cycle  *CycleService
	MQTT   *MQTTService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{cfg: cfg, opts: opts}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	var journal engine.Journal
	if cfg.Ledger.IsEnabled() {
		s.Ledger = ledger.New(database.DB, cfg.Device.ID)
		journal = s.Ledger
	}
	s.Settings = settings.NewBucket(database.DB, cfg.Device.ID)

	s.Bus = eventbus.NewWithConfig(1, cfg.EventBus.GetQueueSize())

	s.Metrics = metrics.New(cfg.Device.ID)
	s.Metrics.Subscribe(s.Bus)

	s.Device = shelly.NewClient(cfg.Device.Address, cfg.Device.Timeout.Duration())

	eng := engine.New(engine.Config{
		RelayIndex:       cfg.Device.RelayIndex,
		MeterType:        cfg.Device.Type,
		Phase:            cfg.Device.Phase,
		CommandRateLimit: cfg.Device.CommandRateLimit,
	}, s.Device, journal, s.Bus)
	s.Driver = &Driver{Engine: eng, settings: s.Settings}

	s.Cycle = NewCycleService(cfg, eng, s.Ledger)
	s.MQTT = NewMQTTService(cfg, eng, s.Bus)

	routes := api.Options{Metrics: s.Metrics.Handler()}
	if s.Ledger != nil {
		routes.Events = s.Ledger
	}
	s.Health = NewHealthService(cfg, s.Driver, s.Bus, routes)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	enabled, err := s.Settings.LoadEnabled(s.cfg.Device.IsEnabled())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored driver state, using config")
		enabled = s.cfg.Device.IsEnabled()
	}
	if s.opts.StartDisabled {
		enabled = false
	}

	if enabled {
		s.Driver.Enable()
	} else {
		log.Warn().Msg("Driver starts disabled; enable it with PUT /driver")
	}

	if err := s.MQTT.Start(); err != nil {
		return err
	}

	s.Cycle.Start(ctx)
	s.Health.Start(ctx, onFatalError)

	return nil
}

// Stop gracefully stops all services. The HTTP server and the cycle are
// independent and stop concurrently; resources are released after both.
func (s *Services) Stop() error {
	var eg errgroup.Group
	if s.Health != nil {
		eg.Go(s.Health.Stop)
	}
	if s.Cycle != nil {
		eg.Go(func() error {
			s.Cycle.Stop()
			return nil
		})
	}
	err := eg.Wait()
	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Device != nil {
		s.Device.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

func (s *Services) shutdownTimeout() time.Duration {
	if d := s.cfg.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return 5 * time.Second
}
