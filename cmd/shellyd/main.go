package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/app"
	"github.com/dokzlo13/shellyd/internal/config"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	purgeLedger := flag.Bool("purge-ledger", false, "Delete all ledger history on startup")
	startDisabled := flag.Bool("disabled", false, "Start with the driver disabled")
	flag.Parse()

	// .env is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Str("config", configPath).Msg("Starting shellyd")

	application, err := app.New(cfg, app.Options{StartDisabled: *startDisabled})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *purgeLedger {
		deleted, err := application.PurgeLedger()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to purge ledger")
		} else {
			log.Info().Int64("deleted", deleted).Msg("Purged ledger history (--purge-ledger)")
		}
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("shellyd stopped with error")
	}
	log.Info().Msg("shellyd stopped")
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	// log.Ctx falls back to the global logger when a context carries none
	zerolog.DefaultContextLogger = &log.Logger

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
