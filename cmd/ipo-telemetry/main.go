package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/config"
	"github.com/snarg/ipo-telemetry/internal/health"
	"github.com/snarg/ipo-telemetry/internal/supervisor"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address for /healthz and /metrics (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("ipo-telemetry starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize supervisor")
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	r := chi.NewRouter()
	health.NewHandler(sup.HealthSources(fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime), startTime), log).Routes(r)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	httpErrCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("health/metrics server starting")
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		httpErrCh <- err
	}()

	log.Info().Dur("startup_ms", time.Since(startTime)).Msg("ipo-telemetry ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-runErrCh:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("supervisor exited unexpectedly")
		}
	case err := <-httpErrCh:
		if err != nil {
			log.Error().Err(err).Msg("health/metrics server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health/metrics server shutdown error")
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("supervisor shutdown error")
	}

	log.Info().Msg("ipo-telemetry stopped")
}
