package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/bosky101/kraken/internal/broker"
	"github.com/bosky101/kraken/internal/config"
	"github.com/bosky101/kraken/internal/monitoring"
	"github.com/bosky101/kraken/internal/server"
)

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for the startup phase, before the structured logger
	// exists.
	startupLog := log.New(os.Stdout, "[KRAKEN] ", log.LstdFlags)

	// automaxprocs pins GOMAXPROCS to the container CPU limit.
	startupLog.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load()
	if err != nil {
		startupLog.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
		startupLog.Printf("Debug mode enabled via flag")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			startupLog.Fatalf("Failed to write pid file %s: %v", cfg.PidFile, err)
		}
		defer func() {
			if err := os.Remove(cfg.PidFile); err != nil {
				logger.Error().Err(err).Str("pid_file", cfg.PidFile).Msg("Pid file removal failed")
			}
		}()
	}

	router := broker.NewRouter(broker.RouterConfig{
		Shards:                 cfg.NumRouterShards,
		MinFanoutToWarn:        cfg.RouterMinFanoutToWarn,
		MinPublishTopicsToWarn: cfg.RouterMinPublishTopicsToWarn,
	}, logger)

	srv := server.New(cfg, router, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
