package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teraunit/teraunit/cmd/teraunit/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Wipe vault key material on the way out.
	defer memguard.Purge()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		memguard.Purge()
		os.Exit(1)
	}
}

// setupLogging configures the bootstrap logger used before telemetry is up.
func setupLogging() {
	level := zerolog.InfoLevel
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	// Only the bootstrap logger; the service logger takes its level from config.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}
