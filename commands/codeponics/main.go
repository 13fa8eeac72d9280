package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codeponics/codeponics-pi/controller"
	"github.com/codeponics/codeponics-pi/controller/settings"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", envOr("CODEPONICS_CONFIG", "config/settings.yaml"), "Settings file (YAML or JSON)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the settings file")
	logFormat := flag.String("log-format", "console", "Log output: console or json")
	devMode := flag.Bool("dev", false, "Simulated sensors and no-op actuators")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	setupLogger(*logFormat, "info")
	s, err := settings.Load(*configPath)
	if err != nil {
		if errors.Is(err, settings.ErrNoConfig) {
			log.Fatal().Err(err).Str("path", *configPath).Msg("cannot determine control thresholds without settings")
		}
		log.Fatal().Err(err).Str("path", *configPath).Msg("invalid settings")
	}
	level := s.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogger(*logFormat, level)
	if *devMode {
		s.DevMode = true
	}

	log.Info().
		Str("version", Version).
		Str("serial", s.Device.SerialNumber).
		Str("backend", s.Server.URL).
		Bool("dev_mode", s.DevMode).
		Msg("starting codeponics")

	c, err := controller.New(s)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize controller")
	}
	if err := c.Setup(); err != nil {
		c.Stop()
		log.Fatal().Err(err).Msg("failed to set up controller")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		log.Error().Err(err).Msg("controller stopped with error")
	}
	if err := c.Stop(); err != nil {
		log.Error().Err(err).Msg("unclean shutdown")
		os.Exit(1)
	}
}

func setupLogger(format, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
