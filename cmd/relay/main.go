package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/gamerooms/config"
	"github.com/adwski/gamerooms/relay"
	"github.com/adwski/gamerooms/transport/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to yaml config file")
		logLevel   = fs.StringP("log-level", "l", "", "log level override")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	logger.Trace().Msg(spew.Sdump(cfg))

	hub := memory.NewHub(&logger)
	rtSrv := relay.NewServer(relay.Config{
		Logger:     &logger,
		Hub:        hub,
		ListenAddr: cfg.RealtimeListenAddr,
		APIKey:     cfg.APIKey,
	})
	opsSrv := relay.NewOpsServer(relay.OpsConfig{
		Logger:     &logger,
		Hub:        hub,
		ListenAddr: cfg.OpsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go rtSrv.Run(ctx, wg, errc)
	go opsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
