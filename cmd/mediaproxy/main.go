// Command mediaproxy runs the local HTTP media-acceleration proxy as a
// standalone process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamrelay/mediaproxy/internal/config"
	"github.com/streamrelay/mediaproxy/internal/engine"
	"github.com/streamrelay/mediaproxy/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the proxy's JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		telemetry.NewLogger(true, true).Fatal().Err(err).Msg("loading configuration")
	}

	logger := telemetry.NewLogger(cfg.LogPrint, true)

	e, err := engine.New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("constructing engine")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for err := range e.OnError() {
			logger.Warn().Err(err).Msg("proxy server error")
		}
	}()

	logger.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Msg("starting media proxy")
	e.Run(ctx)
	e.Close()
}
