// Command storefront runs one storefront engine context behind a JSON API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veldra/storekit/config"
	"github.com/veldra/storekit/internal/engine"
	"github.com/veldra/storekit/internal/httpapi"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/telemetry"
)

const (
	defaultConfigPath        = "config/storekit.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	addr := flag.String("addr", ":8080", "listen address for the storefront API")
	cfgPath := flag.String("config", "", "path to configuration file (default: "+defaultConfigPath+")")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := log.New(os.Stderr, "storefront ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger, *verbose))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := *cfgPath
	if path == "" {
		path = defaultConfigPath
	}
	cfg, loadedFromFile, err := config.LoadOrDefault(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults with environment overrides")
		cfg = config.FromEnv()
	}
	logger.Printf("configuration initialised: env=%s storage=%s", cfg.Environment, cfg.Storage.Backend)

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logger.Fatalf("assemble engine: %v", err)
	}

	server := httpapi.NewServer(eng)
	logger.Printf("storefront listening on %s", *addr)
	if err := server.Listen(ctx, *addr); err != nil {
		logger.Printf("server stopped: %v", err)
	}

	logger.Print("shutting down")
	eng.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}
