// Command syncrelay runs the websocket hub that bridges cart sync messages
// between storefront processes.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veldra/storekit/config"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/syncbus"
	"github.com/veldra/storekit/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", ":8090", "listen address for the sync relay")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := log.New(os.Stderr, "syncrelay ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger, *verbose))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	relay := syncbus.NewRelay()
	mux := http.NewServeMux()
	mux.Handle("/sync", relay)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("sync relay listening on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		logger.Fatalf("relay server: %v", err)
	case <-ctx.Done():
	}

	logger.Print("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("relay shutdown: %v", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}
