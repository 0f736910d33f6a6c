// Standalone in-memory fact authority for local development and
// integration testing. Serves the pull/commit/watch protocol that eddy
// daemons speak; state lives in process memory and is lost on exit.
//
// Usage: go run ./cmd/eddy-authority --listen 127.0.0.1:8787
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverdelta/eddy/pkg/remote/remotetest"
)

const shutdownGrace = 5 * time.Second

func main() {
	listen := flag.String("listen", "127.0.0.1:8787", "address to serve on")
	flag.Parse()

	logger := slog.Default()
	authority := remotetest.NewServer(remotetest.New(), logger)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           authority.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}()

	logger.Info("authority listening", slog.String("addr", *listen))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "authority failed: %v\n", err)
		os.Exit(1)
	}
}
