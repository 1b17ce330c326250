package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basel-ax/sketchgen/internal/config"
	"github.com/basel-ax/sketchgen/internal/logging"
	"github.com/basel-ax/sketchgen/internal/stubserver"
)

func main() {
	failWith := flag.String("fail", "", "End every job failed with this message")
	prefix := flag.String("prefix", "/api", "Path prefix the API is mounted under")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	stub := stubserver.New(stubserver.Options{
		PublicURL: cfg.StubPublicURL,
		Steps:     cfg.StubSteps,
		FailWith:  *failWith,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.StubPort,
		Handler:           stub.Handler(*prefix),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("prefix", *prefix).Msg("stub server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("stub server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("stub server stopped")
}
