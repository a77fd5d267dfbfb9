package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/config"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/server"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/service"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/worker"
)

// main is the entry point of the application
func main() {
	// Child processes of the isolated strategy re-execute this binary
	if len(os.Args) > 1 && os.Args[1] == worker.Command {
		os.Exit(worker.Main())
	}

	// Initialize a new logger with the application name and syslog format
	log, err := logger.New(config.ApplicationName, logger.Options{
		Format: logger.SyslogLogFormat,
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// Initialize a new configuration handler
	configHandler, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}

	// Initialize a new metrics handler with the application name
	metricsHandler, err := metrics.New(config.ApplicationName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx := context.Background()

	// The store may be down; the service then starts degraded
	serviceHandler, err := service.New(ctx, log, metricsHandler, configHandler.Service())
	if err != nil {
		log.Error().Err(err).Msg("service initialization failed")
		os.Exit(1)
	}
	if err := serviceHandler.Start(); err != nil {
		log.Error().Err(err).Msg("service start failed")
		os.Exit(1)
	}
	log.Info().Str("store", serviceHandler.StoreState().String()).Msg("service initialized")

	// Create server instance
	srv, err := server.New(log, metricsHandler, configHandler.Server, serviceHandler)
	if err != nil {
		log.Error().Err(err).Msg("server initialization failed")
		os.Exit(1)
	}
	log.Info().Msg("server initialized")

	// Run the server with graceful shutdown
	ch := make(chan struct{})
	srv.Start(ch)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ch:
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
		cancel()
		<-ch
	}
	log.Info().Msg("server stopped")

	if err := serviceHandler.Stop(); err != nil {
		log.Error().Err(err).Msg("service stop failed")
	}
	log.Info().Msg("service stopped")
}
