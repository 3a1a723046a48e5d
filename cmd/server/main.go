package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-records-workflow/internal/app"
	"github.com/pesio-ai/be-records-workflow/internal/handler"
	"github.com/pesio-ai/be-records-workflow/internal/metrics"
	"github.com/pesio-ai/be-records-workflow/internal/platform/config"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/telemetry"
	"github.com/pesio-ai/be-records-workflow/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Records Workflow Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	// Store, clients and services
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}

	if err := a.SeedDefinitions(ctx); err != nil {
		log.Fatal().Err(err).Str("file", cfg.Workflow.DefinitionsFile).Msg("Failed to seed workflow definitions")
	}

	// Queue consumers for the redis pipeline mode
	workerDone := make(chan struct{})
	workerCtx, stopWorker := context.WithCancel(ctx)
	if a.Queue != nil {
		w := worker.NewWorker(a.Queue, a.Pipeline, int(cfg.Pipeline.Concurrency), cfg.Pipeline.JobTimeout, log.With("component", "worker"))
		go func() {
			defer close(workerDone)
			if err := w.Run(workerCtx); err != nil {
				log.Error().Err(err).Msg("Pipeline worker stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(a.Engine, a.Admin, a.Pipeline, a.Store, log)
	h := http.TimeoutHandler(httpHandler.Routes(metrics.Handler(metrics.NewRegistry())), cfg.Server.RequestTimeout, "request timed out")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(a.Engine, a.Admin, log)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLoggingInterceptor(log)))
	handler.RegisterWorkflowServiceServer(grpcServer, grpcHandler)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.WorkflowServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	stopWorker()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Pipeline worker did not stop before the shutdown deadline")
	}

	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Pipeline dispatcher shutdown incomplete")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
