// ballastd is the durability daemon: it owns the storage backend, the
// event log, the session store, and the health monitor, and exposes
// health, stats, and metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ballast-ai/ballast"
	"github.com/ballast-ai/ballast/pkg/config"
	"github.com/ballast-ai/ballast/pkg/observability"
)

var (
	configFile = flag.String("config", getEnv("BALLAST_CONFIG", ""), "Configuration file (YAML)")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 8080), "HTTP port for health, stats, and metrics")
)

func main() {
	flag.Parse()

	log.Printf("Starting ballastd v%s", ballast.Version)

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Load config: %v", err)
		}
		cfg = loaded
	}
	if *httpPort != 0 {
		cfg.Observability.Port = *httpPort
	}
	log.Printf("Config: driver=%s, port=%d", cfg.Storage.Driver, cfg.Observability.Port)

	// Initialize observability
	if cfg.Observability.EnableMetrics {
		observability.InitMetrics()
	}
	if err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  "ballastd",
		Enabled:      cfg.Observability.TracesExporter != "none",
		ExporterType: cfg.Observability.TracesExporter,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
	}); err != nil {
		log.Fatalf("Init tracing: %v", err)
	}

	ctx := context.Background()
	core, err := ballast.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Wire core: %v", err)
	}
	if err := core.Start(ctx); err != nil {
		log.Fatalf("Start core: %v", err)
	}

	obsServer := observability.NewServer(cfg.Observability.Port, core.Checker, func(ctx context.Context) (any, error) {
		return core.Stats(ctx)
	})
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on :%d", cfg.Observability.Port)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down ballastd...")
	}

	// Graceful shutdown: the core drains under its own ceiling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Ceiling)
	defer cancel()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		log.Printf("Core shutdown error: %v", err)
	}
	if err := observability.ShutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("ballastd stopped")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
