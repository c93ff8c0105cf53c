package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/workbench-labs/workbench/internal/api"
	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/orchestrator"
	"github.com/workbench-labs/workbench/internal/preview"
	"github.com/workbench-labs/workbench/internal/ratelimit"
	"github.com/workbench-labs/workbench/internal/runtime"
	"github.com/workbench-labs/workbench/internal/terminal"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()

	log.Println("Starting Workbench...")

	// Container runtime
	rt, err := runtime.NewDocker()
	if err != nil {
		log.Fatalf("Failed to create container runtime: %v", err)
	}
	defer rt.Close()
	log.Println("✓ Container runtime connected")

	// Orchestrator: workspaces dir, network, base image, orphan cleanup
	orch := orchestrator.NewManager(cfg, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("⏳ Preparing base image and reconciling leftover containers...")
	if err := orch.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	log.Println("✓ Orchestrator initialized")

	// Terminal gateway
	gateway := terminal.NewGateway(cfg, orch)
	log.Println("✓ Terminal gateway initialized")

	// Preview proxy
	proxyServer := preview.NewProxy(cfg, orch)
	log.Println("✓ Preview proxy initialized")

	// API rate limiter
	rateLimiter := ratelimit.NewLimiter(cfg.APIRequestsPerHour, cfg.APIBurst)
	log.Printf("✓ Rate limiter initialized (%d req/hour per user)", cfg.APIRequestsPerHour)

	// HTTP routes
	handler := api.NewHandler(cfg, orch, proxyServer)
	router := handler.SetupRoutes(gateway, rateLimiter)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.ListenAddr)
		log.Println("📍 API endpoints available under /api/v1")
		log.Println("💻 Terminal: WebSocket sessions into sandboxed workspaces")
		log.Println("🔍 Preview: live dev-server proxy with hot-reload support")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("\n⏳ Shutting down server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	gateway.Close()
	proxyServer.Close()
	orch.CleanupAll(shutdownCtx)

	log.Println("✅ Server stopped cleanly")
}
