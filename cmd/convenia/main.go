// Convenia - Rule-based settlement for medical payment agreements.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensalud/convenia/internal/api"
	"github.com/opensalud/convenia/internal/audit"
	"github.com/opensalud/convenia/internal/bus"
	"github.com/opensalud/convenia/internal/cache"
	"github.com/opensalud/convenia/internal/domain"
	"github.com/opensalud/convenia/internal/engine"
	"github.com/opensalud/convenia/internal/repository"
	"github.com/opensalud/convenia/internal/tariff"
	"github.com/opensalud/convenia/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("CONVENIA_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting convenia",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("CONVENIA_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Tariff Service
	tariffSvc := tariff.NewService(repo, cacheImpl, cfg.Engine.CatalogCacheTTL)
	slog.Info("tariff service initialized")

	// Initialize Settlement Engine with tariff getter
	eng, err := engine.NewEngine(tariffSvc.GetTariffGetter(), cfg.Engine.DefaultCurrency)
	if err != nil {
		slog.Error("failed to initialize settlement engine", "error", err)
		os.Exit(1)
	}

	// Load convenio catalog from database (no hardcoded defaults - configure via API)
	if err := loadCatalogFromDatabase(ctx, repo, eng); err != nil {
		slog.Error("failed to load convenio catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("settlement engine initialized",
		"rules_count", eng.RulesCount(),
		"catalog_version", eng.CatalogVersion(),
	)

	// Initialize Audit Recorder
	recorder := audit.NewRecorder(repo, cacheImpl, busImpl, cfg.Audit, logger)
	slog.Info("audit recorder initialized", "max_retries", cfg.Audit.MaxRetries)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("CONVENIA_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, eng, recorder)

		tenantIDs := []string{}
		if envTenants := os.Getenv("CONVENIA_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Engine, repo, cacheImpl, busImpl, eng, recorder, tariffSvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("convenia is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("convenia shutdown complete")
}

// GlobalTenantID is used for convenios that apply to all tenants.
const GlobalTenantID = "*"

// loadCatalogFromDatabase loads the convenio catalog into the engine.
// All convenios must be configured via POST /convenios - no hardcoded defaults.
func loadCatalogFromDatabase(ctx context.Context, repo domain.Repository, eng *engine.Engine) error {
	dbRules, err := repo.ListConvenios(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list convenios from database", "error", err)
		return nil // Start with an empty catalog - convenios can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading convenios from database", "count", len(dbRules))
		return eng.LoadCatalog(dbRules)
	}

	slog.Info("no convenios in database - configure via POST /convenios")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                 CONVENIA")
	fmt.Println("     Medical Agreement Settlement Engine")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /settle                       - Settle an attention")
	fmt.Println("    GET  /settlements/{id}             - Get settlement by ID")
	fmt.Println("    GET  /attentions/{id}              - Get attention by ID")
	fmt.Println("    GET  /attentions/{id}/settlements  - Settlement history")
	fmt.Println("    GET  /convenios                    - List loaded convenios")
	fmt.Println("    POST /convenios                    - Create a convenio")
	fmt.Println("    PUT  /convenios/{id}               - Update a convenio")
	fmt.Println("    DELETE /convenios/{id}             - Delete a convenio")
	fmt.Println("    POST /convenios/reload             - Hot-reload the catalog")
	fmt.Println("    GET  /aranceles/{code}             - Get a reference tariff")
	fmt.Println("    PUT  /aranceles/{code}             - Upsert a reference tariff")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
