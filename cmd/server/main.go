// Package main is the entry point for the synapse detection table server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clbarnes/CATMAID/internal/api"
	"github.com/clbarnes/CATMAID/internal/cache"
	"github.com/clbarnes/CATMAID/internal/catmaid"
	"github.com/clbarnes/CATMAID/internal/config"
	"github.com/clbarnes/CATMAID/internal/render"
	"github.com/clbarnes/CATMAID/internal/service"
	"github.com/clbarnes/CATMAID/internal/synapse"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting synapse table server on port %d", cfg.Server.Port)

	ctx := context.Background()

	client, err := catmaid.NewClient(catmaid.Config{
		BaseURL:   cfg.Catmaid.BaseURL,
		ProjectID: cfg.Catmaid.ProjectID,
		Basename:  cfg.Catmaid.Basename,
		APIToken:  cfg.Catmaid.APIToken,
		Timeout:   cfg.Catmaid.Timeout(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize CATMAID client: %v", err)
	}
	defer client.Close()
	log.Printf("CATMAID project %d at %s (basename %s)", cfg.Catmaid.ProjectID, cfg.Catmaid.BaseURL, cfg.Catmaid.Basename)

	// Overview images are shared across all tables
	cacheManager, err := cache.NewManager(cache.Config{
		SizeMB: cfg.Cache.OverviewSizeMB,
		TTL:    cfg.Cache.Timeout(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	overviewRenderer := render.NewOverviewRenderer(render.Config{
		Size:            cfg.Render.Size,
		DefaultColormap: cfg.Render.Colormap,
	})

	tableCfg := service.TableServiceConfig{
		Source:     client,
		Connectors: client,
		Calibration: synapse.Calibration{
			Resolution:  synapse.Point3{X: cfg.Stack.Resolution.X, Y: cfg.Stack.Resolution.Y, Z: cfg.Stack.Resolution.Z},
			Translation: synapse.Point3{X: cfg.Stack.Translation.X, Y: cfg.Stack.Translation.Y, Z: cfg.Stack.Translation.Z},
		},
		CacheTimeout: cfg.Cache.Timeout(),
		FetchTimeout: cfg.Cache.FetchTimeout(),
		MaxSkeletons: cfg.Cache.MaxSkeletons,
		ZOffset:      cfg.Navigation.ZOffset,
		Images:       cacheManager,
		Renderer:     overviewRenderer,
	}

	// Backs the per-skeleton endpoint, independent of any table
	skeletonCache, err := synapse.NewResultCache(synapse.ResultCacheConfig{
		Fetcher:      service.NewPipeline(tableCfg),
		Timeout:      cfg.Cache.Timeout(),
		FetchTimeout: cfg.Cache.FetchTimeout(),
		MaxSkeletons: cfg.Cache.MaxSkeletons,
	})
	if err != nil {
		log.Fatalf("Failed to initialize skeleton cache: %v", err)
	}

	registry := api.NewTableRegistry(cfg.Server.Title)

	// Initialize job manager for refresh jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Refresh job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	refreshService := service.NewRefreshService(registry)
	jobManager.Executor = refreshService.ExecuteRefreshJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Skeletons:   skeletonCache,
		TableConfig: tableCfg,
		Images:      cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // table updates wait on CATMAID
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
