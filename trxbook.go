package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/trxbook/admin"
	"github.com/maxpert/trxbook/cfg"
	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/db"
	"github.com/maxpert/trxbook/hlc"
	"github.com/maxpert/trxbook/id"
	"github.com/maxpert/trxbook/macrolog"
	"github.com/maxpert/trxbook/session"
	"github.com/maxpert/trxbook/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("trxbook - session and transaction bookkeeping")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Database catalog
	catalog, err := openCatalog()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database catalog")
		return
	}
	defer catalog.Close()

	// Macro abort log
	var macros session.MacroLogger
	if cfg.Config.MacroLog.Enabled {
		mlog, err := macrolog.New(cfg.Config.DataDir, cfg.Config.InstanceID, macrolog.Options{
			SyncOnAppend: cfg.Config.MacroLog.SyncOnAppend,
			MaxFileSize:  int64(cfg.Config.MacroLog.MaxFileMB) << 20,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open macro abort log")
			return
		}
		defer func() {
			entries := mlog.EntryCount()
			if err := mlog.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close macro abort log")
				return
			}
			log.Info().Uint64("entries", entries).Msg("Macro abort log closed")
		}()
		macros = telemetry.MacroLogger{Next: mlog}
		log.Info().Uint32("generation", mlog.Generation()).Msg("Macro abort log opened")
	}

	// Session registry
	clock := hlc.NewClock(cfg.Config.InstanceID)
	registry, err := session.NewRegistry(session.Options{
		MaxSessions:     cfg.Config.Sessions.MaxSessions,
		MaxNestingDepth: cfg.Config.Sessions.MaxNestingDepth,
		MaxDatabases:    cfg.Config.Sessions.MaxDatabases,
		Shards:          cfg.Config.Sessions.WatermarkShards,
	}, session.Dependencies{
		Databases: catalog,
		Instance:  session.StaticInstancePriority(common.CachePriority(cfg.Config.CachePriority.Instance)),
		Macros:    macros,
		Clock:     clock,
		IDs:       id.NewHLCGenerator(clock),
		Counters:  telemetry.SessionCounters{},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session registry")
		return
	}
	catalog.OnChange(registry.ResolveCachePriorityForDB)

	// Watermark and metrics collection
	collector := telemetry.NewMetricsCollector(
		registry,
		catalog,
		time.Duration(cfg.Config.Sessions.WatermarkIntervalMS)*time.Millisecond,
	)
	collector.Start()
	defer collector.Stop()

	// Admin API and /metrics
	var server *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(registry, catalog, cfg.Config.Admin.Secret))
		if metrics := telemetry.GetMetricsHandler(); metrics != nil {
			mux.Handle("/metrics", metrics)
		}

		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Admin server failed")
			}
		}()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Int("max_sessions", cfg.Config.Sessions.MaxSessions).
		Int("admin_port", cfg.Config.Admin.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Instance is operational")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
		cancel()
	}
	collector.Stop()

	if err := registry.Teardown(); err != nil {
		log.Error().Err(err).Msg("Session teardown left leaked sessions")
	}
}

func openCatalog() (*db.Catalog, error) {
	var store db.CatalogStore
	switch cfg.Config.Catalog.Store {
	case cfg.CatalogPebble:
		pebbleStore, err := db.NewPebbleCatalogStore(
			filepath.Join(cfg.Config.DataDir, "catalog"),
			db.PebbleCatalogStoreOptions{
				CacheSizeMB: int64(cfg.Config.Catalog.CacheSizeMB),
				Sync:        cfg.Config.Catalog.Sync,
			},
		)
		if err != nil {
			return nil, err
		}
		store = pebbleStore
	default:
		store = db.NewMemoryCatalogStore()
	}

	catalog, err := db.NewCatalog(cfg.Config.Sessions.MaxDatabases, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return catalog, nil
}
