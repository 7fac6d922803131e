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
	"syscall"
	"time"

	"github.com/maxpert/slotkeeper/admin"
	"github.com/maxpert/slotkeeper/cfg"
	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/horizon"
	_ "github.com/maxpert/slotkeeper/plugin/jsonchange"
	_ "github.com/maxpert/slotkeeper/plugin/textdecoding"
	"github.com/maxpert/slotkeeper/publisher"
	_ "github.com/maxpert/slotkeeper/publisher/sink"
	"github.com/maxpert/slotkeeper/recovery"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/maxpert/slotkeeper/xact"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 10 * time.Second

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
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Slotkeeper - logical decoding slot manager")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Slotkeeper stopped with error")
	}
	log.Info().Msg("Slotkeeper stopped")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 1: durable state
	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("Opening slot store and WAL")
	store, err := slot.OpenPebbleStore(cfg.Config.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	h, err := horizon.New(store, cfg.Config.Standby)
	if err != nil {
		return fmt.Errorf("failed to load horizon: %w", err)
	}

	walLog, err := wal.OpenLog(cfg.Config.DataDir)
	if err != nil {
		return err
	}
	defer walLog.Close()

	slots := slot.NewManager(store, slot.Hooks{
		RequiredXmin: h.SetRequiredCatalogXmin,
		RequiredLSN: func(lsn wal.LSN) error {
			if !lsn.IsValid() {
				return nil
			}
			return walLog.Truncate(lsn)
		},
	})
	if err := slots.Open(); err != nil {
		return fmt.Errorf("failed to load slots: %w", err)
	}

	// Phase 2: decoding
	x := xact.NewManager(walLog, h)
	engine := decoding.NewEngine(slots, h, walLog, x)
	resolver := recovery.NewConflictResolver(
		slots,
		h,
		cfg.MaxStandbyDelay(),
		time.Duration(cfg.Config.Decoding.ConflictSignalIntervalMS)*time.Millisecond,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return x.RunSnapshotter(gctx, time.Duration(cfg.Config.Decoding.SnapshotIntervalMS)*time.Millisecond)
	})
	g.Go(func() error {
		return slots.RunCheckpointer(gctx, time.Duration(cfg.Config.Decoding.CheckpointIntervalSeconds)*time.Second)
	})

	collector := telemetry.NewMetricsCollector(slots, retentionGauges{horizon: h, wal: walLog}, metricsInterval)
	collector.Start()
	defer collector.Stop()

	// Phase 3: publishers
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Database:     cfg.Config.DatabaseID,
		SlotConfigs:  cfg.Config.Slots,
		Slots:        slots,
		Engine:       engine,
		PollInterval: time.Duration(cfg.Config.Decoding.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	// Phase 4: admin API
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(admin.Dependencies{
			Database:   cfg.Config.DatabaseID,
			Slots:      slots,
			Horizon:    h,
			Engine:     engine,
			Resolver:   resolver,
			Xact:       x,
			WAL:        walLog,
			Publishers: registry,
		}))

		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Bool("standby", h.InRecovery()).
		Int("slots", len(slots.List())).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("Node is operational")

	err = g.Wait()
	registry.Stop()

	// Flush whatever the last checkpoint missed
	if cerr := slots.CheckPoint(); cerr != nil {
		log.Warn().Err(cerr).Msg("Final checkpoint failed")
	}
	return err
}

// retentionGauges exposes the installation-wide retention marks to the
// metrics collector.
type retentionGauges struct {
	horizon *horizon.Horizon
	wal     *wal.Log
}

func (r retentionGauges) OldestCatalogXminValue() uint32 {
	return uint32(r.horizon.OldestCatalogXmin())
}

func (r retentionGauges) OldestWALPosition() uint64 {
	return uint64(r.wal.OldestLSN())
}
