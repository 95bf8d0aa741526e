// Command escrowd launches the two escrow engines, the bridge relayer, and the
// notification surfaces around them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/pegbridge/escrow/internal/asset"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/bus/eventbus"
	"github.com/pegbridge/escrow/internal/config"
	"github.com/pegbridge/escrow/internal/escrow"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/infra/persistence"
	"github.com/pegbridge/escrow/internal/infra/persistence/migrations"
	pgstore "github.com/pegbridge/escrow/internal/infra/persistence/postgres"
	"github.com/pegbridge/escrow/internal/infra/server/wsfeed"
	"github.com/pegbridge/escrow/internal/journal"
	"github.com/pegbridge/escrow/internal/observability"
	"github.com/pegbridge/escrow/internal/pricing"
	"github.com/pegbridge/escrow/internal/relayer"
	"github.com/pegbridge/escrow/lib/telemetry"
)

const (
	loggerPrefix      = "escrowd "
	shutdownTimeout   = 30 * time.Second
	feedDrainTimeout  = 5 * time.Second
	otelFlushTimeout  = 5 * time.Second
	dbConnectTimeout  = 10 * time.Second
	migrationsApplyTO = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to escrowd configuration file (YAML)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: native=%s counter=%s", cfg.Native.Name, cfg.Counter.Name)

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
	})
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	store, pool, err := buildJournalStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalf("initialise journal store: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	busCfg := eventbus.MemoryConfig{
		BufferSize:    cfg.Eventbus.BufferSize,
		FanoutWorkers: cfg.Eventbus.FanoutWorkers,
	}
	nativeBus := eventbus.NewMemoryBus(busCfg)
	counterBus := eventbus.NewMemoryBus(busCfg)

	auth := authz.NewStatic()
	auth.Grant(cfg.Relayer.Account, authz.RoleBridge)
	if cfg.AdminAccount != "" {
		auth.Grant(cfg.AdminAccount, authz.RoleParamAdmin)
	}

	nativeEngine, err := buildEngine(cfg.Native, auth, nativeBus)
	if err != nil {
		logger.Fatalf("initialise %s engine: %v", cfg.Native.Name, err)
	}
	counterEngine, err := buildEngine(cfg.Counter, auth, counterBus)
	if err != nil {
		logger.Fatalf("initialise %s engine: %v", cfg.Counter.Name, err)
	}

	bridge, err := relayer.New(relayer.Config{
		Account:           cfg.Relayer.Account,
		PendingTTL:        cfg.Relayer.PendingTTL,
		SweepInterval:     cfg.Relayer.SweepInterval,
		ReleasesPerSecond: cfg.Relayer.ReleasesPerSecond,
		ReleaseBurst:      cfg.Relayer.ReleaseBurst,
		MaxAttempts:       cfg.Relayer.MaxAttempts,
	},
		relayer.Side{Engine: nativeEngine, Bus: nativeBus, UnitDecimals: cfg.Native.UnitDecimals},
		relayer.Side{Engine: counterEngine, Bus: counterBus, UnitDecimals: cfg.Counter.UnitDecimals},
	)
	if err != nil {
		logger.Fatalf("initialise relayer: %v", err)
	}
	defer bridge.Close()

	runtimeMetrics := observability.NewRuntimeMetrics()
	feed := wsfeed.New(wsfeed.Config{
		Addr:         cfg.Feed.Addr,
		WriteTimeout: cfg.Feed.WriteTimeout,
	}, runtimeMetrics, nativeBus, counterBus)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := journal.NewRecorder(store, nativeBus).Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("native journal recorder: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := journal.NewRecorder(store, counterBus).Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("counter journal recorder: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := wsfeed.TrackEngineActivity(ctx, nativeBus, runtimeMetrics); err != nil && ctx.Err() == nil {
			logger.Printf("native metrics tracker: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := wsfeed.TrackEngineActivity(ctx, counterBus, runtimeMetrics); err != nil && ctx.Err() == nil {
			logger.Printf("counter metrics tracker: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("relayer: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := feed.ListenAndServe(); err != nil {
			logger.Printf("feed server: %v", err)
		}
	})

	logger.Print("escrowd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	feedCtx, feedCancel := context.WithTimeout(shutdownCtx, feedDrainTimeout)
	if err := feed.Shutdown(feedCtx); err != nil {
		logger.Printf("feed shutdown: %v", err)
	}
	feedCancel()

	cancel()
	nativeBus.Close()
	counterBus.Close()
	lifecycle.Wait()

	otelCtx, otelCancel := context.WithTimeout(shutdownCtx, otelFlushTimeout)
	if err := telemetryShutdown(otelCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	otelCancel()

	logger.Print("shutdown completed")
}

// buildEngine assembles one engine from its config section: a fresh ledger,
// the configured price source, and a sink publishing into the side's bus.
func buildEngine(ec config.EngineConfig, auth authz.Authorizer, bus eventbus.Bus) (*escrow.Engine, error) {
	price, err := buildPriceSource(ec)
	if err != nil {
		return nil, err
	}
	ledger := asset.NewLedger(ec.Name)
	for account, amount := range ec.SeedBalances() {
		ledger.Mint(account, amount)
	}
	return escrow.New(escrow.Config{
		Name:     ec.Name,
		Transfer: ledger,
		Price:    price,
		Auth:     auth,
		Sink: events.SinkFunc(func(evt *events.Event) {
			_ = bus.Publish(context.Background(), evt)
		}),
		UnitDecimals: ec.UnitDecimals,
		Params: escrow.Params{
			FeeBps:         ec.FeeBps,
			FeeRecipient:   ec.FeeRecipient,
			ToleranceBps:   ec.ToleranceBps,
			MinOrderAmount: ec.MinOrder(),
		},
	})
}

func buildPriceSource(ec config.EngineConfig) (pricing.Source, error) {
	switch ec.PriceSource.Kind {
	case config.PriceSourcePool:
		native, err := decimal.NewFromString(ec.PriceSource.NativeReserve)
		if err != nil {
			return nil, fmt.Errorf("%s native reserve: %w", ec.Name, err)
		}
		counter, err := decimal.NewFromString(ec.PriceSource.CounterReserve)
		if err != nil {
			return nil, fmt.Errorf("%s counter reserve: %w", ec.Name, err)
		}
		reserves := pricing.NewReservePair(counter, native)
		return pricing.NewPoolSource(reserves, ec.UnitDecimals), nil
	case config.PriceSourceOracle:
		oracle := pricing.NewOracleSource()
		if ec.PriceSource.InitialPrice != "" {
			price, err := decimal.NewFromString(ec.PriceSource.InitialPrice)
			if err != nil {
				return nil, fmt.Errorf("%s initial price: %w", ec.Name, err)
			}
			oracle.Update(price)
		}
		return oracle, nil
	default:
		return nil, fmt.Errorf("%s: unknown price source kind %q", ec.Name, ec.PriceSource.Kind)
	}
}

// buildJournalStore selects the configured journal backend. With a DSN it
// applies migrations and opens a pgx pool; without one it keeps records in
// memory.
func buildJournalStore(ctx context.Context, dc config.DatabaseConfig, logger *log.Logger) (journal.Store, interface{ Close() }, error) {
	if dc.DSN == "" {
		logger.Print("no database configured; journal records kept in memory")
		return journal.NewMemoryStore(), nil, nil
	}

	migrateCtx, migrateCancel := context.WithTimeout(ctx, migrationsApplyTO)
	defer migrateCancel()
	if err := migrations.Apply(migrateCtx, dc.DSN, dc.MigrationsDir, logger); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer connectCancel()
	pool, err := persistence.Connect(connectCtx, dc.DSN)
	if err != nil {
		return nil, nil, err
	}
	pgstore.ObservePoolMetrics(pool, "journal")
	return pgstore.NewJournalStore(pool), pool, nil
}
