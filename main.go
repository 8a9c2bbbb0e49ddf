package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-core/internal/advisory"
	"options-core/internal/api"
	"options-core/internal/deployment"
	"options-core/internal/dispatch"
	"options-core/internal/events"
	"options-core/internal/gateway"
	"options-core/internal/market"
	"options-core/internal/monitor"
	"options-core/internal/option"
	"options-core/internal/order"
	"options-core/internal/persistence"
	"options-core/internal/replay"
	"options-core/internal/runner"
	"options-core/internal/state"
	"options-core/pkg/broker"
	"options-core/pkg/cache"
	"options-core/pkg/config"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
	"options-core/pkg/logger"
)

const checkpointTTL = 72 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger.Init(cfg.Log)
	defer logger.Sync()
	log := logger.Named("main")

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	log.Infow("starting options core", "version", version, "port", cfg.Port, "db", cfg.DBPath, "dry_run", cfg.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalw("open database", "err", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalw("apply migrations", "err", err)
	}

	vault, err := crypto.NewVault(cfg.SessionKeys)
	if err != nil {
		log.Fatalw("session vault", "err", err)
	}

	checkpoints, err := state.Open(state.Options{Dir: cfg.CheckpointDir, TTL: checkpointTTL})
	if err != nil {
		log.Fatalw("open checkpoint store", "err", err)
	}
	defer checkpoints.Close()

	// Last traded index prices. The paper broker prices option symbols from
	// them with the premium model.
	quotes := cache.NewQuoteCache()
	go trackQuotes(ctx, bus, quotes)

	paper := broker.PaperConfig{Margin: cfg.PaperMargin, SlippageBps: cfg.PaperSlippageBps}
	registry := runner.NewRegistry()
	poolCfg := gateway.DefaultPoolConfig()
	poolCfg.Adapter.Attempts = cfg.BrokerAttempts
	poolCfg.Adapter.Backoff = cfg.BrokerBackoff
	poolCfg.Adapter.RatePerSec = cfg.BrokerRatePerSec
	poolCfg.Adapter.Burst = cfg.BrokerBurst
	poolCfg.InUse = func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}
	pool := gateway.NewPool(broker.PaperFactory(paper, option.ModelQuotes(quotes.Get, option.DefaultModel())), vault, metrics, poolCfg)
	pool.Start(ctx)
	defer pool.Stop()

	executor := order.NewExecutor(database, bus, metrics)
	executor.DryRun = cfg.DryRun
	executor.WaitTimeout = cfg.OrderWaitTimeout
	executor.PollInterval = cfg.OrderPollInterval

	var advisor runner.Advisor
	if cfg.AdvisoryAddr != "" {
		client, err := advisory.Dial(advisory.Config{Addr: cfg.AdvisoryAddr, Timeout: cfg.AdvisoryTimeout})
		if err != nil {
			log.Warnw("advisory disabled", "addr", cfg.AdvisoryAddr, "err", err)
		} else {
			defer client.Close()
			advisor = client
		}
	}

	orch := deployment.New(deployment.Config{
		Store:        deployment.NewDBStore(database),
		Registry:     registry,
		Pool:         pool,
		Sealer:       vault,
		Executor:     executor,
		Checkpoints:  checkpoints,
		Advisor:      advisor,
		Bus:          bus,
		Metrics:      metrics,
		Interval:     cfg.OrchestratorInterval,
		QuoteTimeout: cfg.QuoteTimeout,
	})
	if cfg.DeploymentFile != "" {
		specs, err := deployment.LoadFile(cfg.DeploymentFile)
		if err != nil {
			log.Fatalw("load deployments file", "path", cfg.DeploymentFile, "err", err)
		}
		n, err := orch.Seed(ctx, specs)
		if err != nil {
			log.Warnw("seed deployments", "err", err)
		}
		log.Infow("deployments seeded", "created", n, "listed", len(specs))
	}
	orch.Start(ctx)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.BatchSize = cfg.DispatchBatchSize
	dispatchCfg.SendTimeout = cfg.DispatchSendTimeout
	dispatcher := dispatch.New(dispatch.FromRegistry(registry), bus, dispatchCfg, orch.MarkError)
	go func() {
		if err := dispatcher.RunBus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("dispatcher stopped", "err", err)
		}
	}()

	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{Log: logger.Named("alerts")}}
	mon.Start(ctx)

	audit := persistence.NewAuditWriter(database, 256, 2*time.Second)
	go audit.Run(ctx, bus)

	switch cfg.FeedMode {
	case "websocket":
		if cfg.FeedURL == "" {
			log.Fatalw("FEED_URL is required for the websocket feed")
		}
		market.NewWSFeed(cfg.FeedURL, bus, cfg.Instruments).Start(ctx)
	default:
		mock := &market.MockFeed{Bus: bus, Instruments: cfg.Instruments, StartPrice: 22000, Step: 4, Interval: 250 * time.Millisecond}
		mock.Start(ctx)
	}

	replays := replay.NewManager(registry, bus, metrics, cfg.ReplayBaseDelay)

	server := api.NewServer(api.Config{
		Bus:         bus,
		Registry:    registry,
		Deployments: orch,
		Replays:     replays,
		Metrics:     metrics,
		JWTSecret:   cfg.JWTSecret,
		APIKey:      cfg.APIKey,
		RatePerSec:  cfg.APIRatePerSec,
		Burst:       cfg.APIBurst,
		Meta: api.SystemMeta{
			Version:     version,
			Feed:        cfg.FeedMode,
			Instruments: cfg.Instruments,
			DryRun:      cfg.DryRun,
			InstanceID:  cfg.InstanceID,
		},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("api server", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("api shutdown", "err", err)
	}
	replays.StopAll()
	cancel()
	if err := audit.Close(); err != nil {
		log.Warnw("flush audit events", "err", err)
	}
}

// trackQuotes keeps the quote cache on the latest tick per instrument and
// drops entries that stop updating.
func trackQuotes(ctx context.Context, bus *events.Bus, quotes *cache.QuoteCache) {
	ch, stop := bus.Subscribe(events.EventPriceTick, 1024)
	defer stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			quotes.Cleanup(10 * time.Minute)
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if t, ok := msg.(market.Tick); ok {
				quotes.Set(t.Instrument, t.Price)
			}
		}
	}
}
