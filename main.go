package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"copytrade-core/internal/api"
	"copytrade-core/internal/balance"
	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/order"
	"copytrade-core/internal/persistence"
	"copytrade-core/internal/reconciliation"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/state"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/i18n"
	"copytrade-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, i18n.Get("ConfigLoadFailed")+"\n", err)
		os.Exit(1)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, i18n.Get("ConfigLoadFailed")+"\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info(i18n.Get("Starting"))
	log.Info(fmt.Sprintf(i18n.Get("ConfigLoaded"), cfg.Port))
	if cfg.DryRun {
		log.Warn(i18n.Get("DryRunMode"))
	}

	// --- storage ---
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	log.Info(fmt.Sprintf(i18n.Get("UsingDBPath"), cfg.DBPath))
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
	}
	queries := database.Queries()

	// --- credentials ---
	keyring, err := crypto.KeyringFromEnv()
	switch {
	case err == nil:
		log.Info(fmt.Sprintf(i18n.Get("VaultReady"), keyring.CurrentVersion()))
	case errors.Is(err, crypto.ErrKeyNotFound):
		log.Warn(i18n.Get("VaultEnvOnly"))
		keyring = nil
	default:
		return fmt.Errorf(i18n.Get("VaultInitFailed"), err)
	}
	vault := crypto.NewVault(keyring)

	if cfg.AccountsFile != "" {
		file, err := engine.LoadSeedFile(cfg.AccountsFile)
		if err != nil {
			return fmt.Errorf(i18n.Get("SeedFailed"), cfg.AccountsFile, err)
		}
		res, err := engine.ApplySeed(context.Background(), database, vault, file)
		if err != nil {
			return fmt.Errorf(i18n.Get("SeedFailed"), cfg.AccountsFile, err)
		}
		log.Info(fmt.Sprintf(i18n.Get("SeedApplied"), res.Accounts, res.Links))
	}

	// --- observability ---
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	(&monitor.Recorder{Bus: bus, Metrics: metrics, Log: log}).Start(rootCtx)

	audit := persistence.NewAuditWriter(database, 50, 500*time.Millisecond, log)

	// --- accounts and replication pipeline ---
	registry := gateway.NewRegistry(gateway.BinanceFactory(vault, gateway.BinanceOptions{
		Testnet: cfg.BinanceTestnet,
		Symbols: cfg.BinanceSymbols,
		RPS:     cfg.ExchangeRPS,
		DryRun:  cfg.DryRun,
		Logger:  log,
	}), log)

	limits := risk.Limits{
		MaxNotionalPct:     cfg.MaxNotionalPct,
		MaxLeverageUtilPct: cfg.MaxLeverageUtilPct,
		MaxTradeRiskPct:    cfg.MaxTradeRiskPct,
		DefaultRiskPct:     cfg.DefaultRiskPct,
		FallbackFactor:     cfg.FallbackFactor,
		DefaultMinNotional: cfg.DefaultMinNotional,
		QuantityDecimals:   cfg.QuantityDecimals,
	}
	balances := balance.NewManager(registry, queries, cfg.BalanceTTL, log)
	prices := cache.NewPriceCache()
	allocator := risk.NewAllocator(limits, balances, prices, log)

	deps := order.Deps{
		DB:          database,
		Accounts:    registry,
		Audit:       audit,
		Bus:         bus,
		Log:         log,
		Parallelism: cfg.FollowerParallelism,
		Timeout:     cfg.RequestTimeout,
	}
	router := order.NewRouter(deps,
		state.NewClassifier(queries, cfg.IntentWindow, log),
		order.NewReplicationExecutor(deps, allocator, limits),
		order.NewClosePositionExecutor(deps, cfg.QuantityDecimals),
		order.NewCancellationPropagator(deps, cfg.CancelMatchWindow),
	)

	eng := engine.New(engine.Options{
		DB:         database,
		Registry:   registry,
		Vault:      vault,
		Dispatcher: router,
		Bus:        bus,
		Audit:      audit,
		Monitor: engine.MonitorConfig{
			PollInterval:   cfg.PollInterval,
			ErrorBackoff:   cfg.ErrorBackoff,
			RequestTimeout: cfg.RequestTimeout,
			HistoryOverlap: cfg.HistoryOverlap,
		},
		ProcessedCap:  cfg.ProcessedSetCap,
		ProcessedKeep: cfg.ProcessedSetKeep,
		InstanceID:    engine.InstanceID(),
		DryRun:        cfg.DryRun,
		WakeStream:    cfg.WakeStreamEnabled,
		Log:           log,
	})
	if cfg.WakeStreamEnabled {
		log.Info(i18n.Get("WakeStreamEnabled"))
	}
	if err := eng.Start(rootCtx); err != nil {
		return fmt.Errorf(i18n.Get("EngineStartFailed"), err)
	}
	log.Info(i18n.Get("EngineStarted"))

	// --- housekeeping ---
	scheduler := engine.NewScheduler(log)
	replicaSync := reconciliation.NewReplicaStatusSync(database, registry, cfg.HistoryOverlap, log)
	jobs := []engine.Job{
		{Name: "balance_refresh", Spec: cfg.HousekeepingSpec, Run: balances.RefreshAll},
		{Name: "replica_status_sync", Spec: cfg.ReplicaSyncSpec, Run: func(ctx context.Context) error {
			_, err := replicaSync.Run(ctx)
			return err
		}},
		{Name: "exchange_time_sync", Spec: "@every 30m", Run: func(ctx context.Context) error {
			return syncExchangeTime(ctx, registry)
		}},
		{Name: "price_cache_cleanup", Spec: "@every 5m", Run: func(ctx context.Context) error {
			prices.Cleanup(10 * time.Minute)
			return nil
		}},
	}
	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			return fmt.Errorf(i18n.Get("SchedulerJobInvalid"), err)
		}
	}
	scheduler.Start()
	log.Info(i18n.Get("SchedulerStarted"))

	// --- admin API ---
	if cfg.AdminPasswordHash == "" {
		log.Warn(i18n.Get("AdminLoginDisabled"))
	}
	if cfg.JWTSecret == "dev-secret" {
		log.Warn(i18n.Get("DefaultJWTSecret"))
	}
	server := api.NewServer(api.Config{
		Engine:    eng,
		Store:     queries,
		Bus:       bus,
		Metrics:   metrics,
		Admin:     api.Admin{Username: cfg.AdminUsername, PasswordHash: cfg.AdminPasswordHash},
		JWTSecret: cfg.JWTSecret,
		Log:       log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf(i18n.Get("ServerListening"), httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-serverErr:
		log.Error(fmt.Sprintf(i18n.Get("APIServerError"), err))
	}
	log.Info(i18n.Get("ShuttingDown"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := eng.Stop(shutdownCtx); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		log.Warn(fmt.Sprintf(i18n.Get("EngineStopFailed"), err))
	}
	_ = scheduler.Stop(shutdownCtx)
	cancelRoot()
	if err := audit.Close(); err != nil {
		log.Warn(fmt.Sprintf(i18n.Get("AuditFlushFailed"), err))
	}
	log.Info(i18n.Get("ShutdownComplete"))
	return nil
}

// syncExchangeTime refreshes the clock offset of every Binance client.
func syncExchangeTime(ctx context.Context, registry *gateway.Registry) error {
	var errs []error
	accounts := append(registry.Masters(), registry.Followers()...)
	for _, acct := range accounts {
		entry, err := registry.Lookup(acct.ID)
		if err != nil {
			continue
		}
		if bn, ok := gateway.Binance(entry.Client); ok {
			if err := bn.SyncTime(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", acct.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
