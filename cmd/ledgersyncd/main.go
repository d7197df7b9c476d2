package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openclob/ledgersync/params"
	"github.com/openclob/ledgersync/pkg/api"
	"github.com/openclob/ledgersync/pkg/broadcast"
	"github.com/openclob/ledgersync/pkg/core/market"
	"github.com/openclob/ledgersync/pkg/core/matching"
	"github.com/openclob/ledgersync/pkg/feed"
	"github.com/openclob/ledgersync/pkg/ingest"
	"github.com/openclob/ledgersync/pkg/ledger"
	"github.com/openclob/ledgersync/pkg/settle"
	"github.com/openclob/ledgersync/pkg/storage"
	"github.com/openclob/ledgersync/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "engine"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	// ---- Ledger client ----
	// The in-process ledger serves local development; a remote client
	// slots in here once the ledger gateway address is configured.
	client := ledger.NewMemLedger()

	// ---- Engine wiring ----
	hub := broadcast.NewHub(sugar)
	registry := market.NewRegistry()

	matchCfg := matching.Config{
		SelfMatch: matching.SelfMatchPolicy(cfg.Matching.SelfMatchPolicy),
		Remainder: matching.RemainderPolicy(cfg.Matching.RemainderPolicy),
	}

	settleCfg := settle.DefaultConfig()
	settleCfg.BaseDelay = cfg.Settle.BaseDelay
	settleCfg.MaxDelay = cfg.Settle.MaxDelay
	settleCfg.MaxAttempts = cfg.Settle.MaxAttempts
	settleCfg.SubmitTimeout = cfg.Settle.SubmitTimeout

	dispatcher := settle.NewDispatcher(client, settleCfg, util.RealClock{}, sugar)

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.PollInterval = cfg.Ingest.PollInterval
	ingestCfg.QueryTimeout = cfg.Ingest.QueryTimeout
	ingestCfg.DebounceWindow = cfg.Ingest.DebounceWindow
	ingestCfg.DebounceMaxWait = cfg.Ingest.DebounceMaxWait
	ingestCfg.SnapshotDepth = cfg.Ingest.SnapshotDepth

	ingestor := ingest.New(client, store, hub, dispatcher, registry, matchCfg, ingestCfg, util.RealClock{}, sugar)
	dispatcher.SetReconciler(ingestor)

	// ---- Kafka trade feed (optional) ----
	if len(cfg.Feed.Brokers) > 0 {
		producer := feed.NewProducer(cfg.Feed.Brokers, cfg.Feed.Topic)
		defer producer.Close()
		dispatcher.SetFeed(producer)
		sugar.Infow("trade_feed_enabled", "brokers", cfg.Feed.Brokers, "topic", cfg.Feed.Topic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)
	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("ingestor_failed", "err", err)
		}
	}()

	// ---- API ----
	server := api.NewServer(registry, ingestor, store, hub)
	httpSrv := &http.Server{Addr: cfg.Node.ListenAddr, Handler: server.Handler()}
	go func() {
		sugar.Infow("api_listening", "addr", cfg.Node.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("api_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
}
