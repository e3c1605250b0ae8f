package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/mawi-gateway/internal/breaker"
	"github.com/rakunlabs/mawi-gateway/internal/config"
	"github.com/rakunlabs/mawi-gateway/internal/crypto"
	"github.com/rakunlabs/mawi-gateway/internal/executor"
	"github.com/rakunlabs/mawi-gateway/internal/health"
	"github.com/rakunlabs/mawi-gateway/internal/ingest"
	"github.com/rakunlabs/mawi-gateway/internal/mcpclient"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
	"github.com/rakunlabs/mawi-gateway/internal/quota"
	"github.com/rakunlabs/mawi-gateway/internal/router"
	"github.com/rakunlabs/mawi-gateway/internal/server"
	"github.com/rakunlabs/mawi-gateway/internal/store"
)

var (
	name    = "mawi-gateway"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	masterKey, err := crypto.KeyFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}

	st, err := store.New(ctx, cfg.Store, masterKey)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	pricing, err := provider.LoadPricingTable(cfg.Pricing.TablePath)
	if err != nil {
		return fmt.Errorf("failed to load pricing table: %w", err)
	}
	pricing.WithFallbackCostUSD(cfg.Pricing.DefaultCostUSD)

	healthTracker := health.New(cfg.Health.FailureThreshold)
	circuitBreaker := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout, cfg.Breaker.MaxTracked)
	rt := router.New(st, healthTracker, pricing)

	logger := ingest.NewLogger(st, cfg.Ingest.LogChannelCapacity, cfg.Ingest.LogBatchSize, cfg.Ingest.LogFlushInterval)
	quotaCharger := ingest.NewQuotaChargerWithWorkers(st, cfg.Ingest.QuotaChannelCapacity, cfg.Ingest.QuotaWorkers)

	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	defer cancelIngest()
	go logger.Run(ingestCtx)
	go quotaCharger.Run(ingestCtx)

	exec := executor.New(rt, circuitBreaker, healthTracker, st, st, masterKey, logger, quotaCharger, pricing)

	mcp := mcpclient.NewManager()
	defer mcp.CloseAll()

	resetScheduler := quota.NewResetScheduler(st)
	if err := resetScheduler.Start(ingestCtx); err != nil {
		return fmt.Errorf("failed to start quota reset scheduler: %w", err)
	}
	defer resetScheduler.Stop()

	mcpSupervisor := mcpclient.NewSupervisor(mcp, st)
	if err := mcpSupervisor.Start(ingestCtx); err != nil {
		return fmt.Errorf("failed to start mcp reconnect supervisor: %w", err)
	}
	defer mcpSupervisor.Stop()

	srv := server.New(cfg.Server, cfg.Gateway, st, exec, mcp, healthTracker, circuitBreaker, pricing, logger)

	slog.Info("starting gateway", "host", cfg.Server.Host, "port", cfg.Server.Port)

	if err := srv.Start(ctx); err != nil {
		cancelIngest()
		drainIngest(logger, quotaCharger, cfg.Ingest.ShutdownDrainTimeout)
		return fmt.Errorf("server stopped: %w", err)
	}

	cancelIngest()
	drainIngest(logger, quotaCharger, cfg.Ingest.ShutdownDrainTimeout)

	return nil
}

// drainIngest waits for the async logger/quota-charger workers to flush
// their last batch after shutdown begins, up to timeout (spec.md §4.5).
func drainIngest(logger *ingest.Logger, quota *ingest.QuotaCharger, timeout time.Duration) {
	deadline := time.After(timeout)

	for done := 0; done < 2; {
		select {
		case <-logger.Done():
			done++
		case <-quota.Done():
			done++
		case <-deadline:
			slog.Warn("ingest drain timed out", "dropped_logs", logger.Dropped())
			return
		}
	}
}
