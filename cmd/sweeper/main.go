// Command sweeper periodically reclaims generations whose over-quota grace
// window has passed. It is the only background process in the system; job
// advancement itself is poll-driven and needs no worker.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/ledger"
	"server/internal/notify"
	"server/internal/reconciler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	generations := repo.NewGenerationRepository(dbpool)
	ledgers := repo.NewLedgerRepository(dbpool)
	notifications := repo.NewNotificationRepository(dbpool)

	ldg := ledger.NewService(ledgers, ledger.ReserveOnCreate{}, ledger.DefaultCreditCosts(), logger)
	emitter := notify.NewStoreEmitter(notifications, logger)
	rec := reconciler.New(generations, ldg, emitter, logger)

	logger.Info().Dur("interval", cfg.SweepInterval).Msg("sweeper started")

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	sweep(ctx, rec, cfg.SweepBatchSize, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			sweep(ctx, rec, cfg.SweepBatchSize, logger)
		}
	}
}

func sweep(ctx context.Context, rec *reconciler.Reconciler, batch int, logger infra.Logger) {
	swept, err := rec.SweepExpired(ctx, batch)
	if err != nil {
		logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if swept > 0 {
		logger.Info().Int("swept", swept).Msg("reclaimed expired generations")
	}
}
