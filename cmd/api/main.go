package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/engine"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/ledger"
	"server/internal/middleware"
	"server/internal/notify"
	"server/internal/provider"
	"server/internal/reconciler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	var country middleware.CountryLookup
	if resolver != nil {
		country = resolver.CountryCode
	}

	jobs := repo.NewJobRepository(dbpool)
	generations := repo.NewGenerationRepository(dbpool)
	ledgers := repo.NewLedgerRepository(dbpool)
	notifications := repo.NewNotificationRepository(dbpool)

	ldg := ledger.NewService(ledgers, ledger.ReserveOnCreate{}, ledger.DefaultCreditCosts(), logger)
	emitter := notify.NewStoreEmitter(notifications, logger)
	adapter, err := provider.NewHTTPAdapter(provider.Options{
		BaseURL:        cfg.ProviderBaseURL,
		APIKey:         cfg.ProviderAPIKey,
		RequestTimeout: cfg.ProviderQueryTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid provider configuration")
	}
	eng := engine.New(jobs, generations, ldg, adapter, emitter, engine.Config{
		RetryBudget:  cfg.RetryBudget,
		QueryTimeout: cfg.ProviderQueryTimeout,
		ExpiryGrace:  cfg.ExpiryGrace(),
	}, logger)
	rec := reconciler.New(generations, ldg, emitter, logger)

	app := handlers.NewApp(eng, rec, ldg, generations, notifications, cfg, logger)
	router := httpapi.NewRouter(app, country)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
