// Package main запускает HTTP-сервер и циклы синхронизации сервиса
// сверки выручки.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/revenue-system/internal/attribution"
	"github.com/mmeshcher/revenue-system/internal/config"
	"github.com/mmeshcher/revenue-system/internal/fx"
	"github.com/mmeshcher/revenue-system/internal/handler"
	"github.com/mmeshcher/revenue-system/internal/ltv"
	"github.com/mmeshcher/revenue-system/internal/middleware"
	"github.com/mmeshcher/revenue-system/internal/reconcile"
	"github.com/mmeshcher/revenue-system/internal/repository"
	"github.com/mmeshcher/revenue-system/internal/service"
	"github.com/mmeshcher/revenue-system/internal/source"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	converter, err := fx.NewConverter(cfg.FXAddress, cfg.ReportingCurrency, logger)
	if err != nil {
		sugar.Fatalw("fx converter initialization error", "error", err.Error())
	}

	engine := reconcile.NewEngine(repo, cfg.ReportingCurrency, cfg.UpsertMode, logger)
	linker := attribution.NewLinker(repo, logger)
	aggregator := ltv.NewAggregator(repo, converter, logger)

	var adapters []source.Adapter
	if cfg.StripeAPIKey != "" {
		adapters = append(adapters, source.NewStripeClient(cfg.StripeAddress, cfg.StripeAPIKey, logger))
	}
	if cfg.HotmartClientID != "" && cfg.HotmartClientSecret != "" {
		adapters = append(adapters,
			source.NewHotmartClient(cfg.HotmartAddress, cfg.HotmartClientID, cfg.HotmartClientSecret, logger))
	}
	if cfg.KajabiAPIKey != "" {
		adapters = append(adapters, source.NewKajabiClient(cfg.KajabiAddress, cfg.KajabiAPIKey, logger))
	}

	var events []service.EventsFetcher
	if cfg.GA4PropertyID != "" && cfg.GA4RefreshToken != "" {
		events = append(events, source.NewGA4Client(cfg.GA4Address, cfg.GA4PropertyID,
			cfg.GA4ClientID, cfg.GA4ClientSecret, cfg.GA4RefreshToken, logger))
	}
	if cfg.MetaAdAccountID != "" && cfg.MetaAccessToken != "" {
		events = append(events, source.NewMetaClient(cfg.MetaAddress,
			cfg.MetaAdAccountID, cfg.MetaAccessToken, logger))
	}

	svc := service.NewService(repo, engine, linker, aggregator, adapters, events, service.Options{
		SyncInterval: cfg.SyncInterval,
		Lookback:     cfg.LookbackWindow,
		BackfillDays: cfg.BackfillDays,
	}, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminToken)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.WebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновые циклы синхронизации
	g.Go(func() error {
		svc.Start(ctx)
		return nil
	})

	// HTTP-сервер
	g.Go(func() error {
		sugar.Infow("starting revenue server", "addr", cfg.RunAddress, "sources", len(adapters))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
