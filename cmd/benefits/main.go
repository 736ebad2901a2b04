// Package main запускает HTTP-сервер сервиса сети лояльности.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/benefits-system/internal/cache"
	"github.com/mmeshcher/benefits-system/internal/config"
	"github.com/mmeshcher/benefits-system/internal/customer"
	"github.com/mmeshcher/benefits-system/internal/handler"
	"github.com/mmeshcher/benefits-system/internal/middleware"
	"github.com/mmeshcher/benefits-system/internal/notify"
	"github.com/mmeshcher/benefits-system/internal/repository"
	"github.com/mmeshcher/benefits-system/internal/service"
)

func main() {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier service.Notifier
	if cfg.RabbitURL != "" {
		pub, err := notify.NewPublisher(ctx, cfg.RabbitURL)
		if err != nil {
			sugar.Fatalw("rabbitmq initialization error", "error", err.Error())
		}
		defer pub.Close()
		notifier = pub
	}

	var customers service.CustomerSink
	if cfg.CRMAddress != "" {
		customers = customer.NewClient(cfg.CRMAddress)
	}

	var summaryCache service.SummaryCache
	if cfg.RedisAddress != "" {
		rc, err := cache.NewRedisCache(cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer rc.Close()
		summaryCache = rc
	}

	policy := service.Policy{
		Permissive: cfg.PermissiveMode,
		CodePrefix: cfg.CodePrefix,
		Discount:   service.ZeroDiscount,
	}

	svc := service.NewService(repo, logger, policy, notifier, customers, summaryCache)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting benefits server", "addr", cfg.RunAddress, "permissive", cfg.PermissiveMode)
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
