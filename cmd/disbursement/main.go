// Package main запускает HTTP-сервер сервиса выплат поощрений.
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

	"github.com/mmeshcher/incentive-disbursement/internal/config"
	"github.com/mmeshcher/incentive-disbursement/internal/events"
	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/handler"
	"github.com/mmeshcher/incentive-disbursement/internal/middleware"
	"github.com/mmeshcher/incentive-disbursement/internal/otp"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
	"github.com/mmeshcher/incentive-disbursement/internal/service"
	"github.com/mmeshcher/incentive-disbursement/internal/webhook"
)

type settlementPublisher interface {
	service.Publisher
	Close() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.StoreTimeout)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := otp.Connect(ctx, cfg.RedisURL)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.StoreTimeout)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		sugar.Fatalw("redis ping error", "error", err.Error())
	}

	gate := otp.NewGate(otp.NewRedisStore(redisClient), otp.NewLogSender(logger), cfg.OTPTTL)

	signer, err := gateway.NewSigner(cfg.GatewayClientID, cfg.GatewaySigningKey)
	if err != nil {
		sugar.Warnw("reward gateway credentials missing, payouts disabled", "error", err.Error())
	}
	if cfg.GatewayURL == "" {
		sugar.Warn("reward gateway address missing, payouts disabled")
	}
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewaySource, signer, cfg.GatewayTimeout)

	var decoder handler.WebhookDecoder
	if cfg.WebhookConfigured() {
		codec, err := webhook.NewCodec(cfg.WebhookEncryptionSecret, cfg.WebhookSigningKey, cfg.WebhookSenderID, cfg.WebhookReplayWindow)
		if err != nil {
			sugar.Fatalw("webhook configuration error", "error", err.Error())
		}
		decoder = codec
	} else {
		sugar.Warn("webhook secrets missing, webhook endpoint disabled")
	}

	var publisher settlementPublisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			sugar.Fatalw("kafka publisher error", "error", err.Error())
		}
		publisher = kp
	}
	defer publisher.Close()

	svc := service.NewService(repo, gatewayClient, gate, publisher, logger, service.Options{
		ProjectScope:          cfg.ProjectScope,
		RequireLineEchoes:     cfg.RequireLineEchoes,
		ClearOnGatewayFailure: cfg.ClearOnGatewayFailure,
		StaleInFlightAfter:    cfg.StaleInFlightAfter,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, decoder, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый поиск зависших выплат
	g.Go(func() error {
		svc.StartStaleSweep(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting disbursement server", "addr", cfg.RunAddress)
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
