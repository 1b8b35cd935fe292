package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"virtualg/internal/app"
	"virtualg/internal/config"
	"virtualg/internal/events"
	"virtualg/internal/payments"
	"virtualg/internal/server"
	"virtualg/internal/store"
	"virtualg/internal/usertoken"
	"virtualg/internal/util"
	"virtualg/internal/voice"
	"virtualg/pkg/ai"
	"virtualg/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel, "companion-backend")

	var st store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init database: %v", err)
		}
		st = gormStore
	} else {
		slog.Warn("no databaseURL configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	tokens, err := usertoken.New(usertoken.Config{
		Secret: cfg.TokenSecret,
		TTL:    time.Duration(cfg.TokenTTLHours) * time.Hour,
	})
	if err != nil {
		log.Fatalf("failed to init token manager: %v", err)
	}

	generator := ai.NewOpenRouterGenerator(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterModel, cfg.SystemPrompt)

	var provider payments.Provider
	if cfg.StripeSecretKey != "" {
		stripeProvider, err := payments.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		if err != nil {
			log.Fatalf("failed to init stripe: %v", err)
		}
		provider = stripeProvider
	}

	var minter *voice.TokenMinter
	if cfg.LiveKitAPIKey != "" {
		minter, err = voice.New(voice.Config{
			APIKey:    cfg.LiveKitAPIKey,
			APISecret: cfg.LiveKitAPISecret,
			WSURL:     cfg.LiveKitWSURL,
		})
		if err != nil {
			log.Fatalf("failed to init voice tokens: %v", err)
		}
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("failed to connect to broker: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(storage.Config{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicBaseURL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		objects = minioStore
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	} else {
		slog.Warn("no redisAddr configured, rate limiting disabled")
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore := app.New(app.Config{
		Store:     st,
		Generator: generator,
		Payments:  provider,
		Voice:     minter,
		Events:    publisher,
	})

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Tokens:                     tokens,
		Objects:                    objects,
		Redis:                      redisClient,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		ChatRateLimitPerMinute:     cfg.ChatRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		AllowedExtensions:          cfg.AllowedExtensions,
		AllowedOrigins:             cfg.AllowedOrigins,
		TrustedProxies:             trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // model completions can run long
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
}
