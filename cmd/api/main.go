package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ceylonstays/concierge/internal/api/router"
	"github.com/ceylonstays/concierge/internal/backend"
	"github.com/ceylonstays/concierge/internal/channels/whatsapp"
	appconfig "github.com/ceylonstays/concierge/internal/config"
	"github.com/ceylonstays/concierge/internal/conversation"
	"github.com/ceylonstays/concierge/internal/observability/metrics"
	"github.com/ceylonstays/concierge/internal/retry"
	"github.com/ceylonstays/concierge/pkg/logging"
)

func main() {
	// .env is optional outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting concierge API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Sessions, inbound dedupe, and the NLU cache share the Redis backing
	// when REDIS_ADDR is set; otherwise everything is in-process.
	var (
		sessions  conversation.SessionStore
		processed conversation.ProcessedStore
		nluCache  conversation.ResultCache
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis unreachable", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		sessions = conversation.NewRedisSessionStore(rdb, cfg.SessionTTL, logger.Component("sessions"))
		processed = conversation.NewRedisProcessedStore(rdb, cfg.DedupeTTL)
		nluCache = conversation.NewRedisResultCache(rdb, cfg.NLUCacheTTL)
		logger.Info("using redis-backed stores", "addr", cfg.RedisAddr)
	} else {
		sessions = conversation.NewMemorySessionStore(cfg.SessionTTL, logger.Component("sessions"))
		processed = conversation.NewMemoryProcessedStore(cfg.DedupeTTL)
		nluCache = conversation.NewMemoryResultCache(cfg.NLUCacheTTL)
	}

	classifier := conversation.NewOpenAIClassifier(
		openai.NewClient(cfg.OpenAIAPIKey),
		cfg.NLUModel,
		cfg.NLUConfidenceThreshold,
		logger.Component("nlu"),
		conversation.WithTimeout(cfg.NLUTimeout),
		conversation.WithResultCache(nluCache),
	)

	backendOpts := []backend.Option{
		backend.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout}),
	}
	if cfg.BackendJWTSecret != "" {
		backendOpts = append(backendOpts, backend.WithServiceJWT(cfg.BackendJWTSecret))
	}
	bookings := backend.NewClient(cfg.BackendBaseURL, cfg.BackendAPIKey, backendOpts...)

	// Only situations with a registered template may be answered after the
	// free-form window closes; everything else fails closed.
	composer := conversation.NewComposer(cfg.ReplyWindow, map[conversation.Situation]string{
		conversation.SituationOutcome:    cfg.ExpiredWindowTemplate,
		conversation.SituationInterimAck: cfg.ExpiredWindowTemplate,
	})

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	engine := conversation.NewEngine(sessions, classifier, bookings, composer,
		logger.Component("engine"),
		conversation.WithRetryPolicy(policy),
		conversation.WithMetrics(m),
	)

	channelOpts := []whatsapp.ClientOption{}
	if cfg.GraphAPIBaseURL != "" {
		channelOpts = append(channelOpts, whatsapp.WithBaseURL(cfg.GraphAPIBaseURL))
	}
	channel := whatsapp.NewClient(cfg.PhoneNumberID, cfg.WhatsAppAccessToken,
		logger.Component("whatsapp"), channelOpts...)

	sender := conversation.NewSender(channel, policy, logger.Component("sender"), m)
	dispatcher := conversation.NewDispatcher(engine, sender, logger.Component("dispatcher"))

	webhook := whatsapp.NewWebhookHandler(whatsapp.WebhookConfig{
		VerifyToken: cfg.WhatsAppVerifyToken,
		AppSecret:   cfg.WhatsAppAppSecret,
		Processed:   processed,
		Dispatch:    dispatcher.Dispatch,
		Logger:      logger.Component("webhook"),
		Metrics:     m,
	})

	r := router.New(&router.Config{
		Logger:           logger,
		Webhook:          webhook,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		WebhookRateLimit: 50,
		WebhookBurst:     100,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go conversation.RunSweeper(sweepCtx, sessions, cfg.SessionSweepInterval)

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Error("dispatcher drain interrupted", "error", err)
	}

	logger.Info("server stopped")
}
