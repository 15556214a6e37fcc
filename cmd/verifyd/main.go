// ==============================================================================
// VERIFICATION SERVICE - cmd/verifyd/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/handler"
	"verifyd/internal/middleware"
	"verifyd/internal/provider"
	"verifyd/internal/provider/httpadapter"
	"verifyd/internal/provider/simulated"
	"verifyd/internal/queue"
	"verifyd/internal/security"
	"verifyd/internal/session"
	"verifyd/internal/verification"
	"verifyd/internal/webhook"
	"verifyd/pkg/config"
	"verifyd/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const simulatedStepDuration = 20 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.NewWithLevel(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel), os.Stdout)

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting verification service", map[string]interface{}{
		"port":         cfg.Server.Port,
		"store":        cfg.Store.Driver,
		"queue_driver": cfg.Store.QueueDriver,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open stores", map[string]interface{}{"error": err.Error()})
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Store.QueueDriver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer redisClient.Close()
		log.Info("Redis connected", nil)
	}

	crypto, err := security.NewCryptoService(cfg.Security.MasterKey)
	if err != nil {
		log.Fatal("Failed to initialize crypto service", map[string]interface{}{"error": err.Error()})
	}

	// Events
	bus := events.NewBus(log)
	var bridge *events.RedisBridge
	if cfg.Events.BridgeEnabled {
		bridge = events.NewRedisBridge(redisClient, bus, cfg.Events.BridgeChannel, log)
		if err := bridge.Start(ctx); err != nil {
			log.Fatal("Failed to start event bridge", map[string]interface{}{"error": err.Error()})
		}
	}
	if cfg.Events.SNSTopicARN != "" {
		client, err := events.NewSNSClient(ctx, cfg.Events.SNSRegion)
		if err != nil {
			log.Fatal("Failed to create SNS client", map[string]interface{}{"error": err.Error()})
		}
		events.NewSNSForwarder(client, cfg.Events.SNSTopicARN, log).Attach(bus, events.TerminalChannels...)
		log.Info("SNS forwarding enabled", map[string]interface{}{"topic_arn": cfg.Events.SNSTopicARN})
	}

	// Queue
	var store queue.Store
	if redisClient != nil {
		store = queue.NewRedisStore(redisClient, cfg.Queue.Name)
	} else {
		store = queue.NewMemoryStore()
	}
	jobs := queue.New(store, queue.OptionsFromConfig(cfg.Queue), log)

	// Providers
	registry := provider.NewRegistry(st.tenants, crypto, log)
	if cfg.Provider.Simulated {
		doc := simulated.NewDocumentAdapter()
		registry.Register(doc, doc.Capabilities())
		sessions := simulated.NewSessionAdapter(simulatedStepDuration)
		registry.Register(sessions, sessions.Capabilities())
	}
	if cfg.Provider.HTTPEnabled {
		adapter := httpadapter.New(httpadapter.Config{
			Name:          cfg.Provider.Name,
			BaseURL:       cfg.Provider.BaseURL,
			TokenURL:      cfg.Provider.TokenURL,
			ClientID:      cfg.Provider.ClientID,
			ClientSecret:  cfg.Provider.ClientSecret,
			Scopes:        cfg.Provider.Scopes,
			Timeout:       cfg.Provider.Timeout,
			RatePerSecond: cfg.Provider.RatePerSecond,
			Burst:         cfg.Provider.Burst,
			Async:         cfg.Provider.Async,
		})
		registry.Register(adapter, adapter.Capabilities())
	}
	log.Info("Providers registered", map[string]interface{}{"providers": registry.Names()})

	if cfg.Store.Driver == "memory" {
		if err := seedDevelopmentTenant(ctx, st, registry.Names(), log); err != nil {
			log.Fatal("Failed to seed development tenant", map[string]interface{}{"error": err.Error()})
		}
	}

	// Services
	tracker := session.NewTracker(st.sessions, bus, log)
	hooks := webhook.NewManager(st.webhooks, crypto, jobs, bus, webhook.OptionsFromConfig(cfg.Webhook), log)
	svc := verification.NewService(verification.Deps{
		Repo:     st.verifications,
		Tenants:  st.tenants,
		Accounts: st.tenants,
		Registry: registry,
		Sessions: tracker,
		Queue:    jobs,
		Bus:      bus,
		Webhooks: hooks,
	}, verification.OptionsFromConfig(cfg.Verification, cfg.Queue), log)
	svc.Subscribe()
	defer svc.Unsubscribe()

	jobs.Register(verification.JobExecute, svc.ExecuteHandler())
	jobs.Register(webhook.JobDispatch, hooks.DispatchHandler())
	jobs.Register(webhook.JobDeliver, hooks.DeliverHandler())
	if err := jobs.Start(ctx); err != nil {
		log.Fatal("Failed to start job queue", map[string]interface{}{"error": err.Error()})
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runExpirySweeper(ctx, svc, cfg.Verification.SweepInterval, log)
	}()

	// HTTP
	deps := map[string]handler.Pinger{"store": st}
	routerCfg := handler.RouterConfig{
		Verifications: handler.NewVerificationHandler(svc, bus, log),
		Webhooks:      handler.NewWebhookHandler(hooks, log),
		Logger:        log,
	}
	if redisClient != nil {
		deps["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		routerCfg.Idempotency = middleware.NewIdempotencyMiddleware(redisClient, cfg.Server.IdempotencyTTL, log)
		if cfg.Server.RateLimit > 0 {
			routerCfg.RateLimit = middleware.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateLimitWindow)
		}
	}
	routerCfg.System = handler.NewSystemHandler(deps, registry, jobs, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Verification service listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down verification service...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	stop()
	<-sweepDone
	if err := jobs.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop job queue", map[string]interface{}{"error": err.Error()})
	}
	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			log.Error("Failed to stop event bridge", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("Verification service stopped gracefully", nil)
}

// runExpirySweeper moves overdue verifications to expired until ctx ends.
func runExpirySweeper(ctx context.Context, svc *verification.Service, every time.Duration, log logger.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireOverdue(ctx)
			if err != nil {
				log.Error("Failed to expire overdue verifications", map[string]interface{}{"error": err.Error()})
				continue
			}
			if n > 0 {
				log.Info("Expired overdue verifications", map[string]interface{}{"count": n})
			}
		}
	}
}
