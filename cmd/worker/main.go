package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/muhammadhafla/crm-bullk-sub000/internal/admission"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/campaign"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/config"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/queue"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/telemetry"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/transport"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st := mustConnectStore(ctx, cfg, logger)
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(redisClient, queue.Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})
	adm := admission.NewRedisStore(redisClient, admission.Limits{
		MaxConcurrency: cfg.TenantMaxConcurrency,
		MinGap:         cfg.TenantMinGap,
		SlotTTL:        cfg.AdmissionSlotTTL,
	})
	pub := events.NewRedisPublisher(redisClient)
	campaigns := campaign.NewService(st, q, pub, logger)

	creds, senders := buildTransport(cfg, logger)

	dispatcher := worker.NewDispatcher(cfg, st, q, adm, creds, senders, campaigns, pub, logger)
	pool := worker.NewPool(dispatcher, cfg.WorkerCount, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker pool starting",
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("tenant_max_concurrency", cfg.TenantMaxConcurrency),
		zap.Duration("tenant_min_gap", cfg.TenantMinGap),
	)
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker pool stopped", zap.Error(err))
	}
}

// buildTransport picks the provider wiring: a configured gateway URL serves
// every tenant through HTTP; otherwise the local simulator takes over.
func buildTransport(cfg config.Config, logger *zap.Logger) (transport.CredentialProvider, worker.SenderFactory) {
	if cfg.ProviderURL == "" {
		logger.Warn("no provider configured, using simulator")
		sim := transport.NewSimulator()
		provider := transport.StaticProvider{Creds: transport.Credentials{GatewayURL: "simulator"}}
		return provider, func(transport.Credentials) transport.Sender { return sim }
	}
	provider := transport.StaticProvider{Creds: transport.Credentials{GatewayURL: cfg.ProviderURL}}
	return provider, func(creds transport.Credentials) transport.Sender {
		return transport.NewHTTPSender(creds, cfg.SendTimeout)
	}
}

func mustConnectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) *store.Store {
	var st *store.Store
	connect := func() error {
		s, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return err
		}
		st = s
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, backoff.WithContext(policy, ctx)); err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	return st
}

func newLogger(env string) *zap.Logger {
	if env == "prod" {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}
