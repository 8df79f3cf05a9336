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

	"github.com/muhammadhafla/crm-bullk-sub000/internal/api"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/campaign"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/config"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/events"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/queue"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/recipients"
	"github.com/muhammadhafla/crm-bullk-sub000/internal/store"
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
	pub := events.NewRedisPublisher(redisClient)
	campaigns := campaign.NewService(st, q, pub, logger)

	var s3 recipients.ObjectGetter
	if client, err := recipients.NewS3Client(ctx, cfg.S3Region); err == nil {
		s3 = client
	} else {
		logger.Warn("s3 import disabled", zap.Error(err))
	}

	server := api.New(campaigns, q, s3, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// mustConnectStore dials Postgres under exponential backoff so the service
// survives the database coming up after it.
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
