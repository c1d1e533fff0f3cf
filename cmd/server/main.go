package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strategyking/matchnet/internal/auth"
	"github.com/strategyking/matchnet/internal/config"
	"github.com/strategyking/matchnet/internal/httpapi"
	"github.com/strategyking/matchnet/internal/hub"
	"github.com/strategyking/matchnet/internal/queue"
	"github.com/strategyking/matchnet/internal/store"
	"github.com/strategyking/matchnet/internal/ws"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	defer rdb.Close()

	h := hub.NewHub(ctx, log.Named("hub"))
	authSvc := auth.New(cfg.AppKey)
	q := queue.NewService(rdb, st, h, cfg.ServerHost, log.Named("queue"))
	api := httpapi.NewAPI(st, q, authSvc, h, cfg.ServerHost, log.Named("http"))
	wsHandler := ws.Handler(h, authSvc, q, log.Named("ws"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.SetupRoutes(wsHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.Run(ctx, cfg.QueueInterval)
	})

	g.Go(func() error {
		log.Info("listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
