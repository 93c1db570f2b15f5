package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskrunner/internal/api"
	"github.com/podushkina/taskrunner/internal/config"
	"github.com/podushkina/taskrunner/internal/dispatcher"
	"github.com/podushkina/taskrunner/internal/executor"
	"github.com/podushkina/taskrunner/internal/handlers"
	"github.com/podushkina/taskrunner/internal/logger"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/service"
	"github.com/podushkina/taskrunner/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Server.LogLevel)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(client, log)

	q := queue.New(client, queue.Options{
		Group:        cfg.Consumer.Group,
		MaxRetries:   cfg.Consumer.MaxRetryTimes,
		RetryDelay:   cfg.Consumer.RetryDelay,
		LeaseTimeout: cfg.Consumer.LeaseTimeout,
		PollInterval: cfg.Consumer.PollInterval,
	}, log)

	exec := executor.New(log)
	exec.Register(handlers.TypeDataExport, handlers.DataExport(cfg.Task.ExportDuration))
	exec.Register(handlers.TypeDataImport, handlers.DataImport(cfg.Task.ImportDuration))
	exec.Register(handlers.TypeReportGeneration, handlers.ReportGeneration(cfg.Task.ReportDuration))

	disp := dispatcher.New(st, exec, log)
	q.Subscribe(ctx, cfg.Consumer.Topic, cfg.Consumer.ConsumeThreadMax, disp.Handle)

	svc := service.New(st, q, cfg.Consumer.Topic, log)
	router := api.NewRouter(api.NewHandler(svc))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	q.Stop()

	if depths, err := q.Depths(shutdownCtx, cfg.Consumer.Topic); err == nil {
		log.Info("queue state at shutdown",
			"ready", depths.Ready, "processing", depths.Processing,
			"delayed", depths.Delayed, "dead", depths.Dead)
	}
	log.Info("server stopped")
}
