// Package main wires together the price tracker service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/api"
	"github.com/samshad/bestbuy-product-price-tracker/internal/clock/system"
	"github.com/samshad/bestbuy-product-price-tracker/internal/config"
	"github.com/samshad/bestbuy-product-price-tracker/internal/dispatcher"
	"github.com/samshad/bestbuy-product-price-tracker/internal/gateway"
	"github.com/samshad/bestbuy-product-price-tracker/internal/id/uuid"
	"github.com/samshad/bestbuy-product-price-tracker/internal/logging"
	"github.com/samshad/bestbuy-product-price-tracker/internal/metrics"
	"github.com/samshad/bestbuy-product-price-tracker/internal/queue"
	"github.com/samshad/bestbuy-product-price-tracker/internal/registry"
	"github.com/samshad/bestbuy-product-price-tracker/internal/scraper"
	"github.com/samshad/bestbuy-product-price-tracker/internal/storage/clickhouse"
	"github.com/samshad/bestbuy-product-price-tracker/internal/storage/postgres"
	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "all", "Run mode: serve, work, all, or migrate")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	if *mode == "migrate" {
		if err := postgres.RunMigrations(cfg.DB.DSN); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
		return
	}

	serveAPI := *mode == "serve" || *mode == "all"
	runWorkers := *mode == "work" || *mode == "all"
	if !serveAPI && !runWorkers {
		logger.Fatal("unknown mode", zap.String("mode", *mode))
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	reg, err := registry.New(ctx, registry.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	}, idGen, clock)
	if err != nil {
		logger.Fatal("registry init failed", zap.Error(err))
	}
	defer reg.Close()

	products, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	}, clock)
	if err != nil {
		logger.Fatal("product store init failed", zap.Error(err))
	}
	defer products.Close()

	history, err := clickhouse.New(ctx, clickhouse.Config{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Table:    cfg.ClickHouse.Table,
	})
	if err != nil {
		logger.Fatal("history store init failed", zap.Error(err))
	}
	defer func() { _ = history.Close() }()

	gw := gateway.New(products, history, logger.Named("gateway"))

	var workQueue tracker.Queue
	switch cfg.Queue.Provider {
	case "redis":
		redisQueue, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
			Addr:       cfg.Queue.RedisAddr,
			Password:   cfg.Queue.RedisPassword,
			DB:         cfg.Queue.RedisDB,
			KeyPrefix:  cfg.Queue.KeyPrefix,
			Visibility: cfg.Visibility(),
		}, clock, logger.Named("queue"))
		if err != nil {
			logger.Fatal("redis queue init failed", zap.Error(err))
		}
		defer func() { _ = redisQueue.Close() }()
		if runWorkers {
			go redisQueue.RunReaper(ctx, cfg.Visibility()/2)
		}
		workQueue = redisQueue
	default:
		workQueue = queue.NewMemoryQueue(cfg.Queue.MemoryDepth)
	}

	var fetcher scraper.PageFetcher
	if cfg.Scraper.Headless {
		headlessFetcher, err := scraper.NewHeadlessFetcher(scraper.HeadlessConfig{
			MaxParallel:       cfg.Scraper.HeadlessParallel,
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: time.Duration(cfg.Scraper.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Fatal("headless fetcher init failed", zap.Error(err))
		}
		defer headlessFetcher.Close()
		fetcher = headlessFetcher
	} else {
		fetcher = scraper.NewCollyFetcher(scraper.CollyConfig{
			UserAgent: cfg.Scraper.UserAgent,
			Timeout:   time.Duration(cfg.Scraper.TimeoutSeconds) * time.Second,
		})
	}
	executor := scraper.NewExecutor(fetcher, clock, cfg.Scraper.BaseURL, logger.Named("scraper"))

	dispatch := dispatcher.New(reg, workQueue, logger.Named("dispatcher"))

	workersDone := make(chan struct{})
	if runWorkers {
		go func() {
			defer close(workersDone)
			logger.Info("workers started", zap.Int("concurrency", cfg.Worker.Concurrency))
			i := 0
			dispatcher.RunWorkers(ctx, cfg.Worker.Concurrency, func() *dispatcher.Worker {
				i++
				return dispatcher.NewWorker(dispatcher.WorkerConfig{
					ScrapeTimeout: cfg.ScrapeTimeout(),
					MaxAttempts:   cfg.Queue.MaxAttempts,
				}, reg, workQueue, executor, gw,
					logger.Named("worker").With(zap.Int("index", i)))
			})
		}()
	} else {
		close(workersDone)
	}

	if !serveAPI {
		<-ctx.Done()
		logger.Info("shutdown initiated")
		<-workersDone
		logger.Info("shutdown complete")
		return
	}

	apiServer := api.NewServer(dispatch, reg, gw, cfg, logger.Named("api"),
		api.ReadyCheck{Name: "postgres", Check: reg.Ping},
		api.ReadyCheck{Name: "clickhouse", Check: history.Ping},
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-workersDone
	logger.Info("shutdown complete")
}
