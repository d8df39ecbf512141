package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/handler"
	"sudooom.im.chatsync/internal/health"
	"sudooom.im.chatsync/internal/history"
	"sudooom.im.chatsync/internal/metrics"
	imNats "sudooom.im.chatsync/internal/nats"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/readcursor"
	imRedis "sudooom.im.chatsync/internal/redis"
	"sudooom.im.chatsync/internal/repository"
	"sudooom.im.chatsync/internal/router"
	"sudooom.im.chatsync/internal/service"
	"sudooom.im.chatsync/internal/stream"
	"sudooom.im.chatsync/internal/task"
	"sudooom.im.chatsync/pkg/jwt"
	"sudooom.im.chatsync/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 NATS
	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())

	// 连接数据库
	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 时间轮调度器（输入状态过期、会话空闲回收）
	scheduler := task.NewScheduler(cfg.Scheduler)
	if err := scheduler.Start(); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 存储与推送
	publisher := imNats.NewPublisher(natsClient.Conn())
	messages := repository.NewMessageRepository(db, snowflake.NewNode(cfg.App.NodeID), publisher, cfg.Database.PageSize)
	if err := messages.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}
	readStates := imRedis.NewReadStateStore(redisClient)

	// 同步核心
	sessions := service.NewSessionManager(service.Deps{
		Loader:    history.New(messages, cfg.History, m),
		Transport: imNats.NewTransport(natsClient),
		Store:     messages,
		Presence:  presence.New(scheduler, publisher, cfg.Presence, m),
		Reads:     readcursor.New(readStates),
		Scheduler: scheduler,
		Metrics:   m,
	}, service.Config{
		IdleTimeout: cfg.HTTP.IdleSession,
		Stream:      stream.Options{BufferSize: cfg.Stream.BufferSize, Metrics: m},
		LiveFeed:    cfg.LiveFeed,
	})

	// HTTP API
	convHandler := handler.NewConversationHandler(sessions, readStates, cfg.HTTP.MaxWait)
	engine := router.SetupRouter(cfg.HTTP.Mode, jwt.NewVerifier(cfg.JWT.SecretKey, cfg.JWT.Issuer), convHandler)
	apiServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: engine,
	}
	go func() {
		logger.Info("API server started", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
			cancel()
		}
	}()

	// 健康检查 + 指标
	checker := health.NewChecker(2*time.Second).
		Add("nats", health.NATSProbe(natsClient)).
		Add("redis", health.RedisProbe(redisClient)).
		Add("database", health.PostgresProbe(db)).
		Add("scheduler", func(context.Context) error {
			if !scheduler.IsRunning() {
				return errors.New("scheduler stopped")
			}
			return nil
		})
	healthServer := startHealthServer(cfg.HTTP.HealthAddr, checker, reg, logger)

	logger.Info("Chat sync service started", "name", cfg.App.Name)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", "error", err)
	}
	// 先关闭全部注册表（卸载推送），再关连接
	sessions.Close()
	logger.Info("Stopping scheduler", "stats", scheduler.Stats())
	scheduler.Stop()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown error", "error", err)
	}
	logger.Info("Chat sync service stopped")
}

// startHealthServer 启动健康检查和指标 HTTP 服务
func startHealthServer(addr string, checker *health.Checker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/ready", checker.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logger.Info("Health check server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed", "error", err)
		}
	}()
	return server
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
