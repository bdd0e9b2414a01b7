package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"pinsync/apps/sync-engine/channel"
	"pinsync/apps/sync-engine/client"
	"pinsync/apps/sync-engine/consumer"
	"pinsync/apps/sync-engine/dao"
	"pinsync/apps/sync-engine/handler"
	"pinsync/apps/sync-engine/service"
	"pinsync/pkg/config"
	"pinsync/pkg/kvstore"
	"pinsync/pkg/lifecycle"
	"pinsync/pkg/logger"
	"pinsync/pkg/middleware"
	"pinsync/pkg/redis"
	"pinsync/pkg/retry"
	"pinsync/pkg/telemetry"
)

func main() {
	// 初始化配置
	vcfg, err := initConfig()
	if err != nil {
		stdlog.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.LoadConfig()
	applyViper(vcfg, cfg)

	// 初始化日志
	log := initLogger(vcfg)
	log.Info(context.Background(), "Starting sync engine",
		logger.F("user", cfg.App.UserID), logger.F("session", cfg.App.SessionID))

	// 初始化遥测
	tel, err := telemetry.NewProvider(telemetry.DefaultConfig(cfg.App.Name))
	if err != nil {
		log.Warn(context.Background(), "遥测初始化失败，继续运行", logger.F("error", err.Error()))
		tel = nil
	}

	// 初始化本地缓存：Redis可用时持久化，否则降级为内存镜像
	backing := initBacking(cfg, log)
	kv := kvstore.NewScoped(backing, cfg.Cache.Namespace, cfg.Cache.Version, log)
	cacheDAO := dao.NewKVDAO(kv, log)

	// 初始化后端客户端与引擎
	backend := client.NewHTTPBackend(cfg.Backend, cfg.App.UserID, cfg.App.SessionID, log)
	clock := retry.NewClock()
	engine := service.NewEngine(cfg, cacheDAO, backend, clock, tel, log)

	// 初始化推送通道
	transport := channel.NewWSTransport(cfg.Backend.WSURL, cfg.App.UserID, cfg.App.SessionID, log)
	manager := channel.NewManager(transport, cfg.Channel, clock, log)
	pushConsumer := consumer.NewPushConsumer(manager, backend, engine.Messages(), engine.Threads(),
		engine.Receipts(), cfg.App.UserID, cfg.Channel.CatchUpLimit, log)

	// 初始化调试HTTP服务
	kratosLog := logger.NewKratosLogger(log)
	gin.SetMode(vcfg.GetString("server.mode"))
	router := gin.New()
	loggingMW := middleware.NewLoggingMiddleware(kratosLog)
	router.Use(loggingMW.GinRecovery())
	router.Use(loggingMW.GinLogging())
	router.Use(middleware.NewOTelMiddleware(cfg.App.Name, log).GinMiddleware())

	httpHandler := handler.NewHTTPHandler(engine, pushConsumer, log)
	httpHandler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", vcfg.GetInt("server.port")),
		Handler: router,
	}

	// 生命周期编排
	lm := lifecycle.NewLifecycleManager(kratosLog)

	lm.AddHook(lifecycle.Hook{
		Name:     "local-cache",
		Priority: 10,
		OnStart: func(ctx context.Context) error {
			engine.Load()
			return nil
		},
	})

	lm.AddHook(lifecycle.Hook{
		Name:     "push-channel",
		Priority: 110,
		OnStop: func(ctx context.Context) error {
			manager.Close()
			return nil
		},
	})

	lm.AddHook(lifecycle.Hook{
		Name:     "sync-queues",
		Priority: 210,
		OnStart: func(ctx context.Context) error {
			engine.Flush()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Close()
			return nil
		},
	})

	lm.AddHook(lifecycle.Hook{
		Name:     "debug-http",
		Priority: 310,
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal(context.Background(), "Failed to start HTTP server", logger.F("error", err.Error()))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})

	if tel != nil {
		lm.AddHook(lifecycle.Hook{
			Name:     "telemetry",
			Priority: 320,
			OnStop: func(ctx context.Context) error {
				return tel.Shutdown(ctx)
			},
		})
	}

	if err := lm.Start(); err != nil {
		log.Fatal(context.Background(), "Failed to start sync engine", logger.F("error", err.Error()))
	}

	log.Info(context.Background(), "Sync engine started",
		logger.F("http_port", vcfg.GetInt("server.port")))

	// 等待中断信号
	lm.Wait()

	log.Info(context.Background(), "Sync engine stopped")
}

// initConfig 初始化配置
func initConfig() (*viper.Viper, error) {
	cfg := viper.New()

	cfg.SetConfigName("config")
	cfg.SetConfigType("yaml")
	cfg.AddConfigPath(".")
	cfg.AddConfigPath("..")
	cfg.AddConfigPath("../..")
	cfg.AddConfigPath("../../..")

	cfg.AutomaticEnv()

	cfg.SetDefault("server.port", 21080)
	cfg.SetDefault("server.mode", "debug")
	cfg.SetDefault("logger.level", "info")
	cfg.SetDefault("backend.base_url", "http://localhost:21010/api/v1")
	cfg.SetDefault("backend.ws_url", "ws://localhost:21010/api/v1/feed")
	cfg.SetDefault("redis.addr", "localhost:6379")

	if err := cfg.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			stdlog.Println("Config file not found, using default values")
		} else {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
	}

	return cfg, nil
}

// applyViper 把配置文件里的覆盖值并入引擎配置
func applyViper(vcfg *viper.Viper, cfg *config.Config) {
	if v := vcfg.GetString("backend.base_url"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := vcfg.GetString("backend.ws_url"); v != "" {
		cfg.Backend.WSURL = v
	}
	if v := vcfg.GetString("redis.addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := vcfg.GetString("app.user_id"); v != "" {
		cfg.App.UserID = v
	}
	if v := vcfg.GetString("app.session_id"); v != "" {
		cfg.App.SessionID = v
	}
}

// initLogger 初始化日志
func initLogger(vcfg *viper.Viper) logger.Logger {
	logLevel := vcfg.GetString("logger.level")
	if logLevel == "" {
		logLevel = "info"
	}

	log, err := logger.NewLogger(logLevel)
	if err != nil {
		return logger.NewFallbackLogger()
	}
	return log
}

// initBacking 初始化缓存后备存储
func initBacking(cfg *config.Config, log logger.Logger) kvstore.Backing {
	rc := redis.NewRedisClient(redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		log.Warn(context.Background(), "Redis不可用，本地缓存降级为内存模式", logger.F("error", err.Error()))
		return kvstore.NewMemoryBacking()
	}

	log.Info(context.Background(), "Redis connected successfully")
	return kvstore.NewRedisBacking(rc)
}
