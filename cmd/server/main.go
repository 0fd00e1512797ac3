package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/cache"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/config"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/directory"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/gateway"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/httpapi"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/ratelimit"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/upstream"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "設定檔路徑（空字串表示只用環境變數）")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()
	storeOpts := store.Options{
		TTL:            cfg.Room.TTL,
		RefreshOnWrite: cfg.Room.ExpiryMode == config.ExpiryIdle,
	}

	var (
		rooms     store.Store
		backend   cache.Backend
		rateLimit ratelimit.LimiterFunc
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory room store; rooms are not shared between instances")
		rooms = store.NewMemory(storeOpts)
		backend = cache.NewMemory(256)
		if cfg.HTTPRateLimit.Enabled {
			log.Warn("http rate limit needs redis, disabled with memory driver")
		}

	default:
		// 連接 Redis
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		rooms = store.NewRedis(client, storeOpts)
		backend = cache.NewRedis(client, cache.DefaultKeyPrefix)

		if cfg.HTTPRateLimit.Enabled {
			bucket := ratelimit.NewDistributedTokenBucket(client,
				cfg.HTTPRateLimit.Capacity, cfg.HTTPRateLimit.RefillPerSecond, cfg.HTTPRateLimit.KeyPrefix)
			rateLimit = bucket.Allow
		}
	}
	rooms = store.WithTimeout(rooms, cfg.Redis.OpTimeout)

	// 連線目錄與事件處理
	hub := directory.NewHub(directory.Options{
		ReadBufferSize:  cfg.WS.ReadBufferSize,
		WriteBufferSize: cfg.WS.WriteBufferSize,
		SendBufferSize:  cfg.WS.SendBufferSize,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		RateCapacity:    cfg.WS.RateLimit.Capacity,
		RateRefill:      cfg.WS.RateLimit.RefillPerSecond,
	}, log)
	gw := gateway.New(rooms, hub, gateway.Options{
		DefaultMaxPlayers: cfg.Room.DefaultMaxPlayers,
		MaxPlayersLimit:   cfg.Room.MaxPlayersLimit,
		Production:        cfg.IsProduction(),
	}, log)
	hub.SetHandler(gw)

	// Validate 已檢查過格式
	proxies, err := ratelimit.ParseTrustedProxies(cfg.HTTPRateLimit.TrustedProxies)
	if err != nil {
		return err
	}
	var rateLimitKey func(*http.Request) string
	if len(proxies) > 0 {
		rateLimitKey = proxies.ClientIP
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Store:     rooms,
		WebSocket: hub,
		Cache:     cache.NewAside(backend, log),
		Turn: upstream.NewTurnClient(upstream.TurnConfig{
			BaseURL:       cfg.Turn.BaseURL,
			SecretKey:     cfg.Turn.SecretKey,
			ExpirySeconds: cfg.Turn.ExpirySeconds,
			Timeout:       cfg.Turn.Timeout,
		}),
		Quizmaps:   upstream.NewQuizmapClient(cfg.CDN.BaseURL, cfg.CDN.MetadataPath, cfg.CDN.Timeout),
		Moderation: upstream.NewModerationClient(cfg.Moderation.WebhookURL, cfg.Moderation.BotToken, cfg.Moderation.Timeout),
		RateLimit:    rateLimit,
		RateLimitKey: rateLimitKey,
	}, httpapi.Options{
		Production:      cfg.IsProduction(),
		TurnCacheMargin: cfg.Turn.CacheMargin,
		QuizmapCacheTTL: cfg.CDN.CacheTTL,
		MaxUploadBytes:  cfg.Moderation.MaxUploadBytes,
		AdminToken:      cfg.CDN.AdminToken,
	}, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
		IdleTimeout:  cfg.App.IdleTimeout,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"store", cfg.Store.Driver,
			"expiry_mode", cfg.Room.ExpiryMode)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// 先停止接受新請求，再關閉所有 WebSocket 連線
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown server", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("failed to force close server", "error", closeErr)
		}
	}
	if err := hub.Stop(ctx); err != nil {
		log.Error("failed to stop websocket hub", "error", err)
	}
	return nil
}
