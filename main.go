package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/config"
	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/event"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/search"
	"github.com/choraleia/parley/pkg/service"
	"github.com/choraleia/parley/pkg/tools"
	_ "github.com/choraleia/parley/pkg/tools/all"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const counterResetInterval = time.Hour

func main() {
	cfg, path, err := config.Load()
	if err != nil {
		utils.GetLogger().Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	utils.InitLogger(cfg.Log.Level, cfg.Log.Format)
	logger := utils.GetLogger()

	gdb, err := db.Open(cfg.DatabaseDriver(), cfg.DatabaseDSN())
	if err != nil {
		logger.Error("Failed to open database", "driver", cfg.DatabaseDriver(), "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		logger.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, closeCache := contextCache(ctx, cfg, gdb)
	defer closeCache()

	var searcher search.Searcher
	if cfg.Search.APIKey != "" {
		searcher = search.NewHTTPSearcher(cfg.Search.Endpoint, cfg.Search.APIKey)
	} else {
		logger.Warn("No search API key configured; web search disabled")
	}

	emitter := event.Global()
	factory := llm.NewFactory(cfg)
	models := service.NewModelService(gdb, factory)
	store := service.NewChatStore(gdb, service.NewLLMTitleGenerator(models, factory))
	gate := billing.NewGate(gdb, cfg.OutputTokenEstimate())
	gate.SetEmitter(emitter)
	compression := service.NewCompressionService(models, factory, cache, service.CompressionConfig{
		ThresholdTokens: cfg.CompressionThreshold(),
		MaxChars:        cfg.CompressionMaxChars(),
	})
	registry := tools.NewRegistry(tools.NewToolContext(searcher, cfg.SearchMaxResults()))
	chat := service.NewChatService(store, models, factory, gate, registry, compression, service.ChatConfigFrom(cfg))

	go resetCounters(ctx, gate)

	server := NewServer(cfg, Services{
		Chat:        chat,
		Models:      models,
		Compression: compression,
		Gate:        gate,
		Registry:    registry,
		Emitter:     emitter,
	})
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutting down, waiting for post-completion tasks")
	chat.PostTasks().Wait()
}

// contextCache prefers Redis when configured and reachable, else the database.
func contextCache(ctx context.Context, cfg *config.AppConfig, gdb *gorm.DB) (service.ContextCache, func()) {
	logger := utils.GetLogger()
	ttl := cfg.CompressionCacheTTL()
	if cfg.Redis.URL == "" {
		return service.NewSQLContextCache(gdb, ttl), func() {}
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("Invalid redis URL, using database cache", "error", err)
		return service.NewSQLContextCache(gdb, ttl), func() {}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, using database cache", "error", err)
		_ = client.Close()
		return service.NewSQLContextCache(gdb, ttl), func() {}
	}
	logger.Info("Using redis context cache", "addr", opts.Addr)
	return service.NewRedisContextCache(client, ttl), func() { _ = client.Close() }
}

func resetCounters(ctx context.Context, gate *billing.Gate) {
	ticker := time.NewTicker(counterResetInterval)
	defer ticker.Stop()
	resetOnce(ctx, gate, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			resetOnce(ctx, gate, now)
		}
	}
}

func resetOnce(ctx context.Context, gate *billing.Gate, now time.Time) {
	logger := utils.GetLogger()
	n, err := gate.ResetCounters(ctx, now)
	if err != nil {
		logger.Error("Failed to reset billing counters", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Reset billing counters", "states", n)
	}
}
