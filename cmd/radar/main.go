// Command radar is the HTTP API server: tender ingest, documents, segments,
// subscriptions and insights, with the response cache and Redis metrics in
// front.
//
// Usage:
//
//	radar              # serve the HTTP API on $PORT
//	radar -mcp         # serve the MCP tools over stdio instead
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/radar/cache"
	"github.com/hazyhaar/radar/config"
	"github.com/hazyhaar/radar/httpapi"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/ollama"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/shield"
	"github.com/hazyhaar/radar/store"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	flag.Parse()

	cfg := config.Load()

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *mcpMode); err != nil {
		logger.Error("radar: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, mcpMode bool) error {
	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queues.MaxLen)

	sinkOpts := []metrics.Option{
		metrics.WithPrefix(cfg.Metrics.Prefix),
		metrics.WithTTL(cfg.Metrics.TTL),
	}
	if !cfg.Metrics.Enabled {
		sinkOpts = append(sinkOpts, metrics.Disabled())
	}
	sink := metrics.New(rdb, sinkOpts...)

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(rdb, cache.Config{
			Enabled:    true,
			Prefix:     cfg.Cache.Prefix,
			TTL:        cfg.Cache.TTL,
			TTLByPath:  cfg.Cache.TTLByPath,
			MaxBytes:   cfg.Cache.MaxBytes,
			MetricsTTL: cfg.Cache.MetricsTTL,
			LockTTL:    cfg.Cache.LockTTL,
			LockWait:   cfg.Cache.LockWait,
		})
	}

	var limiter *shield.RateLimiter
	if cfg.RateLimit.Enabled && cfg.RateLimit.RPM > 0 {
		limiter = shield.NewRateLimiter(rdb, shield.RateLimitConfig{
			RPM:        cfg.RateLimit.RPM,
			BypassKeys: cfg.RateLimit.BypassKeys,
		})
	}

	var chat httpapi.Chatter
	var embed httpapi.Embedder
	if cfg.Ollama.ChatModel != "" || (cfg.Ollama.EmbeddingsEnabled && cfg.Ollama.EmbedModel != "") {
		client := ollama.New(ollama.Config{
			URL:        cfg.Ollama.URL,
			ChatModel:  cfg.Ollama.ChatModel,
			EmbedModel: cfg.Ollama.EmbedModel,
			EmbedDim:   cfg.Ollama.EmbedDim,
			Timeout:    cfg.Ollama.Timeout,
		})
		if cfg.Ollama.ChatModel != "" {
			chat = client
		}
		if cfg.Ollama.EmbeddingsEnabled && cfg.Ollama.EmbedModel != "" {
			embed = client
		}
	}
	ins := httpapi.NewInsights(st, chat, embed, cfg.Ollama.EmbedDim)

	api := httpapi.New(st, q, c, sink, rdb, limiter, ins, cfg)

	if mcpMode {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "radar",
			Version: "1.0.0",
		}, nil)
		api.RegisterMCP(mcpSrv)
		logger.Info("mcp serving on stdio")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
