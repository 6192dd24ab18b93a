// Command radar_crawl polls an upstream procurement source and pushes every
// tender it finds into the core API ingest endpoint.
//
// Usage:
//
//	radar_crawl -source pncp       # PNCP consulta API
//	radar_crawl -source compras    # Compras.gov.br legacy API
//	radar_crawl -source pncp -once # one batch, then exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/radar/config"
	"github.com/hazyhaar/radar/crawl"
	"github.com/hazyhaar/radar/metrics"
)

func main() {
	source := flag.String("source", "", "crawl source: pncp or compras")
	once := flag.Bool("once", false, "run a single batch and exit")
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

	if err := run(ctx, logger, cfg, *source, *once); err != nil && ctx.Err() == nil {
		logger.Error("radar_crawl: fatal", "source", *source, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, source string, once bool) error {
	ing := crawl.NewAPIClient(cfg.CoreAPIURL, cfg.CoreAPIKey, nil)
	logger.Info("crawler starting", "source", source, "api", cfg.CoreAPIURL)

	switch source {
	case "pncp":
		c := crawl.NewPNCP(cfg.PNCP, ing, nil)
		if once {
			n, err := c.RunOnce(ctx)
			logger.Info("batch done", "ingested", n)
			return err
		}
		return c.Run(ctx)

	case "compras":
		var sink *metrics.Sink
		if cfg.Metrics.Enabled {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			sink = metrics.New(rdb, metrics.WithPrefix(cfg.Metrics.Prefix), metrics.WithTTL(cfg.Metrics.TTL))
		}
		c := crawl.NewCompras(cfg.Compras, ing, sink, nil)
		if once {
			n, err := c.RunOnce(ctx)
			logger.Info("batch done", "ingested", n)
			return err
		}
		return c.Run(ctx)
	}
	return fmt.Errorf("unknown source %q (pncp, compras)", source)
}
