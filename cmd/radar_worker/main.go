// Command radar_worker runs one pipeline stage as a long-lived loop.
//
// Usage:
//
//	radar_worker -stage triage    # score incoming tenders
//	radar_worker -stage fetch     # download documents
//	radar_worker -stage parse     # extract text, segment, enrich
//	radar_worker -stage daily     # send daily digests
//	radar_worker -stage alerts    # watch queues and counters
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
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/radar/alerts"
	"github.com/hazyhaar/radar/cache"
	"github.com/hazyhaar/radar/config"
	"github.com/hazyhaar/radar/digest"
	"github.com/hazyhaar/radar/docpipe"
	"github.com/hazyhaar/radar/enrich"
	"github.com/hazyhaar/radar/events"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/notify"
	"github.com/hazyhaar/radar/ollama"
	"github.com/hazyhaar/radar/pipeline"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/segment"
	"github.com/hazyhaar/radar/store"
	"github.com/hazyhaar/radar/triage"
)

func main() {
	stage := flag.String("stage", "", "pipeline stage: triage, fetch, parse, daily, alerts")
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

	if err := run(ctx, logger, cfg, *stage); err != nil && ctx.Err() == nil {
		logger.Error("radar_worker: fatal", "stage", *stage, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, stage string) error {
	if stage == "" {
		return fmt.Errorf("missing -stage (triage, fetch, parse, daily, alerts)")
	}

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
	ev := events.New(st, cfg.Events.Enabled, cfg.Events.Sample)

	tg := notify.NewTelegram(cfg.Telegram.BotToken)
	var notif *notify.Notifier
	if tg.Configured() {
		notif = notify.NewNotifier(tg, st, rdb, sink, notify.FanoutConfig{
			BotUsername: cfg.Telegram.BotUsername,
			UFChannels:  cfg.Telegram.UFChannels,
		})
	}

	logger.Info("worker starting", "stage", stage)

	switch stage {
	case "triage":
		rules, err := triage.LoadRules(cfg.Triage.RulesPath)
		if err != nil {
			return err
		}
		if len(cfg.Triage.UFAllowlist) > 0 {
			rules.AllowUFs = cfg.Triage.UFAllowlist
		}
		if len(cfg.Triage.MunicipioAllowlist) > 0 {
			rules.AllowMunicipios = cfg.Triage.MunicipioAllowlist
		}
		w := pipeline.NewTriageWorker(q, st, rules, sink, ev, notif, pipeline.TriageConfig{
			Queue:        cfg.Queues.Triage,
			FetchQueue:   cfg.Queues.Fetch,
			DeadQueue:    cfg.Triage.DeadQueue,
			MinScore:     cfg.Triage.MinScore,
			MaxRetries:   cfg.Triage.MaxRetries,
			RetryBackoff: cfg.Triage.RetryBackoff,
			NotifyStage:  cfg.Telegram.NotifyStage,
		})
		return w.Run(ctx)

	case "fetch":
		var c *cache.Cache
		if cfg.Cache.Enabled {
			c = cache.New(rdb, cache.Config{
				Enabled:    true,
				Prefix:     cfg.Cache.Prefix,
				TTL:        cfg.Cache.TTL,
				MaxBytes:   cfg.Cache.MaxBytes,
				MetricsTTL: cfg.Cache.MetricsTTL,
				LockTTL:    cfg.Cache.LockTTL,
				LockWait:   cfg.Cache.LockWait,
			})
		}
		w := pipeline.NewFetchWorker(q, st, sink, ev, c, nil, pipeline.FetchConfig{
			Queue:           cfg.Queues.Fetch,
			ParseQueue:      cfg.Queues.Parse,
			DeadQueue:       cfg.Fetch.DeadQueue,
			MaxBytes:        cfg.Fetch.MaxBytes,
			Timeout:         cfg.Fetch.Timeout,
			MaxRetries:      cfg.Fetch.MaxRetries,
			RetryBackoff:    cfg.Fetch.RetryBackoff,
			PNCPDocsEnabled: true,
			PNCPAPIBase:     cfg.Fetch.PNCPAPIBase,
		})
		return w.Run(ctx)

	case "parse":
		rules, err := triage.LoadRules(cfg.Triage.RulesPath)
		if err != nil {
			return err
		}
		var enricher pipeline.Enricher
		if cfg.Agent.Enabled && cfg.Ollama.ChatModel != "" {
			client := ollama.New(ollama.Config{
				URL:       cfg.Ollama.URL,
				ChatModel: cfg.Ollama.ChatModel,
				Timeout:   cfg.Agent.Timeout,
			})
			enricher = enrich.New(client, st, sink, enrich.Config{
				Enabled:  true,
				Force:    cfg.Agent.Force,
				MinChars: cfg.Agent.MinChars,
				MaxChars: cfg.Agent.MaxChars,
			})
		}
		var embed pipeline.Embedder
		if cfg.Ollama.EmbeddingsEnabled && cfg.Ollama.EmbedModel != "" {
			embed = ollama.New(ollama.Config{
				URL:        cfg.Ollama.URL,
				EmbedModel: cfg.Ollama.EmbedModel,
				EmbedDim:   cfg.Ollama.EmbedDim,
				Timeout:    cfg.Ollama.EmbedTimeout,
			})
		}
		w := pipeline.NewParseWorker(q, st, sink, ev, enricher, notif, rules, embed, pipeline.ParseConfig{
			Queues:            []string{cfg.Queues.ParseSmoke, cfg.Queues.Parse},
			SmokeQueue:        cfg.Queues.ParseSmoke,
			DeadQueue:         cfg.Parse.DeadQueue,
			MaxChars:          cfg.Parse.MaxChars,
			DropBody:          cfg.Parse.DropBody,
			MaxRetries:        cfg.Parse.MaxRetries,
			RetryBackoff:      cfg.Parse.RetryBackoff,
			SmokeMaxChars:     cfg.Parse.SmokeMaxChars,
			SmokeDropBody:     cfg.Parse.SmokeDropBody,
			GateEnabled:       cfg.Parse.GateEnabled,
			GateKeywords:      cfg.Parse.GateKeywords,
			GateRegex:         cfg.Parse.GateRegex,
			DocConvertEnabled: cfg.Parse.DocConvertEnabled,
			NotifyStage:       cfg.Telegram.NotifyStage,
			EmbeddingsEnabled: cfg.Ollama.EmbeddingsEnabled,
			Segment: segment.Options{
				Size:    cfg.Segment.Chars,
				Overlap: cfg.Segment.Overlap,
			},
			OCR: docpipe.OCRConfig{
				Enabled:     cfg.OCR.Enabled,
				Mode:        cfg.OCR.Mode,
				MinText:     cfg.OCR.MinText,
				MinQuality:  cfg.OCR.MinQuality,
				MaxPages:    cfg.OCR.MaxPages,
				MaxBytes:    cfg.OCR.MaxBytes,
				DPI:         cfg.OCR.DPI,
				Lang:        cfg.OCR.Lang,
				Jobs:        cfg.OCR.Jobs,
				Timeout:     cfg.OCR.Timeout,
				PageTimeout: cfg.OCR.PageTimeout,
				CompressPDF: cfg.OCR.CompressPDF,
				CompressMin: cfg.OCR.CompressMin,
			},
		})
		return w.Run(ctx)

	case "daily":
		w := digest.New(st, tg, sink, digest.Config{
			Lookback: cfg.Daily.LookbackH,
			MaxItems: cfg.Daily.MaxItems,
			Poll:     cfg.Daily.Poll,
		})
		return w.Run(ctx)

	case "alerts":
		token := cfg.Alerts.BotToken
		if token == "" {
			token = cfg.Telegram.BotToken
		}
		chatID := cfg.Alerts.ChatID
		if chatID == "" {
			chatID = cfg.Telegram.ChatID
		}
		m := alerts.New(rdb, sink, notify.NewTelegram(token), st, alerts.Config{
			Prefix:            cfg.Alerts.Prefix,
			Poll:              cfg.Alerts.Poll,
			Cooldown:          cfg.Alerts.Cooldown,
			ChatID:            chatID,
			QueueThresholds:   cfg.Alerts.QueueThresholds,
			CounterThresholds: cfg.Alerts.CounterThresholds,
		})
		return m.Run(ctx)
	}
	return fmt.Errorf("unknown stage %q", stage)
}
