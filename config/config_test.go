package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.HTTP.Addr != ":8000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if !cfg.Auth.Required {
		t.Fatal("auth should default to required")
	}
	if cfg.RateLimit.RPM != 300 {
		t.Fatalf("rpm = %d", cfg.RateLimit.RPM)
	}
	if cfg.Cache.TTL != 60*time.Second {
		t.Fatalf("cache ttl = %v", cfg.Cache.TTL)
	}
	if cfg.Queues.Triage != "q:triage" || cfg.Queues.ParseSmoke != "q:parse_smoke" {
		t.Fatalf("queues = %+v", cfg.Queues)
	}
	if cfg.Parse.MaxChars != 200000 || cfg.Parse.SmokeMaxChars != 20000 {
		t.Fatalf("parse chars = %+v", cfg.Parse)
	}
	if cfg.Alerts.QueueThresholds["q:dead_parse"] != 1 {
		t.Fatalf("queue thresholds = %v", cfg.Alerts.QueueThresholds)
	}
	if cfg.Alerts.CounterThresholds["api.errors_5xx_total"] != 5 {
		t.Fatalf("counter thresholds = %v", cfg.Alerts.CounterThresholds)
	}
	if cfg.Daily.LookbackH != 24*time.Hour {
		t.Fatalf("lookback = %v", cfg.Daily.LookbackH)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("API_KEYS", "k1, k2 ,")
	t.Setenv("CACHE_TTL_S_MAP", "/v1/tenders=300,/v1/metrics=bogus")
	t.Setenv("TELEGRAM_UF_CHANNELS", "SP=@canal_sp,RJ=@canal_rj")
	t.Setenv("ALERTS_QUEUE_THRESHOLDS", "q:triage=42")
	t.Setenv("EVENT_LOG_SAMPLE", "0.25")

	cfg := FromEnv()
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Auth.Required {
		t.Fatal("auth override ignored")
	}
	if len(cfg.Auth.Keys) != 2 || cfg.Auth.Keys[1] != "k2" {
		t.Fatalf("keys = %v", cfg.Auth.Keys)
	}
	if cfg.Cache.TTLByPath["/v1/tenders"] != 5*time.Minute {
		t.Fatalf("ttl map = %v", cfg.Cache.TTLByPath)
	}
	if _, ok := cfg.Cache.TTLByPath["/v1/metrics"]; ok {
		t.Fatal("non-numeric ttl entry should be dropped")
	}
	if cfg.Telegram.UFChannels["SP"] != "@canal_sp" {
		t.Fatalf("uf channels = %v", cfg.Telegram.UFChannels)
	}
	if len(cfg.Alerts.QueueThresholds) != 1 || cfg.Alerts.QueueThresholds["q:triage"] != 42 {
		t.Fatalf("thresholds = %v", cfg.Alerts.QueueThresholds)
	}
	if cfg.Events.Sample != 0.25 {
		t.Fatalf("sample = %v", cfg.Events.Sample)
	}
}
