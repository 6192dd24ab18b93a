// Package config loads the runtime configuration from the environment.
// Every field has a default so a bare process comes up in a usable local
// mode; a .env file is honored when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// HTTP is the API server configuration.
type HTTP struct {
	Addr         string
	MaxBodyBytes int64
}

// Auth is the API-key configuration.
type Auth struct {
	Required     bool
	Keys         []string
	WebhookToken string
}

// RateLimit is the per-key request budget.
type RateLimit struct {
	Enabled    bool
	RPM        int
	BypassKeys []string
}

// Cache is the shared HTTP response cache.
type Cache struct {
	Enabled    bool
	Prefix     string
	TTL        time.Duration
	TTLByPath  map[string]time.Duration
	MaxBytes   int
	MetricsTTL time.Duration
	LockTTL    time.Duration
	LockWait   time.Duration
}

// Metrics is the Redis metrics sink.
type Metrics struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

// Events is the sampled pipeline event log.
type Events struct {
	Enabled bool
	Sample  float64
}

// Queues names the Redis lists and bounds them.
type Queues struct {
	Triage     string
	Fetch      string
	Parse      string
	ParseSmoke string
	MaxLen     int64
}

// Triage is the scoring worker configuration.
type Triage struct {
	MinScore           int
	RulesPath          string
	UFAllowlist        []string
	MunicipioAllowlist []string
	MaxRetries         int
	RetryBackoff       time.Duration
	DeadQueue          string
}

// Fetch is the document download worker configuration.
type Fetch struct {
	MaxBytes     int64
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	DeadQueue    string
	PNCPAPIBase  string
}

// OCR controls the fallback text extraction path.
type OCR struct {
	Enabled     bool
	Mode        string // pages | ocrmypdf | auto
	MinText     int
	MinQuality  float64
	MaxPages    int
	MaxBytes    int64
	DPI         int
	Lang        string
	Jobs        int
	Timeout     time.Duration
	PageTimeout time.Duration
	CompressPDF bool
	CompressMin int64
}

// Parse is the parse worker configuration.
type Parse struct {
	MaxChars     int
	DropBody     bool
	MaxRetries   int
	RetryBackoff time.Duration
	DeadQueue    string

	SmokeMaxChars int
	SmokeDropBody bool

	GateEnabled  bool
	GateKeywords []string
	GateRegex    string

	DocConvertEnabled bool
}

// Segment is the sliding-window segmentation.
type Segment struct {
	Chars   int
	Overlap int
}

// Ollama is the local LLM endpoint.
type Ollama struct {
	URL        string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration

	EmbeddingsEnabled bool
	EmbedDim          int
	EmbedTimeout      time.Duration
}

// Agent is the enrichment pass over parsed text.
type Agent struct {
	Enabled  bool
	Force    bool
	MinChars int
	MaxChars int
	Timeout  time.Duration
}

// Telegram is the notification channel configuration.
type Telegram struct {
	BotToken    string
	BotUsername string
	ChatID      string
	NotifyStage string // triage | parse | off
	UFChannels  map[string]string
}

// Daily is the digest loop.
type Daily struct {
	LookbackH time.Duration
	MaxItems  int
	Poll      time.Duration
}

// Alerts is the operational alert loop.
type Alerts struct {
	Enabled           bool
	Prefix            string
	Poll              time.Duration
	Cooldown          time.Duration
	QueueThresholds   map[string]int64
	CounterThresholds map[string]int64
	BotToken          string
	ChatID            string
}

// PNCPCrawl is the PNCP consulta crawler.
type PNCPCrawl struct {
	BaseURL       string
	UF            string
	ModalidadeIDs []string
	PageSize      int
	MaxPages      int
	MaxItems      int
	Sleep         time.Duration
	Poll          time.Duration
	Backoff       time.Duration
}

// ComprasCrawl is the Compras.gov.br crawler.
type ComprasCrawl struct {
	APIBase    string
	ListPath   string
	DetailPath string
	UASGs      []string
	DateField  string
	MaxPages   int
	MaxItems   int
	Poll       time.Duration
}

// Config is the full process configuration.
type Config struct {
	LogLevel   string
	SQLitePath string
	RedisURL   string

	// CoreAPI is where crawlers push ingested tenders.
	CoreAPIURL string
	CoreAPIKey string

	HTTP      HTTP
	Auth      Auth
	RateLimit RateLimit
	Cache     Cache
	Metrics   Metrics
	Events    Events
	Queues    Queues
	Triage    Triage
	Fetch     Fetch
	OCR       OCR
	Parse     Parse
	Segment   Segment
	Ollama    Ollama
	Agent     Agent
	Telegram  Telegram
	Daily     Daily
	Alerts    Alerts
	PNCP      PNCPCrawl
	Compras   ComprasCrawl
}

// Load reads the configuration from the environment, loading .env first if
// one exists in the working directory.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() Config {
	return Config{
		LogLevel:   env("LOG_LEVEL", "info"),
		SQLitePath: env("SQLITE_PATH", "data/radar.db"),
		RedisURL:   env("REDIS_URL", "redis://localhost:6379/0"),
		CoreAPIURL: env("CORE_API_URL", "http://localhost:8000"),
		CoreAPIKey: env("CORE_API_KEY", ""),
		HTTP: HTTP{
			Addr:         ":" + env("PORT", "8000"),
			MaxBodyBytes: envInt64("API_MAX_BODY_BYTES", 2<<20),
		},
		Auth: Auth{
			Required:     envBool("AUTH_REQUIRED", true),
			Keys:         envList("API_KEYS"),
			WebhookToken: env("WEBHOOK_TOKEN", ""),
		},
		RateLimit: RateLimit{
			Enabled:    envBool("RATE_LIMIT_ENABLED", true),
			RPM:        envInt("RATE_LIMIT_RPM", 300),
			BypassKeys: envList("RATE_LIMIT_BYPASS_KEYS"),
		},
		Cache: Cache{
			Enabled:    envBool("CACHE_ENABLED", true),
			Prefix:     env("CACHE_PREFIX", "api-cache:v1"),
			TTL:        envSeconds("CACHE_TTL_S", 60),
			TTLByPath:  envTTLMap("CACHE_TTL_S_MAP"),
			MaxBytes:   envInt("CACHE_MAX_BYTES", 512*1024),
			MetricsTTL: envSeconds("CACHE_METRICS_TTL_S", 7*24*3600),
			LockTTL:    envSeconds("CACHE_LOCK_TTL_S", 8),
			LockWait:   envMillis("CACHE_LOCK_WAIT_MS", 200),
		},
		Metrics: Metrics{
			Enabled: envBool("METRICS_ENABLED", true),
			Prefix:  env("METRICS_PREFIX", "metrics:v1"),
			TTL:     envSeconds("METRICS_TTL_S", 7*24*3600),
		},
		Events: Events{
			Enabled: envBool("EVENT_LOG_ENABLED", true),
			Sample:  envFloat("EVENT_LOG_SAMPLE", 1.0),
		},
		Queues: Queues{
			Triage:     env("TRIAGE_QUEUE", "q:triage"),
			Fetch:      env("FETCH_QUEUE", "q:fetch_parse"),
			Parse:      env("PARSE_QUEUE", "q:parse"),
			ParseSmoke: env("PARSE_SMOKE_QUEUE", "q:parse_smoke"),
			MaxLen:     envInt64("QUEUE_MAX_LEN", 10000),
		},
		Triage: Triage{
			MinScore:           envInt("TRIAGE_MIN_SCORE", 2),
			RulesPath:          env("TRIAGE_RULES_PATH", ""),
			UFAllowlist:        envList("TRIAGE_UF_ALLOWLIST"),
			MunicipioAllowlist: envList("TRIAGE_MUNICIPIO_ALLOWLIST"),
			MaxRetries:         envInt("TRIAGE_MAX_RETRIES", 3),
			RetryBackoff:       envSeconds("TRIAGE_RETRY_BACKOFF_S", 2),
			DeadQueue:          env("TRIAGE_DEAD_QUEUE", "q:dead_triage"),
		},
		Fetch: Fetch{
			MaxBytes:     envInt64("FETCH_MAX_BYTES", 5*1024*1024),
			Timeout:      envSeconds("FETCH_TIMEOUT_S", 30),
			MaxRetries:   envInt("FETCH_MAX_RETRIES", 3),
			RetryBackoff: envSeconds("FETCH_RETRY_BACKOFF_S", 2),
			DeadQueue:    env("DEAD_QUEUE", "q:dead_fetch_docs"),
			PNCPAPIBase:  env("PNCP_API_BASE_URL", "https://pncp.gov.br/api/pncp"),
		},
		OCR: OCR{
			Enabled:     envBool("PARSE_OCR", true),
			Mode:        env("OCR_MODE", "pages"),
			MinText:     envInt("OCR_MIN_TEXT", 200),
			MinQuality:  envFloat("OCR_MIN_QUALITY", 0.25),
			MaxPages:    envInt("OCR_MAX_PAGES", 12),
			MaxBytes:    envInt64("OCR_MAX_BYTES", 20*1024*1024),
			DPI:         envInt("OCR_DPI", 150),
			Lang:        env("OCR_LANG", "por"),
			Jobs:        envInt("OCR_JOBS", 2),
			Timeout:     envSeconds("OCR_TIMEOUT_S", 300),
			PageTimeout: envSeconds("OCR_PAGE_TIMEOUT_S", 60),
			CompressPDF: envBool("COMPRESS_PDF", false),
			CompressMin: envInt64("COMPRESS_PDF_MIN_BYTES", 2*1024*1024),
		},
		Parse: Parse{
			MaxChars:          envInt("PARSE_MAX_CHARS", 200000),
			DropBody:          envBool("PARSE_DROP_BODY", true),
			MaxRetries:        envInt("PARSE_MAX_RETRIES", 3),
			RetryBackoff:      envSeconds("PARSE_RETRY_BACKOFF_S", 2),
			DeadQueue:         env("PARSE_DEAD_QUEUE", "q:dead_parse"),
			SmokeMaxChars:     envInt("PARSE_SMOKE_MAX_CHARS", 20000),
			SmokeDropBody:     envBool("PARSE_SMOKE_DROP_BODY", true),
			GateEnabled:       envBool("POST_OCR_GATE_ENABLED", false),
			GateKeywords:      envList("POST_OCR_GATE_KEYWORDS"),
			GateRegex:         env("POST_OCR_GATE_REGEX", ""),
			DocConvertEnabled: envBool("DOC_CONVERT_ENABLED", true),
		},
		Segment: Segment{
			Chars:   envInt("SEGMENT_CHARS", 800),
			Overlap: envInt("SEGMENT_OVERLAP", 100),
		},
		Ollama: Ollama{
			URL:               env("OLLAMA_URL", "http://localhost:11434"),
			ChatModel:         env("OLLAMA_CHAT_MODEL", "llama3.1:8b"),
			EmbedModel:        env("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
			Timeout:           envSeconds("OLLAMA_TIMEOUT_S", 120),
			EmbeddingsEnabled: envBool("EMBEDDINGS_ENABLED", false),
			EmbedDim:          envInt("EMBED_DIM", 768),
			EmbedTimeout:      envSeconds("EMBED_TIMEOUT_S", 30),
		},
		Agent: Agent{
			Enabled:  envBool("AGENT_ENABLED", false),
			Force:    envBool("AGENT_FORCE", false),
			MinChars: envInt("AGENT_MIN_CHARS", 300),
			MaxChars: envInt("AGENT_MAX_CHARS", 4000),
			Timeout:  envSeconds("AGENT_TIMEOUT_S", 60),
		},
		Telegram: Telegram{
			BotToken:    env("TELEGRAM_BOT_TOKEN", ""),
			BotUsername: env("BOT_USERNAME", ""),
			ChatID:      env("TELEGRAM_CHAT_ID", ""),
			NotifyStage: env("TELEGRAM_NOTIFY_STAGE", "parse"),
			UFChannels:  envMap("TELEGRAM_UF_CHANNELS"),
		},
		Daily: Daily{
			LookbackH: envHours("DAILY_LOOKBACK_H", 24),
			MaxItems:  envInt("DAILY_MAX_ITEMS", 8),
			Poll:      envSeconds("DAILY_POLL_S", 3600),
		},
		Alerts: Alerts{
			Enabled:           envBool("ALERTS_ENABLED", true),
			Prefix:            env("ALERTS_PREFIX", "alerts:v1"),
			Poll:              envSeconds("ALERTS_POLL_S", 60),
			Cooldown:          envSeconds("ALERTS_COOLDOWN_S", 300),
			QueueThresholds:   envThresholds("ALERTS_QUEUE_THRESHOLDS", defaultQueueThresholds),
			CounterThresholds: envThresholds("ALERTS_COUNTER_THRESHOLDS", defaultCounterThresholds),
			BotToken:          env("ALERTS_TELEGRAM_BOT_TOKEN", ""),
			ChatID:            env("ALERTS_TELEGRAM_CHAT_ID", ""),
		},
		PNCP: PNCPCrawl{
			BaseURL:       env("PNCP_BASE_URL", "https://pncp.gov.br/api/consulta"),
			UF:            env("PNCP_UF", ""),
			ModalidadeIDs: envList("PNCP_MODALIDADE_IDS"),
			PageSize:      envInt("PNCP_PAGE_SIZE", 50),
			MaxPages:      envInt("PNCP_MAX_PAGES", 10),
			MaxItems:      envInt("PNCP_MAX_ITEMS", 500),
			Sleep:         envSeconds("PNCP_SLEEP_S", 1),
			Poll:          envSeconds("PNCP_POLL_S", 3600),
			Backoff:       envSeconds("PNCP_BACKOFF_S", 30),
		},
		Compras: ComprasCrawl{
			APIBase:    env("COMPRAS_API_BASE", "https://compras.dados.gov.br"),
			ListPath:   env("COMPRAS_LIST_PATH", "/licitacoes/v1/licitacoes.json"),
			DetailPath: env("COMPRAS_DETAIL_PATH", ""),
			UASGs:      envList("COMPRAS_UASG"),
			DateField:  env("COMPRAS_DATE_FIELD", "data_publicacao"),
			MaxPages:   envInt("COMPRAS_MAX_PAGES", 10),
			MaxItems:   envInt("COMPRAS_MAX_ITEMS", 500),
			Poll:       envSeconds("COMPRAS_POLL_S", 3600),
		},
	}
}

const (
	defaultQueueThresholds   = "q:triage=500,q:fetch_parse=500,q:parse=500,q:dead_triage=1,q:dead_fetch_docs=1,q:dead_parse=1"
	defaultCounterThresholds = "api.errors_5xx_total=5,worker.triage.dead_total=1,worker.fetch_docs.dead_total=1,worker.parse.dead_total=1"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}

func envHours(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Hour
}

// envList splits a comma-separated value, trimming blanks.
func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envMap parses "k=v,k2=v2" into a map.
func envMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range envList(key) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// envTTLMap parses "prefix=seconds,..." into per-path TTLs.
func envTTLMap(key string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for k, v := range envMap(key) {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			out[k] = time.Duration(n) * time.Second
		}
	}
	return out
}

// envThresholds parses "name=limit,..." with a default spec string.
func envThresholds(key, def string) map[string]int64 {
	raw := env(key, def)
	out := map[string]int64{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			out[strings.TrimSpace(k)] = n
		}
	}
	return out
}
