package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// ErrMissing is returned when a required setting is absent
var ErrMissing = errors.New("missing required configuration")

const (
	LedgerNone     = ""
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

type Config struct {
	Identity      IdentityConfig
	Relays        RelayConfig
	Blossom       BlossomConfig
	Jobs          JobConfig
	Extract       ExtractConfig
	Ledger        LedgerConfig
	HTTPAddr      string
	LogLevel      string
	Observability ObservabilityConfig
}

type IdentityConfig struct {
	SecretKey string
	PublicKey string
}

type RelayConfig struct {
	URLs     []string
	Interval time.Duration
	Lookback time.Duration
}

type BlossomConfig struct {
	Server            string
	Retention         time.Duration
	RetentionInterval time.Duration
}

type JobConfig struct {
	Concurrency  int
	QueueTimeout time.Duration
	Timeout      time.Duration
	WorkDir      string
}

type ExtractConfig struct {
	FFmpegPath  string
	FFprobePath string
	MaxEdge     int
}

type LedgerConfig struct {
	Driver string
	DSN    string
}

type ObservabilityConfig struct {
	OTLPEndpoint  string
	ServiceName   string
	ServiceVer    string
	SamplingRatio float64
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
	return load()
}

func load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("nostr_private_key", "")
	v.SetDefault("nostr_relays", "")
	v.SetDefault("blossom_upload_server", "https://media-server.slidestr.net")
	v.SetDefault("blob_retention", "720h")
	v.SetDefault("retention_interval", "1h")
	v.SetDefault("subscription_interval", "30s")
	v.SetDefault("subscription_lookback", "99000s")
	v.SetDefault("job_concurrency", 4)
	v.SetDefault("job_queue_timeout", "2m")
	v.SetDefault("job_timeout", "15m")
	v.SetDefault("work_dir", os.TempDir())
	v.SetDefault("thumb_max_edge", 1280)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("ledger_driver", LedgerNone)
	v.SetDefault("ledger_dsn", "")
	v.SetDefault("worker_http_addr", ":8081")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_service_name", "thumb-worker")
	v.SetDefault("otel_service_version", "dev")
	v.SetDefault("otel_sampling_ratio", 1.0)

	secretKey := strings.TrimSpace(v.GetString("nostr_private_key"))
	if secretKey == "" {
		return Config{}, fmt.Errorf("%w: NOSTR_PRIVATE_KEY", ErrMissing)
	}
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOSTR_PRIVATE_KEY: %w", err)
	}

	relays := ParseRelays(v.GetString("nostr_relays"))
	if len(relays) == 0 {
		return Config{}, fmt.Errorf("%w: NOSTR_RELAYS", ErrMissing)
	}

	concurrency := v.GetInt("job_concurrency")
	if concurrency <= 0 {
		return Config{}, fmt.Errorf("invalid JOB_CONCURRENCY: %d", concurrency)
	}

	maxEdge := v.GetInt("thumb_max_edge")
	if maxEdge <= 0 {
		return Config{}, fmt.Errorf("invalid THUMB_MAX_EDGE: %d", maxEdge)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"blob_retention", "retention_interval", "subscription_interval",
		"subscription_lookback", "job_queue_timeout", "job_timeout",
	} {
		d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", strings.ToUpper(key), v.GetString(key))
		}
		durations[key] = d
	}

	driver := strings.ToLower(strings.TrimSpace(v.GetString("ledger_driver")))
	switch driver {
	case LedgerNone, LedgerSQLite, LedgerPostgres:
	default:
		return Config{}, fmt.Errorf("invalid LEDGER_DRIVER: %q", driver)
	}
	dsn := strings.TrimSpace(v.GetString("ledger_dsn"))
	if driver != LedgerNone && dsn == "" {
		return Config{}, fmt.Errorf("%w: LEDGER_DSN (required with LEDGER_DRIVER=%s)", ErrMissing, driver)
	}

	samplingRatio := v.GetFloat64("otel_sampling_ratio")
	if samplingRatio < 0 {
		samplingRatio = 0
	}
	if samplingRatio > 1 {
		samplingRatio = 1
	}

	return Config{
		Identity: IdentityConfig{
			SecretKey: secretKey,
			PublicKey: publicKey,
		},
		Relays: RelayConfig{
			URLs:     relays,
			Interval: durations["subscription_interval"],
			Lookback: durations["subscription_lookback"],
		},
		Blossom: BlossomConfig{
			Server:            strings.TrimRight(strings.TrimSpace(v.GetString("blossom_upload_server")), "/"),
			Retention:         durations["blob_retention"],
			RetentionInterval: durations["retention_interval"],
		},
		Jobs: JobConfig{
			Concurrency:  concurrency,
			QueueTimeout: durations["job_queue_timeout"],
			Timeout:      durations["job_timeout"],
			WorkDir:      strings.TrimSpace(v.GetString("work_dir")),
		},
		Extract: ExtractConfig{
			FFmpegPath:  strings.TrimSpace(v.GetString("ffmpeg_path")),
			FFprobePath: strings.TrimSpace(v.GetString("ffprobe_path")),
			MaxEdge:     maxEdge,
		},
		Ledger: LedgerConfig{
			Driver: driver,
			DSN:    dsn,
		},
		HTTPAddr: strings.TrimSpace(v.GetString("worker_http_addr")),
		LogLevel: strings.TrimSpace(v.GetString("log_level")),
		Observability: ObservabilityConfig{
			OTLPEndpoint:  strings.TrimSpace(v.GetString("otel_exporter_otlp_endpoint")),
			ServiceName:   strings.TrimSpace(v.GetString("otel_service_name")),
			ServiceVer:    strings.TrimSpace(v.GetString("otel_service_version")),
			SamplingRatio: samplingRatio,
		},
	}, nil
}

// ParseRelays splits a comma separated relay list, normalizing and deduplicating entries.
func ParseRelays(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := lo.FilterMap(parts, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", false
		}
		return nostr.NormalizeURL(p), true
	})
	return lo.Uniq(urls)
}
