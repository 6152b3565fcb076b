package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config captures every runtime setting of the service.
type Config struct {
	AppEnv         string `env:"APP_ENV" env-default:"development"`
	LogLevel       string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat      string `env:"LOG_FORMAT" env-default:"text"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" env-default:"0.0.0.0:3000"`
	PublicBasePath string `env:"PUBLIC_BASE_PATH"`
	AppURL         string `env:"APP_URL" env-default:"http://localhost:3000"`

	DatabaseURL    string `env:"DATABASE_URL" env-default:"data/messages.db"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`

	RedisAddr           string        `env:"REDIS_ADDR"`
	RedisPassword       string        `env:"REDIS_PASSWORD"`
	RedisDB             int           `env:"REDIS_DB" env-default:"0"`
	RedisTLS            bool          `env:"REDIS_TLS" env-default:"false"`
	TranslationCacheTTL time.Duration `env:"TRANSLATION_CACHE_TTL" env-default:"24h"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" env-default:"wa_matchbot"`

	WhatsAppAuthDir            string        `env:"WHATSAPP_AUTH_DIR" env-default:"."`
	WhatsAppLogLevel           string        `env:"WHATSAPP_LOG_LEVEL" env-default:"warn"`
	WhatsAppDefaultSession     string        `env:"WHATSAPP_DEFAULT_SESSION" env-default:"default"`
	WhatsAppDefaultSessionName string        `env:"WHATSAPP_DEFAULT_SESSION_NAME" env-default:"Main Session"`
	WhatsAppCountryCode        string        `env:"WHATSAPP_COUNTRY_CODE" env-default:"92"`
	ReconnectDelay             time.Duration `env:"RECONNECT_DELAY" env-default:"3s"`
	PairingTimeout             time.Duration `env:"PAIRING_TIMEOUT" env-default:"30s"`

	TranslateAPIKey  string        `env:"TRANSLATE_API_KEY"`
	TranslateBaseURL string        `env:"TRANSLATE_BASE_URL" env-default:"https://api.openai.com/v1"`
	TranslateModel   string        `env:"TRANSLATE_MODEL" env-default:"gpt-4o-mini"`
	TranslateTarget  string        `env:"TRANSLATE_TARGET" env-default:"en"`
	TranslateTimeout time.Duration `env:"TRANSLATE_TIMEOUT" env-default:"15s"`

	ClassifierURL           string        `env:"CLASSIFIER_URL" env-default:"http://localhost:5006"`
	ClassifierTimeout       time.Duration `env:"CLASSIFIER_TIMEOUT" env-default:"5s"`
	ClassifierMinConfidence float64       `env:"CLASSIFIER_MIN_CONFIDENCE" env-default:"0"`

	MatcherCommand    string        `env:"MATCHER_COMMAND" env-default:"python3 Deep/matcher.py"`
	MatcherTimeout    time.Duration `env:"MATCHER_TIMEOUT" env-default:"5m"`
	MatchArtifactPath string        `env:"MATCH_ARTIFACT_PATH" env-default:"match_results.json"`

	RawLogPath     string `env:"RAW_LOG_PATH" env-default:"all_messages.json"`
	SentLedgerPath string `env:"SENT_LEDGER_PATH" env-default:"sent_matches.json"`
	MediaDir       string `env:"MEDIA_DIR" env-default:"images"`

	NotifyInterval           time.Duration `env:"NOTIFY_INTERVAL" env-default:"3s"`
	RecipientRefreshInterval time.Duration `env:"RECIPIENT_REFRESH_INTERVAL" env-default:"30s"`
}

// Load reads configuration from the environment. Callers are expected to load any
// .env file beforehand.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and sane intervals.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL cannot be empty"))
	}
	if strings.TrimSpace(c.WhatsAppAuthDir) == "" {
		errs = append(errs, errors.New("WHATSAPP_AUTH_DIR cannot be empty"))
	}
	if strings.Trim(c.WhatsAppCountryCode, "0123456789") != "" || c.WhatsAppCountryCode == "" {
		errs = append(errs, fmt.Errorf("WHATSAPP_COUNTRY_CODE must be digits, got %q", c.WhatsAppCountryCode))
	}
	if strings.TrimSpace(c.MatcherCommand) == "" {
		errs = append(errs, errors.New("MATCHER_COMMAND cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"RECONNECT_DELAY":            c.ReconnectDelay,
		"PAIRING_TIMEOUT":            c.PairingTimeout,
		"CLASSIFIER_TIMEOUT":         c.ClassifierTimeout,
		"NOTIFY_INTERVAL":            c.NotifyInterval,
		"RECIPIENT_REFRESH_INTERVAL": c.RecipientRefreshInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.ClassifierMinConfidence < 0 || c.ClassifierMinConfidence > 1 {
		errs = append(errs, errors.New("CLASSIFIER_MIN_CONFIDENCE must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether DatabaseURL points at a Postgres server rather than a
// local SQLite file.
func (c *Config) UsesPostgres() bool {
	u := strings.ToLower(c.DatabaseURL)
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// MatcherArgs splits MatcherCommand into program and arguments.
func (c *Config) MatcherArgs() []string {
	return strings.Fields(c.MatcherCommand)
}
