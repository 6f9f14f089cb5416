// Package config loads process configuration in three layers: built-in
// defaults, an optional YAML file named by CONFIG_FILE, then environment
// variables (seeded from .env when present).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Secret sources.
const (
	SecretEnv   = "env"
	SecretFile  = "file"
	SecretRedis = "redis"
)

// Bus kinds.
const (
	BusNATS  = "nats"
	BusRedis = "redis"
	BusNone  = "none"
)

// Duration is a time.Duration that reads "15s" or a bare integer of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses a Go duration string or an integer number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Config holds all application configuration.
type Config struct {
	// Feed subscription
	StreamSymbols []string `yaml:"stream_symbols"`
	// Symbols the indicator engine trades; defaults to StreamSymbols.
	SignalSymbols []string `yaml:"signal_symbols"`

	// Protocol session
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  Duration `yaml:"keepalive_timeout"`
	AggregationPeriod float64  `yaml:"aggregation_period"`
	FeedChannel       int      `yaml:"feed_channel"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	ReadTimeout       Duration `yaml:"read_timeout"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	QuoteTokenURL     string   `yaml:"quote_token_url"`
	GrantTimeout      Duration `yaml:"grant_timeout"`

	// Indicator
	ATRPeriod  int     `yaml:"atr_period"`
	Multiplier float64 `yaml:"multiplier"`

	// Credential
	SecretSource      string `yaml:"secret_source"`
	SessionSecretName string `yaml:"session_secret_name"`
	SessionSecretFile string `yaml:"session_secret_file"`

	// Bus
	Bus                string `yaml:"bus"`
	NATSURL            string `yaml:"nats_url"`
	NATSSubjectPrefix  string `yaml:"nats_subject_prefix"`
	NATSJetStream      bool   `yaml:"nats_jetstream"`
	NATSStream         string `yaml:"nats_stream"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`

	// Infrastructure
	WarehouseSQLitePath string `yaml:"warehouse_sqlite_path"`
	SinkBuffer          int    `yaml:"sink_buffer"`
	SignalQueue         int    `yaml:"signal_queue"`
	HTTPAddr            string `yaml:"http_addr"`
	WebhookURL          string `yaml:"webhook_url"`
	TelegramBotToken    string `yaml:"telegram_bot_token"`
	TelegramChatID      string `yaml:"telegram_chat_id"`
	LogLevel            string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		StreamSymbols:     []string{"SPY"},
		KeepaliveInterval: Duration(30 * time.Second),
		KeepaliveTimeout:  Duration(60 * time.Second),
		AggregationPeriod: 0.1,
		FeedChannel:       1,
		HandshakeTimeout:  Duration(10 * time.Second),
		ReadTimeout:       Duration(90 * time.Second),
		ReconnectDelay:    Duration(15 * time.Second),
		QuoteTokenURL:     "https://api.tastyworks.com/api-quote-tokens",
		GrantTimeout:      Duration(10 * time.Second),

		ATRPeriod:  14,
		Multiplier: 3.0,

		SecretSource:      SecretEnv,
		SessionSecretName: "tastytrade-session-token",

		Bus:                BusNATS,
		NATSURL:            "nats://127.0.0.1:4222",
		NATSSubjectPrefix:  "marketdata",
		NATSStream:         "MARKETDATA",
		RedisAddr:          "localhost:6379",
		RedisChannelPrefix: "md",

		SinkBuffer:  10000,
		SignalQueue: 1024,
		HTTPAddr:    ":8080",
		LogLevel:    "info",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: .env not loaded", "error", err)
	}
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if len(cfg.SignalSymbols) == 0 {
		cfg.SignalSymbols = cfg.StreamSymbols
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config from YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = ParseSymbols(v)
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid bool %q", key, v))
				return
			}
			*dst = b
		}
	}

	list("STREAM_SYMBOLS", &c.StreamSymbols)
	list("SYMBOL", &c.SignalSymbols)
	dur("KEEPALIVE_INTERVAL", &c.KeepaliveInterval)
	dur("KEEPALIVE_TIMEOUT", &c.KeepaliveTimeout)
	float("AGGREGATION_PERIOD", &c.AggregationPeriod)
	num("FEED_CHANNEL", &c.FeedChannel)
	dur("HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	dur("READ_TIMEOUT", &c.ReadTimeout)
	dur("RECONNECT_DELAY", &c.ReconnectDelay)
	str("QUOTE_TOKEN_URL", &c.QuoteTokenURL)
	dur("GRANT_TIMEOUT", &c.GrantTimeout)
	num("ATR_PERIOD", &c.ATRPeriod)
	float("MULTIPLIER", &c.Multiplier)
	str("SECRET_SOURCE", &c.SecretSource)
	str("SESSION_SECRET_NAME", &c.SessionSecretName)
	str("SESSION_SECRET_FILE", &c.SessionSecretFile)
	str("BUS", &c.Bus)
	str("NATS_URL", &c.NATSURL)
	str("NATS_SUBJECT_PREFIX", &c.NATSSubjectPrefix)
	boolean("NATS_JETSTREAM", &c.NATSJetStream)
	str("NATS_STREAM", &c.NATSStream)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("REDIS_CHANNEL_PREFIX", &c.RedisChannelPrefix)
	str("WAREHOUSE_SQLITE_PATH", &c.WarehouseSQLitePath)
	num("SINK_BUFFER", &c.SinkBuffer)
	num("SIGNAL_QUEUE", &c.SignalQueue)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)
	str("TELEGRAM_CHAT_ID", &c.TelegramChatID)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// Validate rejects configurations the processes cannot run with.
func (c *Config) Validate() error {
	if len(c.StreamSymbols) == 0 {
		return fmt.Errorf("stream symbols cannot be empty")
	}
	if c.ATRPeriod < 1 {
		return fmt.Errorf("invalid ATR period %d (must be >= 1)", c.ATRPeriod)
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("invalid multiplier %v (must be > 0)", c.Multiplier)
	}
	if c.KeepaliveInterval <= 0 || c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("keepalive interval and timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.FeedChannel < 1 {
		return fmt.Errorf("feed channel %d is reserved or invalid", c.FeedChannel)
	}
	switch c.SecretSource {
	case SecretEnv, SecretRedis:
	case SecretFile:
		if c.SessionSecretFile == "" {
			return fmt.Errorf("secret source %q requires SESSION_SECRET_FILE", c.SecretSource)
		}
	default:
		return fmt.Errorf("unknown secret source %q", c.SecretSource)
	}
	switch c.Bus {
	case BusNATS, BusRedis, BusNone:
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}
	return nil
}

// ParseSymbols splits a comma-separated symbol list, dropping blanks.
func ParseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SecretEnvKey maps a secret name to the variable the env provider reads:
// "tastytrade-session-token" becomes TASTYTRADE_SESSION_TOKEN.
func SecretEnvKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name))
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", false
	}
	return v, true
}
