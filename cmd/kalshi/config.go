package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"
	"gopkg.in/natefinch/lumberjack.v2"

	configtypes "github.com/daszybak/kalshi/internal/config"
	"github.com/daszybak/kalshi/internal/engine"
	"github.com/daszybak/kalshi/internal/kalshi"
	"github.com/daszybak/kalshi/internal/kalshi/api"
	"github.com/daszybak/kalshi/internal/kalshi/auth"
	"github.com/daszybak/kalshi/internal/kalshi/ws"
	"github.com/daszybak/kalshi/internal/store"
)

type config struct {
	LogLevel    string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat   string `yaml:"log_format"` // json, text
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
	// Database is optional. Snapshots and resync events are only persisted
	// when database.host is set.
	Database struct {
		Host        string               `yaml:"host"`
		Port        int                  `yaml:"port"`
		User        string               `yaml:"user"`
		Password    string               `yaml:"password"`
		Database    string               `yaml:"database"`
		PoolSize    int                  `yaml:"pool_size"`
		SSLMode     string               `yaml:"ssl_mode"`
		MaxIdleTime configtypes.Duration `yaml:"max_idle_time"`
	} `yaml:"database"`
	Kalshi struct {
		APIURL            string                    `yaml:"api_url"`
		WSURL             string                    `yaml:"ws_url"`
		APIKeyID          string                    `yaml:"api_key_id"`
		APIPrivateKey     configtypes.RSAPrivateKey `yaml:"api_private_key"`
		APIPrivateKeyPath string                    `yaml:"api_private_key_path"`
		SessionToken      string                    `yaml:"session_token"`
		Timeout           configtypes.Duration      `yaml:"timeout"`
		RateLimit         float64                   `yaml:"rate_limit"`
		RateBurst         int                       `yaml:"rate_burst"`
		Channels          []string                  `yaml:"channels"`
		MarketTickers     []string                  `yaml:"market_tickers"`
		SeriesTickers     []string                  `yaml:"series_tickers"`
		SequenceScope     string                    `yaml:"sequence_scope"` // market, subscription
		ReconnectDelay    configtypes.Duration      `yaml:"reconnect_delay"`
		SnapshotInterval  configtypes.Duration      `yaml:"snapshot_interval"`
		SnapshotDepth     int                       `yaml:"snapshot_depth"`
	} `yaml:"kalshi"`
}

func readConfig(configPath string) (*config, error) {
	rawConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read file %s: %w", configPath, err)
	}

	cfg := &config{}
	if err = yaml.Unmarshal(rawConfig, cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse config: %w", err)
	}

	err = validateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}

	return cfg, nil
}

func validateConfig(cfg *config) error {
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text")
	}

	// Database
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if cfg.Database.Password == "" {
			return fmt.Errorf("database.password is required")
		}
		if cfg.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if cfg.Database.PoolSize <= 0 {
			return fmt.Errorf("database.pool_size must be greater than 0")
		}
		if cfg.Database.SSLMode == "" {
			return fmt.Errorf("database.ssl_mode is required")
		}
	}

	// Kalshi
	k := &cfg.Kalshi
	if k.APIURL == "" {
		return fmt.Errorf("kalshi.api_url is required")
	}
	if k.WSURL == "" {
		return fmt.Errorf("kalshi.ws_url is required")
	}
	hasKey := k.APIPrivateKey.PrivateKey != nil || k.APIPrivateKeyPath != ""
	if k.APIPrivateKey.PrivateKey != nil && k.APIPrivateKeyPath != "" {
		return fmt.Errorf("kalshi.api_private_key and kalshi.api_private_key_path are mutually exclusive")
	}
	if k.APIKeyID != "" && !hasKey {
		return fmt.Errorf("kalshi.api_private_key or kalshi.api_private_key_path is required with kalshi.api_key_id")
	}
	if k.APIKeyID == "" && hasKey {
		return fmt.Errorf("kalshi.api_key_id is required with a private key")
	}
	if k.SessionToken != "" && k.APIKeyID != "" {
		return fmt.Errorf("kalshi.session_token and kalshi.api_key_id are mutually exclusive")
	}
	if k.RateLimit < 0 {
		return fmt.Errorf("kalshi.rate_limit must not be negative")
	}
	for _, ch := range k.Channels {
		if _, err := ws.ParseChannel(ch); err != nil {
			return fmt.Errorf("kalshi.channels: %w", err)
		}
	}
	if _, err := engine.ParseSequenceScope(k.SequenceScope); err != nil {
		return fmt.Errorf("kalshi.sequence_scope: %w", err)
	}
	if k.SnapshotInterval > 0 && cfg.Database.Host == "" {
		return fmt.Errorf("kalshi.snapshot_interval needs database.host")
	}
	if k.SnapshotDepth < 0 {
		return fmt.Errorf("kalshi.snapshot_depth must not be negative")
	}

	return nil
}

// credential returns the configured credential, or nil when none is set.
func (cfg *config) credential() (auth.Credential, error) {
	k := &cfg.Kalshi
	switch {
	case k.SessionToken != "":
		return auth.SessionToken{Token: k.SessionToken}, nil
	case k.APIKeyID == "":
		return nil, nil
	case k.APIPrivateKeyPath != "":
		key, err := configtypes.LoadRSAPrivateKey(k.APIPrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return auth.APIKey{KeyID: k.APIKeyID, PrivateKey: key}, nil
	default:
		return auth.APIKey{KeyID: k.APIKeyID, PrivateKey: k.APIPrivateKey.PrivateKey}, nil
	}
}

func (cfg *config) channels() []ws.Channel {
	if len(cfg.Kalshi.Channels) == 0 {
		return []ws.Channel{ws.ChannelOrderbookDelta}
	}
	out := make([]ws.Channel, 0, len(cfg.Kalshi.Channels))
	for _, ch := range cfg.Kalshi.Channels {
		out = append(out, ws.Channel(ch))
	}
	return out
}

func (cfg *config) apiConfig() api.Config {
	return api.Config{
		BaseURL:   cfg.Kalshi.APIURL,
		Timeout:   cfg.Kalshi.Timeout.Or(api.DefaultTimeout),
		RateLimit: cfg.Kalshi.RateLimit,
		RateBurst: cfg.Kalshi.RateBurst,
	}
}

func (cfg *config) platformConfig() kalshi.Config {
	return kalshi.Config{
		WSURL:            cfg.Kalshi.WSURL,
		Channels:         cfg.channels(),
		Tickers:          cfg.Kalshi.MarketTickers,
		SeriesTickers:    cfg.Kalshi.SeriesTickers,
		ReconnectDelay:   cfg.Kalshi.ReconnectDelay.Or(kalshi.DefaultReconnectDelay),
		SnapshotInterval: cfg.Kalshi.SnapshotInterval.Duration(),
		SnapshotDepth:    cfg.Kalshi.SnapshotDepth,
	}
}

func (cfg *config) poolConfig() store.PoolConfig {
	return store.PoolConfig{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		PoolSize:    cfg.Database.PoolSize,
		SSLMode:     cfg.Database.SSLMode,
		MaxIdleTime: cfg.Database.MaxIdleTime.Duration(),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. The returned closer flushes the log
// file when one is configured.
func newLogger(cfg *config, stderr io.Writer) (*slog.Logger, io.Closer) {
	var (
		out    = stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  100, // megabytes
			MaxAge:   7,
			Compress: true,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h), closer
}
