package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/x402-rs/x402-facilitator/pkg/match"
	"github.com/x402-rs/x402-facilitator/pkg/middleware"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Host string
	Port string

	// EVM signing keys; any combination of sources may be set.
	EVMPrivateKeys   []string
	KeystorePath     string
	KeystorePassword string
	Mnemonic         string
	MnemonicAccounts int

	SolanaPrivateKey string

	RPCURLs  map[types.Network]string
	RedisURL string

	RPCTimeout     time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	ClockSkew      time.Duration

	RateLimitRPM   int
	RateLimitBurst int
	MaxBodyBytes   int64

	LogFormat       string // text or json
	LogLevel        slog.Level
	AccessLogFormat string
}

// LoadConfig loads configuration from the environment, after merging a .env
// file from the working directory if there is one.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:             getEnvOrDefault("HOST", "0.0.0.0"),
		Port:             getEnvOrDefault("PORT", "8080"),
		KeystorePath:     os.Getenv("EVM_KEYSTORE_PATH"),
		KeystorePassword: os.Getenv("EVM_KEYSTORE_PASSWORD"),
		Mnemonic:         strings.TrimSpace(os.Getenv("EVM_MNEMONIC")),
		SolanaPrivateKey: os.Getenv("SOLANA_PRIVATE_KEY"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RPCURLs:          make(map[types.Network]string),
		LogFormat:        getEnvOrDefault("LOG_FORMAT", "text"),
		AccessLogFormat:  getEnvOrDefault("ACCESS_LOG_FORMAT", middleware.FormatDetailed),
	}

	if key := os.Getenv("EVM_PRIVATE_KEY"); key != "" {
		cfg.EVMPrivateKeys = []string{key}
	}
	if keys := os.Getenv("EVM_PRIVATE_KEYS"); keys != "" {
		cfg.EVMPrivateKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.EVMPrivateKeys = append(cfg.EVMPrivateKeys, k)
			}
		}
	}

	for _, n := range types.KnownNetworks {
		if url := os.Getenv("RPC_URL_" + n.EnvSuffix()); url != "" {
			cfg.RPCURLs[n] = url
		}
	}

	var err error
	durations := []struct {
		env string
		def time.Duration
		dst *time.Duration
	}{
		{"RPC_TIMEOUT", 10 * time.Second, &cfg.RPCTimeout},
		{"SUBMIT_TIMEOUT", 30 * time.Second, &cfg.SubmitTimeout},
		{"CONFIRM_TIMEOUT", 2 * time.Minute, &cfg.ConfirmTimeout},
		{"CLOCK_SKEW", match.DefaultClockSkew, &cfg.ClockSkew},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.env, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		env string
		def int
		dst *int
	}{
		{"EVM_MNEMONIC_ACCOUNTS", 1, &cfg.MnemonicAccounts},
		{"RATE_LIMIT_RPM", 600, &cfg.RateLimitRPM},
		{"RATE_LIMIT_BURST", 50, &cfg.RateLimitBurst},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.env, i.def); err != nil {
			return nil, err
		}
	}
	maxBody, err := getInt("MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBody)

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnvOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return n, nil
}
