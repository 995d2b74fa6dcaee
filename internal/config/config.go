package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stellar/go/network"
)

// Ledger backends the engine can run on.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MockRPCScheme marks an RPC URL that should be served by the in-process mock
// instead of a real endpoint.
const MockRPCScheme = "mock://"

// Config is the full runtime configuration, sourced from the environment with
// an optional .env file for local development.
type Config struct {
	HTTPPort int
	LogLevel string

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	LedgerBackend string
	DatabaseURL   string
	RedisURL      string

	SorobanRPCURL     string
	NetworkPassphrase string

	LiveExecution   bool
	SignWithHotKey  bool
	HotSignerSecret string

	MaxFeeStroops       int64
	MaxSubmitAttempts   int32
	ConfirmPollInterval time.Duration
	ConfirmMaxPolls     int

	PayoutContractID    string
	PayoutMethodName    string
	PayoutSourceAccount string

	AdminTokenTTL time.Duration

	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	TokenReapInterval  time.Duration
}

var accountPattern = regexp.MustCompile(`^G[A-Z2-7]{55}$`)

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("LEDGER_BACKEND", BackendMemory)
	v.SetDefault("SOROBAN_RPC_URL", "mock://local")
	v.SetDefault("NETWORK_PASSPHRASE", network.TestNetworkPassphrase)
	v.SetDefault("LIVE_EXECUTION", false)
	v.SetDefault("SIGN_WITH_HOT_KEY", false)
	v.SetDefault("MAX_FEE_STROOPS", 2_000_000)
	v.SetDefault("MAX_SUBMIT_ATTEMPTS", 5)
	v.SetDefault("CONFIRM_POLL_INTERVAL", "2500ms")
	v.SetDefault("CONFIRM_MAX_POLLS", 20)
	v.SetDefault("PAYOUT_METHOD_NAME", "distribute_winnings")
	v.SetDefault("ADMIN_TOKEN_TTL", "15m")
	v.SetDefault("WORKER_POLL_INTERVAL", "5s")
	v.SetDefault("WORKER_BATCH_SIZE", 25)
	v.SetDefault("TOKEN_REAP_INTERVAL", "10m")

	cfg := &Config{
		HTTPPort:            v.GetInt("PORT"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		RateLimitRequests:   v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:     v.GetDuration("RATE_LIMIT_WINDOW"),
		LedgerBackend:       strings.ToLower(v.GetString("LEDGER_BACKEND")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		SorobanRPCURL:       v.GetString("SOROBAN_RPC_URL"),
		NetworkPassphrase:   v.GetString("NETWORK_PASSPHRASE"),
		LiveExecution:       v.GetBool("LIVE_EXECUTION"),
		SignWithHotKey:      v.GetBool("SIGN_WITH_HOT_KEY"),
		HotSignerSecret:     v.GetString("HOT_SIGNER_SECRET"),
		MaxFeeStroops:       v.GetInt64("MAX_FEE_STROOPS"),
		MaxSubmitAttempts:   int32(v.GetInt("MAX_SUBMIT_ATTEMPTS")),
		ConfirmPollInterval: v.GetDuration("CONFIRM_POLL_INTERVAL"),
		ConfirmMaxPolls:     v.GetInt("CONFIRM_MAX_POLLS"),
		PayoutContractID:    v.GetString("PAYOUT_CONTRACT_ID"),
		PayoutMethodName:    v.GetString("PAYOUT_METHOD_NAME"),
		PayoutSourceAccount: v.GetString("PAYOUT_SOURCE_ACCOUNT"),
		AdminTokenTTL:       v.GetDuration("ADMIN_TOKEN_TTL"),
		WorkerPollInterval:  v.GetDuration("WORKER_POLL_INTERVAL"),
		WorkerBatchSize:     v.GetInt("WORKER_BATCH_SIZE"),
		TokenReapInterval:   v.GetDuration("TOKEN_REAP_INTERVAL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PayoutContractID == "" {
		return fmt.Errorf("PAYOUT_CONTRACT_ID is required")
	}
	if c.PayoutSourceAccount == "" {
		return fmt.Errorf("PAYOUT_SOURCE_ACCOUNT is required")
	}
	if !accountPattern.MatchString(c.PayoutSourceAccount) {
		return fmt.Errorf("PAYOUT_SOURCE_ACCOUNT is not a valid account address")
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.LiveExecution && !c.MockRPC() && c.SorobanRPCURL == "" {
		return fmt.Errorf("SOROBAN_RPC_URL is required for live execution")
	}
	if c.SignWithHotKey && c.HotSignerSecret == "" {
		return fmt.Errorf("HOT_SIGNER_SECRET is required when SIGN_WITH_HOT_KEY is on")
	}
	if c.MaxFeeStroops <= 0 {
		return fmt.Errorf("MAX_FEE_STROOPS must be positive")
	}
	if c.MaxSubmitAttempts <= 0 {
		return fmt.Errorf("MAX_SUBMIT_ATTEMPTS must be positive")
	}
	if c.ConfirmMaxPolls <= 0 {
		return fmt.Errorf("CONFIRM_MAX_POLLS must be positive")
	}
	return nil
}

// MockRPC reports whether the engine should run against the in-process mock
// network.
func (c *Config) MockRPC() bool {
	return strings.HasPrefix(c.SorobanRPCURL, MockRPCScheme)
}
