package config

import (
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		HTTPPort:            8080,
		LogLevel:            "info",
		JWTSecret:           "test-secret",
		LedgerBackend:       BackendMemory,
		SorobanRPCURL:       "mock://local",
		MaxFeeStroops:       2_000_000,
		MaxSubmitAttempts:   5,
		ConfirmPollInterval: 2500 * time.Millisecond,
		ConfirmMaxPolls:     20,
		PayoutContractID:    "CAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAACSG",
		PayoutMethodName:    "distribute_winnings",
		PayoutSourceAccount: keypair.MustRandom().Address(),
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"missing jwt secret":      func(c *Config) { c.JWTSecret = "" },
		"missing contract":        func(c *Config) { c.PayoutContractID = "" },
		"missing source":          func(c *Config) { c.PayoutSourceAccount = "" },
		"bad source address":      func(c *Config) { c.PayoutSourceAccount = "not-an-address" },
		"unknown backend":         func(c *Config) { c.LedgerBackend = "sqlite" },
		"postgres without dsn":    func(c *Config) { c.LedgerBackend = BackendPostgres },
		"redis without url":       func(c *Config) { c.LedgerBackend = BackendRedis },
		"hot key without secret":  func(c *Config) { c.SignWithHotKey = true },
		"zero fee ceiling":        func(c *Config) { c.MaxFeeStroops = 0 },
		"zero attempt budget":     func(c *Config) { c.MaxSubmitAttempts = 0 },
		"zero confirmation polls": func(c *Config) { c.ConfirmMaxPolls = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMockRPC(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.MockRPC())

	cfg.SorobanRPCURL = "https://soroban-testnet.stellar.org"
	assert.False(t, cfg.MockRPC())
}
