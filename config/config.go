package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for studiod.
type Config struct {
	ListenAddress string         `toml:"ListenAddress"`
	Environment   string         `toml:"Environment"`
	DatabaseURL   string         `toml:"DatabaseURL"`
	PolicyPath    string         `toml:"PolicyPath"`
	Payments      PaymentsConfig `toml:"Payments"`
	Treasury      TreasuryConfig `toml:"Treasury"`
	Cron          CronConfig     `toml:"Cron"`
	Logging       LoggingConfig  `toml:"Logging"`
}

// PaymentsConfig configures x402 verification and settlement.
type PaymentsConfig struct {
	FacilitatorURL    string `toml:"FacilitatorURL"`
	Network           string `toml:"Network"`
	AssetAddress      string `toml:"AssetAddress"`
	PayToAddress      string `toml:"PayToAddress"`
	MaxTimeoutSeconds int    `toml:"MaxTimeoutSeconds"`
	TokenDecimals     int    `toml:"TokenDecimals"`
	VoteAmountCents   int64  `toml:"VoteAmountCents"`
}

// TreasuryConfig configures the hot wallet that funds payouts and refunds.
type TreasuryConfig struct {
	RPCEndpoint    string `toml:"RPCEndpoint"`
	ChainID        int64  `toml:"ChainID"`
	TokenAddress   string `toml:"TokenAddress"`
	PlatformWallet string `toml:"PlatformWallet"`
	SignerKeyEnv   string `toml:"SignerKeyEnv"`
	SignerKeyFile  string `toml:"SignerKeyFile"`

	signerKey string
}

// CronConfig guards the internal processing routes and schedules the
// background loops.
type CronConfig struct {
	BearerToken     string `toml:"BearerToken"`
	BearerTokenFile string `toml:"BearerTokenFile"`
	PayoutInterval  string `toml:"PayoutInterval"`
	RefundInterval  string `toml:"RefundInterval"`
	RewardInterval  string `toml:"RewardInterval"`
	SweepInterval   string `toml:"SweepInterval"`
}

// LoggingConfig tunes structured log output.
type LoggingConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// SignerKey returns the resolved treasury signing key. It is never
// serialised and must never be logged.
func (t *TreasuryConfig) SignerKey() string { return t.signerKey }

// Load reads configuration from the supplied TOML path, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STUDIO_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("STUDIO_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("STUDIO_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STUDIO_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("STUDIO_FACILITATOR_URL"); v != "" {
		cfg.Payments.FacilitatorURL = v
	}
	if v := os.Getenv("STUDIO_PAY_TO"); v != "" {
		cfg.Payments.PayToAddress = v
	}
	if v := os.Getenv("STUDIO_RPC_ENDPOINT"); v != "" {
		cfg.Treasury.RPCEndpoint = v
	}
	if v := os.Getenv("STUDIO_CHAIN_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Treasury.ChainID = parsed
		}
	}
	if v := os.Getenv("STUDIO_TOKEN_ADDRESS"); v != "" {
		cfg.Treasury.TokenAddress = v
	}
	if v := os.Getenv("STUDIO_PLATFORM_WALLET"); v != "" {
		cfg.Treasury.PlatformWallet = v
	}
	if v := os.Getenv("STUDIO_CRON_TOKEN"); v != "" {
		cfg.Cron.BearerToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Payments.Network == "" {
		cfg.Payments.Network = "base"
	}
	if cfg.Payments.MaxTimeoutSeconds <= 0 {
		cfg.Payments.MaxTimeoutSeconds = 300
	}
	if cfg.Payments.TokenDecimals <= 0 {
		cfg.Payments.TokenDecimals = 6
	}
	if cfg.Payments.VoteAmountCents <= 0 {
		cfg.Payments.VoteAmountCents = 100
	}
	if cfg.Cron.PayoutInterval == "" {
		cfg.Cron.PayoutInterval = "1m"
	}
	if cfg.Cron.RefundInterval == "" {
		cfg.Cron.RefundInterval = "5m"
	}
	if cfg.Cron.RewardInterval == "" {
		cfg.Cron.RewardInterval = "1h"
	}
	if cfg.Cron.SweepInterval == "" {
		cfg.Cron.SweepInterval = "24h"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

func (c *Config) normalise() error {
	if err := c.Treasury.normalise(); err != nil {
		return fmt.Errorf("treasury signer: %w", err)
	}
	if err := c.Cron.normalise(); err != nil {
		return fmt.Errorf("cron auth: %w", err)
	}
	return nil
}

func (t *TreasuryConfig) normalise() error {
	t.SignerKeyEnv = strings.TrimSpace(t.SignerKeyEnv)
	t.SignerKeyFile = strings.TrimSpace(t.SignerKeyFile)
	switch {
	case t.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(t.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("SignerKeyEnv %s is empty", t.SignerKeyEnv)
		}
		t.signerKey = value
	case t.SignerKeyFile != "":
		contents, err := os.ReadFile(t.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read SignerKeyFile: %w", err)
		}
		t.signerKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (c *CronConfig) normalise() error {
	token := strings.TrimSpace(c.BearerToken)
	if path := strings.TrimSpace(c.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read BearerTokenFile: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	c.BearerToken = token
	return nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("DatabaseURL must be configured")
	}
	if strings.TrimSpace(cfg.Payments.FacilitatorURL) == "" {
		return fmt.Errorf("Payments.FacilitatorURL must be configured")
	}
	if strings.TrimSpace(cfg.Payments.PayToAddress) == "" {
		return fmt.Errorf("Payments.PayToAddress must be configured")
	}
	if strings.TrimSpace(cfg.Treasury.PlatformWallet) == "" {
		return fmt.Errorf("Treasury.PlatformWallet must be configured")
	}
	if strings.TrimSpace(cfg.Cron.BearerToken) == "" {
		return fmt.Errorf("configure Cron.BearerToken for internal route authentication")
	}
	for name, raw := range map[string]string{
		"Cron.PayoutInterval": cfg.Cron.PayoutInterval,
		"Cron.RefundInterval": cfg.Cron.RefundInterval,
		"Cron.RewardInterval": cfg.Cron.RewardInterval,
		"Cron.SweepInterval":  cfg.Cron.SweepInterval,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
	}
	return nil
}

// Interval parses one of the validated cron intervals.
func Interval(raw string) time.Duration {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return parsed
}
