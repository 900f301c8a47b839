package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"clipstudio/ledger/payout"
	"clipstudio/ledger/split"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// PolicyFile is the on-disk payout policy, kept separate from the main
// config so operations can tune retry behaviour without touching wiring.
type PolicyFile struct {
	Asset              string   `yaml:"asset"`
	TokenDecimals      int      `yaml:"token_decimals"`
	MaxRetries         int      `yaml:"max_retries"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BatchSize          int      `yaml:"batch_size"`
	Confirmations      int      `yaml:"confirmations"`
	ConfirmPoll        Duration `yaml:"confirm_poll"`
	ConfirmTimeout     Duration `yaml:"confirm_timeout"`
	TransfersPerSecond float64  `yaml:"transfers_per_second"`
	UnclaimedExpiry    Duration `yaml:"unclaimed_expiry"`
	Split              struct {
		PlatformBps int64 `yaml:"platform_bps"`
		AgentBps    int64 `yaml:"agent_bps"`
	} `yaml:"split"`
}

// LoadPolicy reads the payout policy from the supplied path. A missing
// path yields the built-in defaults.
func LoadPolicy(path string) (payout.Policy, split.Config, error) {
	policy := payout.Policy{}
	splits := split.DefaultConfig
	if path == "" {
		return policy, splits, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return policy, splits, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()
	var raw PolicyFile
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&raw); err != nil {
		return policy, splits, fmt.Errorf("decode policy: %w", err)
	}
	policy = payout.Policy{
		Asset:              raw.Asset,
		TokenDecimals:      raw.TokenDecimals,
		MaxRetries:         raw.MaxRetries,
		BackoffBase:        raw.BackoffBase.Duration,
		BatchSize:          raw.BatchSize,
		Confirmations:      raw.Confirmations,
		ConfirmPoll:        raw.ConfirmPoll.Duration,
		ConfirmTimeout:     raw.ConfirmTimeout.Duration,
		TransfersPerSecond: raw.TransfersPerSecond,
		UnclaimedExpiry:    raw.UnclaimedExpiry.Duration,
	}
	if raw.Split.PlatformBps != 0 || raw.Split.AgentBps != 0 {
		splits = split.Config{PlatformBps: raw.Split.PlatformBps, AgentBps: raw.Split.AgentBps}
		if err := splits.Validate(); err != nil {
			return policy, splits, fmt.Errorf("policy split: %w", err)
		}
	}
	return policy, splits, nil
}
