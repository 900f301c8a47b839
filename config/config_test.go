package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	path := writeTempFile(t, "config.toml", `
DatabaseURL = "postgres://localhost/studio_file"

[Payments]
FacilitatorURL = "https://facilitator.example"
PayToAddress = "0x3333333333333333333333333333333333333333"

[Treasury]
PlatformWallet = "0x3333333333333333333333333333333333333333"
SignerKeyEnv = "STUDIO_TEST_SIGNER"

[Cron]
BearerToken = "file-token"
RefundInterval = "90s"
`)
	t.Setenv("STUDIO_TEST_SIGNER", "  0xdeadbeef  ")
	t.Setenv("STUDIO_DB_URL", "postgres://localhost/studio_env")
	t.Setenv("STUDIO_CRON_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/studio_env" {
		t.Fatalf("env override lost: %s", cfg.DatabaseURL)
	}
	if cfg.Cron.BearerToken != "env-token" {
		t.Fatalf("cron token = %q", cfg.Cron.BearerToken)
	}
	if cfg.Treasury.SignerKey() != "0xdeadbeef" {
		t.Fatalf("signer key not resolved from env")
	}
	if cfg.ListenAddress != ":8080" || cfg.Environment != "development" {
		t.Fatalf("defaults missing: %s %s", cfg.ListenAddress, cfg.Environment)
	}
	if cfg.Payments.Network != "base" || cfg.Payments.TokenDecimals != 6 || cfg.Payments.VoteAmountCents != 100 {
		t.Fatalf("payment defaults missing: %+v", cfg.Payments)
	}
	if cfg.Cron.RefundInterval != "90s" || Interval(cfg.Cron.RefundInterval) != 90*time.Second {
		t.Fatalf("refund interval = %q", cfg.Cron.RefundInterval)
	}
	if Interval(cfg.Cron.SweepInterval) != 24*time.Hour {
		t.Fatalf("sweep interval default = %q", cfg.Cron.SweepInterval)
	}
}

func TestLoadReadsSecretsFromFiles(t *testing.T) {
	keyPath := writeTempFile(t, "signer.key", "0xfeed\n")
	tokenPath := writeTempFile(t, "cron.token", "disk-token\n")
	path := writeTempFile(t, "config.toml", `
DatabaseURL = "postgres://localhost/studio"

[Payments]
FacilitatorURL = "https://facilitator.example"
PayToAddress = "0x3333333333333333333333333333333333333333"

[Treasury]
PlatformWallet = "0x3333333333333333333333333333333333333333"
SignerKeyFile = "`+keyPath+`"

[Cron]
BearerTokenFile = "`+tokenPath+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Treasury.SignerKey() != "0xfeed" {
		t.Fatalf("signer key file not resolved")
	}
	if cfg.Cron.BearerToken != "disk-token" {
		t.Fatalf("cron token file not resolved: %q", cfg.Cron.BearerToken)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]struct {
		toml string
		want string
	}{
		"missing database": {
			toml: `
[Payments]
FacilitatorURL = "https://facilitator.example"
PayToAddress = "0x3333333333333333333333333333333333333333"
[Treasury]
PlatformWallet = "0x3333333333333333333333333333333333333333"
[Cron]
BearerToken = "token"
`,
			want: "DatabaseURL",
		},
		"missing facilitator": {
			toml: `
DatabaseURL = "postgres://localhost/studio"
[Payments]
PayToAddress = "0x3333333333333333333333333333333333333333"
[Treasury]
PlatformWallet = "0x3333333333333333333333333333333333333333"
[Cron]
BearerToken = "token"
`,
			want: "FacilitatorURL",
		},
		"bad interval": {
			toml: `
DatabaseURL = "postgres://localhost/studio"
[Payments]
FacilitatorURL = "https://facilitator.example"
PayToAddress = "0x3333333333333333333333333333333333333333"
[Treasury]
PlatformWallet = "0x3333333333333333333333333333333333333333"
[Cron]
BearerToken = "token"
PayoutInterval = "often"
`,
			want: "PayoutInterval",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeTempFile(t, "config.toml", tc.toml)
			if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadPolicyParsesDurationsAndSplit(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", `
asset: USDC
token_decimals: 6
max_retries: 5
backoff_base: 30s
batch_size: 20
confirmations: 2
confirm_poll: 2s
confirm_timeout: 90s
transfers_per_second: 4
unclaimed_expiry: 2160h
split:
  platform_bps: 2000
  agent_bps: 200
`)
	policy, splits, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.MaxRetries != 5 || policy.BackoffBase != 30*time.Second {
		t.Fatalf("retry policy = %+v", policy)
	}
	if policy.UnclaimedExpiry != 2160*time.Hour {
		t.Fatalf("unclaimed expiry = %s", policy.UnclaimedExpiry)
	}
	if splits.PlatformBps != 2000 || splits.AgentBps != 200 {
		t.Fatalf("splits = %+v", splits)
	}
}

func TestLoadPolicyDefaultsWithoutPath(t *testing.T) {
	policy, splits, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.MaxRetries != 0 {
		t.Fatalf("expected zero policy before engine defaults, got %+v", policy)
	}
	if splits.PlatformBps != 1900 || splits.AgentBps != 100 {
		t.Fatalf("default splits = %+v", splits)
	}
}

func TestLoadPolicyRejectsOversizedSplit(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", `
split:
  platform_bps: 9000
  agent_bps: 2000
`)
	if _, _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected split validation error")
	}
}
