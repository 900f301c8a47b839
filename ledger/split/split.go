// Package split divides a gross tip amount into integer-cent shares for the
// creator, the platform, and the authoring agent.
package split

import "fmt"

// Config holds the platform and agent shares in basis points. The creator
// receives the remainder, so the three shares always sum to the gross amount.
type Config struct {
	PlatformBps int64
	AgentBps    int64
}

// DefaultConfig mirrors the production 80/19/1 split.
var DefaultConfig = Config{PlatformBps: 1900, AgentBps: 100}

// Shares is the integer-cent division of one tip.
type Shares struct {
	CreatorCents  int64
	PlatformCents int64
	AgentCents    int64
}

// Validate rejects configurations that would produce a negative creator share.
func (c Config) Validate() error {
	if c.PlatformBps < 0 || c.AgentBps < 0 {
		return fmt.Errorf("split: basis points must be non-negative")
	}
	if c.PlatformBps+c.AgentBps > 10000 {
		return fmt.Errorf("split: platform and agent shares exceed 100%%")
	}
	return nil
}

// CreatorPercent reports the creator share as a percentage.
func (c Config) CreatorPercent() float64 {
	return float64(10000-c.PlatformBps-c.AgentBps) / 100
}

// PlatformPercent reports the platform share as a percentage.
func (c Config) PlatformPercent() float64 { return float64(c.PlatformBps) / 100 }

// AgentPercent reports the agent share as a percentage.
func (c Config) AgentPercent() float64 { return float64(c.AgentBps) / 100 }

// Calculate splits totalCents into shares. Platform and agent shares round
// down; the creator absorbs the remainder so no cent is created or destroyed.
func (c Config) Calculate(totalCents int64) (Shares, error) {
	if totalCents < 0 {
		return Shares{}, fmt.Errorf("split: total must be non-negative, got %d", totalCents)
	}
	if err := c.Validate(); err != nil {
		return Shares{}, err
	}
	platform := totalCents * c.PlatformBps / 10000
	agent := totalCents * c.AgentBps / 10000
	return Shares{
		CreatorCents:  totalCents - platform - agent,
		PlatformCents: platform,
		AgentCents:    agent,
	}, nil
}
