package config

import (
	"fmt"
	"strings"
	"time"

	"mining-settlement/util"
)

// Cadence names, one per settlement process.
const (
	CadencePayment     = "payment"
	CadenceHourlyDelta = "hourly_delta"
	CadenceDailyDelta  = "daily_delta"
)

type Config struct {
	Threads int    `json:"threads" yaml:"threads"`
	Name    string `json:"name" yaml:"name"`

	Debugger     *Debugger     `json:"debugger" yaml:"debugger"`
	Logger       *Logger       `json:"logger" yaml:"logger"`
	Postgres     *Postgres     `json:"postgres" yaml:"postgres"`
	Redis        *Redis        `json:"redis" yaml:"redis"`
	Provider     *Provider     `json:"provider" yaml:"provider"`
	Harvester    *Harvester    `json:"harvester" yaml:"harvester"`
	Payhash      *Payhash      `json:"payhash" yaml:"payhash"`
	Ownership    *Ownership    `json:"ownership" yaml:"ownership"`
	Settlement   *Settlement   `json:"settlement" yaml:"settlement"`
	Distribution *Distribution `json:"distribution" yaml:"distribution"`
	Rates        *Rates        `json:"rates" yaml:"rates"`
	Alerting     *Alerting     `json:"alerting" yaml:"alerting"`

	Accounts []*Account `json:"accounts" yaml:"accounts"`
}

// Debugger exposes /metrics.
type Debugger struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Account 矿池子账户
type Account struct {
	Name      string `json:"name" yaml:"name"`
	Coin      string `json:"coin" yaml:"coin"`
	Cadence   string `json:"cadence" yaml:"cadence"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Wallet    string `json:"wallet" yaml:"wallet"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// Default returns a configuration with every section populated. Loaded files are decoded
// on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Threads:      4,
		Name:         "mining-settlement",
		Debugger:     &Debugger{Listen: "127.0.0.1:9102"},
		Logger:       defaultLogger(),
		Postgres:     defaultPostgres(),
		Redis:        defaultRedis(),
		Provider:     defaultProvider(),
		Harvester:    defaultHarvester(),
		Payhash:      defaultPayhash(),
		Ownership:    defaultOwnership(),
		Settlement:   defaultSettlement(),
		Distribution: defaultDistribution(),
		Rates:        defaultRates(),
		Alerting:     defaultAlerting(),
	}
}

// Validate checks cross-section constraints.
func (c *Config) Validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.Name == "" || a.Coin == "" {
			return fmt.Errorf("account requires name and coin")
		}
		key := a.Name + "/" + strings.ToUpper(a.Coin)
		if seen[key] {
			return fmt.Errorf("duplicate account %s", key)
		}
		seen[key] = true
		switch a.Cadence {
		case CadencePayment, CadenceHourlyDelta, CadenceDailyDelta:
		default:
			return fmt.Errorf("account %s: unknown cadence %q", key, a.Cadence)
		}
		if a.Wallet != "" && strings.HasPrefix(a.Wallet, "0x") && !util.IsValidHexAddress(a.Wallet) {
			return fmt.Errorf("account %s: invalid wallet %v", key, a.Wallet)
		}
	}
	for name, v := range c.durations() {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if err := c.Payhash.validate(); err != nil {
		return err
	}
	if err := c.Settlement.validate(); err != nil {
		return err
	}
	return c.Distribution.validate()
}

// AccountsFor returns the enabled accounts settled by cadence.
func (c *Config) AccountsFor(cadence string) []*Account {
	var out []*Account
	for _, a := range c.Accounts {
		if a.Enabled && a.Cadence == cadence {
			out = append(out, a)
		}
	}
	return out
}

// durations lists every duration setting that must parse.
func (c *Config) durations() map[string]string {
	return map[string]string{
		"provider.timeout":               c.Provider.Timeout,
		"provider.maxBackoff":            c.Provider.MaxBackoff,
		"provider.cacheTtl":              c.Provider.CacheTTL,
		"harvester.interval":             c.Harvester.Interval,
		"harvester.maxShareAge":          c.Harvester.MaxShareAge,
		"harvester.snapshotInterval":     c.Harvester.SnapshotInterval,
		"payhash.bucketSize":             c.Payhash.BucketSize,
		"payhash.flushInterval":          c.Payhash.FlushInterval,
		"payhash.rotateInterval":         c.Payhash.RotateInterval,
		"ownership.refreshInterval":      c.Ownership.RefreshInterval,
		"ownership.maxStaleness":         c.Ownership.MaxStaleness,
		"ownership.cacheTtl":             c.Ownership.CacheTTL,
		"settlement.paymentInterval":     c.Settlement.PaymentInterval,
		"settlement.hourlyInterval":      c.Settlement.HourlyInterval,
		"settlement.dailyInterval":       c.Settlement.DailyInterval,
		"settlement.settleDelay":         c.Settlement.SettleDelay,
		"settlement.lookback":            c.Settlement.Lookback,
		"settlement.maxRunTime":          c.Settlement.MaxRunTime,
		"settlement.cooldown":            c.Settlement.Cooldown,
		"settlement.snapshotTolerance":   c.Settlement.SnapshotTolerance,
		"distribution.telemetryLookback": c.Distribution.TelemetryLookback,
		"rates.ttl":                      c.Rates.TTL,
		"alerting.logThrottle":           c.Alerting.LogThrottle,
	}
}
