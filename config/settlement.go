package config

import "fmt"

// Missing payhash policies.
const (
	PolicySkip              = "SKIP"
	PolicyFallbackAdmin     = "FALLBACK_ADMIN"
	PolicyFallbackUnclaimed = "FALLBACK_UNCLAIMED"
)

// Remainder policies.
const (
	RemainderSink     = "sink"
	RemainderLastUser = "last_user"
)

// Settlement 结算
type Settlement struct {
	PaymentInterval string `json:"paymentInterval" yaml:"paymentInterval"`
	HourlyInterval  string `json:"hourlyInterval" yaml:"hourlyInterval"`
	DailyInterval   string `json:"dailyInterval" yaml:"dailyInterval"`

	SettleDelay       string `json:"settleDelay" yaml:"settleDelay"`
	Lookback          string `json:"lookback" yaml:"lookback"`
	MaxWindowsPerRun  int    `json:"maxWindowsPerRun" yaml:"maxWindowsPerRun"`
	MaxRunTime        string `json:"maxRunTime" yaml:"maxRunTime"`
	Cooldown          string `json:"cooldown" yaml:"cooldown"`
	MaxAttempts       int    `json:"maxAttempts" yaml:"maxAttempts"`
	SnapshotTolerance string `json:"snapshotTolerance" yaml:"snapshotTolerance"`

	MissingPolicy   string `json:"missingPolicy" yaml:"missingPolicy"`
	AdminUserID     int64  `json:"adminUserId" yaml:"adminUserId"`
	UnclaimedUserID int64  `json:"unclaimedUserId" yaml:"unclaimedUserId"`
	RemainderPolicy string `json:"remainderPolicy" yaml:"remainderPolicy"`

	// CoinScales is the number of decimal places of each coin's smallest unit.
	CoinScales map[string]int32 `json:"coinScales" yaml:"coinScales"`

	TelemetryFallbackFamilies []string `json:"telemetryFallbackFamilies" yaml:"telemetryFallbackFamilies"`
}

func defaultSettlement() *Settlement {
	return &Settlement{
		PaymentInterval:   "5m",
		HourlyInterval:    "5m",
		DailyInterval:     "30m",
		SettleDelay:       "10m",
		Lookback:          "72h",
		MaxWindowsPerRun:  24,
		MaxRunTime:        "2m",
		Cooldown:          "30m",
		MaxAttempts:       48,
		SnapshotTolerance: "10m",
		MissingPolicy:     PolicySkip,
		UnclaimedUserID:   2,
		AdminUserID:       3,
		RemainderPolicy:   RemainderSink,
		CoinScales:        map[string]int32{"BTC": 8, "LTC": 8, "ETC": 18, "KAS": 8, "XMR": 12},
	}
}

// Scale returns the smallest-unit decimal places for coin, 8 when unknown.
func (s *Settlement) Scale(coin string) int32 {
	if v, ok := s.CoinScales[coin]; ok {
		return v
	}
	return 8
}

// UsesTelemetryFallback reports whether windows of the family may be rebuilt from devices.
func (s *Settlement) UsesTelemetryFallback(family string) bool {
	for _, f := range s.TelemetryFallbackFamilies {
		if f == family {
			return true
		}
	}
	return false
}

func (s *Settlement) validate() error {
	switch s.MissingPolicy {
	case PolicySkip:
	case PolicyFallbackAdmin:
		if s.AdminUserID <= 0 {
			return fmt.Errorf("settlement.adminUserId is required by %s", s.MissingPolicy)
		}
	case PolicyFallbackUnclaimed:
		if s.UnclaimedUserID <= 0 {
			return fmt.Errorf("settlement.unclaimedUserId is required by %s", s.MissingPolicy)
		}
	default:
		return fmt.Errorf("unknown settlement.missingPolicy %q", s.MissingPolicy)
	}
	switch s.RemainderPolicy {
	case RemainderSink, RemainderLastUser:
	default:
		return fmt.Errorf("unknown settlement.remainderPolicy %q", s.RemainderPolicy)
	}
	// unresolved workers are paid to the unclaimed user under either remainder policy
	if s.UnclaimedUserID <= 0 {
		return fmt.Errorf("settlement.unclaimedUserId is required")
	}
	if s.MaxWindowsPerRun <= 0 {
		return fmt.Errorf("settlement.maxWindowsPerRun must be positive")
	}
	return nil
}
