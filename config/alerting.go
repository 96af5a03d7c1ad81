package config

import "github.com/shopspring/decimal"

// Alerting 对账告警
type Alerting struct {
	WebhookURL        string          `json:"webhookUrl" yaml:"webhookUrl"`
	MaxDeviation      decimal.Decimal `json:"maxDeviation" yaml:"maxDeviation"`
	MaxUnclaimedRatio decimal.Decimal `json:"maxUnclaimedRatio" yaml:"maxUnclaimedRatio"`
	LogThrottle       string          `json:"logThrottle" yaml:"logThrottle"`
}

func defaultAlerting() *Alerting {
	return &Alerting{
		MaxDeviation:      decimal.RequireFromString("0.25"),
		MaxUnclaimedRatio: decimal.RequireFromString("0.10"),
		LogThrottle:       "5m",
	}
}
