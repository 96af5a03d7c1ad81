package config

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Distribution 分账
type Distribution struct {
	PayoutCurrency string `json:"payoutCurrency" yaml:"payoutCurrency"`
	PayoutScale    int32  `json:"payoutScale" yaml:"payoutScale"`
	PlatformUserID int64  `json:"platformUserId" yaml:"platformUserId"`

	UserShare decimal.Decimal `json:"userShare" yaml:"userShare"`

	ReferralRate        decimal.Decimal `json:"referralRate" yaml:"referralRate"`
	ActivationThreshold decimal.Decimal `json:"activationThreshold" yaml:"activationThreshold"`
	ReferralMonthlyCap  decimal.Decimal `json:"referralMonthlyCap" yaml:"referralMonthlyCap"`

	DiscountRate decimal.Decimal `json:"discountRate" yaml:"discountRate"`
	DiscountDays int             `json:"discountDays" yaml:"discountDays"`
	DiscountCap  decimal.Decimal `json:"discountCap" yaml:"discountCap"`

	TelemetryLookback string `json:"telemetryLookback" yaml:"telemetryLookback"`
}

func defaultDistribution() *Distribution {
	return &Distribution{
		PayoutCurrency:      "USDT",
		PayoutScale:         6,
		PlatformUserID:      1,
		UserShare:           decimal.RequireFromString("0.70"),
		ReferralRate:        decimal.RequireFromString("0.10"),
		ActivationThreshold: decimal.RequireFromString("1"),
		ReferralMonthlyCap:  decimal.RequireFromString("100"),
		DiscountRate:        decimal.RequireFromString("0.05"),
		DiscountDays:        30,
		DiscountCap:         decimal.RequireFromString("20"),
		TelemetryLookback:   "24h",
	}
}

func (d *Distribution) validate() error {
	one := decimal.NewFromInt(1)
	if d.UserShare.IsNegative() || d.UserShare.GreaterThan(one) {
		return fmt.Errorf("distribution.userShare must be within [0, 1]")
	}
	if d.ReferralRate.IsNegative() || d.DiscountRate.IsNegative() {
		return fmt.Errorf("distribution rates must not be negative")
	}
	if d.PlatformUserID <= 0 {
		return fmt.Errorf("distribution.platformUserId is required")
	}
	return nil
}
