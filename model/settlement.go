package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 状态
const (
	SettlementStatusProcessing string = "PROCESSING"
	SettlementStatusSuccess           = "SUCCESS"
	SettlementStatusFailed            = "FAILED"
	SettlementStatusSkipped           = "SKIPPED"
)

// Allocation sources.
const (
	AllocationPayhash   string = "payhash"
	AllocationTelemetry        = "telemetry"
	AllocationAdmin            = "fallback_admin"
	AllocationUnclaimed        = "fallback_unclaimed"
	AllocationNone             = "none"
)

// SettlementRecord 结算窗口
type SettlementRecord struct {
	tableName struct{} `pg:"settlement_records"`

	Id               uint64          `pg:"id,pk"`
	Cadence          string          `pg:"cadence"`
	Account          string          `pg:"account"`
	Coin             string          `pg:"coin"`
	WindowStart      time.Time       `pg:"window_start"`
	WindowEnd        time.Time       `pg:"window_end"`
	TotalWork        int64           `pg:"total_work,use_zero"`
	TotalAmount      decimal.Decimal `pg:"total_amount,type:numeric,use_zero"`
	ConvertedAmount  decimal.Decimal `pg:"converted_amount,type:numeric,use_zero"`
	Currency         string          `pg:"currency"`
	AllocationSource string          `pg:"allocation_source"`
	Status           string          `pg:"status"`
	Attempts         int             `pg:"attempts,use_zero"`
	RetryAfter       *time.Time      `pg:"retry_after"`
	LastError        string          `pg:"last_error"`
	CreatedAt        time.Time       `pg:"created_at"`
	UpdatedAt        time.Time       `pg:"updated_at"`
}

// Retryable reports whether the record may be claimed again at now.
func (r *SettlementRecord) Retryable(now time.Time) bool {
	if r.Status == SettlementStatusSuccess || r.RetryAfter == nil {
		return false
	}
	return !now.Before(*r.RetryAfter)
}
