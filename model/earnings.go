package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Algorithm attribution of an earnings row.
const (
	AlgorithmCPU string = "cpu"
	AlgorithmGPU        = "gpu"
)

// EarningsRecord 收益明细. Currency is stored on every row.
type EarningsRecord struct {
	tableName struct{} `pg:"earnings_records"`

	Id        uuid.UUID       `pg:"id,pk,type:uuid"`
	UserId    int64           `pg:"user_id"`
	Category  string          `pg:"category"`
	Algorithm string          `pg:"algorithm"`
	Amount    decimal.Decimal `pg:"amount,type:numeric,use_zero"`
	Currency  string          `pg:"currency"`
	SourceRef string          `pg:"source_ref"`
	EarnedAt  time.Time       `pg:"earned_at"`
	CreatedAt time.Time       `pg:"created_at"`
}
