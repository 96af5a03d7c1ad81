package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 账目类型
const (
	CategoryMining       string = "mining"
	CategoryPlatformFee         = "platform_fee"
	CategoryReferral            = "referral"
	CategoryDiscount            = "discount"
	CategoryCompensation        = "compensation"
)

// 参与方
const (
	PartyUser     string = "user"
	PartyPlatform        = "platform"
	PartyReferrer        = "referrer"
)

// LedgerEntry 余额变更, append-only.
type LedgerEntry struct {
	tableName struct{} `pg:"ledger_entries"`

	Id        uuid.UUID       `pg:"id,pk,type:uuid"`
	UserId    int64           `pg:"user_id"`
	Party     string          `pg:"party"`
	Category  string          `pg:"category"`
	Amount    decimal.Decimal `pg:"amount,type:numeric,use_zero"`
	Currency  string          `pg:"currency"`
	SourceRef string          `pg:"source_ref"`
	Cadence   string          `pg:"cadence"`
	CreatedAt time.Time       `pg:"created_at"`
}
