package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance
type Balance struct {
	tableName struct{} `pg:"balances"`

	UserId    int64           `pg:"user_id,pk"`
	Currency  string          `pg:"currency,pk"`
	Amount    decimal.Decimal `pg:"amount,type:numeric,use_zero"`
	CreatedAt time.Time       `pg:"created_at"`
	UpdatedAt time.Time       `pg:"updated_at"`
}
