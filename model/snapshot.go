package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot 矿池账户累计收益快照
type AccountSnapshot struct {
	tableName struct{} `pg:"account_snapshots"`

	Id               uint64          `pg:"id,pk"`
	Account          string          `pg:"account"`
	Coin             string          `pg:"coin"`
	TotalEarned      decimal.Decimal `pg:"total_earned,type:numeric,use_zero"`
	ReportedHashrate decimal.Decimal `pg:"reported_hashrate,type:numeric,use_zero"`
	TakenAt          time.Time       `pg:"taken_at"`
}
