package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IncomingPayment 矿池打款
type IncomingPayment struct {
	tableName struct{} `pg:"incoming_payments"`

	Id        uint64          `pg:"id,pk"`
	TxHash    string          `pg:"tx_hash,unique"`
	Account   string          `pg:"account"`
	Coin      string          `pg:"coin"`
	Amount    decimal.Decimal `pg:"amount,type:numeric,use_zero"`
	ArrivedAt time.Time       `pg:"arrived_at"`
	Settled   bool            `pg:"settled,use_zero"`
	SettledAt *time.Time      `pg:"settled_at"`
	CreatedAt time.Time       `pg:"created_at"`
}
