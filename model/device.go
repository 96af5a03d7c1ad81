package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeviceHashrate 设备上报算力. Algorithm is the device class (cpu/gpu), Family the
// hashing algorithm family (e.g. randomx).
type DeviceHashrate struct {
	tableName struct{} `pg:"device_hashrates"`

	Id         uint64          `pg:"id,pk"`
	UserId     int64           `pg:"user_id"`
	Algorithm  string          `pg:"algorithm"`
	Family     string          `pg:"family"`
	Hashrate   decimal.Decimal `pg:"hashrate,type:numeric,use_zero"`
	ReportedAt time.Time       `pg:"reported_at"`
}
