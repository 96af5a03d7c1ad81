package model

import "time"

// WorkerBinding 矿机与用户绑定
type WorkerBinding struct {
	tableName struct{} `pg:"worker_bindings"`

	Id        uint64    `pg:"id,pk"`
	WorkerId  string    `pg:"worker_id,unique"`
	UserId    int64     `pg:"user_id"`
	Active    bool      `pg:"active,use_zero"`
	CreatedAt time.Time `pg:"created_at"`
}
