package model

import "time"

// PayhashBucket 每分钟矿机算力累计
type PayhashBucket struct {
	tableName struct{} `pg:"payhash_buckets"`

	Account    string    `pg:"account,pk"`
	Coin       string    `pg:"coin,pk"`
	BucketTime time.Time `pg:"bucket_time,pk"`
	WorkerId   string    `pg:"worker_id,pk"`
	Payhash    int64     `pg:"payhash,use_zero"`
}

// PayhashFlush marks a buffered flush as applied to payhash_buckets.
type PayhashFlush struct {
	tableName struct{} `pg:"payhash_flushes"`

	Id         string    `pg:"id,pk"`
	BucketTime time.Time `pg:"bucket_time,notnull"`
	FlushedAt  time.Time `pg:"flushed_at,notnull"`
}

// WorkerPayhashScore is the payhash of one worker summed over a window.
type WorkerPayhashScore struct {
	WorkerId     string `pg:"worker_id"`
	TotalPayhash int64  `pg:"total_payhash"`
}
