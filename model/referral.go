package model

import "time"

// Referral 邀请关系
type Referral struct {
	tableName struct{} `pg:"referrals"`

	UserId     int64     `pg:"user_id,pk"`
	ReferrerId int64     `pg:"referrer_id"`
	BoundAt    time.Time `pg:"bound_at"`
}
