package payhash

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/errs"

	"mining-settlement/util"
)

// PartitionName returns the name of the daily partition holding day.
func PartitionName(day time.Time) string {
	return "payhash_buckets_p" + util.DayStart(day).Format("20060102")
}

// Rotator keeps daily partitions created ahead of time and drops expired ones.
type Rotator struct {
	store     Partitioner
	ahead     int
	retention int
}

// NewRotator
func NewRotator(store Partitioner, ahead, retentionDays int) *Rotator {
	return &Rotator{store: store, ahead: ahead, retention: retentionDays}
}

// RotateResult lists the partitions touched by one rotation.
type RotateResult struct {
	Created []time.Time
	Dropped []time.Time
}

// Rotate creates partitions for today through today+ahead and drops every partition whose
// day is retention days or more in the past.
func (r *Rotator) Rotate(ctx context.Context, now time.Time) (RotateResult, error) {
	var res RotateResult
	var group errs.Group

	today := util.DayStart(now)
	for i := 0; i <= r.ahead; i++ {
		day := today.AddDate(0, 0, i)
		if err := r.store.CreatePartition(ctx, day); err != nil {
			group.Add(Error.New("create %s: %v", PartitionName(day), err))
			continue
		}
		res.Created = append(res.Created, day)
	}

	existing, err := r.store.ListPartitions(ctx)
	if err != nil {
		group.Add(Error.Wrap(err))
		return res, group.Err()
	}
	oldest := today.AddDate(0, 0, -r.retention)
	for _, day := range existing {
		if day.After(oldest) {
			continue
		}
		if err := r.store.DropPartition(ctx, day); err != nil {
			group.Add(Error.New("drop %s: %v", PartitionName(day), err))
			continue
		}
		res.Dropped = append(res.Dropped, day)
		log.Infof("Dropped payhash partition %s", PartitionName(day))
	}

	return res, group.Err()
}
