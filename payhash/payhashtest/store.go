// Package payhashtest provides an in-memory payhash store for tests.
package payhashtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mining-settlement/model"
	"mining-settlement/payhash"
	"mining-settlement/util"
)

type rowKey struct {
	account, coin, worker string
	bucket                int64
}

// Store mimics the partitioned payhash table: rows can only be written into days that
// have a partition, and dropping a partition removes its rows.
type Store struct {
	mu         sync.Mutex
	rows       map[rowKey]int64
	partitions map[int64]bool
	flushes    map[string]bool

	// Enforce makes writes fail when the day has no partition.
	Enforce bool
	// FailUpserts makes the next n upserts fail.
	FailUpserts int
	// FailSums makes every SumPayhash call fail.
	FailSums bool
	// AfterUpsert runs after each applied upsert.
	AfterUpsert func()

	Upserts int
}

// NewStore returns a store that accepts writes for any day.
func NewStore() *Store {
	return &Store{rows: make(map[rowKey]int64), partitions: make(map[int64]bool), flushes: make(map[string]bool)}
}

var _ payhash.Store = (*Store)(nil)

// UpsertPayhash adds the rows' payhash to existing values once per flush id.
func (s *Store) UpsertPayhash(ctx context.Context, flushId string, rows []model.PayhashBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpserts > 0 {
		s.FailUpserts--
		return fmt.Errorf("upsert failed")
	}
	if s.Enforce {
		for _, r := range rows {
			if !s.partitions[util.DayStart(r.BucketTime).Unix()] {
				return fmt.Errorf("no partition of relation \"payhash_buckets\" found for row at %s", r.BucketTime)
			}
		}
	}
	if s.flushes[flushId] {
		return nil
	}
	s.flushes[flushId] = true
	for _, r := range rows {
		s.rows[rowKey{r.Account, r.Coin, r.WorkerId, r.BucketTime.Unix()}] += r.Payhash
	}
	s.Upserts++
	if s.AfterUpsert != nil {
		s.AfterUpsert()
	}
	return nil
}

// Add writes one row, bypassing failure injection.
func (s *Store) Add(account, coin, workerId string, bucket time.Time, payhash int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey{account, coin, workerId, bucket.Unix()}] += payhash
}

// SumPayhash
func (s *Store) SumPayhash(ctx context.Context, scope payhash.Scope, start, end time.Time) ([]model.WorkerPayhashScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSums {
		return nil, fmt.Errorf("sum failed")
	}
	sums := make(map[string]int64)
	for k, v := range s.rows {
		if k.account != scope.Account || k.coin != scope.Coin {
			continue
		}
		if k.bucket < start.Unix() || k.bucket >= end.Unix() {
			continue
		}
		sums[k.worker] += v
	}
	var out []model.WorkerPayhashScore
	for worker, total := range sums {
		if total > 0 {
			out = append(out, model.WorkerPayhashScore{WorkerId: worker, TotalPayhash: total})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerId < out[j].WorkerId })
	return out, nil
}

// Value returns the stored payhash of one row.
func (s *Store) Value(account, coin, workerId string, bucket time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[rowKey{account, coin, workerId, bucket.Unix()}]
}

// CreatePartition
func (s *Store) CreatePartition(ctx context.Context, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[util.DayStart(day).Unix()] = true
	return nil
}

// DropPartition removes the partition and its rows.
func (s *Store) DropPartition(ctx context.Context, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := util.DayStart(day)
	end := start.AddDate(0, 0, 1)
	delete(s.partitions, start.Unix())
	for k := range s.rows {
		if k.bucket >= start.Unix() && k.bucket < end.Unix() {
			delete(s.rows, k)
		}
	}
	return nil
}

// ListPartitions
func (s *Store) ListPartitions(ctx context.Context) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]time.Time, 0, len(s.partitions))
	for unix := range s.partitions {
		out = append(out, time.Unix(unix, 0).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
