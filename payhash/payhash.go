// Package payhash turns hashrate samples into durable per-minute work buckets.
package payhash

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/errs"

	"mining-settlement/model"
)

// Error is the error class of this package.
var Error = errs.Class("payhash")

var (
	acceptedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payhash_samples_accepted_total",
		Help: "Samples added to the bucket buffer.",
	})
	rejectedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payhash_samples_rejected_total",
		Help: "Samples dropped before buffering.",
	}, []string{"reason"})
	flushedBuckets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payhash_buckets_flushed_total",
		Help: "Buffered buckets written to the durable store.",
	}, []string{"result"})
)

// Scope selects the rows of one pool account and coin.
type Scope struct {
	Account string
	Coin    string
}

// Writer persists buckets. Upserts add to any existing value, once per flush id: a
// repeated flush id is a no-op.
type Writer interface {
	UpsertPayhash(ctx context.Context, flushId string, rows []model.PayhashBucket) error
}

// Reader sums durable buckets.
type Reader interface {
	SumPayhash(ctx context.Context, scope Scope, start, end time.Time) ([]model.WorkerPayhashScore, error)
}

// Partitioner manages the daily partitions of the durable table.
type Partitioner interface {
	CreatePartition(ctx context.Context, day time.Time) error
	DropPartition(ctx context.Context, day time.Time) error
	ListPartitions(ctx context.Context) ([]time.Time, error)
}

// Store is everything the package needs from durable storage.
type Store interface {
	Writer
	Reader
	Partitioner
}
