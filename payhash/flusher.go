package payhash

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/errs"

	"mining-settlement/model"
	"mining-settlement/util"
)

const flushBatch = 500

// FlushStats summarises one flush pass.
type FlushStats struct {
	Buckets int
	Rows    int
	Failed  int
}

// Flusher moves closed buckets from the buffer into the durable store.
type Flusher struct {
	buffer     *Buffer
	store      Writer
	bucketSize time.Duration
	retries    uint64
}

// NewFlusher
func NewFlusher(buffer *Buffer, store Writer, bucketSize time.Duration, retries int) *Flusher {
	if retries < 0 {
		retries = 0
	}
	return &Flusher{buffer: buffer, store: store, bucketSize: bucketSize, retries: uint64(retries)}
}

// Cutoff returns the start of the oldest bucket that may still receive samples at now.
// Buckets starting before it are closed.
func (f *Flusher) Cutoff(now time.Time) time.Time {
	return util.BucketStart(now, f.bucketSize).Add(-f.bucketSize)
}

// Flush writes every closed bucket. A failing bucket stays buffered and does not stop the
// others; all failures are returned together.
func (f *Flusher) Flush(ctx context.Context, now time.Time) (FlushStats, error) {
	var stats FlushStats
	var group errs.Group

	keys, err := f.buffer.Due(ctx, f.Cutoff(now), flushBatch)
	if err != nil {
		return stats, err
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			group.Add(ctx.Err())
			break
		}

		var rows int
		op := func() error {
			n, err := f.flushBucket(ctx, key)
			rows = n
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			stats.Failed++
			flushedBuckets.WithLabelValues("failed").Inc()
			log.WithFields(log.Fields{
				"account": key.Account,
				"coin":    key.Coin,
				"bucket":  key.Bucket,
			}).Errorf("Failed to flush payhash bucket: %v", err)
			group.Add(Error.New("bucket %s/%s@%d: %v", key.Account, key.Coin, key.Bucket.Unix(), err))
			continue
		}
		stats.Buckets++
		stats.Rows += rows
		flushedBuckets.WithLabelValues("ok").Inc()
	}

	return stats, group.Err()
}

func (f *Flusher) flushBucket(ctx context.Context, key BucketKey) (int, error) {
	flushId, values, err := f.buffer.Stage(ctx, key)
	if err != nil {
		return 0, err
	}

	rows := make([]model.PayhashBucket, 0, len(values))
	for workerId, v := range values {
		rows = append(rows, model.PayhashBucket{
			Account:    key.Account,
			Coin:       key.Coin,
			BucketTime: key.Bucket,
			WorkerId:   workerId,
			Payhash:    v,
		})
	}
	if len(rows) > 0 {
		if err := f.store.UpsertPayhash(ctx, flushId, rows); err != nil {
			return 0, err
		}
	}

	// 已写入数据库后再清理缓存; 清理失败时下次以同一批次号重写, 不会重复累加
	ack := func() error { return f.buffer.Ack(ctx, key) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries), ctx)
	if err := backoff.Retry(ack, policy); err != nil {
		return 0, backoff.Permanent(err)
	}
	return len(rows), nil
}
