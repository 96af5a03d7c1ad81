package payhash

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const separator = ":"

// flushIdField holds the flush id inside a staged hash. Worker ids never start with '#'.
const flushIdField = "#flush"

// BucketKey identifies one buffered bucket.
type BucketKey struct {
	Account string
	Coin    string
	Bucket  time.Time
}

// Buffer keeps the buckets still being written in redis: one hash per bucket (field =
// worker id) and a sorted set indexing the hashes by bucket start. Values handed to the
// flusher are moved to a staged hash under a flush id until they are acknowledged.
type Buffer struct {
	client *redis.Client
	prefix string
}

// NewBuffer
func NewBuffer(client *redis.Client, prefix string) *Buffer {
	return &Buffer{client: client, prefix: prefix}
}

func (b *Buffer) indexKey() string {
	return b.join("payhash", "index")
}

func (b *Buffer) join(parts ...string) string {
	if b.prefix != "" {
		parts = append([]string{b.prefix}, parts...)
	}
	return strings.Join(parts, separator)
}

func (b *Buffer) key(k BucketKey) string {
	return b.join("payhash", k.Account, k.Coin, strconv.FormatInt(k.Bucket.Unix(), 10))
}

func (b *Buffer) stagedKey(k BucketKey) string {
	return b.join("payhash_staged", k.Account, k.Coin, strconv.FormatInt(k.Bucket.Unix(), 10))
}

func (b *Buffer) parseKey(key string) (BucketKey, error) {
	head := b.join("payhash") + separator
	if !strings.HasPrefix(key, head) {
		return BucketKey{}, fmt.Errorf("foreign key %q", key)
	}
	rest := key[len(head):]
	i := strings.LastIndex(rest, separator)
	if i < 0 {
		return BucketKey{}, fmt.Errorf("malformed key %q", key)
	}
	unix, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return BucketKey{}, fmt.Errorf("malformed key %q: %w", key, err)
	}
	rest = rest[:i]
	j := strings.LastIndex(rest, separator)
	if j < 0 {
		return BucketKey{}, fmt.Errorf("malformed key %q", key)
	}
	return BucketKey{Account: rest[:j], Coin: rest[j+1:], Bucket: time.Unix(unix, 0).UTC()}, nil
}

// Incr adds amount to the worker's value in the bucket.
func (b *Buffer) Incr(ctx context.Context, k BucketKey, workerId string, amount int64) error {
	key := b.key(k)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, workerId, amount)
		pipe.ZAdd(ctx, b.indexKey(), &redis.Z{Score: float64(k.Bucket.Unix()), Member: key})
		return nil
	})
	return Error.Wrap(err)
}

// Due lists buckets starting strictly before cutoff, oldest first.
func (b *Buffer) Due(ctx context.Context, cutoff time.Time, limit int64) ([]BucketKey, error) {
	keys, err := b.client.ZRangeByScore(ctx, b.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]BucketKey, 0, len(keys))
	for _, key := range keys {
		k, err := b.parseKey(key)
		if err != nil {
			// 清理无法解析的索引
			b.client.ZRem(ctx, b.indexKey(), key)
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Read returns the non-zero worker values of a bucket that are not staged.
func (b *Buffer) Read(ctx context.Context, k BucketKey) (map[string]int64, error) {
	raw, err := b.client.HGetAll(ctx, b.key(k)).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return b.parseValues(k, raw)
}

func (b *Buffer) parseValues(k BucketKey, raw map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(raw))
	for workerId, v := range raw {
		if workerId == flushIdField {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, Error.New("bucket %s worker %s: %v", b.key(k), workerId, err)
		}
		if n != 0 {
			out[workerId] = n
		}
	}
	return out, nil
}

// Stage moves the bucket's values into its staged hash under a new flush id and returns
// both. A bucket staged earlier and never acknowledged is returned as it is, with its old
// id, so a retried flush writes the same values under the same id. An empty id means there
// is nothing to flush.
func (b *Buffer) Stage(ctx context.Context, k BucketKey) (string, map[string]int64, error) {
	key, staged := b.key(k), b.stagedKey(k)
	var flushId string
	var values map[string]int64

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGetAll(ctx, staged).Result()
		if err != nil {
			return err
		}
		if id := prev[flushIdField]; id != "" {
			flushId = id
			values, err = b.parseValues(k, prev)
			return err
		}

		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if values, err = b.parseValues(k, raw); err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}

		flushId = uuid.New().String()
		fields := map[string]interface{}{flushIdField: flushId}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for workerId, v := range values {
				pipe.HIncrBy(ctx, key, workerId, -v)
				fields[workerId] = v
			}
			pipe.HSet(ctx, staged, fields)
			return nil
		})
		return err
	}, key, staged)
	if err == redis.TxFailedErr {
		return "", nil, Error.New("bucket %s changed while staging", key)
	}
	if err != nil {
		return "", nil, Error.Wrap(err)
	}
	return flushId, values, nil
}

// Ack drops the staged hash once its values are durable, then removes zeroed fields and,
// once the bucket is empty, its index entry. Increments that arrived after Stage stay
// buffered.
func (b *Buffer) Ack(ctx context.Context, k BucketKey) error {
	key := b.key(k)
	if err := b.client.Del(ctx, b.stagedKey(k)).Err(); err != nil {
		return Error.Wrap(err)
	}

	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var zeros []string
		for workerId, v := range values {
			if v == "0" {
				zeros = append(zeros, workerId)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(zeros) > 0 {
				pipe.HDel(ctx, key, zeros...)
			}
			if len(zeros) == len(values) {
				pipe.ZRem(ctx, b.indexKey(), key)
			}
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		// written to concurrently, the next flush picks it up again
		return nil
	}
	return Error.Wrap(err)
}

// Pending returns the number of indexed buckets.
func (b *Buffer) Pending(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, b.indexKey()).Result()
	return n, Error.Wrap(err)
}
