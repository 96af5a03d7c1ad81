package payhash

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"mining-settlement/util"
)

// Gate decides whether samples of a worker may be accumulated.
type Gate interface {
	Trusted(workerId string) bool
}

// AccumulatorConfig
type AccumulatorConfig struct {
	BucketSize     time.Duration
	Interval       time.Duration // sampling interval, one sample covers this long
	UnitDivisor    int64
	RequireTrusted bool
}

// Accumulator converts hashrate samples into payhash and adds them to the current bucket.
type Accumulator struct {
	cfg    AccumulatorConfig
	buffer *Buffer
	gate   Gate
}

// NewAccumulator
func NewAccumulator(cfg AccumulatorConfig, buffer *Buffer, gate Gate) *Accumulator {
	if cfg.UnitDivisor <= 0 {
		cfg.UnitDivisor = 1
	}
	return &Accumulator{cfg: cfg, buffer: buffer, gate: gate}
}

// Amount returns round(rate × interval seconds / unit divisor).
func (a *Accumulator) Amount(rate decimal.Decimal) int64 {
	seconds := decimal.NewFromFloat(a.cfg.Interval.Seconds())
	return rate.Mul(seconds).Div(decimal.NewFromInt(a.cfg.UnitDivisor)).Round(0).IntPart()
}

// Accumulate adds the payhash of one sample and returns the amount added. Samples that
// round to zero or come from untrusted workers add nothing and are not errors.
func (a *Accumulator) Accumulate(ctx context.Context, scope Scope, workerId string, rate decimal.Decimal, observedAt time.Time) (int64, error) {
	if a.cfg.RequireTrusted && a.gate != nil && !a.gate.Trusted(workerId) {
		rejectedSamples.WithLabelValues("untrusted").Inc()
		log.WithFields(log.Fields{"account": scope.Account, "worker": workerId}).Debug("Drop sample of unknown worker")
		return 0, nil
	}

	amount := a.Amount(rate)
	if amount <= 0 {
		rejectedSamples.WithLabelValues("non_positive").Inc()
		return 0, nil
	}

	key := BucketKey{
		Account: scope.Account,
		Coin:    scope.Coin,
		Bucket:  util.BucketStart(observedAt, a.cfg.BucketSize),
	}
	if err := a.buffer.Incr(ctx, key, workerId, amount); err != nil {
		return 0, err
	}
	acceptedSamples.Inc()
	return amount, nil
}
