package payhash

import (
	"context"
	"time"

	"mining-settlement/model"
)

// Aggregator sums durable payhash per worker over half-open windows.
type Aggregator struct {
	store Reader
}

// NewAggregator
func NewAggregator(store Reader) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate returns the positive per-worker sums over [start, end) ordered by worker id.
// An empty or inverted window yields no scores.
func (a *Aggregator) Aggregate(ctx context.Context, scope Scope, start, end time.Time) ([]model.WorkerPayhashScore, error) {
	if !start.Before(end) {
		return []model.WorkerPayhashScore{}, nil
	}
	scores, err := a.store.SumPayhash(ctx, scope, start, end)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if scores == nil {
		scores = []model.WorkerPayhashScore{}
	}
	return scores, nil
}

// Total returns the sum of all scores.
func Total(scores []model.WorkerPayhashScore) int64 {
	var total int64
	for _, s := range scores {
		total += s.TotalPayhash
	}
	return total
}
