package core

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"mining-settlement/config"
	"mining-settlement/model"
	"mining-settlement/payhash"
)

const (
	RateFieldAverage = "average"
	RateFieldInstant = "instant"
)

var (
	pollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_poll_failures_total",
		Help: "Provider calls that failed after retries.",
	}, []string{"method"})
	paymentsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_payments_synced_total",
		Help: "New incoming payments stored.",
	})
)

// IngestStore persists what the harvester collects.
type IngestStore interface {
	InsertPayments(ctx context.Context, payments []model.IncomingPayment) (int, error)
	InsertSnapshot(ctx context.Context, snapshot *model.AccountSnapshot) error
}

type HarvesterConfig struct {
	RateField   string
	MaxShareAge time.Duration
	CacheTTL    time.Duration
	// Scale is the number of decimals kept on payment amounts of a coin.
	Scale       func(coin string) int32
	Parallelism int
}

type PollStats struct {
	Accounts int
	Failed   int
	Samples  int
	Stale    int
	Payhash  int64
	Payments int
}

// Harvester polls the pool for worker samples, payments and account snapshots.
type Harvester struct {
	cfg         HarvesterConfig
	source      SampleSource
	store       IngestStore
	accumulator *payhash.Accumulator
	accounts    []*config.Account

	lastGood *expirable.LRU[string, []WorkerSample]
	now      func() time.Time
}

// NewHarvester
func NewHarvester(cfg HarvesterConfig, source SampleSource, store IngestStore, accumulator *payhash.Accumulator, accounts []*config.Account) *Harvester {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Scale == nil {
		cfg.Scale = func(string) int32 { return 8 }
	}
	return &Harvester{
		cfg:         cfg,
		source:      source,
		store:       store,
		accumulator: accumulator,
		accounts:    accounts,
		lastGood:    expirable.NewLRU[string, []WorkerSample](len(accounts)+1, nil, cfg.CacheTTL),
		now:         time.Now,
	}
}

// WithClock replaces the harvester's clock.
func (h *Harvester) WithClock(now func() time.Time) *Harvester {
	h.now = now
	return h
}

// Poll 拉取所有账户的矿工和打款. 单个账户失败不影响其他账户, 所有错误一并返回
func (h *Harvester) Poll(ctx context.Context) (PollStats, error) {
	var (
		mu     sync.Mutex
		stats  PollStats
		failed errs.Group
	)
	now := h.now().UTC()

	var g errgroup.Group
	g.SetLimit(h.cfg.Parallelism)
	for _, acct := range h.accounts {
		acct := acct
		g.Go(func() error {
			s, err := h.pollAccount(ctx, acct, now)
			if err != nil {
				log.WithFields(log.Fields{"account": acct.Name, "coin": acct.Coin}).Errorf("Unable to buffer payhash: %v", err)
				mu.Lock()
				stats.Failed++
				failed.Add(err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			stats.Accounts++
			stats.Samples += s.Samples
			stats.Stale += s.Stale
			stats.Payhash += s.Payhash
			stats.Payments += s.Payments
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(log.Fields{
		"accounts": stats.Accounts,
		"failed":   stats.Failed,
		"samples":  stats.Samples,
		"stale":    stats.Stale,
		"payments": stats.Payments,
	}).Infof("Polled pool, accumulated %s payhash", humanize.Comma(stats.Payhash))
	return stats, failed.Err()
}

func (h *Harvester) pollAccount(ctx context.Context, acct *config.Account, now time.Time) (PollStats, error) {
	var stats PollStats
	logger := log.WithFields(log.Fields{"account": acct.Name, "coin": acct.Coin})

	samples := h.workers(ctx, acct, logger)
	scope := payhash.Scope{Account: acct.Name, Coin: acct.Coin}
	for _, sample := range samples {
		if !sample.LastShare.IsZero() && h.cfg.MaxShareAge > 0 && now.Sub(sample.LastShare) > h.cfg.MaxShareAge {
			stats.Stale++
			continue
		}
		rate := sample.Average
		if h.cfg.RateField == RateFieldInstant {
			rate = sample.Instant
		}
		amount, err := h.accumulator.Accumulate(ctx, scope, sample.WorkerId, rate, now)
		if err != nil {
			// 缓冲不可用时本轮样本丢弃
			return stats, err
		}
		if amount > 0 {
			stats.Samples++
			stats.Payhash += amount
		}
	}

	if acct.Cadence == config.CadencePayment {
		n, err := h.syncPayments(ctx, acct, now)
		if err != nil {
			logger.Errorf("Unable to sync payments: %v", err)
		}
		stats.Payments = n
	}
	return stats, nil
}

// workers returns the current worker list, or the last good one when the pool is unreachable.
func (h *Harvester) workers(ctx context.Context, acct *config.Account, logger *log.Entry) []WorkerSample {
	key := acct.Name + "/" + acct.Coin
	samples, err := h.source.FetchWorkers(ctx, acct)
	if err == nil {
		h.lastGood.Add(key, samples)
		return samples
	}

	pollFailures.WithLabelValues("workers").Inc()
	if cached, ok := h.lastGood.Get(key); ok {
		logger.Warnf("Unable to fetch workers, reusing %d cached samples: %v", len(cached), err)
		return cached
	}
	logger.Errorf("Unable to fetch workers: %v", err)
	return nil
}

func (h *Harvester) syncPayments(ctx context.Context, acct *config.Account, now time.Time) (int, error) {
	events, err := h.source.FetchPaymentEvents(ctx, acct)
	if err != nil {
		pollFailures.WithLabelValues("payments").Inc()
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	scale := h.cfg.Scale(acct.Coin)
	payments := make([]model.IncomingPayment, 0, len(events))
	for _, e := range events {
		// 到账时间取首次发现时间, 已结算的窗口不会再收到新打款
		payments = append(payments, model.IncomingPayment{
			TxHash:    e.TxHash,
			Account:   acct.Name,
			Coin:      acct.Coin,
			Amount:    e.Amount.Truncate(scale),
			ArrivedAt: now,
			CreatedAt: now,
		})
	}
	n, err := h.store.InsertPayments(ctx, payments)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		paymentsSynced.Add(float64(n))
		log.WithFields(log.Fields{"account": acct.Name, "coin": acct.Coin}).Infof("Stored %d new payments", n)
	}
	return n, nil
}

// SyncSnapshots 记录账户累计收益快照
func (h *Harvester) SyncSnapshots(ctx context.Context) error {
	now := h.now().UTC()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for _, acct := range h.accounts {
		acct := acct
		g.Go(func() error {
			state, err := h.source.FetchSnapshot(ctx, acct)
			if err != nil {
				pollFailures.WithLabelValues("account").Inc()
				log.WithFields(log.Fields{"account": acct.Name, "coin": acct.Coin}).Errorf("Unable to fetch account: %v", err)
				return nil
			}
			snapshot := &model.AccountSnapshot{
				Account:          acct.Name,
				Coin:             acct.Coin,
				TotalEarned:      state.TotalEarned.Truncate(h.cfg.Scale(acct.Coin)),
				ReportedHashrate: state.Hashrate,
				TakenAt:          now,
			}
			if err := h.store.InsertSnapshot(ctx, snapshot); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"account":  acct.Name,
				"coin":     acct.Coin,
				"hashrate": humanize.SIWithDigits(state.Hashrate.InexactFloat64(), 2, "H/s"),
			}).Debugf("Stored snapshot, total earned %s", snapshot.TotalEarned)
			return nil
		})
	}
	return g.Wait()
}
