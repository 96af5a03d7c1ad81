package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// RateProvider returns how many units of currency one coin is worth.
type RateProvider interface {
	Rate(ctx context.Context, coin, currency string) (decimal.Decimal, error)
}

// StaticRates serves rates from configuration, keyed by "COIN/CURRENCY".
type StaticRates map[string]decimal.Decimal

func rateKey(coin, currency string) string {
	return strings.ToUpper(coin) + "/" + strings.ToUpper(currency)
}

func (s StaticRates) Rate(ctx context.Context, coin, currency string) (decimal.Decimal, error) {
	rate, ok := s[rateKey(coin, currency)]
	if !ok {
		return decimal.Zero, ErrDeferred.New("no rate for %s", rateKey(coin, currency))
	}
	return rate, nil
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// RateCache is a read-through cache in front of a RateProvider. Entries younger than ttl
// are served directly; older ones are refreshed, and if refreshing fails they keep being
// served until maxStale.
type RateCache struct {
	next RateProvider
	ttl  time.Duration

	entries *expirable.LRU[string, cachedRate]
	now     func() time.Time
}

// NewRateCache
func NewRateCache(next RateProvider, ttl, maxStale time.Duration) *RateCache {
	if maxStale < ttl {
		maxStale = ttl
	}
	return &RateCache{
		next:    next,
		ttl:     ttl,
		entries: expirable.NewLRU[string, cachedRate](256, nil, maxStale),
		now:     time.Now,
	}
}

// WithClock
func (c *RateCache) WithClock(now func() time.Time) *RateCache {
	c.now = now
	return c
}

func (c *RateCache) Rate(ctx context.Context, coin, currency string) (decimal.Decimal, error) {
	key := rateKey(coin, currency)

	cached, ok := c.entries.Get(key)
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.rate, nil
	}

	rate, err := c.next.Rate(ctx, coin, currency)
	if err == nil && !rate.IsPositive() {
		err = ErrDeferred.New("non-positive rate %s for %s", rate, key)
	}
	if err != nil {
		if ok {
			log.WithField("pair", key).Warnf("Serving stale rate: %v", err)
			return cached.rate, nil
		}
		if !ErrDeferred.Has(err) {
			err = ErrDeferred.Wrap(err)
		}
		return decimal.Zero, err
	}

	c.entries.Add(key, cachedRate{rate: rate, fetchedAt: c.now()})
	return rate, nil
}
