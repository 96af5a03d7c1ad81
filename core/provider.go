package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/errs"
	"golang.org/x/time/rate"

	"mining-settlement/config"
	"mining-settlement/jsonrpc"
	"mining-settlement/util"
)

var (
	// ErrRetryable marks transport failures worth another attempt.
	ErrRetryable = errs.Class("provider retryable")
	// ErrPermanent marks failures a retry cannot fix.
	ErrPermanent = errs.Class("provider permanent")
)

// WorkerSample is one worker's reported hashrate, in H/s.
type WorkerSample struct {
	WorkerId  string
	Average   decimal.Decimal
	Instant   decimal.Decimal
	LastShare time.Time
}

// PaymentEvent is a payout the pool sent to the account, in coin units.
type PaymentEvent struct {
	TxHash string
	Amount decimal.Decimal
	PaidAt time.Time
}

// AccountState is the account's cumulative earnings and current hashrate.
type AccountState struct {
	TotalEarned decimal.Decimal
	Hashrate    decimal.Decimal
}

// SampleSource is where worker samples, payments and account state come from.
type SampleSource interface {
	FetchWorkers(ctx context.Context, account *config.Account) ([]WorkerSample, error)
	FetchPaymentEvents(ctx context.Context, account *config.Account) ([]PaymentEvent, error)
	FetchSnapshot(ctx context.Context, account *config.Account) (*AccountState, error)
}

type rawWorkers struct {
	Unit    string      `mapstructure:"unit"`
	Workers []rawWorker `mapstructure:"workers"`
}

type rawWorker struct {
	Name      string      `mapstructure:"name"`
	Hashrate  interface{} `mapstructure:"hashrate"`
	Average   interface{} `mapstructure:"avgHashrate"`
	LastShare interface{} `mapstructure:"lastShare"`
}

type rawPayment struct {
	TxHash string      `mapstructure:"txHash"`
	Amount interface{} `mapstructure:"amount"`
	Time   interface{} `mapstructure:"time"`
}

type rawAccount struct {
	TotalEarned interface{} `mapstructure:"totalEarned"`
	Hashrate    interface{} `mapstructure:"hashrate"`
	Unit        string      `mapstructure:"unit"`
}

// Provider talks JSON-RPC to the upstream pool.
type Provider struct {
	cfg     *config.Provider
	client  *http.Client
	limiter *rate.Limiter

	maxBackoff time.Duration
	nextId     int64
}

var _ SampleSource = (*Provider)(nil)

// NewProvider
func NewProvider(cfg *config.Provider) *Provider {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Provider{
		cfg:        cfg,
		client:     &http.Client{Timeout: util.ParseDurationOr(cfg.Timeout, 10*time.Second)},
		limiter:    rate.NewLimiter(limit, burst),
		maxBackoff: util.ParseDurationOr(cfg.MaxBackoff, 30*time.Second),
	}
}

// FetchWorkers delegates to `pool_getWorkers`.
func (p *Provider) FetchWorkers(ctx context.Context, account *config.Account) ([]WorkerSample, error) {
	data, err := p.call(ctx, "pool_getWorkers", []interface{}{account.Name, account.Coin})
	if err != nil {
		return nil, err
	}
	var raw rawWorkers
	if err := mapstructure.Decode(data, &raw); err != nil {
		return nil, ErrPermanent.Wrap(err)
	}
	multiplier, err := p.multiplier(raw.Unit)
	if err != nil {
		return nil, err
	}

	samples := make([]WorkerSample, 0, len(raw.Workers))
	for _, w := range raw.Workers {
		if w.Name == "" {
			continue
		}
		instant, err := util.ParseNumber(w.Hashrate)
		if err != nil {
			return nil, ErrPermanent.New("worker %s hashrate: %v", w.Name, err)
		}
		average, err := util.ParseNumber(w.Average)
		if err != nil {
			return nil, ErrPermanent.New("worker %s average: %v", w.Name, err)
		}
		lastShare, err := parseUnix(w.LastShare)
		if err != nil {
			return nil, ErrPermanent.New("worker %s lastShare: %v", w.Name, err)
		}
		samples = append(samples, WorkerSample{
			WorkerId:  w.Name,
			Instant:   instant.Mul(multiplier),
			Average:   average.Mul(multiplier),
			LastShare: lastShare,
		})
	}
	return samples, nil
}

// FetchPaymentEvents delegates to `pool_getPayments`.
func (p *Provider) FetchPaymentEvents(ctx context.Context, account *config.Account) ([]PaymentEvent, error) {
	data, err := p.call(ctx, "pool_getPayments", []interface{}{account.Name, account.Coin})
	if err != nil {
		return nil, err
	}
	var raw []rawPayment
	if err := mapstructure.Decode(data, &raw); err != nil {
		return nil, ErrPermanent.Wrap(err)
	}

	events := make([]PaymentEvent, 0, len(raw))
	for _, r := range raw {
		if r.TxHash == "" || util.IsZeroHash(r.TxHash) {
			continue
		}
		amount, err := util.ParseNumber(r.Amount)
		if err != nil {
			return nil, ErrPermanent.New("payment %s amount: %v", r.TxHash, err)
		}
		paidAt, err := parseUnix(r.Time)
		if err != nil {
			return nil, ErrPermanent.New("payment %s time: %v", r.TxHash, err)
		}
		events = append(events, PaymentEvent{
			TxHash: strings.ToLower(r.TxHash),
			Amount: amount.Shift(-p.cfg.AmountShift),
			PaidAt: paidAt,
		})
	}
	return events, nil
}

// FetchSnapshot delegates to `pool_getAccount`.
func (p *Provider) FetchSnapshot(ctx context.Context, account *config.Account) (*AccountState, error) {
	data, err := p.call(ctx, "pool_getAccount", []interface{}{account.Name, account.Coin})
	if err != nil {
		return nil, err
	}
	var raw rawAccount
	if err := mapstructure.Decode(data, &raw); err != nil {
		return nil, ErrPermanent.Wrap(err)
	}
	earned, err := util.ParseNumber(raw.TotalEarned)
	if err != nil {
		return nil, ErrPermanent.New("totalEarned: %v", err)
	}
	hashrate, err := util.ParseNumber(raw.Hashrate)
	if err != nil {
		return nil, ErrPermanent.New("hashrate: %v", err)
	}
	multiplier, err := p.multiplier(raw.Unit)
	if err != nil {
		return nil, err
	}
	return &AccountState{
		TotalEarned: earned.Shift(-p.cfg.AmountShift),
		Hashrate:    hashrate.Mul(multiplier),
	}, nil
}

func (p *Provider) multiplier(unit string) (decimal.Decimal, error) {
	if unit == "" {
		unit = p.cfg.RateUnit
	}
	m, ok := util.RateMultiplier(unit)
	if !ok {
		return decimal.Zero, ErrPermanent.New("unknown rate unit %q", unit)
	}
	return decimal.NewFromInt(m), nil
}

// call 发送请求, 可重试的错误按指数退避重试
func (p *Provider) call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.maxBackoff
	if b.InitialInterval > p.maxBackoff {
		b.InitialInterval = p.maxBackoff
	}
	b.MaxElapsedTime = 0

	var result interface{}
	attempt := 0
	op := func() error {
		attempt++
		data, err := p.send(ctx, method, params)
		if err != nil {
			if !ErrRetryable.Has(err) {
				return backoff.Permanent(err)
			}
			log.WithFields(log.Fields{"method": method, "attempt": attempt}).Debugf("Provider call failed: %v", err)
			return err
		}
		result = data
		return nil
	}

	retries := p.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) send(ctx context.Context, method string, params interface{}) (interface{}, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, ErrPermanent.Wrap(err)
	}

	body := jsonrpc.MarshalRequest(jsonrpc.Request{
		Id:      int(atomic.AddInt64(&p.nextId, 1)),
		Version: jsonrpc.Version,
		Method:  method,
		Params:  params,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Url, bytes.NewReader(body))
	if err != nil {
		return nil, ErrPermanent.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrPermanent.Wrap(ctx.Err())
		}
		return nil, ErrRetryable.Wrap(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrRetryable.Wrap(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrPermanent.New("%s: %s", method, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, ErrRetryable.New("%s: %s", method, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, ErrPermanent.New("%s: %s", method, resp.Status)
	}

	parsed, err := jsonrpc.UnmarshalResponse(data)
	if err != nil {
		return nil, ErrPermanent.New("unable to unmarshal provider resp (%s)", string(data))
	}
	if parsed.Error != nil {
		return nil, classifyRPCError(method, parsed.Error)
	}
	return parsed.Result, nil
}

func classifyRPCError(method string, e *jsonrpc.Error) error {
	// -32000..-32099 是服务端错误
	if (e.Code <= -32000 && e.Code >= -32099) || e.Code == -32603 {
		return ErrRetryable.New("%s: rpc error %d: %s", method, e.Code, e.Message)
	}
	return ErrPermanent.New("%s: rpc error %d: %s", method, e.Code, e.Message)
}

func parseUnix(v interface{}) (time.Time, error) {
	n, err := util.ParseNumber(v)
	if err != nil {
		return time.Time{}, err
	}
	if n.IsZero() {
		return time.Time{}, nil
	}
	if !n.IsInteger() || n.IsNegative() {
		return time.Time{}, fmt.Errorf("invalid timestamp %v", v)
	}
	return time.Unix(n.IntPart(), 0).UTC(), nil
}
