package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mining-settlement/model"
)

const referralCapPeriod = 30 * 24 * time.Hour

// DistributorConfig
type DistributorConfig struct {
	Currency       string
	Scale          int32
	PlatformUserId int64
	// SystemUsers receive their whole credit as compensation.
	SystemUsers []int64

	UserShare decimal.Decimal

	ReferralRate        decimal.Decimal
	ActivationThreshold decimal.Decimal
	ReferralMonthlyCap  decimal.Decimal

	DiscountRate decimal.Decimal
	DiscountDays int
	DiscountCap  decimal.Decimal

	TelemetryLookback time.Duration
}

// Credit is one user's share of a settled unit, already in the payout currency.
type Credit struct {
	UserId    int64
	Amount    decimal.Decimal
	Coin      string
	SourceRef string
	Cadence   string
	EarnedAt  time.Time
}

// Split is how a credit was divided.
type Split struct {
	User       decimal.Decimal
	Platform   decimal.Decimal
	Referral   decimal.Decimal
	ReferrerId int64
	Discount   decimal.Decimal
	CPU        decimal.Decimal
	GPU        decimal.Decimal
	System     bool
}

// Sum returns user + platform + referral + discount.
func (s Split) Sum() decimal.Decimal {
	return s.User.Add(s.Platform).Add(s.Referral).Add(s.Discount)
}

// Distributor converts settled income and writes ledger, earnings and balances.
type Distributor struct {
	cfg    DistributorConfig
	rates  RateProvider
	system map[int64]bool
	now    func() time.Time
}

// NewDistributor
func NewDistributor(cfg DistributorConfig, rates RateProvider) *Distributor {
	system := make(map[int64]bool)
	for _, id := range cfg.SystemUsers {
		system[id] = true
	}
	return &Distributor{cfg: cfg, rates: rates, system: system, now: time.Now}
}

// WithClock replaces the clock used for ledger timestamps and referral caps.
func (d *Distributor) WithClock(now func() time.Time) *Distributor {
	d.now = now
	return d
}

// Currency returns the payout currency.
func (d *Distributor) Currency() string { return d.cfg.Currency }

// Scale returns the payout currency scale.
func (d *Distributor) Scale() int32 { return d.cfg.Scale }

// Convert turns a coin amount into the payout currency, truncated at the payout scale.
func (d *Distributor) Convert(ctx context.Context, coin string, amount decimal.Decimal) (decimal.Decimal, error) {
	rate, err := d.rates.Rate(ctx, coin, d.cfg.Currency)
	if err != nil {
		if !ErrDeferred.Has(err) {
			err = ErrDeferred.Wrap(err)
		}
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrDeferred.New("non-positive rate %s for %s", rate, rateKey(coin, d.cfg.Currency))
	}
	return amount.Mul(rate).Truncate(d.cfg.Scale), nil
}

// Distribute splits a credit between user, platform, referrer and discount and records it.
func (d *Distributor) Distribute(ctx context.Context, tx LedgerTx, c Credit) (Split, error) {
	if c.Amount.IsNegative() {
		return Split{}, ErrInvariant.New("negative credit %s for user %d", c.Amount, c.UserId)
	}
	if c.Amount.IsZero() {
		return Split{}, nil
	}
	now := d.now()

	if d.system[c.UserId] {
		split := Split{User: c.Amount, Platform: decimal.Zero, Referral: decimal.Zero, Discount: decimal.Zero, System: true}
		entry := d.entry(c, c.UserId, model.PartyUser, model.CategoryCompensation, c.Amount, now)
		if err := tx.InsertLedger(ctx, entry); err != nil {
			return Split{}, Error.Wrap(err)
		}
		if err := tx.AddBalance(ctx, c.UserId, d.cfg.Currency, c.Amount, now); err != nil {
			return Split{}, Error.Wrap(err)
		}
		return split, nil
	}

	split, err := d.split(ctx, tx, c, now)
	if err != nil {
		return Split{}, err
	}
	if !split.Sum().Equal(c.Amount) {
		return Split{}, ErrInvariant.New("split of %s sums to %s", c.Amount, split.Sum())
	}

	split.CPU, split.GPU, err = d.deviceSplit(ctx, tx, c.UserId, split.User, c.EarnedAt)
	if err != nil {
		return Split{}, err
	}

	// 账目
	var entries []model.LedgerEntry
	add := func(userId int64, party, category string, amount decimal.Decimal) {
		if amount.IsPositive() {
			entries = append(entries, d.entry(c, userId, party, category, amount, now))
		}
	}
	add(c.UserId, model.PartyUser, model.CategoryMining, split.User)
	add(d.cfg.PlatformUserId, model.PartyPlatform, model.CategoryPlatformFee, split.Platform)
	add(split.ReferrerId, model.PartyReferrer, model.CategoryReferral, split.Referral)
	add(c.UserId, model.PartyUser, model.CategoryDiscount, split.Discount)
	if err := tx.InsertLedger(ctx, entries...); err != nil {
		return Split{}, Error.Wrap(err)
	}

	// 收益明细
	var earnings []model.EarningsRecord
	earn := func(userId int64, category, algorithm string, amount decimal.Decimal) {
		if amount.IsPositive() {
			earnings = append(earnings, model.EarningsRecord{
				Id:        uuid.New(),
				UserId:    userId,
				Category:  category,
				Algorithm: algorithm,
				Amount:    amount,
				Currency:  d.cfg.Currency,
				SourceRef: c.SourceRef,
				EarnedAt:  c.EarnedAt,
				CreatedAt: now,
			})
		}
	}
	earn(c.UserId, model.CategoryMining, model.AlgorithmCPU, split.CPU)
	earn(c.UserId, model.CategoryMining, model.AlgorithmGPU, split.GPU)
	earn(c.UserId, model.CategoryDiscount, "", split.Discount)
	earn(split.ReferrerId, model.CategoryReferral, "", split.Referral)
	if err := tx.InsertEarnings(ctx, earnings...); err != nil {
		return Split{}, Error.Wrap(err)
	}

	// 余额
	for _, e := range entries {
		if err := tx.AddBalance(ctx, e.UserId, e.Currency, e.Amount, now); err != nil {
			return Split{}, Error.Wrap(err)
		}
	}
	return split, nil
}

func (d *Distributor) split(ctx context.Context, tx LedgerTx, c Credit, now time.Time) (Split, error) {
	split := Split{Referral: decimal.Zero, Discount: decimal.Zero}
	split.User = c.Amount.Mul(d.cfg.UserShare).Truncate(d.cfg.Scale)
	split.Platform = c.Amount.Sub(split.User)

	ref, err := tx.Referral(ctx, c.UserId)
	if err != nil {
		return Split{}, Error.Wrap(err)
	}
	if ref == nil {
		return split, nil
	}

	// 邀请返佣, 从平台部分扣除
	if ref.ReferrerId > 0 && d.cfg.ReferralRate.IsPositive() {
		earned, err := tx.SumLedger(ctx, c.UserId, model.PartyUser, model.CategoryMining, d.cfg.Currency, time.Time{})
		if err != nil {
			return Split{}, Error.Wrap(err)
		}
		if earned.Add(split.User).GreaterThanOrEqual(d.cfg.ActivationThreshold) {
			paid, err := tx.SumLedger(ctx, ref.ReferrerId, model.PartyReferrer, model.CategoryReferral, d.cfg.Currency, now.Add(-referralCapPeriod))
			if err != nil {
				return Split{}, Error.Wrap(err)
			}
			commission := split.User.Mul(d.cfg.ReferralRate).Truncate(d.cfg.Scale)
			commission = minDecimal(commission, d.cfg.ReferralMonthlyCap.Sub(paid), split.Platform)
			if commission.IsPositive() {
				split.Referral = commission
				split.ReferrerId = ref.ReferrerId
				split.Platform = split.Platform.Sub(commission)
			}
		}
	}

	// 新用户折扣
	if d.cfg.DiscountRate.IsPositive() && c.EarnedAt.Before(ref.BoundAt.AddDate(0, 0, d.cfg.DiscountDays)) {
		given, err := tx.SumLedger(ctx, c.UserId, model.PartyUser, model.CategoryDiscount, d.cfg.Currency, time.Time{})
		if err != nil {
			return Split{}, Error.Wrap(err)
		}
		discount := split.User.Mul(d.cfg.DiscountRate).Truncate(d.cfg.Scale)
		discount = minDecimal(discount, d.cfg.DiscountCap.Sub(given), split.Platform)
		if discount.IsPositive() {
			split.Discount = discount
			split.Platform = split.Platform.Sub(discount)
		}
	}
	return split, nil
}

// deviceSplit divides the user part by the user's recent CPU and GPU hashrate. GPU takes
// the truncation residue, and everything when there is no telemetry.
func (d *Distributor) deviceSplit(ctx context.Context, tx LedgerTx, userId int64, amount decimal.Decimal, at time.Time) (cpu, gpu decimal.Decimal, err error) {
	devices, err := tx.DeviceHashrates(ctx, userId, at.Add(-d.cfg.TelemetryLookback))
	if err != nil {
		return decimal.Zero, decimal.Zero, Error.Wrap(err)
	}
	cpuRate, total := decimal.Zero, decimal.Zero
	for _, dev := range devices {
		if !dev.Hashrate.IsPositive() {
			continue
		}
		total = total.Add(dev.Hashrate)
		if dev.Algorithm == model.AlgorithmCPU {
			cpuRate = cpuRate.Add(dev.Hashrate)
		}
	}
	if total.IsZero() {
		return decimal.Zero, amount, nil
	}
	cpu, _ = amount.Mul(cpuRate).QuoRem(total, d.cfg.Scale)
	return cpu, amount.Sub(cpu), nil
}

func (d *Distributor) entry(c Credit, userId int64, party, category string, amount decimal.Decimal, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		Id:        uuid.New(),
		UserId:    userId,
		Party:     party,
		Category:  category,
		Amount:    amount,
		Currency:  d.cfg.Currency,
		SourceRef: fmt.Sprintf("%s/%d", c.SourceRef, c.UserId),
		Cadence:   c.Cadence,
		CreatedAt: now,
	}
}

func minDecimal(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	m := first
	for _, v := range rest {
		if v.LessThan(m) {
			m = v
		}
	}
	if m.IsNegative() {
		return decimal.Zero
	}
	return m
}
