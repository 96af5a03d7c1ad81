package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-settlement/model"
	"mining-settlement/settlement"
	"mining-settlement/settlement/settlementtest"
)

const referrer = int64(500)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultDistribution() settlement.DistributorConfig {
	return settlement.DistributorConfig{
		Currency:            payoutCurrency,
		Scale:               6,
		PlatformUserId:      platformUser,
		SystemUsers:         []int64{sinkUser, adminUser},
		UserShare:           d("0.70"),
		ReferralRate:        d("0.10"),
		ActivationThreshold: d("1"),
		ReferralMonthlyCap:  d("100"),
		DiscountRate:        d("0.05"),
		DiscountDays:        30,
		DiscountCap:         d("20"),
		TelemetryLookback:   24 * time.Hour,
	}
}

var distNow = at("2024-03-10T12:00:00Z")

func distribute(t *testing.T, db *settlementtest.DB, cfg settlement.DistributorConfig, userId int64, amount string) settlement.Split {
	t.Helper()
	dist := settlement.NewDistributor(cfg, settlement.StaticRates{}).WithClock(func() time.Time { return distNow })
	var split settlement.Split
	err := db.InTx(context.Background(), func(tx settlement.Tx) error {
		var err error
		split, err = dist.Distribute(context.Background(), tx, settlement.Credit{
			UserId:    userId,
			Amount:    d(amount),
			Coin:      "ETC",
			SourceRef: "0xabc",
			Cadence:   "payment",
			EarnedAt:  distNow,
		})
		return err
	})
	require.NoError(t, err)
	assert.True(t, split.Sum().Equal(d(amount)), "split sums to %s", split.Sum())
	return split
}

func TestDistributeWithoutReferral(t *testing.T) {
	db := settlementtest.New()
	split := distribute(t, db, defaultDistribution(), userA, "10")

	assert.Equal(t, "7", split.User.String())
	assert.Equal(t, "3", split.Platform.String())
	assert.True(t, split.Referral.IsZero())
	assert.True(t, split.Discount.IsZero())

	assert.Equal(t, "7", db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "3", db.Balance(platformUser, payoutCurrency).String())

	ledger := db.Ledger()
	require.Len(t, ledger, 2)
	for _, e := range ledger {
		assert.Equal(t, payoutCurrency, e.Currency)
		assert.Equal(t, "0xabc/100", e.SourceRef)
	}

	earnings := db.Earnings()
	require.Len(t, earnings, 1)
	assert.Equal(t, model.AlgorithmGPU, earnings[0].Algorithm)
	assert.Equal(t, payoutCurrency, earnings[0].Currency)
	assert.Equal(t, "7", earnings[0].Amount.String())
}

func TestDistributeReferralAndDiscount(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: userA, ReferrerId: referrer, BoundAt: distNow.AddDate(0, 0, -10)})

	split := distribute(t, db, defaultDistribution(), userA, "10")
	assert.Equal(t, "7", split.User.String())
	assert.Equal(t, "0.7", split.Referral.String())
	assert.Equal(t, referrer, split.ReferrerId)
	assert.Equal(t, "0.35", split.Discount.String())
	assert.Equal(t, "1.95", split.Platform.String())

	assert.Equal(t, "7.35", db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "0.7", db.Balance(referrer, payoutCurrency).String())
	assert.Equal(t, "1.95", db.Balance(platformUser, payoutCurrency).String())
	assert.Equal(t, "10", db.TotalBalance(payoutCurrency).String())

	categories := make(map[string]string)
	for _, e := range db.Earnings() {
		categories[e.Category+"/"+e.Algorithm] = e.Amount.String()
		assert.Equal(t, payoutCurrency, e.Currency)
	}
	assert.Equal(t, map[string]string{
		"mining/gpu": "7",
		"discount/":  "0.35",
		"referral/":  "0.7",
	}, categories)
}

func TestReferralActivationThreshold(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: userA, ReferrerId: referrer, BoundAt: distNow.AddDate(0, 0, -10)})

	split := distribute(t, db, defaultDistribution(), userA, "1")
	assert.Equal(t, "0.7", split.User.String())
	assert.True(t, split.Referral.IsZero())
	assert.Equal(t, "0.035", split.Discount.String())

	// lifetime earnings now pass the threshold
	split = distribute(t, db, defaultDistribution(), userA, "1")
	assert.Equal(t, "0.07", split.Referral.String())
}

func TestReferralMonthlyCap(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: userA, ReferrerId: referrer, BoundAt: distNow.AddDate(0, 0, -100)})
	cfg := defaultDistribution()
	cfg.ReferralMonthlyCap = d("0.5")

	split := distribute(t, db, cfg, userA, "10")
	assert.Equal(t, "0.5", split.Referral.String())
	assert.Equal(t, "2.5", split.Platform.String())
	assert.True(t, split.Discount.IsZero(), "discount period is over")

	split = distribute(t, db, cfg, userA, "10")
	assert.True(t, split.Referral.IsZero())
	assert.Equal(t, "3", split.Platform.String())
}

func TestDiscountCap(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: userA, BoundAt: distNow.AddDate(0, 0, -1)})
	cfg := defaultDistribution()
	cfg.DiscountCap = d("0.5")

	split := distribute(t, db, cfg, userA, "100")
	assert.Equal(t, "0.5", split.Discount.String())
	assert.True(t, split.Referral.IsZero())

	split = distribute(t, db, cfg, userA, "100")
	assert.True(t, split.Discount.IsZero())
}

func TestDistributionLimitedByPlatformShare(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: userA, ReferrerId: referrer, BoundAt: distNow.AddDate(0, 0, -1)})
	cfg := defaultDistribution()
	cfg.UserShare = d("0.98")
	cfg.ReferralRate = d("0.5")

	split := distribute(t, db, cfg, userA, "100")
	assert.Equal(t, "98", split.User.String())
	assert.Equal(t, "2", split.Referral.String())
	assert.True(t, split.Platform.IsZero())
	assert.True(t, split.Discount.IsZero())
}

func TestDeviceSplit(t *testing.T) {
	db := settlementtest.New()
	db.AddDevice(model.DeviceHashrate{UserId: userA, Algorithm: model.AlgorithmCPU, Hashrate: d("100"), ReportedAt: distNow.Add(-time.Hour)})
	db.AddDevice(model.DeviceHashrate{UserId: userA, Algorithm: model.AlgorithmGPU, Hashrate: d("200"), ReportedAt: distNow.Add(-2 * time.Hour)})
	// too old
	db.AddDevice(model.DeviceHashrate{UserId: userA, Algorithm: model.AlgorithmCPU, Hashrate: d("900"), ReportedAt: distNow.Add(-48 * time.Hour)})

	split := distribute(t, db, defaultDistribution(), userA, "10")
	assert.Equal(t, "2.333333", split.CPU.String())
	assert.Equal(t, "4.666667", split.GPU.String())
	assert.True(t, split.CPU.Add(split.GPU).Equal(split.User))

	byAlgorithm := make(map[string]string)
	for _, e := range db.Earnings() {
		byAlgorithm[e.Algorithm] = e.Amount.String()
	}
	assert.Equal(t, map[string]string{"cpu": "2.333333", "gpu": "4.666667"}, byAlgorithm)
}

func TestSystemUserCompensation(t *testing.T) {
	db := settlementtest.New()
	db.AddReferral(model.Referral{UserId: adminUser, ReferrerId: referrer, BoundAt: distNow})

	split := distribute(t, db, defaultDistribution(), adminUser, "10")
	assert.True(t, split.System)
	assert.Equal(t, "10", split.User.String())

	ledger := db.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, model.CategoryCompensation, ledger[0].Category)
	assert.Empty(t, db.Earnings())
}

func TestConvert(t *testing.T) {
	dist := settlement.NewDistributor(defaultDistribution(), settlement.StaticRates{
		"ETC/USDT": d("2.5"),
		"BTC/USDT": d("0"),
	})

	v, err := dist.Convert(context.Background(), "etc", d("1.2345678"))
	require.NoError(t, err)
	assert.Equal(t, "3.086419", v.String())

	_, err = dist.Convert(context.Background(), "BTC", d("1"))
	require.Error(t, err)
	assert.True(t, settlement.ErrDeferred.Has(err))

	_, err = dist.Convert(context.Background(), "LTC", d("1"))
	require.Error(t, err)
	assert.True(t, settlement.ErrDeferred.Has(err))
}
