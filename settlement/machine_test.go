package settlement_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-settlement/config"
	"mining-settlement/model"
	"mining-settlement/payhash"
	"mining-settlement/payhash/payhashtest"
	"mining-settlement/settlement"
	"mining-settlement/settlement/settlementtest"
)

const (
	platformUser   = int64(1)
	sinkUser       = int64(2)
	adminUser      = int64(3)
	userA          = int64(100)
	userB          = int64(200)
	payoutCurrency = "USDT"
)

var etcAccount = &config.Account{Name: "acct1", Coin: "ETC", Cadence: config.CadencePayment, Algorithm: "etchash", Enabled: true}

type staticOwners map[string]int64

func (o staticOwners) ResolveOwners(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, id := range ids {
		if userId, ok := o[id]; ok {
			out[id] = userId
		}
	}
	return out, nil
}

type recordingAlerter struct {
	mu        sync.Mutex
	anomalies []settlement.Anomaly
}

func (r *recordingAlerter) Alert(ctx context.Context, a settlement.Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, a)
}

func (r *recordingAlerter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.anomalies {
		out = append(out, a.Kind)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	db      *settlementtest.DB
	payhash *payhashtest.Store
	alerter *recordingAlerter
	clock   *clock
	owners  settlement.Owners
	rates   settlement.StaticRates
	window  settlement.Window
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func newEnv() *env {
	start := at("2024-03-10T10:00:00Z")
	return &env{
		db:      settlementtest.New(),
		payhash: payhashtest.NewStore(),
		alerter: &recordingAlerter{},
		clock:   &clock{t: at("2024-03-10T11:30:00Z")},
		owners:  staticOwners{"rigA": userA, "rigB": userB},
		rates:   settlement.StaticRates{"ETC/USDT": decimal.NewFromInt(1)},
		window:  settlement.Window{Start: start, End: start.Add(time.Hour)},
	}
}

// plain distribution: the user keeps everything, so ledger amounts equal allocations
func plainDistribution() settlement.DistributorConfig {
	return settlement.DistributorConfig{
		Currency:          payoutCurrency,
		Scale:             0,
		PlatformUserId:    platformUser,
		SystemUsers:       []int64{sinkUser, adminUser},
		UserShare:         decimal.NewFromInt(1),
		TelemetryLookback: 24 * time.Hour,
	}
}

func machineConfig(policy string) settlement.MachineConfig {
	return settlement.MachineConfig{
		MaxWindowsPerRun: 24,
		MaxRunTime:       time.Minute,
		Cooldown:         30 * time.Minute,
		MaxAttempts:      3,
		MissingPolicy:    policy,
		AdminUserId:      adminUser,
		SinkUserId:       sinkUser,
	}
}

func (e *env) machine(cfg settlement.MachineConfig, dist settlement.DistributorConfig, source settlement.IncomeSource, acct *config.Account) *settlement.Machine {
	distributor := settlement.NewDistributor(dist, e.rates).WithClock(e.clock.Now)
	return settlement.NewMachine(cfg, source, []*config.Account{acct}, settlement.Deps{
		DB:          e.db,
		Aggregator:  payhash.NewAggregator(e.payhash),
		Owners:      e.owners,
		Distributor: distributor,
		Reconciler:  settlement.NewReconciler(e.db, e.alerter, 1000000, decimal.RequireFromString("0.25"), decimal.RequireFromString("0.10")),
		Alerter:     e.alerter,
		Throttle:    settlement.NewThrottle(time.Minute),
		Now:         e.clock.Now,
	})
}

func (e *env) paymentMachine(policy string) *settlement.Machine {
	return e.machine(machineConfig(policy), plainDistribution(), settlement.NewPaymentSource(10*time.Minute), etcAccount)
}

func (e *env) pay(txHash string, amount int64, arrivedAt time.Time) {
	e.db.AddPayment(model.IncomingPayment{
		TxHash:    txHash,
		Account:   etcAccount.Name,
		Coin:      etcAccount.Coin,
		Amount:    decimal.NewFromInt(amount),
		ArrivedAt: arrivedAt,
	})
}

func (e *env) work(workerId string, payhash int64) {
	e.payhash.Add(etcAccount.Name, etcAccount.Coin, workerId, e.window.Start.Add(5*time.Minute), payhash)
}

func ledgerSum(entries []model.LedgerEntry, userId int64, category string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.UserId == userId && e.Category == category {
			total = total.Add(e.Amount)
		}
	}
	return total
}

func TestScenarioExactSplit(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("rigB", 700)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))

	stats, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, "1000", stats.Distributed.String())

	ledger := e.db.Ledger()
	assert.Equal(t, "300", ledgerSum(ledger, userA, model.CategoryMining).String())
	assert.Equal(t, "700", ledgerSum(ledger, userB, model.CategoryMining).String())
	assert.True(t, ledgerSum(ledger, sinkUser, model.CategoryCompensation).IsZero())

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusSuccess, records[0].Status)
	assert.Equal(t, model.AllocationPayhash, records[0].AllocationSource)
	assert.EqualValues(t, 1000, records[0].TotalWork)
	assert.Nil(t, records[0].RetryAfter)

	payments := e.db.Payments()
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Settled)
	assert.Equal(t, "1000", e.db.TotalBalance(payoutCurrency).String())
}

func TestScenarioRemainderToSink(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("rigB", 700)
	e.pay("0xaaa", 1001, e.window.Start.Add(20*time.Minute))

	_, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)

	ledger := e.db.Ledger()
	a := ledgerSum(ledger, userA, model.CategoryMining)
	b := ledgerSum(ledger, userB, model.CategoryMining)
	sink := ledgerSum(ledger, sinkUser, model.CategoryCompensation)
	assert.Equal(t, "300", a.String())
	assert.Equal(t, "700", b.String())
	assert.Equal(t, "1", sink.String())
	assert.Equal(t, "1001", a.Add(b).Add(sink).String())
}

func TestScenarioSkipCooldown(t *testing.T) {
	e := newEnv()
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	m := e.paymentMachine(config.PolicySkip)

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusSkipped, records[0].Status)
	require.NotNil(t, records[0].RetryAfter)
	assert.Equal(t, e.clock.Now().Add(30*time.Minute), *records[0].RetryAfter)
	assert.False(t, e.db.Payments()[0].Settled)
	assert.Empty(t, e.db.Ledger())

	// within the cooldown nothing is retried
	e.clock.Advance(time.Minute)
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Windows)

	// after it the window is tried again and settles once work shows up
	e.clock.Advance(30 * time.Minute)
	e.work("rigA", 10)
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)

	records = e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusSuccess, records[0].Status)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Equal(t, "1000", ledgerSum(e.db.Ledger(), userA, model.CategoryMining).String())
}

func TestScenarioFallbackAdmin(t *testing.T) {
	e := newEnv()
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))

	stats, err := e.paymentMachine(config.PolicyFallbackAdmin).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusSuccess, records[0].Status)
	assert.Equal(t, model.AllocationAdmin, records[0].AllocationSource)

	ledger := e.db.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, adminUser, ledger[0].UserId)
	assert.Equal(t, model.CategoryCompensation, ledger[0].Category)
	assert.Equal(t, "1000", ledger[0].Amount.String())
	assert.Equal(t, "1000", e.db.Balance(adminUser, payoutCurrency).String())
	assert.Contains(t, e.alerter.kinds(), settlement.AnomalyFallbackAdmin)
}

func TestFallbackUnclaimed(t *testing.T) {
	e := newEnv()
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))

	_, err := e.paymentMachine(config.PolicyFallbackUnclaimed).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000", e.db.Balance(sinkUser, payoutCurrency).String())
	assert.Equal(t, model.AllocationUnclaimed, e.db.Records()[0].AllocationSource)
}

func TestSettledWindowIsNotRepeated(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("rigB", 700)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	m := e.paymentMachine(config.PolicySkip)

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	ledger := e.db.Ledger()
	balance := e.db.TotalBalance(payoutCurrency)
	commits := e.db.Commits

	e.clock.Advance(2 * time.Hour)
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Windows)
	assert.Equal(t, ledger, e.db.Ledger())
	assert.True(t, balance.Equal(e.db.TotalBalance(payoutCurrency)))
	assert.Equal(t, commits, e.db.Commits)
}

func TestPaymentsSettleSeparately(t *testing.T) {
	e := newEnv()
	e.work("rigA", 1)
	e.work("rigB", 3)
	e.pay("0xaaa", 5, e.window.Start.Add(10*time.Minute))
	e.pay("0xbbb", 7, e.window.Start.Add(40*time.Minute))
	// next window, not closed yet
	e.pay("0xccc", 100, e.window.End.Add(25*time.Minute))

	stats, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Windows)

	// 5: A 1, B 3, sink 1. 7: A 1, B 5, sink 1.
	ledger := e.db.Ledger()
	assert.Equal(t, "2", ledgerSum(ledger, userA, model.CategoryMining).String())
	assert.Equal(t, "8", ledgerSum(ledger, userB, model.CategoryMining).String())
	assert.Equal(t, "2", ledgerSum(ledger, sinkUser, model.CategoryCompensation).String())

	refs := make(map[string]bool)
	for _, l := range ledger {
		refs[strings.SplitN(l.SourceRef, "/", 2)[0]] = true
	}
	assert.Equal(t, map[string]bool{"0xaaa": true, "0xbbb": true}, refs)

	settled := 0
	for _, p := range e.db.Payments() {
		if p.Settled {
			settled++
		}
	}
	assert.Equal(t, 2, settled)
}

func TestFailureRollsBack(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("rigB", 700)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	m := e.paymentMachine(config.PolicySkip)

	e.db.FailLedger = true
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusFailed, records[0].Status)
	assert.Contains(t, records[0].LastError, "ledger unavailable")
	require.NotNil(t, records[0].RetryAfter)
	assert.Empty(t, e.db.Ledger())
	assert.False(t, e.db.Payments()[0].Settled)
	assert.True(t, e.db.TotalBalance(payoutCurrency).IsZero())

	e.db.FailLedger = false
	e.clock.Advance(31 * time.Minute)
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, "1000", e.db.TotalBalance(payoutCurrency).String())
}

func TestAttemptsExhausted(t *testing.T) {
	e := newEnv()
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	cfg := machineConfig(config.PolicySkip)
	cfg.MaxAttempts = 2
	m := e.machine(cfg, plainDistribution(), settlement.NewPaymentSource(10*time.Minute), etcAccount)

	for i := 0; i < 4; i++ {
		_, err := m.Run(context.Background())
		require.NoError(t, err)
		e.clock.Advance(31 * time.Minute)
	}

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusSkipped, records[0].Status)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Nil(t, records[0].RetryAfter)
}

func TestMissingRateDefers(t *testing.T) {
	e := newEnv()
	e.rates = settlement.StaticRates{}
	e.work("rigA", 300)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))

	stats, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.SettlementStatusFailed, records[0].Status)
	assert.NotNil(t, records[0].RetryAfter)
	assert.False(t, e.db.Payments()[0].Settled)
}

func TestUnclaimedWorkGoesToSink(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("stranger", 700)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))

	_, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "300", e.db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "700", e.db.Balance(sinkUser, payoutCurrency).String())
	assert.Contains(t, e.alerter.kinds(), settlement.AnomalyUnclaimedRatio)
}

func TestLastUserRemainderPolicy(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("rigB", 700)
	e.pay("0xaaa", 1001, e.window.Start.Add(20*time.Minute))
	cfg := machineConfig(config.PolicySkip)
	cfg.ResidueToLastUser = true
	m := e.machine(cfg, plainDistribution(), settlement.NewPaymentSource(10*time.Minute), etcAccount)

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "300", e.db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "701", e.db.Balance(userB, payoutCurrency).String())
	assert.True(t, e.db.Balance(sinkUser, payoutCurrency).IsZero())
}

func TestLastUserPolicyKeepsUnboundWorkWithSink(t *testing.T) {
	e := newEnv()
	e.work("rigA", 300)
	e.work("stranger", 700)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	cfg := machineConfig(config.PolicySkip)
	cfg.ResidueToLastUser = true
	m := e.machine(cfg, plainDistribution(), settlement.NewPaymentSource(10*time.Minute), etcAccount)

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "300", e.db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "700", e.db.Balance(sinkUser, payoutCurrency).String())
	assert.Contains(t, e.alerter.kinds(), settlement.AnomalyUnclaimedRatio)
}

func TestTelemetryFallback(t *testing.T) {
	e := newEnv()
	acct := *etcAccount
	acct.Algorithm = "randomx"
	e.db.AddPayment(model.IncomingPayment{TxHash: "0xaaa", Account: acct.Name, Coin: acct.Coin, Amount: decimal.NewFromInt(1000), ArrivedAt: e.window.Start.Add(time.Minute)})
	e.db.AddDevice(model.DeviceHashrate{UserId: userA, Algorithm: model.AlgorithmCPU, Family: "randomx", Hashrate: decimal.NewFromInt(300), ReportedAt: e.window.Start.Add(time.Minute)})
	e.db.AddDevice(model.DeviceHashrate{UserId: userB, Algorithm: model.AlgorithmCPU, Family: "randomx", Hashrate: decimal.NewFromInt(100), ReportedAt: e.window.Start.Add(2 * time.Minute)})
	e.db.AddDevice(model.DeviceHashrate{UserId: userB, Algorithm: model.AlgorithmGPU, Family: "kawpow", Hashrate: decimal.NewFromInt(5000), ReportedAt: e.window.Start.Add(2 * time.Minute)})

	cfg := machineConfig(config.PolicySkip)
	cfg.FallbackFamily = func(family string) bool { return family == "randomx" }
	m := e.machine(cfg, plainDistribution(), settlement.NewPaymentSource(10*time.Minute), &acct)

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.AllocationTelemetry, records[0].AllocationSource)
	assert.Equal(t, "750", e.db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "250", e.db.Balance(userB, payoutCurrency).String())
}

func TestHourlyDelta(t *testing.T) {
	e := newEnv()
	acct := &config.Account{Name: "acct2", Coin: "ETC", Cadence: config.CadenceHourlyDelta, Enabled: true}
	snap := func(earned int64, at time.Time) {
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(earned), TakenAt: at})
	}
	e.payhash.Add(acct.Name, acct.Coin, "rigA", e.window.Start, 1)
	e.payhash.Add(acct.Name, acct.Coin, "rigB", e.window.Start, 1)
	// history starts at 08:50, nothing within tolerance of 09:00
	snap(0, e.window.Start.Add(-70*time.Minute))
	snap(40, e.window.Start.Add(-2*time.Minute))
	snap(140, e.window.End)

	source := settlement.NewHourlyDeltaSource(10*time.Minute, 3*time.Hour, 5*time.Minute)
	m := e.machine(machineConfig(config.PolicySkip), plainDistribution(), source, acct)

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	// 09:00 is deferred and 10:00 waits behind it
	assert.Equal(t, 1, stats.Windows)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Settled)
	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, e.window.Start.Add(-time.Hour), records[0].WindowStart)
	assert.Equal(t, model.SettlementStatusFailed, records[0].Status)
	assert.True(t, e.db.TotalBalance(payoutCurrency).IsZero())

	// the boundary snapshot shows up, both windows settle in order after the cooldown
	snap(40, e.window.Start.Add(-61*time.Minute))
	e.clock.Advance(31 * time.Minute)
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Settled)
	assert.Equal(t, "50", e.db.Balance(userA, payoutCurrency).String())
	assert.Equal(t, "50", e.db.Balance(userB, payoutCurrency).String())

	for _, l := range e.db.Ledger() {
		assert.True(t, strings.HasPrefix(l.SourceRef, "hourly_delta:acct2:ETC:"), l.SourceRef)
	}
}

func TestFailedWindowHoldsBackLaterWindows(t *testing.T) {
	e := newEnv()
	acct := &config.Account{Name: "acct2", Coin: "ETC", Cadence: config.CadenceHourlyDelta, Enabled: true}
	snap := func(earned int64, at time.Time) {
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(earned), TakenAt: at})
	}
	e.payhash.Add(acct.Name, acct.Coin, "rigA", e.window.Start.Add(-time.Hour), 1)
	e.payhash.Add(acct.Name, acct.Coin, "rigA", e.window.Start, 1)
	// earnings drop during 09:00, 10:00 on its own would be fine
	snap(140, e.window.Start.Add(-time.Hour))
	snap(40, e.window.Start)
	snap(140, e.window.End)

	source := settlement.NewHourlyDeltaSource(10*time.Minute, 2*time.Hour, time.Minute)
	m := e.machine(machineConfig(config.PolicySkip), plainDistribution(), source, acct)

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Windows)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Settled)
	assert.Contains(t, e.alerter.kinds(), settlement.AnomalyInvariant)

	// while 09:00 cools down the account does not move on either
	e.clock.Advance(time.Minute)
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Windows)

	records := e.db.Records()
	require.Len(t, records, 1)
	assert.Equal(t, e.window.Start.Add(-time.Hour), records[0].WindowStart)
	assert.Equal(t, model.SettlementStatusFailed, records[0].Status)
	assert.True(t, e.db.Balance(userA, payoutCurrency).IsZero())
}

func TestSkippedWindowLetsAccountMoveOn(t *testing.T) {
	e := newEnv()
	e.clock.t = at("2024-03-10T12:30:00Z")
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	e.pay("0xbbb", 500, e.window.End.Add(20*time.Minute))
	e.payhash.Add(etcAccount.Name, etcAccount.Coin, "rigA", e.window.End.Add(5*time.Minute), 1)

	stats, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, "500", e.db.Balance(userA, payoutCurrency).String())
}

func TestDeltaEdgeCases(t *testing.T) {
	acct := &config.Account{Name: "acct2", Coin: "ETC", Cadence: config.CadenceHourlyDelta, Enabled: true}

	t.Run("zero income", func(t *testing.T) {
		e := newEnv()
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(40), TakenAt: e.window.Start})
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(40), TakenAt: e.window.End})
		m := e.machine(machineConfig(config.PolicySkip), plainDistribution(), settlement.NewHourlyDeltaSource(10*time.Minute, time.Hour+20*time.Minute, time.Minute), acct)

		stats, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Settled)
		records := e.db.Records()
		require.Len(t, records, 1)
		assert.Equal(t, model.SettlementStatusSuccess, records[0].Status)
		assert.Equal(t, model.AllocationNone, records[0].AllocationSource)
		assert.Empty(t, e.db.Ledger())
	})

	t.Run("negative delta", func(t *testing.T) {
		e := newEnv()
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(40), TakenAt: e.window.Start})
		e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(30), TakenAt: e.window.End})
		m := e.machine(machineConfig(config.PolicySkip), plainDistribution(), settlement.NewHourlyDeltaSource(10*time.Minute, time.Hour+20*time.Minute, time.Minute), acct)

		stats, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, model.SettlementStatusFailed, e.db.Records()[0].Status)
		assert.Contains(t, e.alerter.kinds(), settlement.AnomalyInvariant)
	})
}

func TestDailyDeltaWindows(t *testing.T) {
	e := newEnv()
	e.clock.t = at("2024-03-10T00:30:00Z")
	acct := &config.Account{Name: "acct3", Coin: "ETC", Cadence: config.CadenceDailyDelta, Enabled: true}
	day := at("2024-03-09T00:00:00Z")
	e.payhash.Add(acct.Name, acct.Coin, "rigA", day.Add(5*time.Hour), 10)
	e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(0), TakenAt: day})
	e.db.AddSnapshot(model.AccountSnapshot{Account: acct.Name, Coin: acct.Coin, TotalEarned: decimal.NewFromInt(24), TakenAt: day.AddDate(0, 0, 1)})

	m := e.machine(machineConfig(config.PolicySkip), plainDistribution(), settlement.NewDailyDeltaSource(10*time.Minute, 30*time.Hour, 10*time.Minute), acct)
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	var success []model.SettlementRecord
	for _, r := range e.db.Records() {
		if r.Status == model.SettlementStatusSuccess {
			success = append(success, r)
		}
	}
	require.Len(t, success, 1)
	assert.Equal(t, day, success[0].WindowStart)
	assert.Equal(t, day.AddDate(0, 0, 1), success[0].WindowEnd)
	assert.Equal(t, "24", e.db.Balance(userA, payoutCurrency).String())
}

func TestWindowBudget(t *testing.T) {
	e := newEnv()
	e.clock.t = at("2024-03-10T20:00:00Z")
	for h := 0; h < 5; h++ {
		e.pay("0x"+string(rune('a'+h)), 10, e.window.Start.Add(time.Duration(h)*time.Hour))
	}
	cfg := machineConfig(config.PolicyFallbackUnclaimed)
	cfg.MaxWindowsPerRun = 2
	m := e.machine(cfg, plainDistribution(), settlement.NewPaymentSource(10*time.Minute), etcAccount)

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Windows)

	records := e.db.Records()
	require.Len(t, records, 2)
	assert.Equal(t, e.window.Start, records[0].WindowStart)
	assert.Equal(t, e.window.Start.Add(time.Hour), records[1].WindowStart)
}

type blockingOwners struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingOwners) ResolveOwners(ctx context.Context, ids []string) (map[string]int64, error) {
	close(b.entered)
	<-b.release
	return map[string]int64{}, nil
}

func TestOverlappingRunsAreDropped(t *testing.T) {
	e := newEnv()
	e.work("rigA", 1)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	owners := &blockingOwners{entered: make(chan struct{}), release: make(chan struct{})}
	e.owners = owners
	m := e.paymentMachine(config.PolicyFallbackUnclaimed)

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background())
		done <- err
	}()

	<-owners.entered
	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, settlement.ErrBusy)

	close(owners.release)
	require.NoError(t, <-done)
}

func TestMissingPayhashLogIsThrottled(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	e := newEnv()
	e.clock.t = at("2024-03-10T13:00:00Z")
	e.pay("0xaaa", 10, e.window.Start.Add(time.Minute))
	e.pay("0xbbb", 10, e.window.Start.Add(time.Hour+time.Minute))

	stats, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "No payhash for window" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestReconcileDeviation(t *testing.T) {
	e := newEnv()
	e.work("rigA", 3600)
	e.pay("0xaaa", 1000, e.window.Start.Add(20*time.Minute))
	// payhash says 1 MH/s, the pool says 2 MH/s
	e.db.AddSnapshot(model.AccountSnapshot{Account: etcAccount.Name, Coin: etcAccount.Coin, ReportedHashrate: decimal.NewFromInt(2000000), TakenAt: e.window.Start.Add(30 * time.Minute)})

	_, err := e.paymentMachine(config.PolicySkip).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{settlement.AnomalyHashrateDeviation}, e.alerter.kinds())
	assert.Equal(t, model.SettlementStatusSuccess, e.db.Records()[0].Status)
}
