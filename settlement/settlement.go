// Package settlement settles pool income per window and writes the resulting ledger.
package settlement

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"

	"mining-settlement/model"
)

var (
	// Error is the generic settlement error class.
	Error = errs.Class("settlement")
	// ErrDeferred marks failures expected to clear up later, such as a missing rate.
	ErrDeferred = errs.Class("settlement deferred")
	// ErrInvariant marks broken accounting invariants.
	ErrInvariant = errs.Class("settlement invariant")

	// ErrBusy is returned when a run of the same cadence is still in progress.
	ErrBusy = Error.New("run already in progress")
)

var (
	windowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_windows_total",
		Help: "Settlement windows by outcome.",
	}, []string{"cadence", "result"})
	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_anomalies_total",
		Help: "Raised reconciliation anomalies.",
	}, []string{"kind", "severity"})
)

// Window is a half-open settlement interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Seconds returns the window length in seconds.
func (w Window) Seconds() int64 {
	return int64(w.End.Sub(w.Start) / time.Second)
}

// Unit is income that is allocated on its own.
type Unit struct {
	SourceRef string
	Amount    decimal.Decimal
}

// Income is everything to distribute for one window.
type Income struct {
	Units    []Unit
	Payments []uint64
}

// Total returns the sum of all units.
func (i Income) Total() decimal.Decimal {
	total := decimal.Zero
	for _, u := range i.Units {
		total = total.Add(u.Amount)
	}
	return total
}

// DB is the storage used outside of settlement transactions.
type DB interface {
	// InTx runs fn in one transaction, rolled back when fn returns an error.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListRecords(ctx context.Context, cadence, account, coin string, since time.Time) ([]model.SettlementRecord, error)
	// SaveRecord inserts or overwrites the record of the window.
	SaveRecord(ctx context.Context, rec *model.SettlementRecord) error

	UnsettledPaymentTimes(ctx context.Context, account, coin string, before time.Time) ([]time.Time, error)
	SnapshotsBetween(ctx context.Context, account, coin string, start, end time.Time) ([]model.AccountSnapshot, error)
}

// Tx is a settlement transaction.
type Tx interface {
	// ClaimRecord inserts rec as PROCESSING, or takes over an existing FAILED or SKIPPED
	// record whose retry time has passed. It reports false when the window is owned
	// elsewhere or already final.
	ClaimRecord(ctx context.Context, rec *model.SettlementRecord, now time.Time) (bool, error)
	UpdateRecord(ctx context.Context, rec *model.SettlementRecord) error

	UnsettledPayments(ctx context.Context, account, coin string, start, end time.Time) ([]model.IncomingPayment, error)
	MarkPaymentsSettled(ctx context.Context, ids []uint64, at time.Time) error

	// SnapshotAt returns the latest snapshot taken in [at-tolerance, at], nil when none.
	SnapshotAt(ctx context.Context, account, coin string, at time.Time, tolerance time.Duration) (*model.AccountSnapshot, error)
	// TelemetryScores sums the device hashrate of each user of family in [start, end).
	TelemetryScores(ctx context.Context, family string, start, end time.Time) (map[int64]int64, error)

	LedgerTx
}

// LedgerTx is what the distributor needs.
type LedgerTx interface {
	Referral(ctx context.Context, userId int64) (*model.Referral, error)
	SumLedger(ctx context.Context, userId int64, party, category, currency string, since time.Time) (decimal.Decimal, error)
	DeviceHashrates(ctx context.Context, userId int64, since time.Time) ([]model.DeviceHashrate, error)

	InsertLedger(ctx context.Context, entries ...model.LedgerEntry) error
	InsertEarnings(ctx context.Context, rows ...model.EarningsRecord) error
	AddBalance(ctx context.Context, userId int64, currency string, amount decimal.Decimal, at time.Time) error
}
