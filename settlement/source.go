package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mining-settlement/config"
	"mining-settlement/util"
)

// IncomeSource decides the windows of a cadence and what income each window carries.
type IncomeSource interface {
	Cadence() string
	// Windows lists the closed windows that may need settling at now, oldest first.
	Windows(ctx context.Context, db DB, acct *config.Account, now time.Time) ([]Window, error)
	Income(ctx context.Context, tx Tx, acct *config.Account, w Window) (Income, error)
}

// PaymentSource settles incoming payments in hourly windows of their arrival time.
type PaymentSource struct {
	delay time.Duration
}

// NewPaymentSource
func NewPaymentSource(delay time.Duration) *PaymentSource {
	return &PaymentSource{delay: delay}
}

func (s *PaymentSource) Cadence() string { return config.CadencePayment }

func (s *PaymentSource) Windows(ctx context.Context, db DB, acct *config.Account, now time.Time) ([]Window, error) {
	cutoff := now.Add(-s.delay)
	times, err := db.UnsettledPaymentTimes(ctx, acct.Name, acct.Coin, cutoff)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	seen := make(map[int64]bool)
	var out []Window
	for _, t := range times {
		start := util.BucketStart(t, time.Hour)
		if seen[start.Unix()] || start.Add(time.Hour).After(cutoff) {
			continue
		}
		seen[start.Unix()] = true
		out = append(out, Window{Start: start, End: start.Add(time.Hour)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *PaymentSource) Income(ctx context.Context, tx Tx, acct *config.Account, w Window) (Income, error) {
	payments, err := tx.UnsettledPayments(ctx, acct.Name, acct.Coin, w.Start, w.End)
	if err != nil {
		return Income{}, Error.Wrap(err)
	}
	var income Income
	for _, p := range payments {
		if p.Amount.IsNegative() {
			return Income{}, ErrInvariant.New("payment %s has negative amount %s", p.TxHash, p.Amount)
		}
		income.Payments = append(income.Payments, p.Id)
		if p.Amount.IsZero() {
			continue
		}
		income.Units = append(income.Units, Unit{SourceRef: p.TxHash, Amount: p.Amount})
	}
	return income, nil
}

// DeltaSource settles the growth of the account's cumulative earnings between snapshots
// taken at the window boundaries.
type DeltaSource struct {
	cadence   string
	size      func(t time.Time) Window
	delay     time.Duration
	lookback  time.Duration
	tolerance time.Duration
}

// NewHourlyDeltaSource
func NewHourlyDeltaSource(delay, lookback, tolerance time.Duration) *DeltaSource {
	return &DeltaSource{
		cadence: config.CadenceHourlyDelta,
		size: func(t time.Time) Window {
			start := util.BucketStart(t, time.Hour)
			return Window{Start: start, End: start.Add(time.Hour)}
		},
		delay:     delay,
		lookback:  lookback,
		tolerance: tolerance,
	}
}

// NewDailyDeltaSource settles UTC days.
func NewDailyDeltaSource(delay, lookback, tolerance time.Duration) *DeltaSource {
	return &DeltaSource{
		cadence: config.CadenceDailyDelta,
		size: func(t time.Time) Window {
			start := util.DayStart(t)
			return Window{Start: start, End: start.AddDate(0, 0, 1)}
		},
		delay:     delay,
		lookback:  lookback,
		tolerance: tolerance,
	}
}

func (s *DeltaSource) Cadence() string { return s.cadence }

// Windows starts at the first window whose start boundary has a snapshot in reach. Windows
// older than the account's snapshot history can never be settled and would hold back the
// rest of the account.
func (s *DeltaSource) Windows(ctx context.Context, db DB, acct *config.Account, now time.Time) ([]Window, error) {
	cutoff := now.Add(-s.delay)
	first := s.size(now.Add(-s.lookback))
	if first.End.After(cutoff) {
		return nil, nil
	}

	snapshots, err := db.SnapshotsBetween(ctx, acct.Name, acct.Coin, first.Start.Add(-s.tolerance), cutoff)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	earliest := snapshots[0].TakenAt
	for _, snap := range snapshots[1:] {
		if snap.TakenAt.Before(earliest) {
			earliest = snap.TakenAt
		}
	}

	var out []Window
	for w := first; !w.End.After(cutoff); w = s.size(w.End) {
		if w.Start.Before(earliest) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *DeltaSource) Income(ctx context.Context, tx Tx, acct *config.Account, w Window) (Income, error) {
	first, err := tx.SnapshotAt(ctx, acct.Name, acct.Coin, w.Start, s.tolerance)
	if err != nil {
		return Income{}, Error.Wrap(err)
	}
	last, err := tx.SnapshotAt(ctx, acct.Name, acct.Coin, w.End, s.tolerance)
	if err != nil {
		return Income{}, Error.Wrap(err)
	}
	if first == nil || last == nil {
		return Income{}, ErrDeferred.New("no account snapshot near %s or %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}

	delta := last.TotalEarned.Sub(first.TotalEarned)
	if delta.IsNegative() {
		return Income{}, ErrInvariant.New("cumulative earnings went down by %s", delta.Neg())
	}
	if delta.IsZero() {
		return Income{}, nil
	}
	ref := fmt.Sprintf("%s:%s:%s:%d", s.cadence, acct.Name, acct.Coin, w.Start.Unix())
	return Income{Units: []Unit{{SourceRef: ref, Amount: delta}}}, nil
}
