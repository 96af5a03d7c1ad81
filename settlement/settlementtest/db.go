// Package settlementtest provides an in-memory settlement database for tests.
package settlementtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mining-settlement/model"
	"mining-settlement/settlement"
)

type balanceKey struct {
	userId   int64
	currency string
}

type state struct {
	nextId    uint64
	records   []model.SettlementRecord
	payments  []model.IncomingPayment
	snapshots []model.AccountSnapshot
	referrals map[int64]model.Referral
	devices   []model.DeviceHashrate
	ledger    []model.LedgerEntry
	earnings  []model.EarningsRecord
	balances  map[balanceKey]decimal.Decimal
}

func (s *state) clone() *state {
	c := &state{
		nextId:    s.nextId,
		records:   append([]model.SettlementRecord(nil), s.records...),
		payments:  append([]model.IncomingPayment(nil), s.payments...),
		snapshots: append([]model.AccountSnapshot(nil), s.snapshots...),
		referrals: make(map[int64]model.Referral, len(s.referrals)),
		devices:   append([]model.DeviceHashrate(nil), s.devices...),
		ledger:    append([]model.LedgerEntry(nil), s.ledger...),
		earnings:  append([]model.EarningsRecord(nil), s.earnings...),
		balances:  make(map[balanceKey]decimal.Decimal, len(s.balances)),
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

// DB keeps every table in memory. Transactions work on a copy that replaces the state on
// commit, so a failed transaction leaves no trace.
type DB struct {
	mu sync.Mutex
	st *state

	// FailLedger makes InsertLedger fail while set.
	FailLedger bool
	// Commits counts committed transactions.
	Commits int
}

// New
func New() *DB {
	return &DB{st: &state{
		referrals: make(map[int64]model.Referral),
		balances:  make(map[balanceKey]decimal.Decimal),
	}}
}

var (
	_ settlement.DB = (*DB)(nil)
	_ settlement.Tx = (*tx)(nil)
)

// InTx
func (db *DB) InTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	work := db.st.clone()
	if err := fn(&tx{db: db, st: work}); err != nil {
		return err
	}
	db.st = work
	db.Commits++
	return nil
}

func (db *DB) ListRecords(ctx context.Context, cadence, account, coin string, since time.Time) ([]model.SettlementRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []model.SettlementRecord
	for _, r := range db.st.records {
		if r.Cadence == cadence && r.Account == account && r.Coin == coin && !r.WindowStart.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (db *DB) SaveRecord(ctx context.Context, rec *model.SettlementRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if i := db.st.findRecord(rec); i >= 0 {
		rec.Id = db.st.records[i].Id
		db.st.records[i] = *rec
		return nil
	}
	db.st.nextId++
	rec.Id = db.st.nextId
	db.st.records = append(db.st.records, *rec)
	return nil
}

func (db *DB) UnsettledPaymentTimes(ctx context.Context, account, coin string, before time.Time) ([]time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []time.Time
	for _, p := range db.st.payments {
		if p.Account == account && p.Coin == coin && !p.Settled && p.ArrivedAt.Before(before) {
			out = append(out, p.ArrivedAt)
		}
	}
	return out, nil
}

func (db *DB) SnapshotsBetween(ctx context.Context, account, coin string, start, end time.Time) ([]model.AccountSnapshot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []model.AccountSnapshot
	for _, s := range db.st.snapshots {
		if s.Account == account && s.Coin == coin && !s.TakenAt.Before(start) && s.TakenAt.Before(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Seeding and inspection helpers.

// AddPayment
func (db *DB) AddPayment(p model.IncomingPayment) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.nextId++
	p.Id = db.st.nextId
	db.st.payments = append(db.st.payments, p)
}

// AddSnapshot
func (db *DB) AddSnapshot(s model.AccountSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.snapshots = append(db.st.snapshots, s)
}

// AddReferral
func (db *DB) AddReferral(r model.Referral) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.referrals[r.UserId] = r
}

// AddDevice
func (db *DB) AddDevice(d model.DeviceHashrate) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.st.devices = append(db.st.devices, d)
}

// Records returns all settlement records ordered by window start.
func (db *DB) Records() []model.SettlementRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := append([]model.SettlementRecord(nil), db.st.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out
}

// Payments
func (db *DB) Payments() []model.IncomingPayment {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.IncomingPayment(nil), db.st.payments...)
}

// Ledger
func (db *DB) Ledger() []model.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.LedgerEntry(nil), db.st.ledger...)
}

// Earnings
func (db *DB) Earnings() []model.EarningsRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.EarningsRecord(nil), db.st.earnings...)
}

// Balance returns the balance of a user, zero when absent.
func (db *DB) Balance(userId int64, currency string) decimal.Decimal {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.st.balances[balanceKey{userId, currency}]
}

// TotalBalance sums all balances of currency.
func (db *DB) TotalBalance(currency string) decimal.Decimal {
	db.mu.Lock()
	defer db.mu.Unlock()
	total := decimal.Zero
	for k, v := range db.st.balances {
		if k.currency == currency {
			total = total.Add(v)
		}
	}
	return total
}

func (s *state) findRecord(rec *model.SettlementRecord) int {
	for i, r := range s.records {
		if r.Cadence == rec.Cadence && r.Account == rec.Account && r.Coin == rec.Coin && r.WindowStart.Equal(rec.WindowStart) {
			return i
		}
	}
	return -1
}

type tx struct {
	db *DB
	st *state
}

func (t *tx) ClaimRecord(ctx context.Context, rec *model.SettlementRecord, now time.Time) (bool, error) {
	i := t.st.findRecord(rec)
	if i < 0 {
		t.st.nextId++
		rec.Id = t.st.nextId
		t.st.records = append(t.st.records, *rec)
		return true, nil
	}
	existing := t.st.records[i]
	if existing.Status != model.SettlementStatusFailed && existing.Status != model.SettlementStatusSkipped {
		return false, nil
	}
	if existing.RetryAfter == nil || now.Before(*existing.RetryAfter) {
		return false, nil
	}
	existing.Status = model.SettlementStatusProcessing
	existing.Attempts++
	existing.UpdatedAt = now
	t.st.records[i] = existing
	*rec = existing
	return true, nil
}

func (t *tx) UpdateRecord(ctx context.Context, rec *model.SettlementRecord) error {
	for i, r := range t.st.records {
		if r.Id == rec.Id {
			t.st.records[i] = *rec
			return nil
		}
	}
	return fmt.Errorf("record %d not found", rec.Id)
}

func (t *tx) UnsettledPayments(ctx context.Context, account, coin string, start, end time.Time) ([]model.IncomingPayment, error) {
	var out []model.IncomingPayment
	for _, p := range t.st.payments {
		if p.Account == account && p.Coin == coin && !p.Settled && !p.ArrivedAt.Before(start) && p.ArrivedAt.Before(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (t *tx) MarkPaymentsSettled(ctx context.Context, ids []uint64, at time.Time) error {
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range t.st.payments {
		p := &t.st.payments[i]
		if !want[p.Id] {
			continue
		}
		if p.Settled {
			return fmt.Errorf("payment %s already settled", p.TxHash)
		}
		settledAt := at
		p.Settled = true
		p.SettledAt = &settledAt
	}
	return nil
}

func (t *tx) SnapshotAt(ctx context.Context, account, coin string, at time.Time, tolerance time.Duration) (*model.AccountSnapshot, error) {
	var best *model.AccountSnapshot
	for i := range t.st.snapshots {
		s := &t.st.snapshots[i]
		if s.Account != account || s.Coin != coin || s.TakenAt.After(at) || s.TakenAt.Before(at.Add(-tolerance)) {
			continue
		}
		if best == nil || s.TakenAt.After(best.TakenAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (t *tx) TelemetryScores(ctx context.Context, family string, start, end time.Time) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, d := range t.st.devices {
		if d.Family != family || d.ReportedAt.Before(start) || !d.ReportedAt.Before(end) {
			continue
		}
		out[d.UserId] += d.Hashrate.Round(0).IntPart()
	}
	return out, nil
}

func (t *tx) Referral(ctx context.Context, userId int64) (*model.Referral, error) {
	r, ok := t.st.referrals[userId]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *tx) SumLedger(ctx context.Context, userId int64, party, category, currency string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range t.st.ledger {
		if e.UserId == userId && e.Party == party && e.Category == category && e.Currency == currency && !e.CreatedAt.Before(since) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (t *tx) DeviceHashrates(ctx context.Context, userId int64, since time.Time) ([]model.DeviceHashrate, error) {
	var out []model.DeviceHashrate
	for _, d := range t.st.devices {
		if d.UserId == userId && !d.ReportedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *tx) InsertLedger(ctx context.Context, entries ...model.LedgerEntry) error {
	if t.db.FailLedger {
		return fmt.Errorf("ledger unavailable")
	}
	for _, e := range entries {
		for _, x := range t.st.ledger {
			if x.SourceRef == e.SourceRef && x.UserId == e.UserId && x.Party == e.Party && x.Category == e.Category {
				return fmt.Errorf("duplicate ledger entry %s/%d/%s/%s", e.SourceRef, e.UserId, e.Party, e.Category)
			}
		}
		t.st.ledger = append(t.st.ledger, e)
	}
	return nil
}

func (t *tx) InsertEarnings(ctx context.Context, rows ...model.EarningsRecord) error {
	t.st.earnings = append(t.st.earnings, rows...)
	return nil
}

func (t *tx) AddBalance(ctx context.Context, userId int64, currency string, amount decimal.Decimal, at time.Time) error {
	k := balanceKey{userId, currency}
	t.st.balances[k] = t.st.balances[k].Add(amount)
	return nil
}
