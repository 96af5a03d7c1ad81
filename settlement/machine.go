package settlement

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"mining-settlement/allocation"
	"mining-settlement/config"
	"mining-settlement/model"
	"mining-settlement/ownership"
	"mining-settlement/payhash"
)

var (
	errDuplicate = errors.New("window claimed elsewhere")
	errSkip      = errors.New("payhash unavailable")
)

// Owners resolves worker ids to users.
type Owners interface {
	ResolveOwners(ctx context.Context, workerIds []string) (map[string]int64, error)
}

// MachineConfig
type MachineConfig struct {
	MaxWindowsPerRun int
	MaxRunTime       time.Duration
	Cooldown         time.Duration
	MaxAttempts      int

	MissingPolicy string
	AdminUserId   int64
	// SinkUserId collects unclaimed work and, unless ResidueToLastUser is set, the rounding residue.
	SinkUserId        int64
	ResidueToLastUser bool
	FallbackFamily    func(family string) bool
}

// RunStats summarises one run.
type RunStats struct {
	Windows     int
	Settled     int
	Skipped     int
	Failed      int
	Duplicates  int
	Distributed decimal.Decimal
}

// Machine settles the windows of one cadence.
type Machine struct {
	cfg         MachineConfig
	source      IncomeSource
	accounts    []*config.Account
	db          DB
	aggregator  *payhash.Aggregator
	owners      Owners
	distributor *Distributor
	reconciler  *Reconciler
	alerter     Alerter
	throttle    *Throttle

	running atomic.Bool
	now     func() time.Time
}

// Deps groups the collaborators of a machine.
type Deps struct {
	DB          DB
	Aggregator  *payhash.Aggregator
	Owners      Owners
	Distributor *Distributor
	Reconciler  *Reconciler
	Alerter     Alerter
	Throttle    *Throttle
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewMachine
func NewMachine(cfg MachineConfig, source IncomeSource, accounts []*config.Account, deps Deps) *Machine {
	if cfg.FallbackFamily == nil {
		cfg.FallbackFamily = func(string) bool { return false }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Machine{
		cfg:         cfg,
		source:      source,
		accounts:    accounts,
		db:          deps.DB,
		aggregator:  deps.Aggregator,
		owners:      deps.Owners,
		distributor: deps.Distributor,
		reconciler:  deps.Reconciler,
		alerter:     deps.Alerter,
		throttle:    deps.Throttle,
		now:         deps.Now,
	}
}

// Cadence
func (m *Machine) Cadence() string { return m.source.Cadence() }

type candidate struct {
	acct     *config.Account
	window   Window
	existing *model.SettlementRecord
}

// Run settles pending windows oldest first until none are left or a budget runs out.
// Overlapping runs are refused with ErrBusy.
func (m *Machine) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{Distributed: decimal.Zero}
	if !m.running.CompareAndSwap(false, true) {
		return stats, ErrBusy
	}
	defer m.running.Store(false)

	start := m.now()
	deadline := start.Add(m.cfg.MaxRunTime)
	runId := uuid.New()
	logger := log.WithFields(log.Fields{"cadence": m.Cadence(), "run": runId})

	candidates, err := m.candidates(ctx, start)
	if err != nil {
		return stats, err
	}

	// accounts whose oldest open window did not settle in this run
	blocked := make(map[*config.Account]bool)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if blocked[c.acct] {
			continue
		}
		if stats.Windows >= m.cfg.MaxWindowsPerRun {
			logger.Infof("Window budget of %d reached", m.cfg.MaxWindowsPerRun)
			break
		}
		if m.cfg.MaxRunTime > 0 && !m.now().Before(deadline) {
			logger.Infof("Run time budget of %v reached", m.cfg.MaxRunTime)
			break
		}
		stats.Windows++

		amount, err := m.settle(ctx, c)
		switch {
		case err == nil:
			stats.Settled++
			stats.Distributed = stats.Distributed.Add(amount)
			windowsTotal.WithLabelValues(m.Cadence(), "success").Inc()
		case errors.Is(err, errDuplicate):
			stats.Duplicates++
			blocked[c.acct] = true
			windowsTotal.WithLabelValues(m.Cadence(), "duplicate").Inc()
		case errors.Is(err, errSkip):
			stats.Skipped++
			windowsTotal.WithLabelValues(m.Cadence(), "skipped").Inc()
		default:
			stats.Failed++
			blocked[c.acct] = true
			windowsTotal.WithLabelValues(m.Cadence(), "failed").Inc()
		}
	}

	logger.WithFields(log.Fields{
		"windows":     stats.Windows,
		"settled":     stats.Settled,
		"skipped":     stats.Skipped,
		"failed":      stats.Failed,
		"duplicates":  stats.Duplicates,
		"distributed": stats.Distributed.String(),
		"elapsed":     m.now().Sub(start),
	}).Info("Settlement run finished")
	return stats, nil
}

func (m *Machine) candidates(ctx context.Context, now time.Time) ([]candidate, error) {
	var out []candidate
	for _, acct := range m.accounts {
		windows, err := m.source.Windows(ctx, m.db, acct, now)
		if err != nil {
			return nil, err
		}
		if len(windows) == 0 {
			continue
		}
		records, err := m.db.ListRecords(ctx, m.Cadence(), acct.Name, acct.Coin, windows[0].Start)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		byStart := make(map[int64]*model.SettlementRecord, len(records))
		for i := range records {
			byStart[records[i].WindowStart.Unix()] = &records[i]
		}
		for _, w := range windows {
			rec := byStart[w.Start.Unix()]
			if rec != nil && !rec.Retryable(now) {
				if rec.Status == model.SettlementStatusFailed {
					// 失败窗口未结算前，后面的窗口不结算
					log.WithFields(log.Fields{
						"cadence": m.Cadence(),
						"account": acct.Name,
						"coin":    acct.Coin,
						"window":  w.Start.Format(time.RFC3339),
					}).Debug("Account waits on failed window")
					break
				}
				continue
			}
			out = append(out, candidate{acct: acct, window: w, existing: rec})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].window.Start.Before(out[j].window.Start)
	})
	return out, nil
}

// settle processes one window and returns the distributed amount in payout currency.
func (m *Machine) settle(ctx context.Context, c candidate) (decimal.Decimal, error) {
	now := m.now()
	acct, w := c.acct, c.window
	logger := log.WithFields(log.Fields{
		"cadence": m.Cadence(),
		"account": acct.Name,
		"coin":    acct.Coin,
		"window":  w.Start.Format(time.RFC3339),
	})

	var (
		distributed = decimal.Zero
		collapsed   ownership.UserScores
		source      string
	)
	err := m.db.InTx(ctx, func(tx Tx) error {
		rec := &model.SettlementRecord{
			Cadence:     m.Cadence(),
			Account:     acct.Name,
			Coin:        acct.Coin,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			Currency:    m.distributor.Currency(),
			Status:      model.SettlementStatusProcessing,
			Attempts:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ok, err := tx.ClaimRecord(ctx, rec, now)
		if err != nil {
			return Error.Wrap(err)
		}
		if !ok {
			return errDuplicate
		}

		income, err := m.source.Income(ctx, tx, acct, w)
		if err != nil {
			return err
		}
		rec.TotalAmount = income.Total()

		if income.Total().IsZero() {
			source = model.AllocationNone
		} else {
			var userScores map[int64]int64
			var total int64
			userScores, total, collapsed, source, err = m.scores(ctx, tx, acct, w, logger)
			if err != nil {
				return err
			}
			rec.TotalWork = total

			for _, unit := range income.Units {
				converted, err := m.distributeUnit(ctx, tx, acct, w, unit, total, userScores)
				if err != nil {
					return err
				}
				distributed = distributed.Add(converted)
			}
		}

		if len(income.Payments) > 0 {
			if err := tx.MarkPaymentsSettled(ctx, income.Payments, now); err != nil {
				return Error.Wrap(err)
			}
		}

		rec.ConvertedAmount = distributed
		rec.AllocationSource = source
		rec.Status = model.SettlementStatusSuccess
		rec.RetryAfter = nil
		rec.LastError = ""
		rec.UpdatedAt = now
		return Error.Wrap(tx.UpdateRecord(ctx, rec))
	})

	switch {
	case err == nil:
		logger.WithFields(log.Fields{"source": source, "amount": distributed.String()}).Info("Settled window")
		if source == model.AllocationPayhash && m.reconciler != nil {
			m.reconciler.Check(ctx, m.Cadence(), acct, w, collapsed)
		}
		return distributed, nil
	case errors.Is(err, errDuplicate):
		logger.Debug("Window already claimed")
		return decimal.Zero, err
	}

	m.recordFailure(ctx, c, now, err, logger)
	return decimal.Zero, err
}

// scores returns the allocation weights of a window, falling back to device telemetry and
// then to the missing payhash policy. errSkip means the window is left for later.
func (m *Machine) scores(ctx context.Context, tx Tx, acct *config.Account, w Window, logger *log.Entry) (map[int64]int64, int64, ownership.UserScores, string, error) {
	var collapsed ownership.UserScores

	workers, err := m.aggregator.Aggregate(ctx, payhash.Scope{Account: acct.Name, Coin: acct.Coin}, w.Start, w.End)
	if err != nil {
		logger.Errorf("Payhash query failed: %v", err)
	} else if len(workers) > 0 {
		ids := make([]string, 0, len(workers))
		for _, s := range workers {
			ids = append(ids, s.WorkerId)
		}
		owners, err := m.owners.ResolveOwners(ctx, ids)
		if err != nil {
			return nil, 0, collapsed, "", err
		}
		collapsed = ownership.Collapse(workers, owners, m.cfg.SinkUserId)
		if collapsed.Total > 0 {
			return collapsed.Users, collapsed.Total, collapsed, model.AllocationPayhash, nil
		}
	}

	if m.cfg.FallbackFamily(acct.Algorithm) {
		users, err := tx.TelemetryScores(ctx, acct.Algorithm, w.Start, w.End)
		if err != nil {
			return nil, 0, collapsed, "", Error.Wrap(err)
		}
		var total int64
		for _, v := range users {
			if v > 0 {
				total += v
			}
		}
		if total > 0 {
			logger.Info("Allocating window by device telemetry")
			return users, total, collapsed, model.AllocationTelemetry, nil
		}
	}

	key := m.Cadence() + "/" + acct.Name + "/" + acct.Coin
	if m.throttle.Allow(key) {
		logger.WithField("policy", m.cfg.MissingPolicy).Warn("No payhash for window")
	}

	anomaly := Anomaly{Cadence: m.Cadence(), Account: acct.Name, Coin: acct.Coin, WindowStart: w.Start}
	switch m.cfg.MissingPolicy {
	case config.PolicyFallbackAdmin:
		anomaly.Kind, anomaly.Severity = AnomalyFallbackAdmin, SeverityHigh
		anomaly.Message = "Window income credited to admin user"
		m.alert(ctx, anomaly)
		return map[int64]int64{m.cfg.AdminUserId: 1}, 1, collapsed, model.AllocationAdmin, nil
	case config.PolicyFallbackUnclaimed:
		anomaly.Kind, anomaly.Severity = AnomalyFallbackUnclaimed, SeverityRoutine
		anomaly.Message = "Window income credited to unclaimed user"
		m.alert(ctx, anomaly)
		return map[int64]int64{m.cfg.SinkUserId: 1}, 1, collapsed, model.AllocationUnclaimed, nil
	}
	return nil, 0, collapsed, "", errSkip
}

func (m *Machine) distributeUnit(ctx context.Context, tx Tx, acct *config.Account, w Window, unit Unit, total int64, userScores map[int64]int64) (decimal.Decimal, error) {
	converted, err := m.distributor.Convert(ctx, acct.Coin, unit.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := allocation.Allocate(converted, total, userScores, allocation.Options{
		Scale:             m.distributor.Scale(),
		SinkUserId:        m.cfg.SinkUserId,
		ResidueToLastUser: m.cfg.ResidueToLastUser,
	})
	if err != nil {
		return decimal.Zero, ErrInvariant.Wrap(err)
	}

	users := make([]int64, 0, len(shares))
	for userId := range shares {
		users = append(users, userId)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	distributed := decimal.Zero
	for _, userId := range users {
		_, err := m.distributor.Distribute(ctx, tx, Credit{
			UserId:    userId,
			Amount:    shares[userId],
			Coin:      acct.Coin,
			SourceRef: unit.SourceRef,
			Cadence:   m.Cadence(),
			EarnedAt:  w.End,
		})
		if err != nil {
			return decimal.Zero, err
		}
		distributed = distributed.Add(shares[userId])
	}
	if !distributed.Equal(converted) {
		return decimal.Zero, ErrInvariant.New("unit %s distributed %s of %s", unit.SourceRef, distributed, converted)
	}
	return converted, nil
}

// recordFailure persists a rolled back window as SKIPPED or FAILED with a cooldown, or
// without one once attempts are exhausted.
func (m *Machine) recordFailure(ctx context.Context, c candidate, now time.Time, cause error, logger *log.Entry) {
	rec := &model.SettlementRecord{
		Cadence:     m.Cadence(),
		Account:     c.acct.Name,
		Coin:        c.acct.Coin,
		WindowStart: c.window.Start,
		WindowEnd:   c.window.End,
		Currency:    m.distributor.Currency(),
		Status:      model.SettlementStatusFailed,
		Attempts:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastError:   cause.Error(),
	}
	if c.existing != nil {
		rec.Id = c.existing.Id
		rec.Attempts = c.existing.Attempts + 1
		rec.CreatedAt = c.existing.CreatedAt
	}
	if errors.Is(cause, errSkip) {
		rec.Status = model.SettlementStatusSkipped
		rec.AllocationSource = model.AllocationNone
	}
	if m.cfg.MaxAttempts <= 0 || rec.Attempts < m.cfg.MaxAttempts {
		retry := now.Add(m.cfg.Cooldown)
		rec.RetryAfter = &retry
	}

	entry := logger.WithFields(log.Fields{"status": rec.Status, "attempts": rec.Attempts})
	switch {
	case errors.Is(cause, errSkip):
		entry.Debug("Skipped window")
	case ErrDeferred.Has(cause):
		entry.Warnf("Deferred window: %v", cause)
	default:
		entry.Errorf("Failed to settle window: %v", cause)
	}
	if ErrInvariant.Has(cause) || allocation.ErrInvariant.Has(cause) {
		m.alert(ctx, Anomaly{
			Kind:        AnomalyInvariant,
			Severity:    SeverityHigh,
			Cadence:     m.Cadence(),
			Account:     c.acct.Name,
			Coin:        c.acct.Coin,
			WindowStart: c.window.Start,
			Message:     cause.Error(),
		})
	}
	if rec.RetryAfter == nil {
		logger.Errorf("Window gave up after %d attempts", rec.Attempts)
	}

	if err := m.db.SaveRecord(ctx, rec); err != nil {
		logger.Errorf("Unable to save window status: %v", err)
	}
}

func (m *Machine) alert(ctx context.Context, a Anomaly) {
	if m.alerter != nil {
		m.alerter.Alert(ctx, a)
	}
}
