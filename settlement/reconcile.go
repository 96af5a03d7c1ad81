package settlement

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"mining-settlement/config"
	"mining-settlement/ownership"
)

// Reconciler compares settled work with what the pool reported.
type Reconciler struct {
	db                DB
	alerter           Alerter
	unitDivisor       int64
	maxDeviation      decimal.Decimal
	maxUnclaimedRatio decimal.Decimal
}

// NewReconciler
func NewReconciler(db DB, alerter Alerter, unitDivisor int64, maxDeviation, maxUnclaimedRatio decimal.Decimal) *Reconciler {
	return &Reconciler{
		db:                db,
		alerter:           alerter,
		unitDivisor:       unitDivisor,
		maxDeviation:      maxDeviation,
		maxUnclaimedRatio: maxUnclaimedRatio,
	}
}

// Check raises anomalies for a settled window. It never fails the window.
func (r *Reconciler) Check(ctx context.Context, cadence string, acct *config.Account, w Window, scores ownership.UserScores) {
	base := Anomaly{Cadence: cadence, Account: acct.Name, Coin: acct.Coin, WindowStart: w.Start}

	if scores.Total > 0 && r.maxUnclaimedRatio.IsPositive() {
		ratio := decimal.NewFromInt(scores.Unclaimed).Div(decimal.NewFromInt(scores.Total))
		if ratio.GreaterThan(r.maxUnclaimedRatio) {
			a := base
			a.Kind = AnomalyUnclaimedRatio
			a.Severity = SeverityRoutine
			a.Message = "Unclaimed payhash share is above threshold"
			a.Fields = log.Fields{"ratio": ratio.StringFixed(4), "unresolved": len(scores.Unresolved)}
			r.alerter.Alert(ctx, a)
		}
	}

	if w.Seconds() <= 0 || !r.maxDeviation.IsPositive() {
		return
	}
	snapshots, err := r.db.SnapshotsBetween(ctx, acct.Name, acct.Coin, w.Start, w.End)
	if err != nil {
		log.WithFields(log.Fields{"account": acct.Name, "coin": acct.Coin}).Warnf("Unable to load snapshots for reconciliation: %v", err)
		return
	}
	reported, n := decimal.Zero, 0
	for _, s := range snapshots {
		if s.ReportedHashrate.IsPositive() {
			reported = reported.Add(s.ReportedHashrate)
			n++
		}
	}
	if n == 0 {
		return
	}
	reported = reported.Div(decimal.NewFromInt(int64(n)))
	measured := decimal.NewFromInt(scores.Total).Mul(decimal.NewFromInt(r.unitDivisor)).Div(decimal.NewFromInt(w.Seconds()))
	deviation := measured.Sub(reported).Abs().Div(reported)
	if deviation.LessThanOrEqual(r.maxDeviation) {
		return
	}

	a := base
	a.Kind = AnomalyHashrateDeviation
	a.Severity = SeverityRoutine
	a.Message = "Payhash rate deviates from pool reported hashrate"
	a.Fields = log.Fields{
		"measured":  humanize.SIWithDigits(measured.InexactFloat64(), 2, "H/s"),
		"reported":  humanize.SIWithDigits(reported.InexactFloat64(), 2, "H/s"),
		"deviation": deviation.StringFixed(4),
	}
	r.alerter.Alert(ctx, a)
}
