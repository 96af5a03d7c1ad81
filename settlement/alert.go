package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Severities.
const (
	SeverityHigh    = "high"
	SeverityRoutine = "routine"
)

// Anomaly kinds.
const (
	AnomalyHashrateDeviation = "hashrate_deviation"
	AnomalyUnclaimedRatio    = "unclaimed_ratio"
	AnomalyFallbackAdmin     = "fallback_admin"
	AnomalyFallbackUnclaimed = "fallback_unclaimed"
	AnomalyInvariant         = "invariant"
)

// Anomaly is a reconciliation finding.
type Anomaly struct {
	Kind        string                 `json:"kind"`
	Severity    string                 `json:"severity"`
	Cadence     string                 `json:"cadence"`
	Account     string                 `json:"account"`
	Coin        string                 `json:"coin"`
	WindowStart time.Time              `json:"windowStart"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// Alerter reports anomalies. Implementations must not block settlement.
type Alerter interface {
	Alert(ctx context.Context, a Anomaly)
}

// LogAlerter logs anomalies, counts them and optionally posts them to a webhook.
type LogAlerter struct {
	webhook string
	client  *http.Client
}

// NewLogAlerter
func NewLogAlerter(webhook string) *LogAlerter {
	return &LogAlerter{webhook: webhook, client: &http.Client{Timeout: 5 * time.Second}}
}

func (l *LogAlerter) Alert(ctx context.Context, a Anomaly) {
	anomaliesTotal.WithLabelValues(a.Kind, a.Severity).Inc()

	entry := log.WithFields(log.Fields{
		"kind":     a.Kind,
		"severity": a.Severity,
		"cadence":  a.Cadence,
		"account":  a.Account,
		"coin":     a.Coin,
		"window":   a.WindowStart.Format(time.RFC3339),
	})
	if len(a.Fields) > 0 {
		entry = entry.WithFields(log.Fields(a.Fields))
	}
	if a.Severity == SeverityHigh {
		entry.Error(a.Message)
	} else {
		entry.Warn(a.Message)
	}

	if l.webhook == "" {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		return
	}
	go func() {
		req, err := http.NewRequest(http.MethodPost, l.webhook, bytes.NewReader(body))
		if err != nil {
			log.Errorf("Unable to build alert webhook request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := l.client.Do(req)
		if err != nil {
			log.Errorf("Alert webhook failed: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Errorf("Alert webhook returned %s", resp.Status)
		}
	}()
}

// Throttle lets through one event per key per interval.
type Throttle struct {
	every    time.Duration
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewThrottle
func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{
		every:    every,
		limiters: expirable.NewLRU[string, *rate.Limiter](1024, nil, every),
	}
}

// Allow reports whether an event for key may be emitted now.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	l, ok := t.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters.Add(key, l)
	}
	return l.Allow()
}
