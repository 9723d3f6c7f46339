// Package metrics exposes process-level counters for monitoring.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics is a small set of in-memory counters covering the pipeline and the
// tracking surface.
type Metrics struct {
	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	sent          atomic.Int64
	failed        atomic.Int64
	retried       atomic.Int64
	opens         atomic.Int64
	clicks        atomic.Int64
}

// New returns a zeroed Metrics collector.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncRunsStarted()   { m.runsStarted.Add(1) }
func (m *Metrics) IncRunsCompleted() { m.runsCompleted.Add(1) }
func (m *Metrics) IncRunsFailed()    { m.runsFailed.Add(1) }
func (m *Metrics) IncSent()          { m.sent.Add(1) }
func (m *Metrics) IncFailed()        { m.failed.Add(1) }
func (m *Metrics) IncRetried()       { m.retried.Add(1) }
func (m *Metrics) IncOpens()         { m.opens.Add(1) }
func (m *Metrics) IncClicks()        { m.clicks.Add(1) }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"runs_started":    m.runsStarted.Load(),
		"runs_completed":  m.runsCompleted.Load(),
		"runs_failed":     m.runsFailed.Load(),
		"messages_sent":   m.sent.Load(),
		"messages_failed": m.failed.Load(),
		"send_retries":    m.retried.Load(),
		"opens":           m.opens.Load(),
		"clicks":          m.clicks.Load(),
	}
}

// Handler serves the counters as JSON.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
