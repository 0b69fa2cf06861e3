package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics holds the operational counters exposed at /metrics.
type Metrics struct {
	signups        atomic.Uint64
	logins         atomic.Uint64
	activeConns    atomic.Int64
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	presenceEvents atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncAccepted() {
	m.accepted.Add(1)
}

func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) IncPresenceEvent() {
	m.presenceEvents.Add(1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":           m.signups.Load(),
		"logins_total":            m.logins.Load(),
		"active_connections":      m.activeConns.Load(),
		"messages_accepted_total": m.accepted.Load(),
		"messages_rejected_total": m.rejected.Load(),
		"presence_events_total":   m.presenceEvents.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
