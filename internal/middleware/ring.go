package middleware

import (
	"sync"
	"time"
)

// DecisionRecord is one row in the recent-decisions ring, what the ops API
// shows for debugging policies.
type DecisionRecord struct {
	EvaluationID   string    `json:"evaluation_id"`
	Path           string    `json:"path"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason"`
	BotProbability float64   `json:"bot_probability"`
	RiskBand       string    `json:"risk_band"`
	At             time.Time `json:"at"`
}

// DecisionRing keeps the last N decisions.
type DecisionRing struct {
	mu   sync.Mutex
	buf  []DecisionRecord
	next int
	full bool
}

// NewDecisionRing creates a ring with the given capacity.
func NewDecisionRing(capacity int) *DecisionRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &DecisionRing{buf: make([]DecisionRecord, capacity)}
}

// Add appends a record, overwriting the oldest when full.
func (r *DecisionRing) Add(rec DecisionRecord) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// List returns the records newest first.
func (r *DecisionRing) List() []DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]DecisionRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
