package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/monitor"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

// Entry event types.
const (
	EventAdmission     = "admission"
	EventStateChange   = "state_change"
	EventParamsUpdated = "params_updated"
)

// Entry is one recorded decision. Entries are never modified after record.
type Entry struct {
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"` // admission|state_change|params_updated
	Timestamp time.Time `json:"ts"`
	Token     string    `json:"token,omitempty"`
	Chain     string    `json:"chain,omitempty"`
	Decision  string    `json:"decision,omitempty"` // allow|deny, new state, params version
	Payload   string    `json:"payload"`            // JSON of the full record
}

// Admission is the audit view of one admission decision. TraceID is the
// triggering event's ID.
type Admission struct {
	TraceID     string
	Token       string
	Chain       string
	Allowed     bool
	ReasonCodes []string
	Timestamp   time.Time
	Detail      any
}

// Trail keeps the most recent decisions in memory for the health/debug
// endpoints. When full, the oldest entry is discarded.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	maxBuf  int
}

// NewTrail creates a trail holding at most maxBuf entries. maxBuf <= 0 keeps
// nothing.
func NewTrail(maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
	}
}

// RecordAdmission logs an admission decision.
func (t *Trail) RecordAdmission(a Admission) {
	decision := "deny"
	if a.Allowed {
		decision = "allow"
	}
	payload := a.Detail
	if payload == nil {
		payload = struct {
			ReasonCodes []string `json:"reason_codes"`
		}{a.ReasonCodes}
	}
	t.record(Entry{
		TraceID:   a.TraceID,
		EventType: EventAdmission,
		Timestamp: a.Timestamp,
		Token:     a.Token,
		Chain:     a.Chain,
		Decision:  decision,
		Payload:   mustMarshal(payload),
	})
}

// RecordTransition logs a monitor state change. It matches the monitor's
// transition hook signature.
func (t *Trail) RecordTransition(tr monitor.Transition) {
	detail := struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Endpoint string `json:"endpoint,omitempty"`
		Attempt  int    `json:"attempt"`
		Err      string `json:"error,omitempty"`
	}{From: tr.From.String(), To: tr.To.String(), Endpoint: tr.Endpoint, Attempt: tr.Attempt}
	if tr.Err != nil {
		detail.Err = tr.Err.Error()
	}
	t.record(Entry{
		EventType: EventStateChange,
		Timestamp: tr.At,
		Chain:     string(tr.Chain),
		Decision:  tr.To.String(),
		Payload:   mustMarshal(detail),
	})
}

// RecordParams logs a newly published live parameter set.
func (t *Trail) RecordParams(p strategy.LiveParams) {
	t.record(Entry{
		EventType: EventParamsUpdated,
		Timestamp: p.UpdatedAt,
		Decision:  p.Source,
		Payload:   mustMarshal(p),
	})
}

// Query returns all entries with the given trace ID.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the buffer, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(entry Entry) {
	if t.maxBuf == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.maxBuf {
		copy(t.entries, t.entries[1:])
		t.entries[len(t.entries)-1] = entry
		return
	}
	t.entries = append(t.entries, entry)
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return "{}"
	}
	return string(data)
}
