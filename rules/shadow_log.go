package rules

import "time"

// DefaultShadowLogCapacity is the number of decisions retained per rule.
const DefaultShadowLogCapacity = 100

// Shadow decision reasons.
const (
	ShadowReasonShadow      = "shadow"
	ShadowReasonNotAdmitted = "not_admitted"
)

// ShadowDecision records that a rule would have fired without executing.
type ShadowDecision struct {
	RuleID     string    `json:"rule_id"`
	EventID    string    `json:"event_id,omitempty"`
	Trigger    Trigger   `json:"trigger"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ShadowRing is a fixed-capacity ring buffer of shadow decisions.
// Appending beyond capacity evicts the oldest entry. Not safe for concurrent
// use; the owning store serialises access.
type ShadowRing struct {
	entries []ShadowDecision
	start   int
	size    int
}

// NewShadowRing creates a ring holding at most capacity decisions.
func NewShadowRing(capacity int) *ShadowRing {
	if capacity <= 0 {
		capacity = DefaultShadowLogCapacity
	}
	return &ShadowRing{entries: make([]ShadowDecision, capacity)}
}

// Append adds d, evicting the oldest decision when full.
func (r *ShadowRing) Append(d ShadowDecision) {
	capacity := len(r.entries)
	if r.size < capacity {
		r.entries[(r.start+r.size)%capacity] = d
		r.size++
		return
	}
	r.entries[r.start] = d
	r.start = (r.start + 1) % capacity
}

// Len returns the number of retained decisions.
func (r *ShadowRing) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *ShadowRing) Cap() int { return len(r.entries) }

// Entries returns the retained decisions, oldest first.
func (r *ShadowRing) Entries() []ShadowDecision {
	out := make([]ShadowDecision, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}
