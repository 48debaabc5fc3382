package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleReader is the read side of the rule store. Every returned rule is a
// snapshot: later mutations of the store never show through it.
type RuleReader interface {
	// Get a rule by ID, including its shadow log
	Get(ctx context.Context, id string) (*Rule, error)

	// List all rules in creation order
	List(ctx context.Context) ([]*Rule, error)

	// ListEnabled returns enabled rules in creation order, without shadow logs
	ListEnabled(ctx context.Context) ([]*Rule, error)
}

// TelemetryRecorder applies dispatch telemetry. Each call is atomic per rule
// and never changes a rule's version or configuration.
type TelemetryRecorder interface {
	RecordFire(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id, message string, at time.Time) error
	RecordShadow(ctx context.Context, d ShadowDecision) error
	FlagConfigError(ctx context.Context, id, message string, at time.Time) error
}

// RuleStore manages rule persistence and retrieval.
type RuleStore interface {
	RuleReader
	TelemetryRecorder

	// Add a new rule; fails with ErrRuleExists on a duplicate ID
	Add(ctx context.Context, rule *Rule) error

	// Update an existing rule, enforcing version and stage transition checks
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule and its shadow log
	Delete(ctx context.Context, id string) error
}

// StoreOption configures a rule store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	shadowCapacity int
	now            func() time.Time
}

// WithShadowLogCapacity bounds the per-rule shadow log.
func WithShadowLogCapacity(n int) StoreOption {
	return func(o *storeOptions) {
		if n > 0 {
			o.shadowCapacity = n
		}
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{shadowCapacity: DefaultShadowLogCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// applyUpdate merges next onto existing: configuration comes from next,
// identity and telemetry are preserved from existing.
func applyUpdate(existing, next *Rule, now time.Time) error {
	if next.Version != 0 && next.Version != existing.Version {
		return fmt.Errorf("rule %s at version %d, update based on %d: %w",
			existing.ID, existing.Version, next.Version, ErrVersionConflict)
	}
	if _, err := existing.RolloutStage.Transition(next.RolloutStage); err != nil {
		return err
	}

	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = now
	next.Version = existing.Version + 1
	next.seq = existing.seq

	next.TriggerCount = existing.TriggerCount
	next.LastTriggeredAt = existing.LastTriggeredAt
	next.FailureCount = existing.FailureCount
	next.LastError = existing.LastError
	next.LastErrorAt = existing.LastErrorAt
	next.ConfigError = ""
	next.ShadowLog = nil
	return nil
}

// sortByCreation orders rules by store sequence, then ID.
func sortByCreation(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].seq != rules[j].seq {
			return rules[i].seq < rules[j].seq
		}
		return rules[i].ID < rules[j].ID
	})
}

type memoryEntry struct {
	rule   *Rule
	shadow *ShadowRing
}

// InMemoryRuleStore implements RuleStore as an arena of rules addressed by ID.
// Thread-safe with RWMutex; telemetry writes take the write lock so
// concurrent fires of the same rule never lose updates.
type InMemoryRuleStore struct {
	rules   map[string]*memoryEntry
	nextSeq int64
	opts    storeOptions
	mu      sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore(opts ...StoreOption) *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*memoryEntry),
		opts:  buildStoreOptions(opts),
	}
}

// Add adds a new rule to the store. Timestamps, version and telemetry are
// assigned by the store and written back to rule.
func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := s.opts.now()
	s.nextSeq++
	rule.seq = s.nextSeq
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1
	resetTelemetry(rule)

	s.rules[rule.ID] = &memoryEntry{rule: rule.Clone(), shadow: NewShadowRing(s.opts.shadowCapacity)}
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.rules[id]
	if !exists {
		return nil, notFound(id)
	}
	return entry.snapshot(), nil
}

// List returns all rules in creation order
func (s *InMemoryRuleStore) List(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, entry := range s.rules {
		out = append(out, entry.snapshot())
	}
	sortByCreation(out)
	return out, nil
}

// ListEnabled returns enabled rules in creation order
func (s *InMemoryRuleStore) ListEnabled(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, entry := range s.rules {
		if entry.rule.Enabled {
			out = append(out, entry.rule.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

// Update replaces an existing rule's configuration
func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.rules[rule.ID]
	if !exists {
		return notFound(rule.ID)
	}
	updated := rule.Clone()
	if err := applyUpdate(entry.rule, updated, s.opts.now()); err != nil {
		return err
	}
	entry.rule = updated.Clone()
	*rule = *updated
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return notFound(id)
	}
	delete(s.rules, id)
	return nil
}

// RecordFire increments trigger_count and sets last_triggered_at
func (s *InMemoryRuleStore) RecordFire(ctx context.Context, id string, at time.Time) error {
	return s.mutate(id, func(e *memoryEntry) {
		e.rule.TriggerCount++
		t := at
		e.rule.LastTriggeredAt = &t
	})
}

// RecordFailure counts a failed action execution
func (s *InMemoryRuleStore) RecordFailure(ctx context.Context, id, message string, at time.Time) error {
	return s.mutate(id, func(e *memoryEntry) {
		e.rule.FailureCount++
		e.rule.LastError = message
		t := at
		e.rule.LastErrorAt = &t
	})
}

// RecordShadow appends to the rule's bounded shadow log
func (s *InMemoryRuleStore) RecordShadow(ctx context.Context, d ShadowDecision) error {
	return s.mutate(d.RuleID, func(e *memoryEntry) {
		e.shadow.Append(d)
	})
}

// FlagConfigError marks a rule whose configuration failed at dispatch time
func (s *InMemoryRuleStore) FlagConfigError(ctx context.Context, id, message string, at time.Time) error {
	return s.mutate(id, func(e *memoryEntry) {
		e.rule.ConfigError = message
		t := at
		e.rule.LastErrorAt = &t
	})
}

func (s *InMemoryRuleStore) mutate(id string, fn func(*memoryEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.rules[id]
	if !exists {
		return notFound(id)
	}
	fn(entry)
	return nil
}

func (e *memoryEntry) snapshot() *Rule {
	r := e.rule.Clone()
	r.ShadowLog = e.shadow.Entries()
	return r
}

func resetTelemetry(r *Rule) {
	r.TriggerCount = 0
	r.LastTriggeredAt = nil
	r.FailureCount = 0
	r.LastError = ""
	r.LastErrorAt = nil
	r.ConfigError = ""
	r.ShadowLog = nil
}
