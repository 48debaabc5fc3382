package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	ev, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("Failed to create evaluator: %v", err)
	}
	return ev
}

// sampleRule is a rule whose every field survives a JSON round trip unchanged.
func sampleRule(id string) *Rule {
	rate := 1800.5
	return &Rule{
		ID:          id,
		Name:        "Assign preferred carrier",
		Description: "Re-tender rejected CHI-DAL loads to the lane's backup carrier",
		Trigger:     TriggerTenderRejected,
		Conditions: []Condition{
			{Field: "tender.lane", Operator: OpEquals, Value: "CHI-DAL"},
			{Field: "tender.weight", Operator: OpGreaterThan, Value: float64(10000)},
			{Field: "tender.equipment", Operator: OpIn, Value: []any{"reefer", "dry_van"}},
		},
		Action:            ActionAssignCarrier,
		ActionConfig:      &AssignCarrierConfig{CarrierID: "CAR-7", Rate: &rate},
		RolloutStage:      StagePartial,
		RolloutPercentage: 25,
		Priority:          10,
		Enabled:           true,
	}
}

// workItemRule fires on delayed shipments and creates a work item.
func workItemRule(id string, stage RolloutStage, priority int) *Rule {
	return &Rule{
		ID:      id,
		Name:    "Delayed shipment " + id,
		Trigger: TriggerShipmentStatusChanged,
		Conditions: []Condition{
			{Field: "shipment.status", Operator: OpEquals, Value: "delayed"},
		},
		Action:       ActionCreateWorkItem,
		ActionConfig: &CreateWorkItemConfig{WorkType: "exception", Title: "Delayed {{entity_id}}", Priority: "high"},
		RolloutStage: stage,
		Priority:     priority,
		Enabled:      true,
	}
}

func delayedEvent(entityID string) TriggerEvent {
	return TriggerEvent{
		Trigger:  TriggerShipmentStatusChanged,
		EntityID: entityID,
		Payload:  map[string]any{"shipment": map[string]any{"status": "delayed"}},
	}
}

func mustAdd(t *testing.T, store RuleStore, rules ...*Rule) {
	t.Helper()
	for _, r := range rules {
		if err := store.Add(context.Background(), r); err != nil {
			t.Fatalf("Failed to add rule %s: %v", r.ID, err)
		}
	}
}

func mustGet(t *testing.T, store RuleReader, id string) *Rule {
	t.Helper()
	r, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get rule %s: %v", id, err)
	}
	return r
}

// fakeWorkItems records work item requests. It can be told to fail or to
// block until released.
type fakeWorkItems struct {
	mu      sync.Mutex
	calls   []WorkItemRequest
	err     error
	release chan struct{}
	started chan string
}

func (f *fakeWorkItems) CreateWorkItem(ctx context.Context, req WorkItemRequest) (string, error) {
	if f.started != nil {
		f.started <- req.RuleID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return "WI-" + req.EntityID, nil
}

func (f *fakeWorkItems) requests() []WorkItemRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WorkItemRequest(nil), f.calls...)
}

// fakeNotifications records notifications and escalations.
type fakeNotifications struct {
	mu          sync.Mutex
	notified    []NotificationRequest
	escalations []EscalationRequest
}

func (f *fakeNotifications) Notify(ctx context.Context, req NotificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, req)
	return nil
}

func (f *fakeNotifications) Escalate(ctx context.Context, req EscalationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, req)
	return nil
}

// failingTelemetryStore wraps a store and fails every telemetry write.
type failingTelemetryStore struct {
	RuleStore
}

var errTelemetryDown = errors.New("telemetry backend unavailable")

func (failingTelemetryStore) RecordFire(ctx context.Context, id string, at time.Time) error {
	return errTelemetryDown
}

func (failingTelemetryStore) RecordShadow(ctx context.Context, d ShadowDecision) error {
	return errTelemetryDown
}

// fixedSampler admits exactly the listed entities.
type fixedSampler map[string]bool

func (s fixedSampler) Admit(ruleID, entityID string, percentage int) bool {
	return s[entityID]
}
