package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestDispatcher(t *testing.T, store RuleStore, sampler Sampler, c Collaborators) *Dispatcher {
	t.Helper()
	if sampler == nil {
		sampler = HashSampler{}
	}
	return NewDispatcher(store, NewInMemoryRulesCache(CacheConfig{}), newTestEvaluator(t), sampler,
		NewActionExecutor(c, time.Second), DispatcherConfig{})
}

func resultByID(results []EvaluationResult, id string) (EvaluationResult, bool) {
	for _, r := range results {
		if r.RuleID == id {
			return r, true
		}
	}
	return EvaluationResult{}, false
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	mustAdd(t, store,
		workItemRule("p5", StageFull, 5),
		workItemRule("p1-first", StageFull, 1),
		workItemRule("p3", StageFull, 3),
		workItemRule("p1-second", StageFull, 1),
	)
	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})

	results, err := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	want := []string{"p1-first", "p1-second", "p3", "p5"}
	for i, id := range want {
		if results[i].RuleID != id {
			t.Fatalf("Expected evaluation order %v, got %v", want, resultIDs(results))
		}
		if !results[i].Fired || results[i].Outcome == nil || !results[i].Outcome.Success {
			t.Errorf("Expected %s to fire successfully, got %+v", id, results[i])
		}
	}
	if len(work.requests()) != 4 {
		t.Errorf("Expected 4 work items, got %d", len(work.requests()))
	}
	for _, id := range want {
		if got := mustGet(t, store, id); got.TriggerCount != 1 || got.LastTriggeredAt == nil {
			t.Errorf("Expected %s trigger_count 1, got %d", id, got.TriggerCount)
		}
	}
}

func TestDispatcher_ShadowStage(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	mustAdd(t, store, workItemRule("shadow", StageShadow, 1))
	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})

	ev := delayedEvent("SHP-9")
	ev.ID = "evt-9"
	results, err := d.Dispatch(context.Background(), ev)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := results[0]
	if !res.ConditionsMet || !res.WouldFire || res.Fired || !res.ShadowLogged {
		t.Errorf("Unexpected shadow result: %+v", res)
	}
	if len(work.requests()) != 0 {
		t.Error("Expected shadow rule not to execute")
	}

	got := mustGet(t, store, "shadow")
	if got.TriggerCount != 0 {
		t.Errorf("Expected shadow rule trigger_count 0, got %d", got.TriggerCount)
	}
	if len(got.ShadowLog) != 1 {
		t.Fatalf("Expected 1 shadow decision, got %d", len(got.ShadowLog))
	}
	d0 := got.ShadowLog[0]
	if d0.EntityID != "SHP-9" || d0.EventID != "evt-9" || d0.EntityType != EntityShipment || d0.Reason != ShadowReasonShadow {
		t.Errorf("Unexpected shadow decision: %+v", d0)
	}
}

func TestDispatcher_PartialStage(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	partial := workItemRule("partial", StagePartial, 1)
	partial.RolloutPercentage = 50
	mustAdd(t, store, partial)
	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, fixedSampler{"SHP-in": true}, Collaborators{WorkItems: work})

	admitted, err := d.Dispatch(context.Background(), delayedEvent("SHP-in"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if r := admitted[0]; !r.WouldFire || !r.Fired || r.ShadowLogged {
		t.Errorf("Expected admitted entity to fire, got %+v", r)
	}

	rejected, err := d.Dispatch(context.Background(), delayedEvent("SHP-out"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if r := rejected[0]; r.WouldFire || r.Fired || !r.ShadowLogged || !r.ConditionsMet {
		t.Errorf("Expected non-admitted entity to be shadow logged, got %+v", r)
	}

	got := mustGet(t, store, "partial")
	if got.TriggerCount != 1 {
		t.Errorf("Expected trigger_count 1, got %d", got.TriggerCount)
	}
	if len(got.ShadowLog) != 1 || got.ShadowLog[0].EntityID != "SHP-out" || got.ShadowLog[0].Reason != ShadowReasonNotAdmitted {
		t.Errorf("Unexpected shadow log: %+v", got.ShadowLog)
	}
	if reqs := work.requests(); len(reqs) != 1 || reqs[0].EntityID != "SHP-in" {
		t.Errorf("Expected one work item for SHP-in, got %+v", reqs)
	}
}

func TestDispatcher_PartialIsDeterministic(t *testing.T) {
	store := NewInMemoryRuleStore()
	partial := workItemRule("partial", StagePartial, 1)
	partial.RolloutPercentage = 30
	mustAdd(t, store, partial)
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: &fakeWorkItems{}})

	for _, entity := range []string{"SHP-1", "SHP-2", "SHP-3", "SHP-4"} {
		want := HashSampler{}.Admit("partial", entity, 30)
		for i := 0; i < 3; i++ {
			results, err := d.Dispatch(context.Background(), delayedEvent(entity))
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if results[0].Fired != want {
				t.Fatalf("%s: expected fired=%v on every dispatch", entity, want)
			}
		}
	}
}

func TestDispatcher_DisabledAndNonMatching(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	stageDisabled := workItemRule("stage-disabled", StageDisabled, 1)
	switchedOff := workItemRule("switched-off", StageFull, 1)
	switchedOff.Enabled = false
	noMatch := workItemRule("no-match", StageFull, 2)
	noMatch.Conditions = []Condition{{Field: "shipment.status", Operator: OpEquals, Value: "delivered"}}
	otherTrigger := workItemRule("other-trigger", StageFull, 1)
	otherTrigger.Trigger = TriggerShipmentDelivered
	mustAdd(t, store, stageDisabled, switchedOff, noMatch, otherTrigger)

	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})
	results, err := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if got := resultIDs(results); len(got) != 1 || got[0] != "no-match" {
		t.Fatalf("Expected only dispatchable rules for the trigger, got %v", got)
	}
	if _, ok := resultByID(results, "stage-disabled"); ok {
		t.Error("Expected disabled stage rule to be excluded before evaluation")
	}
	if r, _ := resultByID(results, "no-match"); r.ConditionsMet || r.Fired {
		t.Errorf("Expected non-matching rule not to fire, got %+v", r)
	}
	if len(work.requests()) != 0 {
		t.Errorf("Expected no actions, got %d", len(work.requests()))
	}
	if stats := d.Stats(); stats.Evaluated != 1 {
		t.Errorf("Expected 1 evaluation, got %+v", stats)
	}
}

func TestDispatcher_EquipmentTypeCondition(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	reefer := workItemRule("reefer-check", StageFull, 1)
	reefer.Trigger = TriggerShipmentCreated
	reefer.Conditions = []Condition{{Field: "shipment.equipment_type", Operator: OpEquals, Value: "reefer"}}
	mustAdd(t, store, reefer)

	tests := []struct {
		equipment string
		wantFired bool
	}{
		{"reefer", true},
		{"van", false},
	}
	for _, tt := range tests {
		t.Run(tt.equipment, func(t *testing.T) {
			work := &fakeWorkItems{}
			d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})
			results, err := d.Dispatch(context.Background(), TriggerEvent{
				Trigger:  TriggerShipmentCreated,
				EntityID: "SHP-" + tt.equipment,
				Payload:  map[string]any{"shipment": map[string]any{"equipment_type": tt.equipment}},
			})
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("Expected 1 result, got %d", len(results))
			}
			if r := results[0]; r.ConditionsMet != tt.wantFired || r.Fired != tt.wantFired {
				t.Errorf("Expected conditions_met=fired=%v, got %+v", tt.wantFired, r)
			}
			if got := len(work.requests()); (got == 1) != tt.wantFired {
				t.Errorf("Expected fired=%v, got %d work items", tt.wantFired, got)
			}
		})
	}
}

func TestDispatcher_RolloutPercentageBounds(t *testing.T) {
	defer goleak.VerifyNone(t)

	entities := []string{"SHP-1", "SHP-2", "SHP-3", "SHP-4", "SHP-5", "SHP-6", "SHP-7", "SHP-8"}
	tests := []struct {
		name       string
		percentage int
		wantFired  bool
	}{
		{"zero percent never fires", 0, false},
		{"hundred percent always fires", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryRuleStore(WithShadowLogCapacity(len(entities)))
			partial := workItemRule("partial", StagePartial, 1)
			partial.RolloutPercentage = tt.percentage
			mustAdd(t, store, partial)
			work := &fakeWorkItems{}
			d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})

			for _, entity := range entities {
				results, err := d.Dispatch(context.Background(), delayedEvent(entity))
				if err != nil {
					t.Fatalf("Dispatch failed: %v", err)
				}
				if r := results[0]; r.Fired != tt.wantFired || r.ShadowLogged == tt.wantFired {
					t.Errorf("%s: expected fired=%v, got %+v", entity, tt.wantFired, r)
				}
			}

			got := mustGet(t, store, "partial")
			wantFires, wantShadow := 0, len(entities)
			if tt.wantFired {
				wantFires, wantShadow = len(entities), 0
			}
			if len(work.requests()) != wantFires || got.TriggerCount != int64(wantFires) {
				t.Errorf("Expected %d fires, got %d requests and trigger_count %d", wantFires, len(work.requests()), got.TriggerCount)
			}
			if len(got.ShadowLog) != wantShadow {
				t.Errorf("Expected %d shadow decisions, got %d", wantShadow, len(got.ShadowLog))
			}
			for _, sd := range got.ShadowLog {
				if sd.Reason != ShadowReasonNotAdmitted {
					t.Errorf("Expected reason %q, got %q", ShadowReasonNotAdmitted, sd.Reason)
				}
			}
		})
	}
}

func TestDispatcher_ConfigErrorSkipsRule(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	broken := workItemRule("broken", StageFull, 1)
	broken.ActionConfig = &CreateWorkItemConfig{WorkType: "exception"}
	mustAdd(t, store, broken, workItemRule("healthy", StageFull, 2))

	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})
	results, err := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if r, _ := resultByID(results, "broken"); r.Fired || r.Error == "" {
		t.Errorf("Expected broken rule to be skipped with an error, got %+v", r)
	}
	if r, _ := resultByID(results, "healthy"); !r.Fired {
		t.Errorf("Expected healthy rule to fire, got %+v", r)
	}

	got := mustGet(t, store, "broken")
	if got.ConfigError == "" || got.TriggerCount != 0 || got.FailureCount != 0 {
		t.Errorf("Expected config error flagged without counts, got error=%q count=%d failures=%d",
			got.ConfigError, got.TriggerCount, got.FailureCount)
	}
	if reqs := work.requests(); len(reqs) != 1 || reqs[0].RuleID != "healthy" {
		t.Errorf("Expected only the healthy rule to execute, got %+v", reqs)
	}
	if stats := d.Stats(); stats.ConfigErrors != 1 || stats.Fired != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	failing := workItemRule("failing", StageFull, 1)
	notify := &Rule{
		ID:           "notify",
		Name:         "Notify ops",
		Trigger:      TriggerShipmentStatusChanged,
		Action:       ActionSendNotification,
		ActionConfig: &SendNotificationConfig{Recipient: "ops", Message: "{{entity_id}} delayed"},
		RolloutStage: StageFull,
		Priority:     2,
		Enabled:      true,
	}
	mustAdd(t, store, failing, notify)

	notes := &fakeNotifications{}
	d := newTestDispatcher(t, store, nil, Collaborators{
		WorkItems:     &fakeWorkItems{err: errors.New("work item service unavailable")},
		Notifications: notes,
	})
	results, err := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if r, _ := resultByID(results, "failing"); !r.Fired || r.Error == "" || r.Outcome == nil || r.Outcome.Success {
		t.Errorf("Expected failing rule to report its failure, got %+v", r)
	}
	if r, _ := resultByID(results, "notify"); !r.Fired || r.Error != "" {
		t.Errorf("Expected notify rule to succeed, got %+v", r)
	}

	got := mustGet(t, store, "failing")
	if got.FailureCount != 1 || got.LastError == "" || got.LastErrorAt == nil || got.TriggerCount != 0 {
		t.Errorf("Unexpected failure telemetry: %+v", got)
	}
	if got := mustGet(t, store, "notify"); got.TriggerCount != 1 {
		t.Errorf("Expected notify trigger_count 1, got %d", got.TriggerCount)
	}
	if stats := d.Stats(); stats.Failed != 1 || stats.Fired != 1 || stats.Events != 1 || stats.Evaluated != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestDispatcher_TelemetryFailureDoesNotAbort(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := NewInMemoryRuleStore()
	mustAdd(t, inner, workItemRule("full", StageFull, 1), workItemRule("shadow", StageShadow, 2))
	d := newTestDispatcher(t, failingTelemetryStore{inner}, nil, Collaborators{WorkItems: &fakeWorkItems{}})

	results, err := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if r, _ := resultByID(results, "full"); !r.Fired || r.Error != "" {
		t.Errorf("Expected action to succeed despite telemetry failure, got %+v", r)
	}
	if r, _ := resultByID(results, "shadow"); !r.WouldFire || r.ShadowLogged {
		t.Errorf("Expected unrecorded shadow decision, got %+v", r)
	}
}

func TestDispatcher_BoundedParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		mustAdd(t, store, workItemRule(id, StageFull, 1))
	}
	work := &fakeWorkItems{release: make(chan struct{}), started: make(chan string, 4)}
	d := NewDispatcher(store, nil, newTestEvaluator(t), HashSampler{},
		NewActionExecutor(Collaborators{WorkItems: work}, 5*time.Second), DispatcherConfig{MaxParallelActions: 2})

	done := make(chan []EvaluationResult, 1)
	go func() {
		results, _ := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
		done <- results
	}()

	<-work.started
	<-work.started
	time.Sleep(50 * time.Millisecond)
	if n := len(work.started); n != 0 {
		t.Errorf("Expected at most 2 concurrent actions, %d more started", n)
	}
	select {
	case <-done:
		t.Fatal("Dispatch returned before its actions completed")
	default:
	}

	close(work.release)
	results := <-done
	if len(results) != 4 || len(work.requests()) != 4 {
		t.Errorf("Expected all 4 actions to run, got %d results and %d requests", len(results), len(work.requests()))
	}
}

func TestDispatcher_SlowActionsDoNotDelayEvaluation(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	for i := 0; i <= DefaultMaxParallelActions; i++ {
		mustAdd(t, store, workItemRule(fmt.Sprintf("full-%d", i), StageFull, 1))
	}
	mustAdd(t, store, workItemRule("shadow", StageShadow, 50))

	work := &fakeWorkItems{release: make(chan struct{}), started: make(chan string, DefaultMaxParallelActions+1)}
	d := NewDispatcher(store, nil, newTestEvaluator(t), HashSampler{},
		NewActionExecutor(Collaborators{WorkItems: work}, 5*time.Second), DispatcherConfig{})

	done := make(chan []EvaluationResult, 1)
	go func() {
		results, _ := d.Dispatch(context.Background(), delayedEvent("SHP-1"))
		done <- results
	}()

	for i := 0; i < DefaultMaxParallelActions; i++ {
		<-work.started
	}
	if got := mustGet(t, store, "shadow"); len(got.ShadowLog) != 1 {
		t.Errorf("Expected lower-priority shadow rule to be recorded while actions block, got %d entries", len(got.ShadowLog))
	}

	close(work.release)
	results := <-done
	if r, _ := resultByID(results, "shadow"); !r.ShadowLogged {
		t.Errorf("Expected shadow rule to be logged, got %+v", r)
	}
	if n := len(work.requests()); n != DefaultMaxParallelActions+1 {
		t.Errorf("Expected %d actions to run, got %d", DefaultMaxParallelActions+1, n)
	}
}

func TestDispatcher_CallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewInMemoryRuleStore()
	mustAdd(t, store, workItemRule("full", StageFull, 1))
	work := &fakeWorkItems{}
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: work})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := d.Dispatch(ctx, delayedEvent("SHP-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !results[0].Fired || results[0].Error != "" {
		t.Errorf("Expected action to run despite cancelled caller, got %+v", results[0])
	}
	if got := mustGet(t, store, "full"); got.TriggerCount != 1 {
		t.Errorf("Expected telemetry to be recorded, got trigger_count %d", got.TriggerCount)
	}
}

func TestDispatcher_InvalidEvent(t *testing.T) {
	d := newTestDispatcher(t, NewInMemoryRuleStore(), nil, Collaborators{})

	if _, err := d.Dispatch(context.Background(), TriggerEvent{Trigger: "load_posted", EntityID: "x"}); err == nil {
		t.Error("Expected unknown trigger to be rejected")
	}
	if _, err := d.Dispatch(context.Background(), TriggerEvent{Trigger: TriggerInvoiceDue}); err == nil {
		t.Error("Expected missing entity_id to be rejected")
	}
	if stats := d.Stats(); stats.Events != 0 {
		t.Errorf("Expected rejected events not to be counted, got %d", stats.Events)
	}
}

func TestDispatcher_CacheInvalidation(t *testing.T) {
	store := NewInMemoryRuleStore()
	mustAdd(t, store, workItemRule("first", StageFull, 1))
	d := newTestDispatcher(t, store, nil, Collaborators{WorkItems: &fakeWorkItems{}})

	if results, _ := d.Dispatch(context.Background(), delayedEvent("SHP-1")); len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	mustAdd(t, store, workItemRule("second", StageFull, 2))
	if results, _ := d.Dispatch(context.Background(), delayedEvent("SHP-1")); len(results) != 1 {
		t.Errorf("Expected cached rule set, got %d results", len(results))
	}

	d.Invalidate()
	if results, _ := d.Dispatch(context.Background(), delayedEvent("SHP-1")); len(results) != 2 {
		t.Errorf("Expected reload after invalidation, got %d results", len(results))
	}
}

func TestNormalizeEvent(t *testing.T) {
	ev, err := normalizeEvent(TriggerEvent{Trigger: TriggerTenderExpired, EntityID: "TND-1"})
	if err != nil {
		t.Fatalf("normalizeEvent failed: %v", err)
	}
	if ev.EntityType != EntityTender || ev.ID == "" || ev.Payload == nil {
		t.Errorf("Expected defaults to be filled, got %+v", ev)
	}

	ev, _ = normalizeEvent(TriggerEvent{ID: "evt-1", Trigger: TriggerTenderExpired, EntityType: "load", EntityID: "TND-1"})
	if ev.ID != "evt-1" || ev.EntityType != "load" {
		t.Errorf("Expected explicit values to be kept, got %+v", ev)
	}
}

func resultIDs(results []EvaluationResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.RuleID
	}
	return ids
}
