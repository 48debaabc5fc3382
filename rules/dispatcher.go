package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/automations/internal/logger"
)

// DefaultMaxParallelActions bounds concurrent action executions per dispatch.
const DefaultMaxParallelActions = 8

// sortByPriority orders rules for evaluation: ascending priority (lower value
// first), ties broken by creation order and then ID.
func sortByPriority(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.ID < b.ID
	})
}

// verdict is what the rollout stage makes of a rule whose evaluation is done.
type verdict int

const (
	verdictSkip verdict = iota
	verdictShadow
	verdictExecute
)

// evaluateRule decides a rule against an event without side effects. Both the
// live dispatcher and the sandbox go through it.
func evaluateRule(ev *ConditionEvaluator, sampler Sampler, rule *Rule, event TriggerEvent) (EvaluationResult, verdict) {
	res := EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Priority: rule.Priority,
		Stage:    rule.RolloutStage,
	}
	res.ConditionsMet = ev.Evaluate(rule.Conditions, event.Payload)
	if !res.ConditionsMet || !rule.Enabled {
		return res, verdictSkip
	}

	switch rule.RolloutStage {
	case StageShadow:
		res.WouldFire = true
		return res, verdictShadow
	case StagePartial:
		if sampler.Admit(rule.ID, event.EntityID, rule.RolloutPercentage) {
			res.WouldFire = true
			return res, verdictExecute
		}
		return res, verdictShadow
	case StageFull:
		res.WouldFire = true
		return res, verdictExecute
	default:
		return res, verdictSkip
	}
}

// DispatchStats are cumulative dispatch counters.
type DispatchStats struct {
	Events       int64 `json:"events"`
	Evaluated    int64 `json:"evaluated"`
	Matched      int64 `json:"matched"`
	Fired        int64 `json:"fired"`
	Failed       int64 `json:"failed"`
	Shadowed     int64 `json:"shadowed"`
	ConfigErrors int64 `json:"config_errors"`
}

type dispatchCounters struct {
	events, evaluated, matched, fired, failed, shadowed, configErrors atomic.Int64
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// MaxParallelActions bounds concurrent action executions per event.
	MaxParallelActions int
	// Now overrides the telemetry clock.
	Now func() time.Time
}

// Dispatcher evaluates enabled rules for incoming trigger events and applies
// their rollout stage. It holds no per-event state and is safe for
// concurrent use; the store is the only shared mutable state.
type Dispatcher struct {
	store       RuleStore
	cache       RulesCache
	evaluator   *ConditionEvaluator
	sampler     Sampler
	executor    *ActionExecutor
	maxParallel int
	now         func() time.Time
	counters    dispatchCounters
}

// NewDispatcher wires a dispatcher. A nil cache disables caching.
func NewDispatcher(store RuleStore, cache RulesCache, ev *ConditionEvaluator, sampler Sampler, executor *ActionExecutor, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxParallelActions <= 0 {
		cfg.MaxParallelActions = DefaultMaxParallelActions
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:       store,
		cache:       cache,
		evaluator:   ev,
		sampler:     sampler,
		executor:    executor,
		maxParallel: cfg.MaxParallelActions,
		now:         cfg.Now,
	}
}

// Dispatch evaluates every enabled rule for the event's trigger in priority
// order. Matching shadow rules, and partial rules the sampler does not admit,
// are recorded in the shadow log. Evaluation of all candidates completes
// before any action starts, so slow actions never delay later rules. Full
// rules and admitted partial rules then run their actions with bounded
// parallelism; Dispatch returns once every action has completed or timed
// out. A failing rule never prevents the others from being evaluated.
func (d *Dispatcher) Dispatch(ctx context.Context, event TriggerEvent) ([]EvaluationResult, error) {
	event, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}
	d.counters.events.Add(1)

	candidates, err := d.rulesFor(ctx, event.Trigger)
	if err != nil {
		return nil, err
	}

	// Telemetry and actions outlive a caller that stops waiting.
	bg := context.WithoutCancel(ctx)

	results := make([]EvaluationResult, len(candidates))
	var pending []int

	for i, rule := range candidates {
		res, v := evaluateRule(d.evaluator, d.sampler, rule, event)
		d.counters.evaluated.Add(1)
		if res.ConditionsMet {
			d.counters.matched.Add(1)
		}

		switch v {
		case verdictShadow:
			res.ShadowLogged = d.recordShadow(bg, rule, event)
		case verdictExecute:
			if err := checkConfig(rule); err != nil {
				res.Error = err.Error()
				d.flagConfigError(bg, rule, err)
				break
			}
			res.Fired = true
			pending = append(pending, i)
		}
		results[i] = res
	}

	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for _, i := range pending {
		g.Go(func() error {
			d.execute(bg, candidates[i], event, &results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (d *Dispatcher) execute(ctx context.Context, rule *Rule, event TriggerEvent, res *EvaluationResult) {
	outcome, err := d.executor.Execute(ctx, ModeLive, rule, event)
	res.Outcome = outcome
	at := d.now()

	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, ErrInvalidConfig) {
			d.flagConfigError(ctx, rule, err)
			return
		}
		d.counters.failed.Add(1)
		logger.Warn("automation action failed",
			"rule_id", rule.ID, "action", string(rule.Action), "entity_id", event.EntityID, "error", err)
		if rerr := d.store.RecordFailure(ctx, rule.ID, err.Error(), at); rerr != nil {
			logger.Error("failed to record action failure", "rule_id", rule.ID, "error", rerr)
		}
		return
	}

	d.counters.fired.Add(1)
	logger.Debug("automation rule fired",
		"rule_id", rule.ID, "action", string(rule.Action), "entity_id", event.EntityID, "reference", outcome.Reference)
	if rerr := d.store.RecordFire(ctx, rule.ID, at); rerr != nil {
		logger.Error("failed to record rule fire", "rule_id", rule.ID, "error", rerr)
	}
}

func (d *Dispatcher) recordShadow(ctx context.Context, rule *Rule, event TriggerEvent) bool {
	reason := ShadowReasonShadow
	if rule.RolloutStage == StagePartial {
		reason = ShadowReasonNotAdmitted
	}
	err := d.store.RecordShadow(ctx, ShadowDecision{
		RuleID:     rule.ID,
		EventID:    event.ID,
		Trigger:    event.Trigger,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Reason:     reason,
		RecordedAt: d.now(),
	})
	if err != nil {
		logger.Error("failed to record shadow decision", "rule_id", rule.ID, "error", err)
		return false
	}
	d.counters.shadowed.Add(1)
	return true
}

func (d *Dispatcher) flagConfigError(ctx context.Context, rule *Rule, cause error) {
	d.counters.configErrors.Add(1)
	logger.Warn("automation rule skipped: invalid configuration", "rule_id", rule.ID, "error", cause)
	if err := d.store.FlagConfigError(ctx, rule.ID, cause.Error(), d.now()); err != nil {
		logger.Error("failed to flag rule configuration error", "rule_id", rule.ID, "error", err)
	}
}

// rulesFor returns the dispatchable rules for trigger in evaluation order,
// from the cache when it is valid. Rules in the disabled stage are never
// candidates.
func (d *Dispatcher) rulesFor(ctx context.Context, trigger Trigger) ([]*Rule, error) {
	var generation uint64
	if d.cache != nil {
		if cached, ok := d.cache.Get(trigger); ok {
			return cached, nil
		}
		generation = d.cache.Generation()
	}

	enabled, err := d.store.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	live := make([]*Rule, 0, len(enabled))
	for _, r := range enabled {
		if r.Enabled && r.RolloutStage != StageDisabled {
			live = append(live, r)
		}
	}
	if d.cache != nil && !d.cache.Set(generation, live) {
		logger.Debug("discarded rule snapshot invalidated during load", "trigger", string(trigger))
	}

	var matching []*Rule
	for _, r := range live {
		if r.Trigger == trigger {
			matching = append(matching, r)
		}
	}
	sortByPriority(matching)
	return matching, nil
}

// Invalidate drops cached rules after a configuration change.
func (d *Dispatcher) Invalidate() {
	if d.cache != nil {
		d.cache.Invalidate()
	}
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Events:       d.counters.events.Load(),
		Evaluated:    d.counters.evaluated.Load(),
		Matched:      d.counters.matched.Load(),
		Fired:        d.counters.fired.Load(),
		Failed:       d.counters.failed.Load(),
		Shadowed:     d.counters.shadowed.Load(),
		ConfigErrors: d.counters.configErrors.Load(),
	}
}

// normalizeEvent validates an event and fills defaults: an ID, the entity
// type implied by the trigger, and an empty payload.
func normalizeEvent(event TriggerEvent) (TriggerEvent, error) {
	if !event.Trigger.Valid() {
		return event, fmt.Errorf("unknown trigger %q", event.Trigger)
	}
	if event.EntityID == "" {
		return event, fmt.Errorf("entity_id is required")
	}
	if event.EntityType == "" {
		event.EntityType = event.Trigger.EntityType()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	return event, nil
}
