package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/internal/logger"
)

// EngineConfig tunes an Engine. Zero values select defaults.
type EngineConfig struct {
	Cache         CacheConfig
	Dispatcher    DispatcherConfig
	ActionTimeout time.Duration
	Sampler       Sampler
	Resolver      EntityResolver
}

// Engine is the automation engine: rule configuration, live dispatch and
// dry runs over one RuleStore.
// Thread-safe for concurrent use.
type Engine struct {
	store      RuleStore
	evaluator  *ConditionEvaluator
	dispatcher *Dispatcher
	sandbox    *Sandbox
}

// maxUpdateAttempts bounds retries of read-modify-write operations that race
// with concurrent edits.
const maxUpdateAttempts = 3

// NewEngine creates an engine over store, delegating actions to collaborators.
// Expressions of existing rules are compiled up front.
func NewEngine(store RuleStore, collaborators Collaborators, cfg EngineConfig) (*Engine, error) {
	evaluator, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = HashSampler{}
	}

	executor := NewActionExecutor(collaborators, cfg.ActionTimeout)
	en := &Engine{
		store:      store,
		evaluator:  evaluator,
		dispatcher: NewDispatcher(store, NewInMemoryRulesCache(cfg.Cache), evaluator, sampler, executor, cfg.Dispatcher),
		sandbox:    NewSandbox(store, evaluator, sampler, cfg.Resolver),
	}

	if err := en.CompileAllRules(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// CompileAllRules compiles the CEL expressions of every stored rule. Rules
// that no longer validate are logged and left to fail closed at dispatch.
func (en *Engine) CompileAllRules(ctx context.Context) error {
	all, err := en.store.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range all {
		if err := ValidateRule(r, en.evaluator); err != nil {
			logger.Warn("stored rule does not validate", "rule_id", r.ID, "error", err)
		}
	}
	return nil
}

// AddRule validates and stores a new rule. An empty ID is replaced with a UUID.
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Conditions == nil {
		r.Conditions = []Condition{}
	}
	if err := ValidateRule(r, en.evaluator); err != nil {
		return err
	}
	if err := en.store.Add(ctx, r); err != nil {
		return err
	}
	en.dispatcher.Invalidate()
	logger.Info("automation rule created", "rule_id", r.ID, "trigger", string(r.Trigger), "stage", string(r.RolloutStage))
	return nil
}

// UpdateRule validates and replaces a rule's configuration. A non-zero
// r.Version must match the stored version.
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	if r.Conditions == nil {
		r.Conditions = []Condition{}
	}
	if err := ValidateRule(r, en.evaluator); err != nil {
		return err
	}
	if err := en.store.Update(ctx, r); err != nil {
		return err
	}
	en.dispatcher.Invalidate()
	return nil
}

// DeleteRule removes a rule.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}
	en.dispatcher.Invalidate()
	return nil
}

// GetRule returns a rule snapshot including its shadow log.
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// ListRules returns all rules, optionally restricted to one trigger.
func (en *Engine) ListRules(ctx context.Context, trigger Trigger) ([]*Rule, error) {
	all, err := en.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if trigger == "" {
		return all, nil
	}
	filtered := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Trigger == trigger {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// SetEnabled switches a rule on or off. Disabling excludes the rule from
// dispatch regardless of its rollout stage.
func (en *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*Rule, error) {
	return en.modify(ctx, id, func(r *Rule) error {
		r.Enabled = enabled
		return nil
	})
}

// ToggleEnabled flips a rule's enabled flag.
func (en *Engine) ToggleEnabled(ctx context.Context, id string) (*Rule, error) {
	return en.modify(ctx, id, func(r *Rule) error {
		r.Enabled = !r.Enabled
		return nil
	})
}

// TransitionStage moves a rule through the rollout state machine. percentage,
// when non-nil, replaces the rollout percentage.
func (en *Engine) TransitionStage(ctx context.Context, id string, stage RolloutStage, percentage *int) (*Rule, error) {
	if percentage != nil && (*percentage < 0 || *percentage > 100) {
		verr := &ValidationError{}
		verr.add("rollout_percentage", "must be between 0 and 100, got %d", *percentage)
		return nil, verr
	}
	return en.modify(ctx, id, func(r *Rule) error {
		next, err := r.RolloutStage.Transition(stage)
		if err != nil {
			return err
		}
		r.RolloutStage = next
		if percentage != nil {
			r.RolloutPercentage = *percentage
		}
		return nil
	})
}

// Dispatch evaluates the event against enabled rules.
func (en *Engine) Dispatch(ctx context.Context, event TriggerEvent) ([]EvaluationResult, error) {
	return en.dispatcher.Dispatch(ctx, event)
}

// Test dry-runs all rules against one entity without side effects.
func (en *Engine) Test(ctx context.Context, req TestRequest) (*TestAutomationResult, error) {
	return en.sandbox.Test(ctx, req)
}

// Stats returns cumulative dispatch counters.
func (en *Engine) Stats() DispatchStats {
	return en.dispatcher.Stats()
}

func (en *Engine) modify(ctx context.Context, id string, fn func(*Rule) error) (*Rule, error) {
	for attempt := 1; ; attempt++ {
		r, err := en.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		err = en.store.Update(ctx, r)
		if errors.Is(err, ErrVersionConflict) && attempt < maxUpdateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		en.dispatcher.Invalidate()
		return en.store.Get(ctx, id)
	}
}
