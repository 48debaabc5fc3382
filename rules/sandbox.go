package rules

import (
	"context"
	"fmt"

	"github.com/liamcoop/automations/internal/logger"
)

// EntityResolver fetches the current state of an entity for a dry run.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, entityType, entityID string) (map[string]any, error)
}

// TestRequest asks the sandbox to dry-run every rule against one entity.
// When Payload is nil the entity is fetched through the EntityResolver.
type TestRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RuleMatch is one rule's dry-run evaluation.
type RuleMatch struct {
	EvaluationResult
	Trigger Trigger    `json:"trigger"`
	Action  ActionKind `json:"action"`
	Enabled bool       `json:"enabled"`
}

// ActionPreview is an action that would truly execute under current rollout settings.
type ActionPreview struct {
	RuleID   string            `json:"rule_id"`
	RuleName string            `json:"rule_name"`
	Trigger  Trigger           `json:"trigger"`
	Stage    RolloutStage      `json:"rollout_stage"`
	Outcome  *ExecutionOutcome `json:"outcome"`
}

// TestAutomationResult is the outcome of a dry run.
type TestAutomationResult struct {
	EntityType           string          `json:"entity_type"`
	EntityID             string          `json:"entity_id"`
	Triggers             []Trigger       `json:"triggers"`
	Payload              map[string]any  `json:"payload"`
	ResolveError         string          `json:"resolve_error,omitempty"`
	MatchedRules         []RuleMatch     `json:"matched_rules"`
	ActionsThatWouldFire []ActionPreview `json:"actions_that_would_fire"`
}

// Sandbox dry-runs rules. It can only read rules and only simulate actions:
// it holds neither telemetry writers nor an executor, so a dry run has no
// side effects by construction.
type Sandbox struct {
	rules     RuleReader
	evaluator *ConditionEvaluator
	sampler   Sampler
	resolver  EntityResolver
}

// NewSandbox creates a sandbox. resolver may be nil, in which case requests
// without a payload are evaluated against an empty entity.
func NewSandbox(rules RuleReader, ev *ConditionEvaluator, sampler Sampler, resolver EntityResolver) *Sandbox {
	return &Sandbox{rules: rules, evaluator: ev, sampler: sampler, resolver: resolver}
}

// Test evaluates every rule whose trigger concerns req.EntityType against a
// synthesized event for the entity.
func (s *Sandbox) Test(ctx context.Context, req TestRequest) (*TestAutomationResult, error) {
	if req.EntityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	triggers := TriggersForEntity(req.EntityType)
	if len(triggers) == 0 {
		return nil, fmt.Errorf("no triggers known for entity type %q", req.EntityType)
	}

	result := &TestAutomationResult{
		EntityType:           req.EntityType,
		EntityID:             req.EntityID,
		Triggers:             triggers,
		MatchedRules:         []RuleMatch{},
		ActionsThatWouldFire: []ActionPreview{},
	}
	result.Payload, result.ResolveError = s.payloadFor(ctx, req)

	all, err := s.rules.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	for _, trigger := range triggers {
		var candidates []*Rule
		for _, r := range all {
			if r.Trigger == trigger {
				candidates = append(candidates, r)
			}
		}
		sortByPriority(candidates)

		event := TriggerEvent{
			ID:         "dry-run",
			Trigger:    trigger,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Payload:    result.Payload,
		}
		for _, rule := range candidates {
			res, v := evaluateRule(s.evaluator, s.sampler, rule, event)
			match := RuleMatch{EvaluationResult: res, Trigger: trigger, Action: rule.Action, Enabled: rule.Enabled}

			if v == verdictExecute {
				outcome, err := SimulateAction(rule, event)
				if err != nil {
					match.Error = err.Error()
				} else {
					match.Outcome = outcome
					result.ActionsThatWouldFire = append(result.ActionsThatWouldFire, ActionPreview{
						RuleID:   rule.ID,
						RuleName: rule.Name,
						Trigger:  trigger,
						Stage:    rule.RolloutStage,
						Outcome:  outcome,
					})
				}
			}
			result.MatchedRules = append(result.MatchedRules, match)
		}
	}
	return result, nil
}

func (s *Sandbox) payloadFor(ctx context.Context, req TestRequest) (map[string]any, string) {
	if req.Payload != nil {
		return req.Payload, ""
	}
	if s.resolver == nil {
		return map[string]any{}, ""
	}
	entity, err := s.resolver.ResolveEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		logger.Warn("dry run: failed to resolve entity",
			"entity_type", req.EntityType, "entity_id", req.EntityID, "error", err)
		return map[string]any{}, err.Error()
	}
	return map[string]any{req.EntityType: entity}, ""
}
