package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// API request and response models

// RuleRequest is the body for creating or replacing a rule
type RuleRequest struct {
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Trigger           rules.Trigger      `json:"trigger"`
	Conditions        []rules.Condition  `json:"conditions"`
	Action            rules.ActionKind   `json:"action"`
	ActionConfig      json.RawMessage    `json:"action_config"`
	RolloutStage      rules.RolloutStage `json:"rollout_stage,omitempty"`
	RolloutPercentage int                `json:"rollout_percentage"`
	Priority          int                `json:"priority"`
	Enabled           *bool              `json:"enabled,omitempty"`
	// Version enables optimistic concurrency on update; 0 skips the check.
	Version int `json:"version,omitempty"`
}

// toRule converts the request to a rule. The action configuration is decoded
// against the action's schema; unknown actions are left for validation.
func (req RuleRequest) toRule(id string) (*rules.Rule, error) {
	r := &rules.Rule{
		ID:                id,
		Name:              req.Name,
		Description:       req.Description,
		Trigger:           req.Trigger,
		Conditions:        req.Conditions,
		Action:            req.Action,
		RolloutStage:      req.RolloutStage,
		RolloutPercentage: req.RolloutPercentage,
		Priority:          req.Priority,
		Enabled:           req.Enabled == nil || *req.Enabled,
		Version:           req.Version,
	}
	if r.RolloutStage == "" {
		r.RolloutStage = rules.StageDisabled
	}
	if req.Action.Valid() {
		cfg, err := rules.DecodeActionConfig(req.Action, req.ActionConfig)
		if err != nil {
			return nil, &rules.ValidationError{Errors: []rules.FieldError{{Field: "action_config", Message: err.Error()}}}
		}
		r.ActionConfig = cfg
	}
	return r, nil
}

// ToggleRequest optionally sets the enabled flag instead of flipping it
type ToggleRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// StageRequest moves a rule through the rollout stages
type StageRequest struct {
	Stage      rules.RolloutStage `json:"stage"`
	Percentage *int               `json:"percentage,omitempty"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// ShadowLogResponse lists a rule's recent shadow decisions, oldest first
type ShadowLogResponse struct {
	RuleID  string                 `json:"rule_id"`
	Stage   rules.RolloutStage     `json:"rollout_stage"`
	Entries []rules.ShadowDecision `json:"entries"`
}

// EventResponse reports how each candidate rule handled a dispatched event
type EventResponse struct {
	Results        []rules.EvaluationResult `json:"results"`
	EvaluationTime string                   `json:"evaluation_time"`
}

// TriggerInfo describes a trigger in the catalog
type TriggerInfo struct {
	Name       rules.Trigger `json:"name"`
	EntityType string        `json:"entity_type"`
}

// ActionInfo describes an action in the catalog
type ActionInfo struct {
	Name           rules.ActionKind `json:"name"`
	RequiredFields []string         `json:"required_fields"`
}

// StageInfo describes a rollout stage and the stages it can move to
type StageInfo struct {
	Name        rules.RolloutStage   `json:"name"`
	Transitions []rules.RolloutStage `json:"transitions"`
}

// CatalogResponse lists what the automation builder can offer
type CatalogResponse struct {
	Triggers  []TriggerInfo    `json:"triggers"`
	Actions   []ActionInfo     `json:"actions"`
	Operators []rules.Operator `json:"operators"`
	Stages    []StageInfo      `json:"stages"`
}

// RuleCounts summarises configured rules
type RuleCounts struct {
	Total        int                        `json:"total"`
	Enabled      int                        `json:"enabled"`
	ByStage      map[rules.RolloutStage]int `json:"by_stage"`
	ConfigErrors int                        `json:"config_errors"`
}

// MetricsResponse represents the metrics endpoint payload
type MetricsResponse struct {
	Dispatch rules.DispatchStats `json:"dispatch"`
	Rules    RuleCounts          `json:"rules"`
	Log      logger.Counters     `json:"log"`
	Uptime   string              `json:"uptime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string             `json:"error"`
	Details string             `json:"details,omitempty"`
	Fields  []rules.FieldError `json:"fields,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string    `json:"status"`
	Storage string    `json:"storage"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}
