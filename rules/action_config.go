package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind is the kind of action a rule performs when it fires.
type ActionKind string

const (
	ActionCreateWorkItem   ActionKind = "create_work_item"
	ActionSendNotification ActionKind = "send_notification"
	ActionAssignCarrier    ActionKind = "assign_carrier"
	ActionUpdateStatus     ActionKind = "update_status"
	ActionCreateTender     ActionKind = "create_tender"
	ActionAutoApprove      ActionKind = "auto_approve"
	ActionEscalate         ActionKind = "escalate"
	ActionSendEmail        ActionKind = "send_email"
)

// requiredFields is the per-kind schema of mandatory action_config keys.
var requiredFields = map[ActionKind][]string{
	ActionCreateWorkItem:   {"work_type", "title", "priority"},
	ActionSendNotification: {"recipient", "message"},
	ActionAssignCarrier:    {"carrier_id"},
	ActionUpdateStatus:     {"status"},
	ActionCreateTender:     {"carrier_id"},
	ActionAutoApprove:      {},
	ActionEscalate:         {"escalate_to", "reason"},
	ActionSendEmail:        {"to", "subject", "body"},
}

// Actions returns every action kind in a stable order.
func Actions() []ActionKind {
	return []ActionKind{
		ActionCreateWorkItem, ActionSendNotification, ActionAssignCarrier, ActionUpdateStatus,
		ActionCreateTender, ActionAutoApprove, ActionEscalate, ActionSendEmail,
	}
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	_, ok := requiredFields[k]
	return ok
}

// RequiredFields returns the action_config keys that must be non-empty for k.
func RequiredFields(k ActionKind) []string {
	return append([]string(nil), requiredFields[k]...)
}

// ActionConfig is the typed configuration of one action kind.
type ActionConfig interface {
	Kind() ActionKind
	// Validate reports missing required fields as a *ConfigError.
	Validate() error

	clone() ActionConfig
	expand(func(string) string) ActionConfig
}

type CreateWorkItemConfig struct {
	WorkType    string `json:"work_type"`
	Title       string `json:"title"`
	Priority    string `json:"priority"`
	Assignee    string `json:"assignee,omitempty"`
	Description string `json:"description,omitempty"`
}

func (c *CreateWorkItemConfig) Kind() ActionKind { return ActionCreateWorkItem }

func (c *CreateWorkItemConfig) Validate() error {
	return missing(c.Kind(), map[string]string{"work_type": c.WorkType, "title": c.Title, "priority": c.Priority})
}

func (c *CreateWorkItemConfig) clone() ActionConfig { cp := *c; return &cp }

func (c *CreateWorkItemConfig) expand(f func(string) string) ActionConfig {
	return &CreateWorkItemConfig{
		WorkType: f(c.WorkType), Title: f(c.Title), Priority: f(c.Priority),
		Assignee: f(c.Assignee), Description: f(c.Description),
	}
}

type SendNotificationConfig struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Channel   string `json:"channel,omitempty"`
}

func (c *SendNotificationConfig) Kind() ActionKind { return ActionSendNotification }

func (c *SendNotificationConfig) Validate() error {
	return missing(c.Kind(), map[string]string{"recipient": c.Recipient, "message": c.Message})
}

func (c *SendNotificationConfig) clone() ActionConfig { cp := *c; return &cp }

func (c *SendNotificationConfig) expand(f func(string) string) ActionConfig {
	return &SendNotificationConfig{Recipient: f(c.Recipient), Message: f(c.Message), Channel: f(c.Channel)}
}

type AssignCarrierConfig struct {
	CarrierID string   `json:"carrier_id"`
	Rate      *float64 `json:"rate,omitempty"`
}

func (c *AssignCarrierConfig) Kind() ActionKind { return ActionAssignCarrier }

func (c *AssignCarrierConfig) Validate() error {
	if err := missing(c.Kind(), map[string]string{"carrier_id": c.CarrierID}); err != nil {
		return err
	}
	if c.Rate != nil && *c.Rate < 0 {
		return &ConfigError{Action: c.Kind(), Reason: "rate must not be negative"}
	}
	return nil
}

func (c *AssignCarrierConfig) clone() ActionConfig {
	cp := *c
	cp.Rate = cloneFloat(c.Rate)
	return &cp
}

func (c *AssignCarrierConfig) expand(f func(string) string) ActionConfig {
	return &AssignCarrierConfig{CarrierID: f(c.CarrierID), Rate: cloneFloat(c.Rate)}
}

type UpdateStatusConfig struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (c *UpdateStatusConfig) Kind() ActionKind { return ActionUpdateStatus }

func (c *UpdateStatusConfig) Validate() error {
	return missing(c.Kind(), map[string]string{"status": c.Status})
}

func (c *UpdateStatusConfig) clone() ActionConfig { cp := *c; return &cp }

func (c *UpdateStatusConfig) expand(f func(string) string) ActionConfig {
	return &UpdateStatusConfig{Status: f(c.Status), Reason: f(c.Reason)}
}

type CreateTenderConfig struct {
	CarrierID        string   `json:"carrier_id"`
	Rate             *float64 `json:"rate,omitempty"`
	ExpiresInMinutes int      `json:"expires_in_minutes,omitempty"`
}

func (c *CreateTenderConfig) Kind() ActionKind { return ActionCreateTender }

func (c *CreateTenderConfig) Validate() error {
	if err := missing(c.Kind(), map[string]string{"carrier_id": c.CarrierID}); err != nil {
		return err
	}
	if c.Rate != nil && *c.Rate < 0 {
		return &ConfigError{Action: c.Kind(), Reason: "rate must not be negative"}
	}
	if c.ExpiresInMinutes < 0 {
		return &ConfigError{Action: c.Kind(), Reason: "expires_in_minutes must not be negative"}
	}
	return nil
}

func (c *CreateTenderConfig) clone() ActionConfig {
	cp := *c
	cp.Rate = cloneFloat(c.Rate)
	return &cp
}

func (c *CreateTenderConfig) expand(f func(string) string) ActionConfig {
	return &CreateTenderConfig{CarrierID: f(c.CarrierID), Rate: cloneFloat(c.Rate), ExpiresInMinutes: c.ExpiresInMinutes}
}

type AutoApproveConfig struct {
	Reason string `json:"reason,omitempty"`
}

func (c *AutoApproveConfig) Kind() ActionKind { return ActionAutoApprove }

func (c *AutoApproveConfig) Validate() error { return nil }

func (c *AutoApproveConfig) clone() ActionConfig { cp := *c; return &cp }

func (c *AutoApproveConfig) expand(f func(string) string) ActionConfig {
	return &AutoApproveConfig{Reason: f(c.Reason)}
}

type EscalateConfig struct {
	EscalateTo string `json:"escalate_to"`
	Reason     string `json:"reason"`
}

func (c *EscalateConfig) Kind() ActionKind { return ActionEscalate }

func (c *EscalateConfig) Validate() error {
	return missing(c.Kind(), map[string]string{"escalate_to": c.EscalateTo, "reason": c.Reason})
}

func (c *EscalateConfig) clone() ActionConfig { cp := *c; return &cp }

func (c *EscalateConfig) expand(f func(string) string) ActionConfig {
	return &EscalateConfig{EscalateTo: f(c.EscalateTo), Reason: f(c.Reason)}
}

type SendEmailConfig struct {
	To      string   `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	CC      []string `json:"cc,omitempty"`
}

func (c *SendEmailConfig) Kind() ActionKind { return ActionSendEmail }

func (c *SendEmailConfig) Validate() error {
	return missing(c.Kind(), map[string]string{"to": c.To, "subject": c.Subject, "body": c.Body})
}

func (c *SendEmailConfig) clone() ActionConfig {
	cp := *c
	cp.CC = append([]string(nil), c.CC...)
	return &cp
}

func (c *SendEmailConfig) expand(f func(string) string) ActionConfig {
	out := &SendEmailConfig{To: f(c.To), Subject: f(c.Subject), Body: f(c.Body)}
	for _, cc := range c.CC {
		out.CC = append(out.CC, f(cc))
	}
	return out
}

// NewActionConfig returns an empty configuration for kind.
func NewActionConfig(kind ActionKind) (ActionConfig, error) {
	switch kind {
	case ActionCreateWorkItem:
		return &CreateWorkItemConfig{}, nil
	case ActionSendNotification:
		return &SendNotificationConfig{}, nil
	case ActionAssignCarrier:
		return &AssignCarrierConfig{}, nil
	case ActionUpdateStatus:
		return &UpdateStatusConfig{}, nil
	case ActionCreateTender:
		return &CreateTenderConfig{}, nil
	case ActionAutoApprove:
		return &AutoApproveConfig{}, nil
	case ActionEscalate:
		return &EscalateConfig{}, nil
	case ActionSendEmail:
		return &SendEmailConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", kind)
	}
}

// DecodeActionConfig decodes raw JSON into the configuration type of kind.
// Keys outside the kind's schema are rejected.
func DecodeActionConfig(kind ActionKind, raw []byte) (ActionConfig, error) {
	cfg, err := NewActionConfig(kind)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", kind, err)
	}
	return cfg, nil
}

// UnmarshalJSON decodes a rule, resolving action_config by the rule's action kind.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type ruleAlias Rule
	aux := struct {
		*ruleAlias
		ActionConfig json.RawMessage `json:"action_config"`
	}{ruleAlias: (*ruleAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.ActionConfig = nil
	if r.Action == "" {
		return nil
	}
	cfg, err := DecodeActionConfig(r.Action, aux.ActionConfig)
	if err != nil {
		return err
	}
	r.ActionConfig = cfg
	return nil
}

func missing(kind ActionKind, values map[string]string) error {
	var absent []string
	for _, field := range requiredFields[kind] {
		if strings.TrimSpace(values[field]) == "" {
			absent = append(absent, field)
		}
	}
	if len(absent) > 0 {
		return &ConfigError{Action: kind, Missing: absent}
	}
	return nil
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
