package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ExecutionMode selects whether an action reaches collaborators.
// The zero value simulates.
type ExecutionMode int

const (
	ModeSimulate ExecutionMode = iota
	ModeLive
)

func (m ExecutionMode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "simulate"
}

// ActionSource identifies the rule and event an action request originates from.
type ActionSource struct {
	RuleID     string `json:"rule_id"`
	EventID    string `json:"event_id,omitempty"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

type WorkItemRequest struct {
	ActionSource
	WorkType    string `json:"work_type"`
	Title       string `json:"title"`
	Priority    string `json:"priority"`
	Assignee    string `json:"assignee,omitempty"`
	Description string `json:"description,omitempty"`
}

type NotificationRequest struct {
	ActionSource
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Channel   string `json:"channel,omitempty"`
}

type EscalationRequest struct {
	ActionSource
	EscalateTo string `json:"escalate_to"`
	Reason     string `json:"reason"`
}

type CarrierAssignmentRequest struct {
	ActionSource
	CarrierID string   `json:"carrier_id"`
	Rate      *float64 `json:"rate,omitempty"`
}

type TenderRequest struct {
	ActionSource
	CarrierID        string   `json:"carrier_id"`
	Rate             *float64 `json:"rate,omitempty"`
	ExpiresInMinutes int      `json:"expires_in_minutes,omitempty"`
}

type StatusChangeRequest struct {
	ActionSource
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type ApprovalRequest struct {
	ActionSource
	Reason string `json:"reason,omitempty"`
}

type EmailRequest struct {
	ActionSource
	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// WorkItemService creates work items; returns the new item's ID.
type WorkItemService interface {
	CreateWorkItem(ctx context.Context, req WorkItemRequest) (string, error)
}

// NotificationService delivers notifications and escalations.
type NotificationService interface {
	Notify(ctx context.Context, req NotificationRequest) error
	Escalate(ctx context.Context, req EscalationRequest) error
}

// CarrierService assigns carriers and creates tenders.
type CarrierService interface {
	AssignCarrier(ctx context.Context, req CarrierAssignmentRequest) error
	CreateTender(ctx context.Context, req TenderRequest) (string, error)
}

// EntityService changes the state of business entities.
type EntityService interface {
	UpdateStatus(ctx context.Context, req StatusChangeRequest) error
	Approve(ctx context.Context, req ApprovalRequest) error
}

// EmailGateway sends email; returns the gateway's message ID.
type EmailGateway interface {
	SendEmail(ctx context.Context, req EmailRequest) (string, error)
}

// Collaborators are the external services actions are delegated to.
// A nil service makes its actions fail with ErrNoCollaborator.
type Collaborators struct {
	WorkItems     WorkItemService
	Notifications NotificationService
	Carriers      CarrierService
	Entities      EntityService
	Email         EmailGateway
}

// ExecutionOutcome reports what an action did, or would do when simulated.
type ExecutionOutcome struct {
	Action      ActionKind    `json:"action"`
	Simulated   bool          `json:"simulated"`
	Success     bool          `json:"success"`
	Reference   string        `json:"reference,omitempty"`
	Description string        `json:"description"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// DefaultActionTimeout bounds a single collaborator call.
const DefaultActionTimeout = 5 * time.Second

// ActionExecutor performs rule actions through collaborators.
type ActionExecutor struct {
	collaborators Collaborators
	timeout       time.Duration
}

// NewActionExecutor creates an executor; a non-positive timeout uses DefaultActionTimeout.
func NewActionExecutor(c Collaborators, timeout time.Duration) *ActionExecutor {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &ActionExecutor{collaborators: c, timeout: timeout}
}

// Execute validates the rule's action configuration and, in ModeLive only,
// performs it. Configuration problems return an error wrapping
// ErrInvalidConfig before anything is attempted. A collaborator that does not
// answer within the timeout is reported as failed; its call is abandoned.
func (x *ActionExecutor) Execute(ctx context.Context, mode ExecutionMode, rule *Rule, ev TriggerEvent) (*ExecutionOutcome, error) {
	if mode != ModeLive {
		return SimulateAction(rule, ev)
	}
	if err := checkConfig(rule); err != nil {
		return nil, err
	}

	cfg := ExpandConfig(rule.ActionConfig, ev)
	src := ActionSource{RuleID: rule.ID, EventID: ev.ID, EntityType: ev.EntityType, EntityID: ev.EntityID}
	outcome := &ExecutionOutcome{Action: rule.Action, Description: Describe(cfg)}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		ref, err := x.perform(ctx, cfg, src)
		done <- result{ref: ref, err: err}
	}()

	var err error
	select {
	case r := <-done:
		outcome.Reference, err = r.ref, r.err
	case <-ctx.Done():
		err = fmt.Errorf("%s did not complete within %s: %w", rule.Action, x.timeout, ctx.Err())
	}
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}
	outcome.Success = true
	return outcome, nil
}

func (x *ActionExecutor) perform(ctx context.Context, cfg ActionConfig, src ActionSource) (string, error) {
	c := x.collaborators
	switch a := cfg.(type) {
	case *CreateWorkItemConfig:
		if c.WorkItems == nil {
			return "", noCollaborator(a.Kind())
		}
		return c.WorkItems.CreateWorkItem(ctx, WorkItemRequest{
			ActionSource: src, WorkType: a.WorkType, Title: a.Title, Priority: a.Priority,
			Assignee: a.Assignee, Description: a.Description,
		})
	case *SendNotificationConfig:
		if c.Notifications == nil {
			return "", noCollaborator(a.Kind())
		}
		return "", c.Notifications.Notify(ctx, NotificationRequest{
			ActionSource: src, Recipient: a.Recipient, Message: a.Message, Channel: a.Channel,
		})
	case *EscalateConfig:
		if c.Notifications == nil {
			return "", noCollaborator(a.Kind())
		}
		return "", c.Notifications.Escalate(ctx, EscalationRequest{
			ActionSource: src, EscalateTo: a.EscalateTo, Reason: a.Reason,
		})
	case *AssignCarrierConfig:
		if c.Carriers == nil {
			return "", noCollaborator(a.Kind())
		}
		return "", c.Carriers.AssignCarrier(ctx, CarrierAssignmentRequest{
			ActionSource: src, CarrierID: a.CarrierID, Rate: a.Rate,
		})
	case *CreateTenderConfig:
		if c.Carriers == nil {
			return "", noCollaborator(a.Kind())
		}
		return c.Carriers.CreateTender(ctx, TenderRequest{
			ActionSource: src, CarrierID: a.CarrierID, Rate: a.Rate, ExpiresInMinutes: a.ExpiresInMinutes,
		})
	case *UpdateStatusConfig:
		if c.Entities == nil {
			return "", noCollaborator(a.Kind())
		}
		return "", c.Entities.UpdateStatus(ctx, StatusChangeRequest{ActionSource: src, Status: a.Status, Reason: a.Reason})
	case *AutoApproveConfig:
		if c.Entities == nil {
			return "", noCollaborator(a.Kind())
		}
		return "", c.Entities.Approve(ctx, ApprovalRequest{ActionSource: src, Reason: a.Reason})
	case *SendEmailConfig:
		if c.Email == nil {
			return "", noCollaborator(a.Kind())
		}
		return c.Email.SendEmail(ctx, EmailRequest{
			ActionSource: src, To: a.To, CC: a.CC, Subject: a.Subject, Body: a.Body,
		})
	default:
		return "", fmt.Errorf("unsupported action configuration %T", cfg)
	}
}

// SimulateAction describes what the rule's action would do for ev without
// contacting any collaborator.
func SimulateAction(rule *Rule, ev TriggerEvent) (*ExecutionOutcome, error) {
	if err := checkConfig(rule); err != nil {
		return nil, err
	}
	cfg := ExpandConfig(rule.ActionConfig, ev)
	return &ExecutionOutcome{
		Action:      rule.Action,
		Simulated:   true,
		Success:     true,
		Description: Describe(cfg),
	}, nil
}

func checkConfig(rule *Rule) error {
	if rule.ActionConfig == nil {
		return &ConfigError{Action: rule.Action, Reason: "action_config is missing"}
	}
	if rule.ActionConfig.Kind() != rule.Action {
		return &ConfigError{Action: rule.Action, Reason: fmt.Sprintf("action_config is for %s", rule.ActionConfig.Kind())}
	}
	return rule.ActionConfig.Validate()
}

func noCollaborator(kind ActionKind) error {
	return fmt.Errorf("%s: %w", kind, ErrNoCollaborator)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// ExpandConfig returns a copy of cfg with {{path}} placeholders resolved from
// the event. Recognised names are entity_id, entity_type, trigger and
// event_id; anything else is looked up in the payload. Unresolved
// placeholders expand to the empty string.
func ExpandConfig(cfg ActionConfig, ev TriggerEvent) ActionConfig {
	return cfg.expand(func(s string) string {
		if !strings.Contains(s, "{{") {
			return s
		}
		return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholderPattern.FindStringSubmatch(m)[1]
			switch name {
			case "entity_id":
				return ev.EntityID
			case "entity_type":
				return ev.EntityType
			case "trigger":
				return string(ev.Trigger)
			case "event_id":
				return ev.ID
			}
			v, ok := Lookup(ev.Payload, name)
			if !ok {
				return ""
			}
			str, _ := toString(v)
			return str
		})
	})
}

// Describe renders a one-line, human-readable summary of an action.
func Describe(cfg ActionConfig) string {
	switch a := cfg.(type) {
	case *CreateWorkItemConfig:
		return fmt.Sprintf("create %s work item %q (priority %s)", a.WorkType, a.Title, a.Priority)
	case *SendNotificationConfig:
		if a.Channel != "" {
			return fmt.Sprintf("notify %s via %s: %s", a.Recipient, a.Channel, a.Message)
		}
		return fmt.Sprintf("notify %s: %s", a.Recipient, a.Message)
	case *EscalateConfig:
		return fmt.Sprintf("escalate to %s: %s", a.EscalateTo, a.Reason)
	case *AssignCarrierConfig:
		if a.Rate != nil {
			return fmt.Sprintf("assign carrier %s at rate %.2f", a.CarrierID, *a.Rate)
		}
		return fmt.Sprintf("assign carrier %s", a.CarrierID)
	case *CreateTenderConfig:
		return fmt.Sprintf("create tender for carrier %s", a.CarrierID)
	case *UpdateStatusConfig:
		return fmt.Sprintf("update status to %s", a.Status)
	case *AutoApproveConfig:
		return "auto-approve"
	case *SendEmailConfig:
		return fmt.Sprintf("email %s: %s", a.To, a.Subject)
	default:
		return fmt.Sprintf("%T", cfg)
	}
}
