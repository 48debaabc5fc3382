package rules

import "time"

// Trigger is the business event kind that causes rule evaluation.
type Trigger string

const (
	TriggerShipmentCreated       Trigger = "shipment_created"
	TriggerShipmentStatusChanged Trigger = "shipment_status_changed"
	TriggerShipmentDelivered     Trigger = "shipment_delivered"
	TriggerCheckCallOverdue      Trigger = "check_call_overdue"
	TriggerTenderCreated         Trigger = "tender_created"
	TriggerTenderAccepted        Trigger = "tender_accepted"
	TriggerTenderRejected        Trigger = "tender_rejected"
	TriggerTenderExpired         Trigger = "tender_expired"
	TriggerQuoteRequested        Trigger = "quote_requested"
	TriggerQuoteAccepted         Trigger = "quote_accepted"
	TriggerInvoiceCreated        Trigger = "invoice_created"
	TriggerInvoiceDue            Trigger = "invoice_due"
	TriggerInvoiceOverdue        Trigger = "invoice_overdue"
	TriggerWorkItemCreated       Trigger = "work_item_created"
	TriggerWorkItemOverdue       Trigger = "work_item_overdue"
)

// triggerEntities maps each trigger to the entity type its events carry.
var triggerEntities = map[Trigger]string{
	TriggerShipmentCreated:       EntityShipment,
	TriggerShipmentStatusChanged: EntityShipment,
	TriggerShipmentDelivered:     EntityShipment,
	TriggerCheckCallOverdue:      EntityShipment,
	TriggerTenderCreated:         EntityTender,
	TriggerTenderAccepted:        EntityTender,
	TriggerTenderRejected:        EntityTender,
	TriggerTenderExpired:         EntityTender,
	TriggerQuoteRequested:        EntityQuote,
	TriggerQuoteAccepted:         EntityQuote,
	TriggerInvoiceCreated:        EntityInvoice,
	TriggerInvoiceDue:            EntityInvoice,
	TriggerInvoiceOverdue:        EntityInvoice,
	TriggerWorkItemCreated:       EntityWorkItem,
	TriggerWorkItemOverdue:       EntityWorkItem,
}

// Entity types emitted by the upstream subsystems.
const (
	EntityShipment = "shipment"
	EntityTender   = "tender"
	EntityQuote    = "quote"
	EntityInvoice  = "invoice"
	EntityWorkItem = "work_item"
)

// Triggers returns every known trigger in a stable order.
func Triggers() []Trigger {
	return []Trigger{
		TriggerShipmentCreated, TriggerShipmentStatusChanged, TriggerShipmentDelivered, TriggerCheckCallOverdue,
		TriggerTenderCreated, TriggerTenderAccepted, TriggerTenderRejected, TriggerTenderExpired,
		TriggerQuoteRequested, TriggerQuoteAccepted,
		TriggerInvoiceCreated, TriggerInvoiceDue, TriggerInvoiceOverdue,
		TriggerWorkItemCreated, TriggerWorkItemOverdue,
	}
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	_, ok := triggerEntities[t]
	return ok
}

// EntityType returns the entity type carried by events of this trigger.
func (t Trigger) EntityType() string {
	return triggerEntities[t]
}

// TriggersForEntity returns the triggers whose events concern the given entity type.
func TriggersForEntity(entityType string) []Trigger {
	var out []Trigger
	for _, t := range Triggers() {
		if triggerEntities[t] == entityType {
			out = append(out, t)
		}
	}
	return out
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpStartsWith  Operator = "starts_with"
	// OpExpression evaluates Value as a CEL boolean expression.
	OpExpression Operator = "expression"
)

// Operators returns the supported operators.
func Operators() []Operator {
	return []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpIn, OpStartsWith, OpExpression}
}

// Valid reports whether op is supported.
func (op Operator) Valid() bool {
	for _, o := range Operators() {
		if o == op {
			return true
		}
	}
	return false
}

// Condition is a single predicate over an event payload field.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is an automation rule: when Trigger fires and all Conditions hold,
// perform Action according to the rollout stage.
type Rule struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	Trigger           Trigger      `json:"trigger"`
	Conditions        []Condition  `json:"conditions"`
	Action            ActionKind   `json:"action"`
	ActionConfig      ActionConfig `json:"action_config"`
	RolloutStage      RolloutStage `json:"rollout_stage"`
	RolloutPercentage int          `json:"rollout_percentage"`
	Priority          int          `json:"priority"`
	Enabled           bool         `json:"enabled"`
	Version           int          `json:"version"`

	// Telemetry, written only by the dispatcher.
	TriggerCount    int64            `json:"trigger_count"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at,omitempty"`
	FailureCount    int64            `json:"failure_count"`
	LastError       string           `json:"last_error,omitempty"`
	LastErrorAt     *time.Time       `json:"last_error_at,omitempty"`
	ConfigError     string           `json:"config_error,omitempty"`
	ShadowLog       []ShadowDecision `json:"shadow_log"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// seq is the store-assigned creation order, used to break priority ties.
	seq int64
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			cond.Value = cloneValue(cond.Value)
			c.Conditions[i] = cond
		}
	}
	if r.ActionConfig != nil {
		c.ActionConfig = r.ActionConfig.clone()
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	if r.LastErrorAt != nil {
		t := *r.LastErrorAt
		c.LastErrorAt = &t
	}
	if r.ShadowLog != nil {
		c.ShadowLog = append([]ShadowDecision(nil), r.ShadowLog...)
	}
	return &c
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// TriggerEvent is a business event emitted by an upstream subsystem.
// It lives for the duration of one dispatch cycle.
type TriggerEvent struct {
	ID         string         `json:"id,omitempty"`
	Trigger    Trigger        `json:"trigger"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// EvaluationResult is the per-rule outcome of a dispatch or a dry run.
type EvaluationResult struct {
	RuleID        string            `json:"rule_id"`
	RuleName      string            `json:"rule_name"`
	Priority      int               `json:"priority"`
	Stage         RolloutStage      `json:"rollout_stage"`
	ConditionsMet bool              `json:"conditions_met"`
	WouldFire     bool              `json:"would_fire"`
	Fired         bool              `json:"fired"`
	ShadowLogged  bool              `json:"shadow_logged"`
	Outcome       *ExecutionOutcome `json:"outcome,omitempty"`
	Error         string            `json:"error,omitempty"`
}
