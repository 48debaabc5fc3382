package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength       = 200
	maxConditions       = 50
	maxFieldPathLength  = 200
	maxFieldPathSegment = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateRule checks a rule at save time. Condition operators, values and CEL
// expressions are checked with ev.
func ValidateRule(r *Rule, ev *ConditionEvaluator) error {
	verr := &ValidationError{}

	name := strings.TrimSpace(r.Name)
	if name == "" {
		verr.add("name", "is required")
	} else if len(name) > maxNameLength {
		verr.add("name", "length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}

	if !r.Trigger.Valid() {
		verr.add("trigger", "unknown trigger %q", r.Trigger)
	}

	if len(r.Conditions) > maxConditions {
		verr.add("conditions", "contains %d conditions, maximum allowed is %d", len(r.Conditions), maxConditions)
	}
	for i, c := range r.Conditions {
		if err := ev.ValidateCondition(c); err != nil {
			verr.add(fmt.Sprintf("conditions[%d]", i), "%v", err)
		}
	}

	if !r.Action.Valid() {
		verr.add("action", "unknown action %q", r.Action)
	} else if r.ActionConfig == nil {
		verr.add("action_config", "is required for %s", r.Action)
	} else if r.ActionConfig.Kind() != r.Action {
		verr.add("action_config", "configuration for %s does not match action %s", r.ActionConfig.Kind(), r.Action)
	} else if err := r.ActionConfig.Validate(); err != nil {
		verr.add("action_config", "%v", err)
	}

	if !r.RolloutStage.Valid() {
		verr.add("rollout_stage", "unknown stage %q", r.RolloutStage)
	}
	if r.RolloutPercentage < 0 || r.RolloutPercentage > 100 {
		verr.add("rollout_percentage", "must be between 0 and 100, got %d", r.RolloutPercentage)
	}
	if r.Priority < 0 || r.Priority > 100 {
		verr.add("priority", "must be between 0 and 100, got %d", r.Priority)
	}

	return verr.orNil()
}

// validateFieldPath checks a dotted payload path such as "shipment.equipment_type".
func validateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("field is required")
	}
	if len(path) > maxFieldPathLength {
		return fmt.Errorf("field length %d exceeds maximum of %d characters", len(path), maxFieldPathLength)
	}
	for _, segment := range strings.Split(path, ".") {
		if err := validateIdentifier(segment); err != nil {
			return fmt.Errorf("invalid field %q: %w", path, err)
		}
	}
	return nil
}

// validateIdentifier validates one path segment.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxFieldPathSegment {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxFieldPathSegment)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("segment %q must start with a letter or underscore, followed by letters, digits, or underscores", name)
	}
	return nil
}
