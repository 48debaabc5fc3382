package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrRuleExists        = errors.New("rule already exists")
	ErrVersionConflict   = errors.New("rule version conflict")
	ErrInvalidTransition = errors.New("invalid rollout stage transition")
	ErrInvalidConfig     = errors.New("invalid action configuration")
	ErrNoCollaborator    = errors.New("no collaborator configured for action")
)

// FieldError describes one invalid field of a rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a rule fails save-time validation.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "invalid rule: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ConfigError reports an action_config that does not satisfy its action's schema.
type ConfigError struct {
	Action  ActionKind
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing required fields %s", e.Action, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func notFound(id string) error {
	return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
}
