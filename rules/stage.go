package rules

import "fmt"

// RolloutStage is the lifecycle position of a rule.
type RolloutStage string

const (
	StageDisabled RolloutStage = "disabled"
	StageShadow   RolloutStage = "shadow"
	StagePartial  RolloutStage = "partial"
	StageFull     RolloutStage = "full"
)

// stageTransitions lists the stages reachable from each stage.
// A disabled rule must pass through shadow before it can execute actions.
var stageTransitions = map[RolloutStage][]RolloutStage{
	StageDisabled: {StageShadow},
	StageShadow:   {StageDisabled, StagePartial, StageFull},
	StagePartial:  {StageDisabled, StageShadow, StageFull},
	StageFull:     {StageDisabled, StageShadow, StagePartial},
}

// Stages returns all rollout stages in lifecycle order.
func Stages() []RolloutStage {
	return []RolloutStage{StageDisabled, StageShadow, StagePartial, StageFull}
}

// Valid reports whether s is a known stage.
func (s RolloutStage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// CanTransition reports whether a rule may move from s to next.
// Staying in the same stage is always allowed.
func (s RolloutStage) CanTransition(next RolloutStage) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next.
func (s RolloutStage) Transition(next RolloutStage) (RolloutStage, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown rollout stage %q: %w", next, ErrInvalidTransition)
	}
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%s -> %s: %w", s, next, ErrInvalidTransition)
	}
	return next, nil
}
