package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a loop state change the transition table forbids.
var ErrInvalidTransition = errors.New("invalid transition")

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// LoopState is the progress loop state of one task.
type LoopState string

const (
	LoopStateCreated          LoopState = "created"
	LoopStatePlanned          LoopState = "planned"
	LoopStateAwaitingApproval LoopState = "awaiting_approval"
	LoopStateApproved         LoopState = "approved"
	LoopStateExecuting        LoopState = "executing"
	LoopStateCompleted        LoopState = "completed"
	LoopStateFailed           LoopState = "failed"
)

var terminalLoopStates = map[LoopState]bool{
	LoopStateCompleted: true,
	LoopStateFailed:    true,
}

// Non-terminal states may always fail (max iterations, Errors/ folder).
var validLoopTransitions = map[LoopState]map[LoopState]bool{
	LoopStateCreated: {
		LoopStatePlanned:          true,
		LoopStateAwaitingApproval: true,
		LoopStateApproved:         true,
		LoopStateCompleted:        true,
		LoopStateFailed:           true,
	},
	LoopStatePlanned: {
		LoopStateExecuting:        true,
		LoopStateAwaitingApproval: true,
		LoopStateApproved:         true,
		LoopStateCompleted:        true,
		LoopStateFailed:           true,
	},
	LoopStateAwaitingApproval: {
		LoopStateApproved:  true,
		LoopStateCompleted: true,
		LoopStateFailed:    true,
	},
	LoopStateApproved: {
		LoopStateExecuting:        true,
		LoopStateAwaitingApproval: true,
		LoopStateCompleted:        true,
		LoopStateFailed:           true,
	},
	LoopStateExecuting: {
		LoopStateAwaitingApproval: true,
		LoopStateApproved:         true,
		LoopStateCompleted:        true,
		LoopStateFailed:           true,
	},
}

// loopSkills maps a state to the skill that advances it. awaiting_approval has none.
var loopSkills = map[LoopState]string{
	LoopStateCreated:   "create_plan",
	LoopStatePlanned:   "complete_task",
	LoopStateApproved:  "execute_action",
	LoopStateExecuting: "complete_task",
}

func IsLoopTerminal(s LoopState) bool {
	return terminalLoopStates[s]
}

// SkillFor returns the skill to invoke in state s, if any.
func SkillFor(s LoopState) (string, bool) {
	skill, ok := loopSkills[s]
	return skill, ok
}

func ValidateLoopTransition(from, to LoopState) error {
	if IsLoopTerminal(from) {
		return fmt.Errorf("%w: cannot leave terminal state %q", ErrInvalidTransition, from)
	}
	allowed, ok := validLoopTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}
