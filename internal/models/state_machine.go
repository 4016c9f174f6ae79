// Package models provides the position record, order record and the per-underlying
// lifecycle state machine.
package models

import (
	"fmt"
	"time"
)

// Phase is where an underlying is in its trade lifecycle.
type Phase string

const (
	PhaseFlat            Phase = "flat"             // No position, waiting for entry conditions
	PhaseEvaluatingEntry Phase = "evaluating_entry" // Entry conditions passed, order in flight
	PhaseOpen            Phase = "open"             // Position held and monitored
	PhaseEvaluatingExit  Phase = "evaluating_exit"  // Exit decided, order in flight
)

// Transition conditions
const (
	ConditionEntrySignal    = "entry_signal"
	ConditionEntryAbandoned = "entry_abandoned"
	ConditionOrderPlaced    = "order_placed"
	ConditionRestored       = "position_restored"
	ConditionExitSignal     = "exit_signal"
	ConditionExitAbandoned  = "exit_abandoned"
	ConditionPositionClosed = "position_closed"
)

// PhaseTransition defines a valid transition.
type PhaseTransition struct {
	From        Phase
	To          Phase
	Condition   string
	Description string
}

// ValidTransitions lists every allowed phase change.
var ValidTransitions = []PhaseTransition{
	{PhaseFlat, PhaseEvaluatingEntry, ConditionEntrySignal, "Entry conditions met, placing buy order"},
	{PhaseEvaluatingEntry, PhaseFlat, ConditionEntryAbandoned, "Buy order rejected or not placed"},
	{PhaseEvaluatingEntry, PhaseOpen, ConditionOrderPlaced, "Buy order acknowledged"},
	{PhaseFlat, PhaseOpen, ConditionOrderPlaced, "Position opened without a prior entry signal"},
	{PhaseFlat, PhaseOpen, ConditionRestored, "Position restored from disk or imported from broker"},
	{PhaseEvaluatingEntry, PhaseOpen, ConditionRestored, "Position imported while an entry was pending"},
	{PhaseOpen, PhaseEvaluatingExit, ConditionExitSignal, "Exit conditions met, placing sell order"},
	{PhaseEvaluatingExit, PhaseOpen, ConditionExitAbandoned, "Sell order rejected, keep monitoring"},
	{PhaseEvaluatingExit, PhaseFlat, ConditionPositionClosed, "Sell order acknowledged, position closed"},
	{PhaseOpen, PhaseFlat, ConditionPositionClosed, "Position closed directly"},
}

// StateMachine tracks the phase of one underlying. It is not safe for concurrent
// use; the engine guards it with its own lock.
type StateMachine struct {
	now             func() time.Time
	transitionTime  time.Time
	transitionCount map[Phase]int
	currentPhase    Phase
	previousPhase   Phase
	lastCondition   string
}

// NewStateMachine creates a machine in the flat phase.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		now:             time.Now,
		currentPhase:    PhaseFlat,
		previousPhase:   PhaseFlat,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[Phase]int),
	}
}

// SetClock replaces the clock used to stamp transitions.
func (sm *StateMachine) SetClock(now func() time.Time) {
	sm.now = now
	sm.transitionTime = now().UTC()
}

// Current returns the current phase.
func (sm *StateMachine) Current() Phase {
	return sm.currentPhase
}

// Previous returns the phase before the last transition.
func (sm *StateMachine) Previous() Phase {
	return sm.previousPhase
}

// LastCondition returns the condition of the last transition.
func (sm *StateMachine) LastCondition() string {
	return sm.lastCondition
}

// TransitionTime returns when the last transition happened.
func (sm *StateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// CanTransition reports whether to/condition is defined from the current phase.
func (sm *StateMachine) CanTransition(to Phase, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentPhase && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new phase.
func (sm *StateMachine) Transition(to Phase, condition string) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentPhase, to, condition)
	}
	sm.previousPhase = sm.currentPhase
	sm.currentPhase = to
	sm.lastCondition = condition
	sm.transitionTime = sm.now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine entered phase.
func (sm *StateMachine) TransitionCount(phase Phase) int {
	return sm.transitionCount[phase]
}

// Reset returns the machine to flat and clears counters.
func (sm *StateMachine) Reset() {
	sm.currentPhase = PhaseFlat
	sm.previousPhase = PhaseFlat
	sm.lastCondition = ""
	sm.transitionTime = sm.now().UTC()
	sm.transitionCount = make(map[Phase]int)
}

// HoldsPosition is true while a position exists for the underlying.
func (sm *StateMachine) HoldsPosition() bool {
	return sm.currentPhase == PhaseOpen || sm.currentPhase == PhaseEvaluatingExit
}

// Description returns a human-readable description of the current phase.
func (sm *StateMachine) Description() string {
	switch sm.currentPhase {
	case PhaseFlat:
		return "No position, scanning for entry signals"
	case PhaseEvaluatingEntry:
		return "Entry signal confirmed, buy order in flight"
	case PhaseOpen:
		return "Position open, monitoring exits"
	case PhaseEvaluatingExit:
		return "Exit signal confirmed, sell order in flight"
	default:
		return "Unknown phase"
	}
}

// PhaseStatus is a point-in-time view of one machine.
type PhaseStatus struct {
	Phase         Phase     `json:"phase"`
	Previous      Phase     `json:"previous"`
	Condition     string    `json:"condition,omitempty"`
	Since         time.Time `json:"since"`
	Description   string    `json:"description"`
	HoldsPosition bool      `json:"holds_position"`
	Opened        int       `json:"opened"` // entries into PhaseOpen since the last reset
}

// Status captures the machine for reporting.
func (sm *StateMachine) Status() PhaseStatus {
	return PhaseStatus{
		Phase:         sm.Current(),
		Previous:      sm.Previous(),
		Condition:     sm.LastCondition(),
		Since:         sm.TransitionTime(),
		Description:   sm.Description(),
		HoldsPosition: sm.HoldsPosition(),
		Opened:        sm.TransitionCount(PhaseOpen),
	}
}
