// Package statemachine defines the valid statuses and status transitions of
// targets per stage.
//
// Notifications from external systems can arrive duplicated and out of
// order. A transition is therefore only applied when it moves a target
// forward, updates for targets in a final state and updates that would move
// a target backwards are ignored.
package statemachine

import (
	"fmt"
	"sort"

	"github.com/simplesurance/runledger/internal/model"
)

// Decision is the result of evaluating a requested transition.
type Decision int

const (
	// Apply means the transition moves the target forward and must be
	// persisted.
	Apply Decision = iota
	// Unchanged means the target already has the requested status.
	Unchanged
	// AlreadyFinal means the target is in a final state, its status
	// never changes again.
	AlreadyFinal
	// Stale means the requested status precedes the current one, it is an
	// out-of-order delivery.
	Stale
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Unchanged:
		return "unchanged"
	case AlreadyFinal:
		return "already_final"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("decision(%d)", d)
	}
}

// Machine is the transition table of one stage.
type Machine struct {
	stage   model.Stage
	initial model.Status
	edges   map[model.Status]map[model.Status]struct{}
	final   map[model.Status]struct{}
}

// Stage returns the stage the machine belongs to.
func (m *Machine) Stage() model.Stage {
	return m.stage
}

// Initial returns the status a newly created target of the stage has.
func (m *Machine) Initial() model.Status {
	return m.initial
}

// Valid returns true if s is a status of the stage.
func (m *Machine) Valid(s model.Status) bool {
	if _, exist := m.final[s]; exist {
		return true
	}

	_, exist := m.edges[s]
	return exist
}

// IsFinal returns true if s is a final status of the stage.
func (m *Machine) IsFinal(s model.Status) bool {
	_, exist := m.final[s]
	return exist
}

// NonFinal returns the statuses of the stage that are not final, sorted by
// name.
func (m *Machine) NonFinal() []model.Status {
	result := make([]model.Status, 0, len(m.edges))
	for s := range m.edges {
		if !m.IsFinal(s) {
			result = append(result, s)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result
}

// CanTransition returns true if the table contains the transition from -> to.
func (m *Machine) CanTransition(from, to model.Status) bool {
	_, exist := m.edges[from][to]
	return exist
}

// Decide evaluates the transition of a target from the status from to the
// status to.
// An InvalidTransitionError is returned when to or from is not a status of
// the stage. Transitions of targets in a final state are never an error,
// AlreadyFinal is returned for them.
func (m *Machine) Decide(from, to model.Status) (Decision, error) {
	if from == to {
		if !m.Valid(to) {
			return 0, &InvalidTransitionError{Stage: m.stage, From: from, To: to, Reason: "unknown status"}
		}

		return Unchanged, nil
	}

	if m.IsFinal(from) {
		return AlreadyFinal, nil
	}

	if !m.Valid(from) {
		return 0, &InvalidTransitionError{Stage: m.stage, From: from, To: to, Reason: "current status is unknown"}
	}

	if !m.Valid(to) {
		return 0, &InvalidTransitionError{Stage: m.stage, From: from, To: to, Reason: "unknown status"}
	}

	if m.CanTransition(from, to) {
		return Apply, nil
	}

	return Stale, nil
}

// For returns the state machine of the stage.
func For(stage model.Stage) (*Machine, error) {
	m, exist := machines[stage]
	if !exist {
		return nil, fmt.Errorf("no state machine defined for stage %q", stage)
	}

	return m, nil
}

// IsFinalState returns true if status is a final status of the stage.
// It returns false for unknown stages.
func IsFinalState(stage model.Stage, status model.Status) bool {
	m, exist := machines[stage]
	if !exist {
		return false
	}

	return m.IsFinal(status)
}
