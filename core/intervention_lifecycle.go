package core

import (
	"fmt"
	"time"
)

// validTransitions defines the allowed forward edges of the intervention
// lifecycle. The graph is forward-only with no skipping; deployment policy
// may whitelist shortcuts via configuration (registry.status_shortcuts),
// which are merged in at construction time, never hardcoded here.
//
// CANCELLED is reachable from every non-terminal state and is handled
// separately in CanTransitionTo so the whitelist stays purely forward edges.
var validTransitions = map[InterventionStatus][]InterventionStatus{
	InterventionStatusPending:    {InterventionStatusDispatched},
	InterventionStatusDispatched: {InterventionStatusEnRoute},
	InterventionStatusEnRoute:    {InterventionStatusOnSite},
	InterventionStatusOnSite:     {InterventionStatusInProgress},
	InterventionStatusInProgress: {InterventionStatusCompleted},
	InterventionStatusCompleted:  {}, // terminal
	InterventionStatusCancelled:  {}, // terminal
}

// TransitionTable holds the effective transition graph: the fixed forward
// edges plus any configured shortcuts.
type TransitionTable struct {
	edges map[InterventionStatus][]InterventionStatus
}

// NewTransitionTable builds the effective graph. Shortcuts are extra forward
// edges, e.g. PENDING→ON_SITE for walk-in incidents; they never resurrect a
// terminal state.
func NewTransitionTable(shortcuts map[InterventionStatus][]InterventionStatus) (*TransitionTable, error) {
	edges := make(map[InterventionStatus][]InterventionStatus, len(validTransitions))
	for from, tos := range validTransitions {
		edges[from] = append([]InterventionStatus(nil), tos...)
	}
	for from, tos := range shortcuts {
		if !from.IsValid() {
			return nil, fmt.Errorf("%w: unknown shortcut source status %q", ErrValidationFailed, from)
		}
		if from.IsTerminal() {
			return nil, fmt.Errorf("%w: shortcut from terminal status %q", ErrValidationFailed, from)
		}
		for _, to := range tos {
			if !to.IsValid() {
				return nil, fmt.Errorf("%w: unknown shortcut target status %q", ErrValidationFailed, to)
			}
			edges[from] = append(edges[from], to)
		}
	}
	return &TransitionTable{edges: edges}, nil
}

// DefaultTransitionTable returns the graph with no shortcuts configured.
func DefaultTransitionTable() *TransitionTable {
	t, _ := NewTransitionTable(nil)
	return t
}

// IsTerminal reports whether the status admits no further transitions.
func (s InterventionStatus) IsTerminal() bool {
	return s == InterventionStatusCompleted || s == InterventionStatusCancelled
}

// CanTransition reports whether (from, to) is a legal edge. Cancellation
// from any non-terminal state is always legal.
func (t *TransitionTable) CanTransition(from, to InterventionStatus) bool {
	if !to.IsValid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to == InterventionStatusCancelled {
		return true
	}
	for _, allowed := range t.edges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status reachable in one step from the given
// status. Returns a copy to prevent external modification.
func (t *TransitionTable) AllowedFrom(from InterventionStatus) []InterventionStatus {
	if from.IsTerminal() {
		return []InterventionStatus{}
	}
	result := append([]InterventionStatus(nil), t.edges[from]...)
	return append(result, InterventionStatusCancelled)
}

// TransitionTo validates and executes a status transition on the
// intervention, appending to the status history. Timestamps are stamped
// explicitly here, as visible statements, not by persistence hooks.
func (i *Intervention) TransitionTo(table *TransitionTable, newStatus InterventionStatus, actorID string) error {
	if newStatus == "" {
		return fmt.Errorf("%w: new status cannot be empty", ErrValidationFailed)
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidationFailed, newStatus)
	}
	if i.Status.IsTerminal() {
		return fmt.Errorf("%w: intervention %s is %s", ErrTerminalState, i.ID, i.Status)
	}
	if !table.CanTransition(i.Status, newStatus) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, i.Status, newStatus, table.AllowedFrom(i.Status))
	}

	now := time.Now().UTC()
	i.StatusHistory = append(i.StatusHistory, StatusChange{
		From:      i.Status,
		To:        newStatus,
		ActorID:   actorID,
		ChangedAt: now,
	})
	i.Status = newStatus
	i.UpdatedAt = now
	if newStatus.IsTerminal() {
		i.ClosedAt = &now
	}
	return nil
}
