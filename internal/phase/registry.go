// Package phase holds the ordered phase definitions and the per-work-item
// phase state records that the lifecycle machine reads.
package phase

import (
	"fmt"
	"sort"
	"time"

	"phaseline/internal/domain"
)

// NotFoundError means a work item has no state row for a registered phase.
// The work item was not initialized correctly; callers should treat this as a
// data-integrity fault, not as user input to reject.
type NotFoundError struct {
	WorkItemID string
	PhaseID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("phase state for work item %s and phase %s not found", e.WorkItemID, e.PhaseID)
}

type stateKey struct {
	workItemID string
	phaseID    string
}

// Registry is a read-only view over phase definitions and phase states.
type Registry struct {
	phases []domain.Phase
	byID   map[string]int
	states map[stateKey]domain.WorkItemPhaseState
}

// NewRegistry validates that sequence orders are 1-based, gapless and unique.
func NewRegistry(phases []domain.Phase, states []domain.WorkItemPhaseState) (*Registry, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}
	ordered := make([]domain.Phase, len(phases))
	copy(ordered, phases)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceOrder < ordered[j].SequenceOrder })

	r := &Registry{
		phases: ordered,
		byID:   make(map[string]int, len(ordered)),
		states: make(map[stateKey]domain.WorkItemPhaseState, len(states)),
	}
	for i, p := range ordered {
		if p.ID == "" {
			return nil, fmt.Errorf("phase %q has empty id", p.Name)
		}
		if p.SequenceOrder != i+1 {
			return nil, fmt.Errorf("phase %s has sequence order %d, want %d", p.ID, p.SequenceOrder, i+1)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id %s", p.ID)
		}
		r.byID[p.ID] = i
	}
	for _, st := range states {
		if _, ok := r.byID[st.PhaseID]; !ok {
			return nil, fmt.Errorf("state for work item %s references unknown phase %s", st.WorkItemID, st.PhaseID)
		}
		r.states[stateKey{st.WorkItemID, st.PhaseID}] = st
	}
	return r, nil
}

// Phases returns the definitions in sequence order.
func (r *Registry) Phases() []domain.Phase {
	out := make([]domain.Phase, len(r.phases))
	copy(out, r.phases)
	return out
}

func (r *Registry) Phase(id string) (domain.Phase, bool) {
	i, ok := r.byID[id]
	if !ok {
		return domain.Phase{}, false
	}
	return r.phases[i], true
}

// BySequence returns the phase at a 1-based sequence order.
func (r *Registry) BySequence(order int) (domain.Phase, bool) {
	if order < 1 || order > len(r.phases) {
		return domain.Phase{}, false
	}
	return r.phases[order-1], true
}

func (r *Registry) Next(order int) (domain.Phase, bool) {
	return r.BySequence(order + 1)
}

func (r *Registry) Previous(order int) (domain.Phase, bool) {
	return r.BySequence(order - 1)
}

func (r *Registry) First() domain.Phase {
	return r.phases[0]
}

func (r *Registry) Last() domain.Phase {
	return r.phases[len(r.phases)-1]
}

// State returns the state row for a (work item, phase) pair.
func (r *Registry) State(workItemID, phaseID string) (domain.WorkItemPhaseState, error) {
	st, ok := r.states[stateKey{workItemID, phaseID}]
	if !ok {
		return domain.WorkItemPhaseState{}, &NotFoundError{WorkItemID: workItemID, PhaseID: phaseID}
	}
	return st, nil
}

// StatesFor returns every state of a work item in phase order. It fails on
// the first registered phase with no row.
func (r *Registry) StatesFor(workItemID string) ([]domain.WorkItemPhaseState, error) {
	out := make([]domain.WorkItemPhaseState, 0, len(r.phases))
	for _, p := range r.phases {
		st, err := r.State(workItemID, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// InitialStates builds the batch created with a new work item: the first
// phase in progress at 0%, every other phase not started.
func InitialStates(workItemID string, phases []domain.Phase, now time.Time) []domain.WorkItemPhaseState {
	ordered := make([]domain.Phase, len(phases))
	copy(ordered, phases)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceOrder < ordered[j].SequenceOrder })

	started := now.UTC().Format(time.RFC3339)
	out := make([]domain.WorkItemPhaseState, 0, len(ordered))
	for i, p := range ordered {
		st := domain.WorkItemPhaseState{
			WorkItemID: workItemID,
			PhaseID:    p.ID,
			Status:     domain.StatusNotStarted,
		}
		if i == 0 {
			st.Status = domain.StatusInProgress
			st.StartDate = &started
		}
		out = append(out, st)
	}
	return out
}
