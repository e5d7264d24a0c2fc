// Package lifecycle decides phase transitions for a single work item.
//
// A Machine is bound to a snapshot supplied by the caller. It never touches
// storage: every accepted transition comes back as a list of side effects the
// caller applies in one transaction.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"phaseline/internal/domain"
	"phaseline/internal/phase"
)

// CompletionGate is the minimum measured progress for completing a phase.
const CompletionGate = 80

// DefaultRegressionPercent is the completion a reopened phase gets when the
// pointer moves back onto it.
const DefaultRegressionPercent = 75

type Option func(*Machine)

func WithRegressionPercent(pct int) Option {
	return func(m *Machine) {
		if pct >= 0 && pct < 100 {
			m.regression = pct
		}
	}
}

// WithClock sets the time used when an event carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

type Machine struct {
	ctx        Context
	registry   *phase.Registry
	regression int
	now        func() time.Time
	history    []Event
}

// New binds a machine to a deep copy of c.
func New(c Context, opts ...Option) (*Machine, error) {
	if strings.TrimSpace(c.WorkItemID) == "" {
		return nil, &ValidationError{Field: "work_item_id", Reason: "required"}
	}
	reg, err := phase.NewRegistry(c.Phases, nil)
	if err != nil {
		return nil, &ValidationError{Field: "phases", Reason: "invalid phase list", Err: err}
	}
	if _, ok := reg.Phase(c.CurrentPhaseID); !ok {
		return nil, &ValidationError{Field: "current_phase_id", Reason: fmt.Sprintf("phase %q is not registered", c.CurrentPhaseID)}
	}
	m := &Machine{
		ctx:        c.Clone(),
		registry:   reg,
		regression: DefaultRegressionPercent,
		now:        time.Now,
	}
	for phaseID, st := range m.ctx.States {
		if _, ok := reg.Phase(phaseID); !ok {
			return nil, &ValidationError{Field: "states", Reason: fmt.Sprintf("state keyed by unknown phase %q", phaseID)}
		}
		st.WorkItemID = c.WorkItemID
		st.PhaseID = phaseID
		m.ctx.States[phaseID] = st
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ProcessTransition runs one event against a fresh machine.
func ProcessTransition(c Context, ev Event, opts ...Option) (Result, error) {
	m, err := New(c, opts...)
	if err != nil {
		return Result{}, err
	}
	return m.Process(ev)
}

// AvailableTransitions reports the legal events for the current phase of c.
func AvailableTransitions(c Context) (Transitions, error) {
	m, err := New(c)
	if err != nil {
		return Transitions{}, err
	}
	return m.AvailableTransitions()
}

// Context returns a copy of the machine's snapshot, including every accepted
// transition so far.
func (m *Machine) Context() Context {
	return m.ctx.Clone()
}

// History returns the accepted events in order.
func (m *Machine) History() []Event {
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// Process validates and decides one event. Business-rule rejections come back
// as a Result with Success false; only structural faults return an error.
func (m *Machine) Process(ev Event) (Result, error) {
	if err := m.validate(ev); err != nil {
		return Result{}, err
	}
	if ev.CurrentPhaseID != m.ctx.CurrentPhaseID {
		cur, _ := m.registry.Phase(m.ctx.CurrentPhaseID)
		return m.reject(ev, fmt.Sprintf("Phase %s is no longer the current phase; the work item is now in %s", m.phaseName(ev.CurrentPhaseID), cur.Name)), nil
	}

	ts := ev.Metadata.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	now := ts.UTC().Format(time.RFC3339)

	var (
		out step
		rej string
		err error
	)
	work := m.ctx.Clone().States
	target := m.target(ev)
	switch ev.Type {
	case EventStartPhase:
		out, rej, err = m.start(work, target, now)
	case EventCompletePhase:
		out, rej, err = m.complete(work, target, now)
	case EventResetPhase:
		out, rej, err = m.reset(work, target, ev.Metadata)
	case EventMoveToNext:
		out, rej, err = m.moveToNext(work, now)
	case EventMoveToPrevious:
		out, rej, err = m.moveToPrevious(work, ev.Metadata, now)
	}
	if err != nil {
		return Result{}, err
	}
	if rej != "" {
		return m.reject(ev, rej), nil
	}

	effects := make([]SideEffect, 0, len(out.updates)+len(out.notify)+1)
	for _, st := range out.updates {
		effects = append(effects, UpdatePhaseState{State: st})
	}
	for _, n := range out.notify {
		effects = append(effects, n)
	}
	effects = append(effects, LogAudit{
		Action:     ev.Type,
		WorkItemID: ev.WorkItemID,
		PhaseIDs:   out.phaseIDs,
		ActorID:    ev.Metadata.ActorID,
		Reason:     reasonText(ev.Metadata),
		Timestamp:  now,
	})
	res := Result{
		Success:     true,
		NewStatus:   out.newStatus,
		NewPhaseID:  out.newPhaseID,
		Message:     out.message,
		SideEffects: effects,
	}
	m.ctx = res.Apply(m.ctx)
	m.history = append(m.history, ev)
	return res, nil
}

func (m *Machine) validate(ev Event) error {
	if strings.TrimSpace(ev.WorkItemID) == "" {
		return &ValidationError{Field: "work_item_id", Reason: "required"}
	}
	if strings.TrimSpace(ev.CurrentPhaseID) == "" {
		return &ValidationError{Field: "current_phase_id", Reason: "required"}
	}
	if ev.WorkItemID != m.ctx.WorkItemID {
		return &ValidationError{Field: "work_item_id", Reason: fmt.Sprintf("event targets %s but the machine is bound to %s", ev.WorkItemID, m.ctx.WorkItemID)}
	}
	if !ev.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if _, ok := m.ctx.States[ev.CurrentPhaseID]; !ok {
		return &ValidationError{Field: "current_phase_id", Reason: fmt.Sprintf("phase %q has no state in the context", ev.CurrentPhaseID)}
	}
	if ev.TargetPhaseID != "" {
		if _, ok := m.ctx.States[ev.TargetPhaseID]; !ok {
			return &ValidationError{Field: "target_phase_id", Reason: fmt.Sprintf("phase %q has no state in the context", ev.TargetPhaseID)}
		}
	}
	return nil
}

func (m *Machine) target(ev Event) domain.Phase {
	id := ev.TargetPhaseID
	if id == "" {
		id = ev.CurrentPhaseID
	}
	p, _ := m.registry.Phase(id)
	return p
}

func (m *Machine) reject(ev Event, msg string) Result {
	st := m.ctx.States[m.target(ev).ID]
	return Result{Success: false, NewStatus: st.Status, Message: msg}
}

// step is the outcome of one sub-transition applied to a working copy.
type step struct {
	updates    []domain.WorkItemPhaseState
	notify     []NotifyUsers
	phaseIDs   []string
	newStatus  domain.Status
	newPhaseID string
	message    string
}

func (m *Machine) lookup(states map[string]domain.WorkItemPhaseState, phaseID string) (domain.WorkItemPhaseState, error) {
	st, ok := states[phaseID]
	if !ok {
		nf := &phase.NotFoundError{WorkItemID: m.ctx.WorkItemID, PhaseID: phaseID}
		return st, &ValidationError{Field: "states", Reason: "incomplete phase state snapshot", Err: nf}
	}
	return st, nil
}

func (m *Machine) start(states map[string]domain.WorkItemPhaseState, target domain.Phase, now string) (step, string, error) {
	st, err := m.lookup(states, target.ID)
	if err != nil {
		return step{}, "", err
	}
	if st.Status != domain.StatusNotStarted {
		return step{}, fmt.Sprintf("Cannot start phase %s: it is already %s", target.Name, describe(st.Status)), nil
	}
	for order := 1; order < target.SequenceOrder; order++ {
		p, _ := m.registry.BySequence(order)
		prev, err := m.lookup(states, p.ID)
		if err != nil {
			return step{}, "", err
		}
		if prev.Status != domain.StatusCompleted {
			return step{}, fmt.Sprintf("Cannot start phase %s: previous phase %s is not completed", target.Name, p.Name), nil
		}
	}
	st.Status = domain.StatusInProgress
	st.StartDate = &now
	st.EndDate = nil
	st.CompletionPercentage = 0
	states[target.ID] = st
	return step{
		updates:    []domain.WorkItemPhaseState{st},
		phaseIDs:   []string{target.ID},
		newStatus:  domain.StatusInProgress,
		newPhaseID: target.ID,
		message:    fmt.Sprintf("Phase %s started", target.Name),
	}, "", nil
}

func (m *Machine) complete(states map[string]domain.WorkItemPhaseState, target domain.Phase, now string) (step, string, error) {
	st, err := m.lookup(states, target.ID)
	if err != nil {
		return step{}, "", err
	}
	if st.Status != domain.StatusInProgress {
		return step{}, fmt.Sprintf("Cannot complete phase %s: it is %s, not in progress", target.Name, describe(st.Status)), nil
	}
	if st.CompletionPercentage < CompletionGate {
		return step{}, fmt.Sprintf("Cannot complete phase %s: it is %d%% complete and at least %d%% is required", target.Name, st.CompletionPercentage, CompletionGate), nil
	}
	st.Status = domain.StatusCompleted
	st.EndDate = &now
	st.CompletionPercentage = 100
	states[target.ID] = st
	return step{
		updates: []domain.WorkItemPhaseState{st},
		notify: []NotifyUsers{{
			WorkItemID: m.ctx.WorkItemID,
			PhaseID:    target.ID,
			Scope:      TeamScope(m.ctx.WorkItemID),
			Message:    fmt.Sprintf("Phase %s has been completed", target.Name),
		}},
		phaseIDs:   []string{target.ID},
		newStatus:  domain.StatusCompleted,
		newPhaseID: m.ctx.CurrentPhaseID,
		message:    fmt.Sprintf("Phase %s completed", target.Name),
	}, "", nil
}

func (m *Machine) reset(states map[string]domain.WorkItemPhaseState, target domain.Phase, meta Metadata) (step, string, error) {
	st, err := m.lookup(states, target.ID)
	if err != nil {
		return step{}, "", err
	}
	if st.Status == domain.StatusNotStarted {
		return step{}, fmt.Sprintf("Cannot reset phase %s: it has not been started", target.Name), nil
	}
	st.Status = domain.StatusNotStarted
	st.StartDate = nil
	st.EndDate = nil
	st.CompletionPercentage = 0
	st.Notes = resetNotes(st.Notes, meta)
	states[target.ID] = st
	return step{
		updates:    []domain.WorkItemPhaseState{st},
		phaseIDs:   []string{target.ID},
		newStatus:  domain.StatusNotStarted,
		newPhaseID: m.ctx.CurrentPhaseID,
		message:    fmt.Sprintf("Phase %s reset", target.Name),
	}, "", nil
}

func (m *Machine) moveToNext(states map[string]domain.WorkItemPhaseState, now string) (step, string, error) {
	cur, _ := m.registry.Phase(m.ctx.CurrentPhaseID)
	next, ok := m.registry.Next(cur.SequenceOrder)
	if !ok {
		return step{}, fmt.Sprintf("Cannot move past phase %s: it is the final phase", cur.Name), nil
	}
	if !m.ctx.Permissions.CanAdvance {
		return step{}, "Permission to advance phases is required", nil
	}
	done, rej, err := m.complete(states, cur, now)
	if err != nil || rej != "" {
		return step{}, rej, err
	}
	started, rej, err := m.start(states, next, now)
	if err != nil || rej != "" {
		return step{}, rej, err
	}
	return step{
		updates:    append(done.updates, started.updates...),
		notify:     done.notify,
		phaseIDs:   []string{cur.ID, next.ID},
		newStatus:  domain.StatusInProgress,
		newPhaseID: next.ID,
		message:    fmt.Sprintf("Phase %s completed; moved to %s", cur.Name, next.Name),
	}, "", nil
}

func (m *Machine) moveToPrevious(states map[string]domain.WorkItemPhaseState, meta Metadata, now string) (step, string, error) {
	cur, _ := m.registry.Phase(m.ctx.CurrentPhaseID)
	prev, ok := m.registry.Previous(cur.SequenceOrder)
	if !ok {
		return step{}, fmt.Sprintf("Cannot move back from phase %s: it is the first phase", cur.Name), nil
	}
	if !m.ctx.Permissions.CanRevert {
		return step{}, "Permission to revert phases is required", nil
	}
	var updates []domain.WorkItemPhaseState
	curSt, err := m.lookup(states, cur.ID)
	if err != nil {
		return step{}, "", err
	}
	if curSt.Status != domain.StatusNotStarted {
		reset, rej, err := m.reset(states, cur, meta)
		if err != nil || rej != "" {
			return step{}, rej, err
		}
		updates = append(updates, reset.updates...)
	}
	prevSt, err := m.lookup(states, prev.ID)
	if err != nil {
		return step{}, "", err
	}
	prevSt.Status = domain.StatusInProgress
	prevSt.CompletionPercentage = m.regression
	prevSt.EndDate = nil
	if prevSt.StartDate == nil {
		prevSt.StartDate = &now
	}
	states[prev.ID] = prevSt
	updates = append(updates, prevSt)
	return step{
		updates:    updates,
		phaseIDs:   []string{cur.ID, prev.ID},
		newStatus:  domain.StatusInProgress,
		newPhaseID: prev.ID,
		message:    fmt.Sprintf("Moved back from %s to %s", cur.Name, prev.Name),
	}, "", nil
}

// AvailableTransitions is recomputed from the snapshot on every call.
// CanComplete does not look at the completion gate; the rejection message
// explains the threshold when the event is actually submitted.
func (m *Machine) AvailableTransitions() (Transitions, error) {
	cur, _ := m.registry.Phase(m.ctx.CurrentPhaseID)
	st, err := m.lookup(m.ctx.States, cur.ID)
	if err != nil {
		return Transitions{}, err
	}
	next, hasNext := m.registry.Next(cur.SequenceOrder)
	_, hasPrev := m.registry.Previous(cur.SequenceOrder)

	// A completed current phase hands StartPhase over to its successor.
	startTarget := cur
	if st.Status == domain.StatusCompleted && hasNext {
		startTarget = next
	}
	canStart, err := m.startable(m.ctx.States, startTarget)
	if err != nil {
		return Transitions{}, err
	}
	perms := m.ctx.Permissions
	return Transitions{
		CanStart:          canStart,
		CanComplete:       st.Status == domain.StatusInProgress,
		CanMoveToNext:     st.Status == domain.StatusInProgress && hasNext && perms.CanAdvance,
		CanMoveToPrevious: hasPrev && perms.CanRevert,
		CanReset:          st.Status != domain.StatusNotStarted,
		CanSkip:           hasNext && perms.CanSkip,
	}, nil
}

// startable reports whether the StartPhase precondition holds for target.
func (m *Machine) startable(states map[string]domain.WorkItemPhaseState, target domain.Phase) (bool, error) {
	st, err := m.lookup(states, target.ID)
	if err != nil {
		return false, err
	}
	if st.Status != domain.StatusNotStarted {
		return false, nil
	}
	for order := 1; order < target.SequenceOrder; order++ {
		p, _ := m.registry.BySequence(order)
		prev, err := m.lookup(states, p.ID)
		if err != nil {
			return false, err
		}
		if prev.Status != domain.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (m *Machine) phaseName(id string) string {
	if p, ok := m.registry.Phase(id); ok {
		return p.Name
	}
	return id
}

func describe(s domain.Status) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

func reasonText(meta Metadata) string {
	if r := strings.TrimSpace(meta.Reason); r != "" {
		return r
	}
	return strings.TrimSpace(meta.Notes)
}

const resetPrefix = "RESET:"

func resetNotes(previous string, meta Metadata) string {
	note := reasonText(meta)
	if note == "" {
		note = strings.TrimSpace(previous)
	}
	if strings.HasPrefix(note, resetPrefix) {
		return note
	}
	return strings.TrimSpace(resetPrefix + " " + note)
}

// IsValidationError reports whether err is a structural transition fault.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SequenceViolation points at an accepted MoveToNext that did not directly
// follow a CompletePhase.
type SequenceViolation struct {
	Index   int
	Event   Event
	Message string
}

// ValidateTransitionSequence inspects the accepted history. It is a
// debugging aid and never blocks a transition.
func (m *Machine) ValidateTransitionSequence() []SequenceViolation {
	var out []SequenceViolation
	for i, ev := range m.history {
		if ev.Type != EventMoveToNext {
			continue
		}
		if i > 0 && m.history[i-1].Type == EventCompletePhase {
			continue
		}
		out = append(out, SequenceViolation{
			Index:   i,
			Event:   ev,
			Message: fmt.Sprintf("move_to_next from %s was not preceded by complete_phase", m.phaseName(ev.CurrentPhaseID)),
		})
	}
	return out
}
