package lifecycle

import (
	"fmt"
	"time"

	"phaseline/internal/domain"
)

// EventType names one of the five phase transitions.
type EventType string

const (
	EventStartPhase     EventType = "start_phase"
	EventCompletePhase  EventType = "complete_phase"
	EventMoveToNext     EventType = "move_to_next"
	EventMoveToPrevious EventType = "move_to_previous"
	EventResetPhase     EventType = "reset_phase"
)

// EventTypes lists every transition in a stable order.
var EventTypes = []EventType{
	EventStartPhase,
	EventCompletePhase,
	EventMoveToNext,
	EventMoveToPrevious,
	EventResetPhase,
}

func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if t == v {
			return true
		}
	}
	return false
}

type Metadata struct {
	ActorID   string
	Notes     string
	Reason    string
	Timestamp time.Time
}

// Event is a transition request against one work item. It is built per call
// and never persisted; only the side effects of an accepted event are.
type Event struct {
	Type           EventType
	WorkItemID     string
	CurrentPhaseID string
	// TargetPhaseID defaults to CurrentPhaseID for start, complete and reset.
	TargetPhaseID string
	Metadata      Metadata
}

// Permissions are evaluated by the caller for (actor, work item).
type Permissions struct {
	CanAdvance bool `json:"can_advance"`
	CanRevert  bool `json:"can_revert"`
	CanSkip    bool `json:"can_skip"`
}

// Context is the caller-held snapshot a machine is bound to.
type Context struct {
	WorkItemID     string
	CurrentPhaseID string
	Phases         []domain.Phase
	// States is keyed by phase id.
	States      map[string]domain.WorkItemPhaseState
	Permissions Permissions
}

// Clone returns a deep copy so a machine never shares state with its caller.
func (c Context) Clone() Context {
	out := c
	out.Phases = make([]domain.Phase, len(c.Phases))
	copy(out.Phases, c.Phases)
	out.States = make(map[string]domain.WorkItemPhaseState, len(c.States))
	for k, v := range c.States {
		out.States[k] = cloneState(v)
	}
	return out
}

func cloneState(st domain.WorkItemPhaseState) domain.WorkItemPhaseState {
	if st.StartDate != nil {
		v := *st.StartDate
		st.StartDate = &v
	}
	if st.EndDate != nil {
		v := *st.EndDate
		st.EndDate = &v
	}
	return st
}

type Result struct {
	Success   bool
	NewStatus domain.Status
	// NewPhaseID is the current-phase pointer after a successful transition.
	NewPhaseID  string
	Message     string
	SideEffects []SideEffect
}

// Apply returns a copy of c with the result's state updates and phase
// pointer applied. A failed result leaves the copy unchanged.
func (r Result) Apply(c Context) Context {
	if !r.Success {
		return c.Clone()
	}
	out := Apply(c, r.SideEffects)
	if r.NewPhaseID != "" {
		out.CurrentPhaseID = r.NewPhaseID
	}
	return out
}

// Apply returns a copy of c with every UpdatePhaseState in effects written
// into its state map. Other effects are ignored.
func Apply(c Context, effects []SideEffect) Context {
	out := c.Clone()
	for _, eff := range effects {
		if u, ok := eff.(UpdatePhaseState); ok {
			out.States[u.State.PhaseID] = cloneState(u.State)
		}
	}
	return out
}

// StateUpdates returns the UpdatePhaseState effects in emission order.
func (r Result) StateUpdates() []domain.WorkItemPhaseState {
	var out []domain.WorkItemPhaseState
	for _, eff := range r.SideEffects {
		if u, ok := eff.(UpdatePhaseState); ok {
			out = append(out, u.State)
		}
	}
	return out
}

type SideEffectKind string

const (
	KindUpdatePhaseState SideEffectKind = "update_phase_state"
	KindNotifyUsers      SideEffectKind = "notify_users"
	KindLogAudit         SideEffectKind = "log_audit"
)

// SideEffect is an instruction for the caller. The set of implementations is
// closed: UpdatePhaseState, NotifyUsers and LogAudit.
type SideEffect interface {
	Kind() SideEffectKind
	sideEffect()
}

type UpdatePhaseState struct {
	State domain.WorkItemPhaseState
}

type NotifyUsers struct {
	WorkItemID string
	PhaseID    string
	Scope      string
	Message    string
}

type LogAudit struct {
	Action     EventType
	WorkItemID string
	PhaseIDs   []string
	ActorID    string
	Reason     string
	Timestamp  string
}

func (UpdatePhaseState) Kind() SideEffectKind { return KindUpdatePhaseState }
func (NotifyUsers) Kind() SideEffectKind      { return KindNotifyUsers }
func (LogAudit) Kind() SideEffectKind         { return KindLogAudit }

func (UpdatePhaseState) sideEffect() {}
func (NotifyUsers) sideEffect()      {}
func (LogAudit) sideEffect()         {}

// TeamScope is the notification scope for everyone working on a work item.
func TeamScope(workItemID string) string {
	return "team:" + workItemID
}

// Transitions reports which events are currently legal for the current phase.
type Transitions struct {
	CanStart          bool `json:"can_start"`
	CanComplete       bool `json:"can_complete"`
	CanMoveToNext     bool `json:"can_move_to_next"`
	CanMoveToPrevious bool `json:"can_move_to_previous"`
	CanReset          bool `json:"can_reset"`
	CanSkip           bool `json:"can_skip"`
}

// ValidationError reports a structurally invalid event or an inconsistent
// snapshot. It signals a caller bug and must not be retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid transition: " + e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("invalid transition: %s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
