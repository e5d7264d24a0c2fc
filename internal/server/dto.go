package server

import (
	"encoding/json"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/lifecycle"
)

// Request payloads

type CreateWorkItemRequest struct {
	ID          *string `json:"id,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Level       string  `json:"level" enum:"epic,story,task,subtask"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type TransitionRequest struct {
	Event          string `json:"event" enum:"start_phase,complete_phase,move_to_next,move_to_previous,reset_phase"`
	CurrentPhaseID string `json:"current_phase_id,omitempty"`
	TargetPhaseID  string `json:"target_phase_id,omitempty"`
	Notes          string `json:"notes,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type ProgressRequest struct {
	Status               *string `json:"status,omitempty" enum:"not_started,in_progress,completed"`
	CompletionPercentage *int    `json:"completion_percentage,omitempty" minimum:"0" maximum:"100"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type SideEffectResponse struct {
	Type     string                     `json:"type" enum:"update_phase_state,notify_users,log_audit"`
	State    *domain.WorkItemPhaseState `json:"state,omitempty"`
	PhaseID  string                     `json:"phase_id,omitempty"`
	PhaseIDs []string                   `json:"phase_ids,omitempty"`
	Scope    string                     `json:"scope,omitempty"`
	Message  string                     `json:"message,omitempty"`
	Action   string                     `json:"action,omitempty"`
	ActorID  string                     `json:"actor_id,omitempty"`
	Reason   string                     `json:"reason,omitempty"`
}

type TransitionResponse struct {
	Success     bool                 `json:"success"`
	NewStatus   string               `json:"new_status"`
	NewPhaseID  string               `json:"new_phase_id,omitempty"`
	Message     string               `json:"message"`
	SideEffects []SideEffectResponse `json:"side_effects"`
	WorkItem    domain.WorkItem      `json:"work_item"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type workItemList struct {
	Items []domain.WorkItem `json:"items"`
}

// Conversion helpers

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	out := TransitionResponse{
		Success:     res.Success,
		NewStatus:   string(res.NewStatus),
		NewPhaseID:  res.NewPhaseID,
		Message:     res.Message,
		SideEffects: []SideEffectResponse{},
		WorkItem:    res.WorkItem,
	}
	for _, eff := range res.SideEffects {
		out.SideEffects = append(out.SideEffects, sideEffectResponse(eff))
	}
	return out
}

func sideEffectResponse(eff lifecycle.SideEffect) SideEffectResponse {
	r := SideEffectResponse{Type: string(eff.Kind())}
	switch eff := eff.(type) {
	case lifecycle.UpdatePhaseState:
		st := eff.State
		r.State = &st
		r.PhaseID = st.PhaseID
	case lifecycle.NotifyUsers:
		r.PhaseID = eff.PhaseID
		r.Scope = eff.Scope
		r.Message = eff.Message
	case lifecycle.LogAudit:
		r.Action = string(eff.Action)
		r.PhaseIDs = eff.PhaseIDs
		r.ActorID = eff.ActorID
		r.Reason = eff.Reason
	}
	return r
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
