package engine

import (
	"context"
	"fmt"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/lifecycle"
	"phaseline/internal/metrics"
	"phaseline/internal/phase"
)

// TransitionOptions is a transition request for an epic. CurrentPhaseID
// defaults to the stored pointer; callers that display a phase should pass
// the one they showed so a stale view is rejected.
type TransitionOptions struct {
	WorkItemID     string
	Event          lifecycle.EventType
	CurrentPhaseID string
	TargetPhaseID  string
	Notes          string
	Reason         string
	ActorID        string
}

type TransitionResult struct {
	lifecycle.Result
	WorkItem domain.WorkItem
}

type snapshot struct {
	item domain.WorkItem
	ctx  lifecycle.Context
}

func (e Engine) loadSnapshot(ctx context.Context, workItemID, actorID string) (snapshot, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return snapshot{}, err
	}
	if w.Level != domain.LevelEpic {
		return snapshot{}, invalidf("%s is a %s; only epics have phases", w.ID, w.Level)
	}
	if w.CurrentPhaseID == nil {
		return snapshot{}, fmt.Errorf("epic %s has no current phase", w.ID)
	}
	phases, err := e.Repo.ListPhases(ctx, w.ProjectID)
	if err != nil {
		return snapshot{}, err
	}
	rows, err := e.Repo.ListPhaseStates(ctx, w.ID)
	if err != nil {
		return snapshot{}, err
	}
	reg, err := phase.NewRegistry(phases, rows)
	if err != nil {
		return snapshot{}, err
	}
	// every registered phase must have a row
	if _, err := reg.StatesFor(w.ID); err != nil {
		return snapshot{}, err
	}
	states := make(map[string]domain.WorkItemPhaseState, len(rows))
	for _, st := range rows {
		states[st.PhaseID] = st
	}
	perms, err := e.Auth.Permissions(ctx, nil, w.ProjectID, actorID)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		item: w,
		ctx: lifecycle.Context{
			WorkItemID:     w.ID,
			CurrentPhaseID: *w.CurrentPhaseID,
			Phases:         phases,
			States:         states,
			Permissions:    perms,
		},
	}, nil
}

// Transition runs one lifecycle event against an epic and applies the
// resulting side effects in a single transaction. A business rejection is
// returned as a result with Success false and writes nothing.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return TransitionResult{}, invalidf("actor id is required")
	}
	var out TransitionResult
	err := e.retry(ctx, "transition", func() error {
		snap, err := e.loadSnapshot(ctx, opts.WorkItemID, opts.ActorID)
		if err != nil {
			return err
		}
		if err := e.Auth.Require(ctx, nil, snap.item.ProjectID, opts.ActorID, auth.PermPhaseTransition); err != nil {
			return err
		}
		current := opts.CurrentPhaseID
		if current == "" {
			current = snap.ctx.CurrentPhaseID
		}
		ev := lifecycle.Event{
			Type:           opts.Event,
			WorkItemID:     snap.item.ID,
			CurrentPhaseID: current,
			TargetPhaseID:  opts.TargetPhaseID,
			Metadata: lifecycle.Metadata{
				ActorID:   opts.ActorID,
				Notes:     opts.Notes,
				Reason:    opts.Reason,
				Timestamp: e.now(),
			},
		}
		res, err := lifecycle.ProcessTransition(snap.ctx, ev,
			lifecycle.WithRegressionPercent(e.Config.RegressionPercent()),
			lifecycle.WithClock(e.now),
		)
		if err != nil {
			e.Metrics.Transition(eventLabel(opts.Event), metrics.OutcomeInvalid)
			return err
		}
		if !res.Success {
			e.Metrics.Transition(eventLabel(opts.Event), metrics.OutcomeRejected)
			e.logger().InfoContext(ctx, "transition rejected",
				"work_item_id", snap.item.ID, "event", opts.Event, "actor_id", opts.ActorID, "reason", res.Message)
			out = TransitionResult{Result: res, WorkItem: snap.item}
			return nil
		}

		item, notes, err := e.applyTransition(ctx, snap, res)
		if err != nil {
			return err
		}
		e.Metrics.Transition(eventLabel(opts.Event), metrics.OutcomeAccepted)
		e.logger().InfoContext(ctx, "transition applied",
			"work_item_id", item.ID, "event", opts.Event, "actor_id", opts.ActorID, "phase_id", res.NewPhaseID)
		e.dispatch(ctx, notes)
		out = TransitionResult{Result: res, WorkItem: item}
		return nil
	})
	return out, err
}

// applyTransition interprets the side effects of an accepted transition.
func (e Engine) applyTransition(ctx context.Context, snap snapshot, res lifecycle.Result) (domain.WorkItem, []domain.Notification, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	item := snap.item
	var notes []domain.Notification
	for _, eff := range res.SideEffects {
		switch eff := eff.(type) {
		case lifecycle.UpdatePhaseState:
			if err := e.Repo.UpdatePhaseState(ctx, tx, eff.State); err != nil {
				return domain.WorkItem{}, nil, fmt.Errorf("update phase %s: %w", eff.State.PhaseID, err)
			}
		case lifecycle.LogAudit:
			if err := e.appendEvent(ctx, tx, events.PhaseEvent(string(eff.Action)), item.ProjectID, "work_item", eff.WorkItemID, eff.ActorID, events.EventPayload{
				"phase_ids":    eff.PhaseIDs,
				"reason":       eff.Reason,
				"timestamp":    eff.Timestamp,
				"message":      res.Message,
				"new_phase_id": res.NewPhaseID,
			}); err != nil {
				return domain.WorkItem{}, nil, err
			}
		case lifecycle.NotifyUsers:
			notes = append(notes, domain.Notification{
				ProjectID:  item.ProjectID,
				WorkItemID: eff.WorkItemID,
				PhaseID:    eff.PhaseID,
				Scope:      eff.Scope,
				Message:    eff.Message,
				ActorID:    auditActor(res.SideEffects),
				TS:         now,
			})
		default:
			return domain.WorkItem{}, nil, fmt.Errorf("unhandled side effect %T", eff)
		}
	}

	after := res.Apply(snap.ctx)
	item.CurrentPhaseID = &after.CurrentPhaseID
	item.Status = epicStatus(after)
	item.UpdatedAt = now
	v, err := e.Repo.UpdateWorkItem(ctx, tx, item)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	item.Version = v
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, nil, err
	}
	return item, notes, nil
}

// epicStatus is Completed exactly when the final phase is completed.
func epicStatus(c lifecycle.Context) domain.Status {
	last := c.Phases[0]
	for _, p := range c.Phases {
		if p.SequenceOrder > last.SequenceOrder {
			last = p
		}
	}
	if c.States[last.ID].Status == domain.StatusCompleted {
		return domain.StatusCompleted
	}
	return domain.StatusInProgress
}

func auditActor(effects []lifecycle.SideEffect) string {
	for _, eff := range effects {
		if a, ok := eff.(lifecycle.LogAudit); ok {
			return a.ActorID
		}
	}
	return ""
}

// AvailableTransitions reports what actorID may do with the epic right now.
func (e Engine) AvailableTransitions(ctx context.Context, workItemID, actorID string) (lifecycle.Transitions, error) {
	snap, err := e.loadSnapshot(ctx, workItemID, actorID)
	if err != nil {
		return lifecycle.Transitions{}, err
	}
	return lifecycle.AvailableTransitions(snap.ctx)
}

// eventLabel bounds the metric label set to the known event types.
func eventLabel(t lifecycle.EventType) string {
	if !t.Valid() {
		return "unknown"
	}
	return string(t)
}
