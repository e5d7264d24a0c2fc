package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/repo"
	"phaseline/internal/rollup"
)

const recomputeWorkers = 4

type RecomputeReport struct {
	Epics        int `json:"epics"`
	Writes       int `json:"writes"`
	PhasesSynced int `json:"phases_synced"`
}

type epicRollup struct {
	byID    map[string]domain.WorkItem
	epic    string
	updates []rollup.Update
}

// RecomputeAll rebuilds every derived percentage in a project from its
// subtasks. Epics are computed in parallel and written in one transaction.
func (e Engine) RecomputeAll(ctx context.Context, projectID, actorID string) (RecomputeReport, error) {
	var report RecomputeReport
	err := e.retry(ctx, "recompute", func() error {
		if err := e.Auth.Require(ctx, nil, projectID, actorID, auth.PermProjectAdmin); err != nil {
			return err
		}
		epics, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: projectID, Level: domain.LevelEpic})
		if err != nil {
			return err
		}
		results := make([]epicRollup, len(epics))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(recomputeWorkers)
		for i, epic := range epics {
			g.Go(func() error {
				items, err := e.Repo.ListSubtree(gctx, epic.ID)
				if err != nil {
					return fmt.Errorf("load %s: %w", epic.ID, err)
				}
				tree, byID, err := buildTree(items)
				if err != nil {
					return fmt.Errorf("epic %s: %w", epic.ID, err)
				}
				updates, err := tree.RecomputeSubtree(epic.ID)
				if err != nil {
					return err
				}
				results[i] = epicRollup{byID: byID, epic: epic.ID, updates: updates}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		report = RecomputeReport{Epics: len(epics)}
		for _, r := range results {
			n, err := e.applyRollup(ctx, tx, r.byID, r.updates, actorID)
			if err != nil {
				return err
			}
			report.Writes += n
			synced, err := e.syncPhaseProgress(ctx, tx, r.byID[r.epic], actorID)
			if err != nil {
				return err
			}
			if synced != nil {
				report.PhasesSynced++
			}
		}
		if err := e.appendEvent(ctx, tx, events.RecomputeCompleted, projectID, "project", projectID, actorID, events.EventPayload{
			"epics":         report.Epics,
			"writes":        report.Writes,
			"phases_synced": report.PhasesSynced,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return RecomputeReport{}, err
	}
	e.logger().InfoContext(ctx, "recompute finished", "project_id", projectID, "epics", report.Epics, "writes", report.Writes)
	return report, nil
}
