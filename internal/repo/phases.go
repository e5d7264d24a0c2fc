package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, projectID string, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(project_id,id,name,sequence_order,description) VALUES (?,?,?,?,?)`,
		projectID, p.ID, p.Name, p.SequenceOrder, nullable(p.Description))
	return err
}

// ListPhases returns a project's phases in sequence order.
func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	return listPhases(ctx, r.DB, projectID)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	return listPhases(ctx, tx, projectID)
}

func listPhases(ctx context.Context, q dbtx, projectID string) ([]domain.Phase, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,sequence_order,COALESCE(description,'') FROM phases WHERE project_id=? ORDER BY sequence_order`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		if err := rows.Scan(&p.ID, &p.Name, &p.SequenceOrder, &p.Description); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertPhaseStates(ctx context.Context, tx *sql.Tx, states []domain.WorkItemPhaseState) error {
	for _, st := range states {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_item_phase_states(work_item_id,phase_id,status,completion_percentage,start_date,end_date,notes) VALUES (?,?,?,?,?,?,?)`,
			st.WorkItemID, st.PhaseID, st.Status, st.CompletionPercentage, nullableStringPtr(st.StartDate), nullableStringPtr(st.EndDate), nullable(st.Notes)); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePhaseState overwrites an existing row. A missing row is ErrNotFound.
func (r Repo) UpdatePhaseState(ctx context.Context, tx *sql.Tx, st domain.WorkItemPhaseState) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_item_phase_states SET status=?, completion_percentage=?, start_date=?, end_date=?, notes=? WHERE work_item_id=? AND phase_id=?`,
		st.Status, st.CompletionPercentage, nullableStringPtr(st.StartDate), nullableStringPtr(st.EndDate), nullable(st.Notes), st.WorkItemID, st.PhaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPhaseStates(ctx context.Context, workItemID string) ([]domain.WorkItemPhaseState, error) {
	return listPhaseStates(ctx, r.DB, workItemID)
}

func (r Repo) ListPhaseStatesTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.WorkItemPhaseState, error) {
	return listPhaseStates(ctx, tx, workItemID)
}

func listPhaseStates(ctx context.Context, q dbtx, workItemID string) ([]domain.WorkItemPhaseState, error) {
	rows, err := q.QueryContext(ctx, `SELECT s.work_item_id,s.phase_id,s.status,s.completion_percentage,s.start_date,s.end_date,COALESCE(s.notes,'')
FROM work_item_phase_states s
JOIN work_items w ON w.id = s.work_item_id
LEFT JOIN phases p ON p.project_id = w.project_id AND p.id = s.phase_id
WHERE s.work_item_id=? ORDER BY p.sequence_order`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItemPhaseState
	for rows.Next() {
		var st domain.WorkItemPhaseState
		var start, end sql.NullString
		if err := rows.Scan(&st.WorkItemID, &st.PhaseID, &st.Status, &st.CompletionPercentage, &start, &end, &st.Notes); err != nil {
			return nil, err
		}
		st.StartDate = stringPtr(start)
		st.EndDate = stringPtr(end)
		res = append(res, st)
	}
	return res, rows.Err()
}
