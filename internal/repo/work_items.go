package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"phaseline/internal/domain"
)

const workItemColumns = `id,project_id,parent_id,level,title,COALESCE(description,''),status,completion_percentage,current_phase_id,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, currentPhase sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &parentID, &w.Level, &w.Title, &w.Description, &w.Status,
		&w.CompletionPercentage, &currentPhase, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ParentID = stringPtr(parentID)
	w.CurrentPhaseID = stringPtr(currentPhase)
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	if w.Version == 0 {
		w.Version = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,project_id,parent_id,level,title,description,status,completion_percentage,current_phase_id,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.ParentID), w.Level, w.Title, nullable(w.Description), w.Status,
		w.CompletionPercentage, nullableStringPtr(w.CurrentPhaseID), w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// UpdateWorkItem writes the derived fields of w if the stored version still
// equals w.Version and returns the new version. A stale version is
// ErrConflict.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, completion_percentage=?, current_phase_id=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		w.Status, w.CompletionPercentage, nullableStringPtr(w.CurrentPhaseID), w.UpdatedAt, w.ID, w.Version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, w.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, ErrConflict
	}
	return w.Version + 1, nil
}

type WorkItemFilters struct {
	ProjectID string
	ParentID  string
	Level     domain.Level
	Status    domain.Status
	Limit     int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryWorkItems(ctx, r.DB, query, args...)
}

// ListSubtree returns rootID and every descendant.
func (r Repo) ListSubtree(ctx context.Context, rootID string) ([]domain.WorkItem, error) {
	return listSubtree(ctx, r.DB, rootID)
}

func (r Repo) ListSubtreeTx(ctx context.Context, tx *sql.Tx, rootID string) ([]domain.WorkItem, error) {
	return listSubtree(ctx, tx, rootID)
}

func listSubtree(ctx context.Context, q dbtx, rootID string) ([]domain.WorkItem, error) {
	items, err := queryWorkItems(ctx, q, `WITH RECURSIVE sub(id) AS (
  SELECT id FROM work_items WHERE id=?
  UNION ALL
  SELECT w.id FROM work_items w JOIN sub s ON w.parent_id = s.id
)
SELECT `+workItemColumns+` FROM work_items WHERE id IN (SELECT id FROM sub) ORDER BY created_at, id`, rootID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

// RootID walks parent links up from id and returns the top-level ancestor.
func (r Repo) RootID(ctx context.Context, id string) (string, error) {
	return rootID(ctx, r.DB, id)
}

func (r Repo) RootIDTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	return rootID(ctx, tx, id)
}

func rootID(ctx context.Context, q dbtx, id string) (string, error) {
	var root string
	err := q.QueryRowContext(ctx, `WITH RECURSIVE up(id, parent_id) AS (
  SELECT id, parent_id FROM work_items WHERE id=?
  UNION ALL
  SELECT w.id, w.parent_id FROM work_items w JOIN up u ON w.id = u.parent_id
)
SELECT id FROM up WHERE parent_id IS NULL LIMIT 1`, id).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return root, err
}

func queryWorkItems(ctx context.Context, q dbtx, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
