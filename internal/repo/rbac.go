package repo

import (
	"context"
	"database/sql"
	"sort"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, projectID, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(project_id, id, description) VALUES (?,?,?)`, projectID, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, projectID, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(project_id, role_id, permission_id) VALUES (?,?,?)`, projectID, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id, created_at) VALUES (?,?,?,?)`, projectID, actorID, roleID, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
	return err
}

// ActorPermissions returns the distinct permission ids granted to an actor
// through its project roles, sorted.
func (r Repo) ActorPermissions(ctx context.Context, projectID, actorID string) ([]string, error) {
	return actorPermissions(ctx, r.DB, projectID, actorID)
}

func (r Repo) ActorPermissionsTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	return actorPermissions(ctx, tx, projectID, actorID)
}

func actorPermissions(ctx context.Context, q dbtx, projectID, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.project_id = ar.project_id AND rp.role_id = ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, rows.Err()
}

func (r Repo) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
