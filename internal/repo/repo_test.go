package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}
	inTx(t, conn, func(tx *sql.Tx) {
		require.NoError(t, r.InsertProject(ctx, tx, domain.Project{ID: "p", Status: "active", CreatedAt: ts}))
	})
	return r, ctx
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func insertItem(t *testing.T, r repo.Repo, ctx context.Context, id, parent string, level domain.Level) domain.WorkItem {
	t.Helper()
	w := domain.WorkItem{ID: id, ProjectID: "p", Level: level, Title: id, Status: domain.StatusNotStarted, CreatedAt: ts, UpdatedAt: ts}
	if parent != "" {
		w.ParentID = &parent
	}
	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.InsertWorkItem(ctx, tx, w))
	})
	got, err := r.GetWorkItem(ctx, id)
	require.NoError(t, err)
	return got
}

func TestUpdateWorkItemChecksVersion(t *testing.T) {
	r, ctx := openRepo(t)
	w := insertItem(t, r, ctx, "e1", "", domain.LevelEpic)
	assert.EqualValues(t, 1, w.Version)

	inTx(t, r.DB, func(tx *sql.Tx) {
		w.CompletionPercentage = 40
		v, err := r.UpdateWorkItem(ctx, tx, w)
		require.NoError(t, err)
		assert.EqualValues(t, 2, v)
	})

	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.UpdateWorkItem(ctx, tx, w)
	assert.ErrorIs(t, err, repo.ErrConflict, "version 1 is stale")

	missing := w
	missing.ID = "nope"
	_, err = r.UpdateWorkItem(ctx, tx, missing)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSubtreeAndRoot(t *testing.T) {
	r, ctx := openRepo(t)
	insertItem(t, r, ctx, "e1", "", domain.LevelEpic)
	insertItem(t, r, ctx, "s1", "e1", domain.LevelStory)
	insertItem(t, r, ctx, "t1", "s1", domain.LevelTask)
	insertItem(t, r, ctx, "u1", "t1", domain.LevelSubtask)
	insertItem(t, r, ctx, "e2", "", domain.LevelEpic)

	items, err := r.ListSubtree(ctx, "s1")
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"s1", "t1", "u1"}, ids)

	root, err := r.RootID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "e1", root)

	_, err = r.ListSubtree(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.RootID(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	epics, err := r.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: "p", Level: domain.LevelEpic})
	require.NoError(t, err)
	assert.Len(t, epics, 2)
}

func TestPhaseStatesInSequenceOrder(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.InsertPhase(ctx, tx, "p", domain.Phase{ID: "build", Name: "Build", SequenceOrder: 2}))
		require.NoError(t, r.InsertPhase(ctx, tx, "p", domain.Phase{ID: "design", Name: "Design", SequenceOrder: 1}))
	})
	insertItem(t, r, ctx, "e1", "", domain.LevelEpic)
	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.InsertPhaseStates(ctx, tx, []domain.WorkItemPhaseState{
			{WorkItemID: "e1", PhaseID: "build", Status: domain.StatusNotStarted},
			{WorkItemID: "e1", PhaseID: "design", Status: domain.StatusInProgress},
		}))
	})

	states, err := r.ListPhaseStates(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "design", states[0].PhaseID)
	assert.Equal(t, "build", states[1].PhaseID)

	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	err = r.UpdatePhaseState(ctx, tx, domain.WorkItemPhaseState{WorkItemID: "e1", PhaseID: "release", Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestActorPermissionsAreProjectScoped(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.InsertProject(ctx, tx, domain.Project{ID: "q", Status: "active", CreatedAt: ts}))
		for _, project := range []string{"p", "q"} {
			require.NoError(t, r.InsertRole(ctx, tx, project, "lead", ""))
		}
		require.NoError(t, r.AddRolePermission(ctx, tx, "p", "lead", "phase.advance"))
		require.NoError(t, r.AddRolePermission(ctx, tx, "p", "lead", "phase.revert"))
		require.NoError(t, r.AddRolePermission(ctx, tx, "q", "lead", "phase.skip"))
		require.NoError(t, r.EnsureActor(ctx, tx, "alice", ts))
		require.NoError(t, r.AssignRole(ctx, tx, "p", "alice", "lead", ts))
	})

	perms, err := r.ActorPermissions(ctx, "p", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"phase.advance", "phase.revert"}, perms)

	perms, err = r.ActorPermissions(ctx, "q", "alice")
	require.NoError(t, err)
	assert.Empty(t, perms)

	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.RevokeRole(ctx, tx, "p", "alice", "lead"))
	})
	roles, err := r.ActorRoles(ctx, "p", "alice")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestAPIKeyLookupAndRevoke(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.EnsureActor(ctx, tx, "alice", ts))
		require.NoError(t, r.InsertAPIKey(ctx, tx, domain.APIKey{
			ID: "k1", ActorID: "alice", Name: "ci", Prefix: "pl_secret", KeyHash: repo.HashAPIKey("pl_secret"), CreatedAt: ts,
		}))
	})
	key, err := r.ActiveAPIKey(ctx, repo.HashAPIKey(" pl_secret "))
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)
	assert.Equal(t, "ci", key.Name)
	assert.Nil(t, key.RevokedAt)

	_, err = r.ActiveAPIKey(ctx, repo.HashAPIKey("other"))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	inTx(t, r.DB, func(tx *sql.Tx) {
		require.NoError(t, r.RevokeAPIKey(ctx, tx, "k1", ts))
		assert.ErrorIs(t, r.RevokeAPIKey(ctx, tx, "missing", ts), repo.ErrNotFound)
	})
	_, err = r.ActiveAPIKey(ctx, repo.HashAPIKey("pl_secret"))
	assert.ErrorIs(t, err, repo.ErrRevoked)

	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].RevokedAt)
	assert.Equal(t, ts, *keys[0].RevokedAt)
}
