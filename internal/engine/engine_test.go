package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/lifecycle"
	"phaseline/internal/metrics"
	"phaseline/internal/migrate"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (s *recordingSink) Notify(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sink   *recordingSink
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")

	cfg := config.Default("proj-1")
	for _, fn := range tweak {
		fn(cfg)
	}
	sink := &recordingSink{}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Notifier = sink
	eng.Metrics = metrics.New()
	_, err = eng.InitProject(ctx, "proj-1", "test", "tester")
	require.NoError(t, err, "init project")
	return testEnv{Engine: eng, Ctx: ctx, Sink: sink}
}

type hierarchy struct {
	Epic, Story, Task domain.WorkItem
	Subtasks          []domain.WorkItem
}

func (env testEnv) buildHierarchy(t *testing.T, subtasks int) hierarchy {
	t.Helper()
	create := func(level domain.Level, parent, title string) domain.WorkItem {
		w, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
			ProjectID: "proj-1", ParentID: parent, Level: level, Title: title, ActorID: "tester",
		})
		require.NoError(t, err, "create %s", title)
		return w
	}
	h := hierarchy{}
	h.Epic = create(domain.LevelEpic, "", "Payroll rollout")
	h.Story = create(domain.LevelStory, h.Epic.ID, "Configure payroll")
	h.Task = create(domain.LevelTask, h.Story.ID, "Tax tables")
	for i := 0; i < subtasks; i++ {
		h.Subtasks = append(h.Subtasks, create(domain.LevelSubtask, h.Task.ID, "step"))
	}
	return h
}

func (env testEnv) setProgress(t *testing.T, id string, status domain.Status, pct *int) engine.ProgressResult {
	t.Helper()
	res, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		WorkItemID: id, Status: status, CompletionPercentage: pct, ActorID: "tester",
	})
	require.NoError(t, err)
	return res
}

func (env testEnv) transition(t *testing.T, epicID string, ev lifecycle.EventType, target string) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		WorkItemID: epicID, Event: ev, TargetPhaseID: target, ActorID: "tester",
	})
	require.NoError(t, err)
	return res
}

func intPtr(v int) *int { return &v }

func TestCreateEpicSeedsPhaseStates(t *testing.T) {
	env := newTestEnv(t)
	epic, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: "proj-1", Level: domain.LevelEpic, Title: "Rollout", ActorID: "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, epic.CurrentPhaseID)
	assert.Equal(t, "design", *epic.CurrentPhaseID)
	assert.Equal(t, domain.StatusInProgress, epic.Status)

	states, err := env.Engine.PhaseStates(env.Ctx, epic.ID)
	require.NoError(t, err)
	require.Len(t, states, 4)
	assert.Equal(t, domain.StatusInProgress, states[0].Status)
	for _, st := range states[1:] {
		assert.Equal(t, domain.StatusNotStarted, st.Status)
	}
}

func TestCreateWorkItemValidatesHierarchy(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 0)

	tests := []struct {
		name string
		opts engine.WorkItemCreateOptions
	}{
		{name: "story without parent", opts: engine.WorkItemCreateOptions{Level: domain.LevelStory, Title: "x"}},
		{name: "task under epic", opts: engine.WorkItemCreateOptions{Level: domain.LevelTask, ParentID: h.Epic.ID, Title: "x"}},
		{name: "epic with parent", opts: engine.WorkItemCreateOptions{Level: domain.LevelEpic, ParentID: h.Epic.ID, Title: "x"}},
		{name: "unknown level", opts: engine.WorkItemCreateOptions{Level: "initiative", Title: "x"}},
		{name: "missing title", opts: engine.WorkItemCreateOptions{Level: domain.LevelEpic}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.ProjectID = "proj-1"
			tt.opts.ActorID = "tester"
			_, err := env.Engine.CreateWorkItem(env.Ctx, tt.opts)
			require.Error(t, err)
			assert.True(t, engine.IsInvalidInput(err), err.Error())
		})
	}
}

func TestCreateWorkItemRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ProjectID: "proj-1", Level: domain.LevelEpic, Title: "x", ActorID: "stranger",
	})
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, auth.PermWorkItemWrite, fe.Permission)
}

func TestProgressRollsUpAndSyncsPhase(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 4)

	env.setProgress(t, h.Subtasks[0].ID, domain.StatusCompleted, nil)
	res := env.setProgress(t, h.Subtasks[1].ID, domain.StatusCompleted, nil)

	assert.Equal(t, h.Task.ID, res.Rollup.TaskID)
	assert.Equal(t, h.Story.ID, res.Rollup.StoryID)
	assert.Equal(t, h.Epic.ID, res.Rollup.EpicID)
	require.NotNil(t, res.Phase)
	assert.Equal(t, 50, res.Phase.CompletionPercentage)

	task, err := env.Engine.GetWorkItem(env.Ctx, h.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, task.CompletionPercentage)
	assert.Equal(t, domain.StatusInProgress, task.Status)

	epic, err := env.Engine.GetWorkItem(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, epic.CompletionPercentage)
	assert.Greater(t, epic.Version, h.Epic.Version)
}

func TestUpdateProgressOnlyOnSubtasks(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 1)
	_, err := env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		WorkItemID: h.Task.ID, CompletionPercentage: intPtr(40), ActorID: "tester",
	})
	assert.True(t, engine.IsInvalidInput(err))

	_, err = env.Engine.UpdateProgress(env.Ctx, engine.ProgressUpdateOptions{
		WorkItemID: h.Subtasks[0].ID, Status: domain.StatusCompleted, CompletionPercentage: intPtr(40), ActorID: "tester",
	})
	assert.True(t, engine.IsInvalidInput(err), "completed implies 100")
}

func TestDesignPhaseCompletionScenario(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 4)

	res := env.transition(t, h.Epic.ID, lifecycle.EventCompletePhase, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "80%")

	env.setProgress(t, h.Subtasks[0].ID, domain.StatusCompleted, nil)
	env.setProgress(t, h.Subtasks[1].ID, domain.StatusCompleted, nil)
	env.setProgress(t, h.Subtasks[2].ID, domain.StatusInProgress, intPtr(60))
	p := env.setProgress(t, h.Subtasks[3].ID, domain.StatusCompleted, nil)
	require.NotNil(t, p.Phase)
	assert.Equal(t, 90, p.Phase.CompletionPercentage)

	res = env.transition(t, h.Epic.ID, lifecycle.EventCompletePhase, "")
	require.True(t, res.Success, res.Message)

	res = env.transition(t, h.Epic.ID, lifecycle.EventStartPhase, "configuration")
	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.WorkItem.CurrentPhaseID)
	assert.Equal(t, "configuration", *res.WorkItem.CurrentPhaseID)

	states, err := env.Engine.PhaseStates(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, states[0].Status)
	assert.Equal(t, 100, states[0].CompletionPercentage)
	assert.Equal(t, domain.StatusInProgress, states[1].Status)

	require.Len(t, env.Sink.notes, 1)
	assert.Equal(t, "design", env.Sink.notes[0].PhaseID)
	assert.Equal(t, "team:"+h.Epic.ID, env.Sink.notes[0].Scope)
}

func TestRejectedTransitionWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 1)

	before, err := env.Engine.Repo.LatestEvents(env.Ctx, 1000, "proj-1", "", "", "")
	require.NoError(t, err)
	epicBefore, err := env.Engine.GetWorkItem(env.Ctx, h.Epic.ID)
	require.NoError(t, err)

	res := env.transition(t, h.Epic.ID, lifecycle.EventMoveToPrevious, "")
	assert.False(t, res.Success)
	assert.Empty(t, res.SideEffects)

	after, err := env.Engine.Repo.LatestEvents(env.Ctx, 1000, "proj-1", "", "", "")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	epicAfter, err := env.Engine.GetWorkItem(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, epicBefore.Version, epicAfter.Version)
}

func TestTransitionValidationError(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 0)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		WorkItemID: h.Epic.ID, Event: lifecycle.EventStartPhase, TargetPhaseID: "release", ActorID: "tester",
	})
	require.Error(t, err)
	assert.True(t, lifecycle.IsValidationError(err))

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		WorkItemID: h.Story.ID, Event: lifecycle.EventStartPhase, ActorID: "tester",
	})
	assert.True(t, engine.IsInvalidInput(err), "stories have no phases")
}

func TestUnknownEventCountedUnderFixedLabel(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 0)
	for _, ev := range []string{"launch", "launch-again"} {
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			WorkItemID: h.Epic.ID, Event: lifecycle.EventType(ev), ActorID: "tester",
		})
		require.Error(t, err)
		assert.True(t, lifecycle.IsValidationError(err))
	}
	transitions := env.Engine.Metrics.Transitions
	assert.Equal(t, 2.0, testutil.ToFloat64(transitions.WithLabelValues("unknown", metrics.OutcomeInvalid)))
	assert.Equal(t, 1, testutil.CollectAndCount(transitions))
}

func TestMoveToPreviousNeedsRevertPermission(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 1)
	env.setProgress(t, h.Subtasks[0].ID, domain.StatusInProgress, intPtr(85))
	res := env.transition(t, h.Epic.ID, lifecycle.EventMoveToNext, "")
	require.True(t, res.Success, res.Message)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, "proj-1", "bob", "member", "tester"))
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		WorkItemID: h.Epic.ID, Event: lifecycle.EventMoveToPrevious, ActorID: "bob",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "revert")

	res = env.transition(t, h.Epic.ID, lifecycle.EventMoveToPrevious, "")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "design", *res.WorkItem.CurrentPhaseID)

	states, err := env.Engine.PhaseStates(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, states[0].CompletionPercentage)
	assert.Equal(t, domain.StatusNotStarted, states[1].Status)
}

func TestAvailableTransitionsUsesActorPermissions(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 0)

	owner, err := env.Engine.AvailableTransitions(env.Ctx, h.Epic.ID, "tester")
	require.NoError(t, err)
	assert.True(t, owner.CanMoveToNext)
	assert.True(t, owner.CanSkip)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, "proj-1", "bob", "member", "tester"))
	member, err := env.Engine.AvailableTransitions(env.Ctx, h.Epic.ID, "bob")
	require.NoError(t, err)
	assert.False(t, member.CanMoveToNext)
	assert.True(t, member.CanComplete)
}

func TestAvailableTransitionsAfterCompletePhase(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 1)
	env.setProgress(t, h.Subtasks[0].ID, domain.StatusInProgress, intPtr(85))

	res := env.transition(t, h.Epic.ID, lifecycle.EventCompletePhase, "")
	require.True(t, res.Success, res.Message)

	avail, err := env.Engine.AvailableTransitions(env.Ctx, h.Epic.ID, "tester")
	require.NoError(t, err)
	assert.True(t, avail.CanStart, "configuration is startable")
	assert.False(t, avail.CanComplete)
	assert.False(t, avail.CanMoveToNext)

	res = env.transition(t, h.Epic.ID, lifecycle.EventStartPhase, "configuration")
	require.True(t, res.Success, res.Message)
}

func TestFinalPhaseCompletesEpic(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Phases = c.Phases[:2] })
	h := env.buildHierarchy(t, 2)

	env.setProgress(t, h.Subtasks[0].ID, domain.StatusCompleted, nil)
	env.setProgress(t, h.Subtasks[1].ID, domain.StatusInProgress, intPtr(70))
	res := env.transition(t, h.Epic.ID, lifecycle.EventMoveToNext, "")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, domain.StatusInProgress, res.WorkItem.Status)

	p := env.setProgress(t, h.Subtasks[1].ID, domain.StatusCompleted, nil)
	require.NotNil(t, p.Phase)
	assert.Equal(t, "configuration", p.Phase.PhaseID, "the new phase shares the epic rollup")
	assert.Equal(t, 99, p.Phase.CompletionPercentage, "synced progress stays below 100")

	epic, err := env.Engine.GetWorkItem(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, epic.CompletionPercentage)
	assert.Equal(t, domain.StatusInProgress, epic.Status, "rollup does not complete an epic")

	res = env.transition(t, h.Epic.ID, lifecycle.EventCompletePhase, "")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, domain.StatusCompleted, res.WorkItem.Status)

	res = env.transition(t, h.Epic.ID, lifecycle.EventMoveToNext, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "final phase")
}

func TestRecomputeAllRepairsDrift(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 2)
	env.setProgress(t, h.Subtasks[0].ID, domain.StatusCompleted, nil)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE work_items SET completion_percentage=7 WHERE id=?`, h.Task.ID)
	require.NoError(t, err)

	report, err := env.Engine.RecomputeAll(env.Ctx, "proj-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Epics)
	assert.Equal(t, 1, report.Writes)

	task, err := env.Engine.GetWorkItem(env.Ctx, h.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, task.CompletionPercentage)
}

func TestWorkItemTree(t *testing.T) {
	env := newTestEnv(t)
	h := env.buildHierarchy(t, 3)

	tree, err := env.Engine.WorkItemTree(env.Ctx, h.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Epic.ID, tree.ID)
	require.Len(t, tree.Children, 1)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Len(t, tree.Children[0].Children[0].Children, 3)
}
