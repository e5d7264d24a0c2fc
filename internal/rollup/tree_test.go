package rollup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/rollup"
)

func hierarchy(subtaskPcts ...int) []rollup.Node {
	nodes := []rollup.Node{
		{ID: "e1", Level: domain.LevelEpic, Status: domain.StatusInProgress},
		{ID: "s1", ParentID: "e1", Level: domain.LevelStory},
		{ID: "t1", ParentID: "s1", Level: domain.LevelTask},
	}
	for i, pct := range subtaskPcts {
		nodes = append(nodes, rollup.Node{
			ID:                   string(rune('a' + i)),
			ParentID:             "t1",
			Level:                domain.LevelSubtask,
			Status:               rollup.StatusFor(pct),
			CompletionPercentage: pct,
		})
	}
	return nodes
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		pcts   []int
		pct    int
		status domain.Status
	}{
		{name: "mixed", pcts: []int{0, 50, 100}, pct: 50, status: domain.StatusInProgress},
		{name: "half done", pcts: []int{50, 50, 0, 0}, pct: 25, status: domain.StatusInProgress},
		{name: "round half up", pcts: []int{0, 1}, pct: 1, status: domain.StatusInProgress},
		{name: "round down", pcts: []int{33, 33, 34}, pct: 33, status: domain.StatusInProgress},
		{name: "all zero", pcts: []int{0, 0}, pct: 0, status: domain.StatusNotStarted},
		{name: "all done", pcts: []int{100, 100}, pct: 100, status: domain.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, status, ok := rollup.Derive(tt.pcts)
			require.True(t, ok)
			assert.Equal(t, tt.pct, pct)
			assert.Equal(t, tt.status, status)
		})
	}

	_, _, ok := rollup.Derive(nil)
	assert.False(t, ok)
}

func TestRecomputeBottomUp(t *testing.T) {
	tree, err := rollup.NewTree(hierarchy(100, 100, 0, 0))
	require.NoError(t, err)

	res, err := tree.Recompute("a")
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "s1", res.StoryID)
	assert.Equal(t, "e1", res.EpicID)

	require.Len(t, res.Updates, 3)
	assert.Equal(t, []string{"t1", "s1", "e1"}, []string{res.Updates[0].ID, res.Updates[1].ID, res.Updates[2].ID})
	for _, u := range res.Updates {
		assert.Equal(t, 50, u.CompletionPercentage)
	}

	task, _ := tree.Node("t1")
	assert.Equal(t, domain.StatusInProgress, task.Status)
}

func TestRecomputeSubtaskStatuses(t *testing.T) {
	// completed, completed, not started, not started as 50/50/0/0
	tree, err := rollup.NewTree(hierarchy(50, 50, 0, 0))
	require.NoError(t, err)

	res, err := tree.Recompute("c")
	require.NoError(t, err)
	require.NotEmpty(t, res.Updates)
	assert.Equal(t, 25, res.Updates[0].CompletionPercentage)
	assert.Equal(t, domain.StatusInProgress, res.Updates[0].Status)
}

func TestRecomputeUsesUpdatedChildValues(t *testing.T) {
	nodes := hierarchy(100)
	nodes = append(nodes,
		rollup.Node{ID: "s2", ParentID: "e1", Level: domain.LevelStory},
		rollup.Node{ID: "t2", ParentID: "s2", Level: domain.LevelTask},
	)
	tree, err := rollup.NewTree(nodes)
	require.NoError(t, err)

	// t2 has no children, so s2 derives from t2's stored 0
	res, err := tree.Recompute("a")
	require.NoError(t, err)
	last := res.Updates[len(res.Updates)-1]
	assert.Equal(t, "e1", last.ID)
	assert.Equal(t, 50, last.CompletionPercentage)
}

func TestRecomputeLeavesChildlessParentAlone(t *testing.T) {
	tree, err := rollup.NewTree([]rollup.Node{
		{ID: "e1", Level: domain.LevelEpic, Status: domain.StatusInProgress, CompletionPercentage: 40},
		{ID: "s1", ParentID: "e1", Level: domain.LevelStory, Status: domain.StatusInProgress, CompletionPercentage: 40},
		{ID: "t1", ParentID: "s1", Level: domain.LevelTask, Status: domain.StatusInProgress, CompletionPercentage: 40},
	})
	require.NoError(t, err)

	updates, err := tree.RecomputeSubtree("t1")
	require.NoError(t, err)
	assert.Empty(t, updates, "no write for a parent with zero children")

	task, _ := tree.Node("t1")
	assert.Equal(t, 40, task.CompletionPercentage)
	assert.Equal(t, domain.StatusInProgress, task.Status)
}

func TestEpicStatusIsNotPromotedAtHundred(t *testing.T) {
	tree, err := rollup.NewTree(hierarchy(100, 100))
	require.NoError(t, err)

	res, err := tree.Recompute("a")
	require.NoError(t, err)
	epic := res.Updates[2]
	assert.Equal(t, "e1", epic.ID)
	assert.Equal(t, 100, epic.CompletionPercentage)
	assert.False(t, epic.StatusWritten)
	assert.Equal(t, domain.StatusInProgress, epic.Status)

	story := res.Updates[1]
	assert.True(t, story.StatusWritten)
	assert.Equal(t, domain.StatusCompleted, story.Status)
}

func TestCompletedEpicStatusIsKept(t *testing.T) {
	nodes := hierarchy(40)
	nodes[0].Status = domain.StatusCompleted
	tree, err := rollup.NewTree(nodes)
	require.NoError(t, err)

	res, err := tree.Recompute("a")
	require.NoError(t, err)
	epic := res.Updates[2]
	assert.Equal(t, 40, epic.CompletionPercentage)
	assert.False(t, epic.StatusWritten)
	assert.Equal(t, domain.StatusCompleted, epic.Status)
}

func TestSetLeafThenRecompute(t *testing.T) {
	tree, err := rollup.NewTree(hierarchy(0, 0))
	require.NoError(t, err)
	require.NoError(t, tree.SetLeaf("b", domain.StatusCompleted, 100))

	res, err := tree.Recompute("b")
	require.NoError(t, err)
	assert.Equal(t, 50, res.Updates[0].CompletionPercentage)
}

func TestRecomputeSubtreeOrder(t *testing.T) {
	tree, err := rollup.NewTree(hierarchy(20, 40))
	require.NoError(t, err)

	updates, err := tree.RecomputeSubtree("e1")
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, domain.LevelTask, updates[0].Level)
	assert.Equal(t, domain.LevelEpic, updates[2].Level)
	assert.Equal(t, 30, updates[2].CompletionPercentage)
}

func TestNewTreeRejectsBadHierarchy(t *testing.T) {
	tests := []struct {
		name  string
		nodes []rollup.Node
	}{
		{name: "story without parent", nodes: []rollup.Node{{ID: "s1", Level: domain.LevelStory}}},
		{name: "task under epic", nodes: []rollup.Node{
			{ID: "e1", Level: domain.LevelEpic},
			{ID: "t1", ParentID: "e1", Level: domain.LevelTask},
		}},
		{name: "epic with parent", nodes: []rollup.Node{
			{ID: "e0", Level: domain.LevelEpic},
			{ID: "e1", ParentID: "e0", Level: domain.LevelEpic},
		}},
		{name: "missing parent", nodes: []rollup.Node{{ID: "s1", ParentID: "nope", Level: domain.LevelStory}}},
		{name: "bad level", nodes: []rollup.Node{{ID: "x", Level: "initiative"}}},
		{name: "duplicate", nodes: []rollup.Node{{ID: "e1", Level: domain.LevelEpic}, {ID: "e1", Level: domain.LevelEpic}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rollup.NewTree(tt.nodes)
			assert.Error(t, err)
		})
	}
}
