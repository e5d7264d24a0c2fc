package phase_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/phase"
)

func testPhases() []domain.Phase {
	return []domain.Phase{
		{ID: "testing", Name: "Testing", SequenceOrder: 3},
		{ID: "design", Name: "Design", SequenceOrder: 1},
		{ID: "configuration", Name: "Configuration", SequenceOrder: 2},
	}
}

func TestRegistryOrdering(t *testing.T) {
	r, err := phase.NewRegistry(testPhases(), nil)
	require.NoError(t, err)

	ids := []string{}
	for _, p := range r.Phases() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"design", "configuration", "testing"}, ids)
	assert.Equal(t, "design", r.First().ID)
	assert.Equal(t, "testing", r.Last().ID)

	next, ok := r.Next(1)
	require.True(t, ok)
	assert.Equal(t, "configuration", next.ID)

	_, ok = r.Next(3)
	assert.False(t, ok, "no phase after the last one")

	prev, ok := r.Previous(2)
	require.True(t, ok)
	assert.Equal(t, "design", prev.ID)

	_, ok = r.Previous(1)
	assert.False(t, ok, "no phase before the first one")
}

func TestRegistryRejectsBadSequences(t *testing.T) {
	tests := []struct {
		name   string
		phases []domain.Phase
	}{
		{name: "empty", phases: nil},
		{name: "gap", phases: []domain.Phase{{ID: "a", SequenceOrder: 1}, {ID: "b", SequenceOrder: 3}}},
		{name: "zero based", phases: []domain.Phase{{ID: "a", SequenceOrder: 0}, {ID: "b", SequenceOrder: 1}}},
		{name: "duplicate order", phases: []domain.Phase{{ID: "a", SequenceOrder: 1}, {ID: "b", SequenceOrder: 1}}},
		{name: "duplicate id", phases: []domain.Phase{{ID: "a", SequenceOrder: 1}, {ID: "a", SequenceOrder: 2}}},
		{name: "missing id", phases: []domain.Phase{{Name: "Design", SequenceOrder: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := phase.NewRegistry(tt.phases, nil)
			assert.Error(t, err)
		})
	}
}

func TestRegistryStateLookup(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	states := phase.InitialStates("epic-1", testPhases(), now)
	r, err := phase.NewRegistry(testPhases(), states[:2])
	require.NoError(t, err)

	st, err := r.State("epic-1", "design")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, st.Status)

	_, err = r.State("epic-1", "testing")
	var nf *phase.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "testing", nf.PhaseID)

	_, err = r.StatesFor("epic-1")
	assert.Error(t, err, "a missing row must surface as an integrity error")
}

func TestRegistryRejectsStateForUnknownPhase(t *testing.T) {
	_, err := phase.NewRegistry(testPhases(), []domain.WorkItemPhaseState{{WorkItemID: "epic-1", PhaseID: "promotion"}})
	assert.Error(t, err)
}

func TestInitialStates(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	states := phase.InitialStates("epic-1", testPhases(), now)
	require.Len(t, states, 3)

	assert.Equal(t, "design", states[0].PhaseID)
	assert.Equal(t, domain.StatusInProgress, states[0].Status)
	assert.Equal(t, 0, states[0].CompletionPercentage)
	require.NotNil(t, states[0].StartDate)
	assert.Equal(t, "2024-01-01T00:00:00Z", *states[0].StartDate)

	for _, st := range states[1:] {
		assert.Equal(t, domain.StatusNotStarted, st.Status)
		assert.Nil(t, st.StartDate)
		assert.Equal(t, "epic-1", st.WorkItemID)
	}
}
