package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/metrics"
	"phaseline/internal/repo"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	m := metrics.New()
	e := Engine{Config: config.Default("p"), Metrics: m}
	calls := 0
	err := e.retry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return repo.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictRetries))
}

func TestRetryGivesUpAfterConfiguredAttempts(t *testing.T) {
	cfg := config.Default("p")
	cfg.Lifecycle.ConflictRetries = 1
	e := Engine{Config: cfg}
	calls := 0
	err := e.retry(context.Background(), "op", func() error {
		calls++
		return repo.ErrConflict
	})
	require.ErrorIs(t, err, repo.ErrConflict)
	assert.Equal(t, 2, calls)
}

func TestRetryDoesNotRepeatOtherErrors(t *testing.T) {
	e := Engine{}
	boom := errors.New("boom")
	calls := 0
	err := e.retry(context.Background(), "op", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestNormalizeProgress(t *testing.T) {
	pct := func(v int) *int { return &v }
	tests := []struct {
		name       string
		status     string
		pct        *int
		current    int
		wantStatus string
		wantPct    int
		wantErr    bool
	}{
		{name: "percentage derives status", pct: pct(40), wantStatus: "in_progress", wantPct: 40},
		{name: "hundred derives completed", pct: pct(100), wantStatus: "completed", wantPct: 100},
		{name: "completed is hundred", status: "completed", wantStatus: "completed", wantPct: 100},
		{name: "not started is zero", status: "not_started", current: 30, wantStatus: "not_started", wantPct: 0},
		{name: "in progress keeps current", status: "in_progress", current: 30, wantStatus: "in_progress", wantPct: 30},
		{name: "reopened completed drops to zero", status: "in_progress", current: 100, wantStatus: "in_progress", wantPct: 0},
		{name: "in progress cannot be hundred", status: "in_progress", pct: pct(100), wantErr: true},
		{name: "out of range", pct: pct(101), wantErr: true},
		{name: "nothing given", wantErr: true},
		{name: "unknown status", status: "blocked", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, got, err := normalizeProgress(domain.Status(tt.status), tt.pct, tt.current)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, string(st))
			assert.Equal(t, tt.wantPct, got)
		})
	}
}
