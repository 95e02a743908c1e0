package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateRemaining(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	phaseStart := now.Add(-20 * time.Second)

	tests := []struct {
		name   string
		state  State
		want   time.Duration
		wantOK bool
	}{
		{
			name:  "nothing done yet",
			state: State{Status: StatusRunning, Percentage: 0, StartedAt: now.Add(-time.Minute)},
		},
		{
			name:  "already complete",
			state: State{Status: StatusRunning, Percentage: 100, StartedAt: now.Add(-time.Minute)},
		},
		{
			name:  "finished run",
			state: State{Status: StatusCompleted, Percentage: 50, StartedAt: now.Add(-time.Minute)},
		},
		{
			name:  "stale run",
			state: State{Status: StatusStale, Percentage: 50, StartedAt: now.Add(-time.Minute)},
		},
		{
			name: "batched phase uses item throughput",
			state: State{
				Status: StatusRunning, CurrentStep: StepPosts, Percentage: 80,
				ItemsProcessed: 10, ItemsTotal: 30,
				StartedAt: now.Add(-time.Hour), PhaseStartedAt: &phaseStart,
			},
			// 10 items in 20s is 0.5/s, 20 items left
			want:   40 * time.Second,
			wantOK: true,
		},
		{
			name: "batched phase rounds up",
			state: State{
				Status: StatusRunning, CurrentStep: StepMedia, Percentage: 60,
				ItemsProcessed: 3, ItemsTotal: 4,
				StartedAt: now.Add(-time.Hour), PhaseStartedAt: &phaseStart,
			},
			want:   7 * time.Second,
			wantOK: true,
		},
		{
			name: "linear fallback outside batched phases",
			state: State{
				Status: StatusRunning, CurrentStep: StepCategories, Percentage: 25,
				StartedAt: now.Add(-30 * time.Second),
			},
			want:   90 * time.Second,
			wantOK: true,
		},
		{
			name: "batched phase without items falls back",
			state: State{
				Status: StatusRunning, CurrentStep: StepMedia, Percentage: 50,
				StartedAt: now.Add(-10 * time.Second), PhaseStartedAt: &phaseStart,
			},
			want:   10 * time.Second,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateRemaining(tt.state, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "calculating...", FormatDuration(0))
	assert.Equal(t, "calculating...", FormatDuration(-time.Second))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "1m5s", FormatDuration(65*time.Second))
	assert.Equal(t, "2h0m3s", FormatDuration(2*time.Hour+3*time.Second))
}

func TestSummary(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	state := State{
		Status:           StatusStale,
		CurrentStep:      StepPosts,
		CurrentPhaseName: "Posts",
		Percentage:       72,
		Message:          "Migrating posts... 1200/3400",
		ItemsProcessed:   1200,
		ItemsTotal:       3400,
		StartedAt:        now.Add(-time.Hour),
		LastUpdated:      now.Add(-10 * time.Minute),
		IsStale:          true,
	}

	lines := Summary(state, now)
	assert.Contains(t, lines, "Status:     stale")
	assert.Contains(t, lines, "Step:       Posts")
	assert.Contains(t, lines, "Progress:   72%")
	assert.Contains(t, lines, "Items:      1,200/3,400")
	assert.Contains(t, lines, "Message:    Migrating posts... 1200/3400")
	assert.Contains(t, lines, "No progress reported recently; the run may have been abandoned.")
	for _, line := range lines {
		assert.NotContains(t, line, "Remaining:")
	}

	idle := Summary(State{Status: StatusIdle}, now)
	assert.Equal(t, []string{"Status:     idle", "Step:       -", "Progress:   0%"}, idle)
}
