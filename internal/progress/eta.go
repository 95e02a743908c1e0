package progress

import (
	"math"
	"time"
)

// EstimateRemaining estimates the time left for the run described by state.
// The second return value is false when no estimate is available.
//
// Batched phases use item throughput since the phase started, because the
// setup steps run at a very different pace than item transfer. Everything
// else falls back to a linear projection of the overall percentage.
func EstimateRemaining(state State, now time.Time) (time.Duration, bool) {
	if state.Percentage <= 0 || state.Percentage >= 100 {
		return 0, false
	}
	switch state.Status {
	case StatusCompleted, StatusError, StatusStale, StatusIdle, "":
		return 0, false
	}

	batched := state.CurrentStep == StepMedia || state.CurrentStep == StepPosts
	if batched && state.ItemsProcessed > 0 && state.ItemsTotal > state.ItemsProcessed && state.PhaseStartedAt != nil {
		elapsed := math.Max(1, now.Sub(*state.PhaseStartedAt).Seconds())
		rate := float64(state.ItemsProcessed) / elapsed
		if rate > 0 {
			secs := math.Ceil(float64(state.ItemsTotal-state.ItemsProcessed) / rate)
			return time.Duration(secs) * time.Second, true
		}
	}

	if state.StartedAt.IsZero() {
		return 0, false
	}
	elapsed := math.Max(1, math.Floor(now.Sub(state.StartedAt).Seconds()))
	total := math.Round(elapsed / (float64(state.Percentage) / 100))
	remaining := math.Max(0, total-elapsed)
	return time.Duration(remaining) * time.Second, true
}
