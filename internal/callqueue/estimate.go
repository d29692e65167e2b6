package callqueue

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/store"
)

// WaitEstimator averages recent resolution times. History is tenant-wide,
// not per department.
type WaitEstimator struct {
	Window         time.Duration
	SampleLimit    int
	DefaultMinutes float64
}

// NewWaitEstimator returns an estimator with the standard 7 day window,
// 50 samples and 15 minute default
func NewWaitEstimator() *WaitEstimator {
	return &WaitEstimator{
		Window:         7 * 24 * time.Hour,
		SampleLimit:    50,
		DefaultMinutes: 15,
	}
}

// AverageMinutes is the mean resolution time of the tenant's recent
// resolved chats, or the default when there is no history
func (e *WaitEstimator) AverageMinutes(tx store.Tx, tenantID string, now time.Time) (float64, error) {
	samples, err := tx.ResolutionSamples(tenantID, now.Add(-e.Window), e.SampleLimit)
	if err != nil {
		return 0, fmt.Errorf("load resolution samples: %w", err)
	}
	if len(samples) == 0 {
		return e.DefaultMinutes, nil
	}
	total := 0
	for _, s := range samples {
		total += s
	}
	return float64(total) / float64(len(samples)) / 60.0, nil
}

// Minutes converts an average into a wait for a position, never below one
// minute and never dividing by zero agents
func (e *WaitEstimator) Minutes(position int, avgMinutes float64, availableAgents int) int {
	if availableAgents < 1 {
		availableAgents = 1
	}
	m := int(float64(position) * avgMinutes / float64(availableAgents))
	if m < 1 {
		return 1
	}
	return m
}
