package alerts

import (
	"reflect"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

func TestQueueIndicators(t *testing.T) {
	tests := []struct {
		name      string
		waited    time.Duration
		priority  types.Priority
		abandoned bool
		want      []string
	}{
		{"fresh normal", 2 * time.Minute, types.PriorityNormal, false, nil},
		{"moderate", 11 * time.Minute, types.PriorityNormal, false, []string{IndicatorModerateWait}},
		{"long replaces moderate", 25 * time.Minute, types.PriorityNormal, false, []string{IndicatorLongWait}},
		{"urgent", time.Minute, types.PriorityHigh, false, []string{IndicatorUrgentKeywords}},
		{"everything", 30 * time.Minute, types.PriorityUrgent, true, []string{IndicatorLongWait, IndicatorUrgentKeywords, IndicatorAbandonmentRisk}},
		{"exactly ten minutes", 10 * time.Minute, types.PriorityNormal, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultRules.QueueIndicators(tt.waited, tt.priority, tt.abandoned)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWaitExceeded(t *testing.T) {
	if WaitExceeded(time.Hour, 0) {
		t.Error("zero max disables the check")
	}
	if WaitExceeded(30*time.Minute, 30*time.Minute) {
		t.Error("exactly the max is not exceeded")
	}
	if !WaitExceeded(31*time.Minute, 30*time.Minute) {
		t.Error("expected exceeded")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		65 * time.Second: "1m5s",
		31 * time.Minute: "31m0s",
		62 * time.Minute: "1h2m",
	}
	for d, want := range tests {
		if got := FormatDuration(d); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
	if got := WaitMessage(65 * time.Second); got != "Waiting for 1m5s" {
		t.Errorf("unexpected message %q", got)
	}
}
