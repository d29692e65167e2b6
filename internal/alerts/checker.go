package alerts

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Queue entry indicators
const (
	IndicatorLongWait        = "long_wait"
	IndicatorModerateWait    = "moderate_wait"
	IndicatorUrgentKeywords  = "urgent_keywords"
	IndicatorAbandonmentRisk = "abandonment_risk"
)

// Rules holds the wait thresholds for queue indicators
type Rules struct {
	LongWait     time.Duration
	ModerateWait time.Duration
}

// DefaultRules flags waits over 10 and 20 minutes
var DefaultRules = Rules{
	LongWait:     20 * time.Minute,
	ModerateWait: 10 * time.Minute,
}

// QueueIndicators evaluates the indicator rules for one waiting chat.
// They are a reporting signal only and never change queue order.
func (r Rules) QueueIndicators(waited time.Duration, priority types.Priority, abandonedRecently bool) []string {
	var out []string
	switch {
	case waited > r.LongWait:
		out = append(out, IndicatorLongWait)
	case waited > r.ModerateWait:
		out = append(out, IndicatorModerateWait)
	}
	if priority >= types.PriorityHigh {
		out = append(out, IndicatorUrgentKeywords)
	}
	if abandonedRecently {
		out = append(out, IndicatorAbandonmentRisk)
	}
	return out
}

// WaitExceeded reports whether a chat has waited beyond max. A zero max
// disables the check.
func WaitExceeded(waited, max time.Duration) bool {
	return max > 0 && waited > max
}

// WaitMessage describes an overlong wait for notifications
func WaitMessage(waited time.Duration) string {
	return fmt.Sprintf("Waiting for %s", FormatDuration(waited))
}

// FormatDuration renders d as 4m5s or 1h2m
func FormatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
