package callqueue

import "github.com/dennisdiepolder/monti/handoff/internal/types"

// SLTracker tracks how many assignments happened within the target wait
type SLTracker struct {
	ThresholdSecs int // threshold in seconds (e.g., 120)
	AnsweredInSL  int // chats assigned within threshold
	TotalAnswered int // total chats assigned
}

// NewSLTracker creates a new SL tracker with the given threshold
func NewSLTracker(thresholdSecs int) *SLTracker {
	return &SLTracker{ThresholdSecs: thresholdSecs}
}

// RecordAnswer records a chat being picked up after queueSecs
func (s *SLTracker) RecordAnswer(queueSecs int) {
	s.TotalAnswered++
	if queueSecs <= s.ThresholdSecs {
		s.AnsweredInSL++
	}
}

// RecordChats feeds every chat that has been assigned at least once
func (s *SLTracker) RecordChats(chats []types.Chat) {
	for _, c := range chats {
		if c.QueueSecs != nil {
			s.RecordAnswer(*c.QueueSecs)
		}
	}
}

// CurrentSL returns the current service level percentage
func (s *SLTracker) CurrentSL() float64 {
	if s.TotalAnswered == 0 {
		return 100.0 // No chats answered yet, SL is 100%
	}
	return float64(s.AnsweredInSL) / float64(s.TotalAnswered) * 100.0
}

// Snapshot returns a ServiceLevel snapshot
func (s *SLTracker) Snapshot() types.ServiceLevel {
	return types.ServiceLevel{
		ThresholdSecs: s.ThresholdSecs,
		AnsweredInSL:  s.AnsweredInSL,
		TotalAnswered: s.TotalAnswered,
		CurrentSL:     s.CurrentSL(),
	}
}
