package agentpool

import (
	"sort"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// RoutingStrategy orders candidate agents for a chat, best first
type RoutingStrategy interface {
	Rank(candidates []types.Agent, department string) []types.Agent
}

// LeastLoaded prefers the agent with the fewest chats, then an exact
// department match over a fallback match, then the lowest agent id.
type LeastLoaded struct{}

// Rank returns a sorted copy of candidates
func (LeastLoaded) Rank(candidates []types.Agent, department string) []types.Agent {
	ranked := make([]types.Agent, len(candidates))
	copy(ranked, candidates)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.CurrentChatCount != b.CurrentChatCount {
			return a.CurrentChatCount < b.CurrentChatCount
		}
		aMatch, bMatch := a.Department == department, b.Department == department
		if aMatch != bMatch {
			return aMatch
		}
		return a.ID < b.ID
	})
	return ranked
}
