package assembler

import (
	"time"

	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/pkg/model"
)

// turnState is the per-turn accounting and scratch maps described in §4.4,
// all cleared when a turn ends (on result, message-error, or
// message-stopped).
type turnState struct {
	start     time.Time
	toolCount int

	streamIndexToToolID     map[int]string
	toolResultIndexToToolID map[int]string
	childToParent           map[string]string // child tool-use id -> parent tool-use id
	streamingText           map[int]bool      // block index -> currently streaming
}

func newTurnState() *turnState {
	return &turnState{
		start:                   time.Now(),
		streamIndexToToolID:     make(map[int]string),
		toolResultIndexToToolID: make(map[int]string),
		childToParent:           make(map[string]string),
		streamingText:           make(map[int]bool),
	}
}

// usageFromResult builds a TurnUsage from a result event's payload, per the
// "prefer per-model usage table, else aggregate" rule.
func usageFromResult(r *agentproc.ResultPayload) *model.TurnUsage {
	if r == nil {
		return &model.TurnUsage{}
	}
	usage := &model.TurnUsage{}
	if len(r.ModelUsage) > 0 {
		for modelID, mu := range r.ModelUsage {
			usage.Add(modelID, model.ModelUsage{
				Input:      mu.InputTokens,
				Output:     mu.OutputTokens,
				CacheRead:  mu.CacheRead,
				CacheWrite: mu.CacheCreate,
			})
		}
		return usage
	}
	if r.Usage != nil {
		usage.InputTokens = r.Usage.InputTokens
		usage.OutputTokens = r.Usage.OutputTokens
		usage.CacheRead = r.Usage.CacheRead
		usage.CacheWrite = r.Usage.CacheCreate
	}
	return usage
}
