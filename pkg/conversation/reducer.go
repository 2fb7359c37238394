package conversation

import (
	"time"

	"github.com/conductorhq/conductor/pkg/event"
)

// Apply folds one canonical event into the conversation state and returns
// the new state. It is a pure function: the input state is never mutated,
// so concurrent readers holding an old snapshot never observe a
// half-applied event.
//
// Events that do not shape the conversation model (backend lifecycle, query
// lifecycle, files, options) pass through unchanged; the session layer owns
// those fields.
func Apply(state State, e event.Event) State {
	switch e.Type {
	case event.TypeBlockUpsert:
		if e.BlockUpsert == nil {
			return state
		}
		return applyUpsert(state, e.Conversation(), e.BlockUpsert.Block, e.Timestamp)

	case event.TypeBlockDelta:
		if e.BlockDelta == nil {
			return state
		}
		return applyDelta(state, e.Conversation(), e.BlockDelta.BlockID, e.BlockDelta.Delta)

	case event.TypeSubagentSpawned:
		if e.SubagentSpawned == nil {
			return state
		}
		return applySpawned(state, *e.SubagentSpawned, e.Timestamp)

	case event.TypeSubagentCompleted:
		if e.SubagentCompleted == nil {
			return state
		}
		return applyCompleted(state, *e.SubagentCompleted)

	case event.TypeSessionIdle:
		return applyIdle(state, e.Conversation())
	}

	return state
}

// applyUpsert merges a partial block into the conversation. Unseen ids are
// constructed from type defaults plus the partial payload; seen ids are
// merged field by field (payload pointers replace wholesale, never deep
// merged). Applying the same upsert twice yields the same state.
func applyUpsert(state State, conversationID string, partial event.Block, at time.Time) State {
	if partial.ID == "" {
		return state
	}
	out := state.clone()
	blocks := out.Blocks(conversationID)

	for i, existing := range blocks {
		if existing.ID == partial.ID {
			blocks[i] = mergeBlock(existing, partial)
			out.setBlocks(conversationID, blocks)
			return out
		}
	}

	block := partial
	if block.Status == "" {
		block.Status = event.BlockPending
	}
	if block.Timestamp.IsZero() {
		block.Timestamp = at
	}
	out.setBlocks(conversationID, append(blocks, block))
	return out
}

// mergeBlock overlays the non-zero fields of the partial block onto the
// existing one. The id and original timestamp are stable; the type only
// fills in when it was missing.
func mergeBlock(existing, partial event.Block) event.Block {
	merged := existing
	if partial.Type != "" {
		merged.Type = partial.Type
	}
	if partial.Status != "" {
		merged.Status = partial.Status
	}
	if partial.Content != "" {
		merged.Content = partial.Content
	}
	if partial.ToolUse != nil {
		merged.ToolUse = partial.ToolUse
	}
	if partial.ToolResult != nil {
		merged.ToolResult = partial.ToolResult
	}
	if partial.Subagent != nil {
		merged.Subagent = partial.Subagent
	}
	if partial.SkillLoad != nil {
		merged.SkillLoad = partial.SkillLoad
	}
	return merged
}

// applyDelta appends streamed text to an open block. Deltas for unknown
// block ids or non-content variants are dropped; the upstream engines
// re-send full content on resume, so a lost delta heals on the next upsert.
func applyDelta(state State, conversationID, blockID, delta string) State {
	if blockID == "" || delta == "" {
		return state
	}
	blocks := state.Blocks(conversationID)
	for i, b := range blocks {
		if b.ID != blockID {
			continue
		}
		if !b.HasContent() {
			return state
		}
		out := state.clone()
		updated := out.Blocks(conversationID)
		updated[i].Content += delta
		out.setBlocks(conversationID, updated)
		return out
	}
	return state
}

// subagentBlockID derives the main-conversation anchor block id for a
// nested conversation. Deterministic so replays converge.
func subagentBlockID(toolUseID string) string {
	return "subagent_" + toolUseID
}

func applySpawned(state State, spawned event.SubagentSpawnedEvent, at time.Time) State {
	out := state.clone()

	block := event.Block{
		ID:        subagentBlockID(spawned.ToolUseID),
		Type:      event.BlockSubagent,
		Timestamp: at,
		Status:    event.BlockPending,
		Subagent: &event.SubagentBlock{
			ToolUseID:    spawned.ToolUseID,
			Status:       event.SubagentRunning,
			SubagentType: spawned.SubagentType,
			Description:  spawned.Description,
			Prompt:       spawned.Prompt,
		},
	}

	replaced := false
	for i, existing := range out.Main {
		if existing.ID == block.ID {
			out.Main[i] = mergeBlock(existing, block)
			replaced = true
			break
		}
	}
	if !replaced {
		out.Main = append(out.Main, block)
	}

	if sub, ok := out.Subagents[spawned.ToolUseID]; ok {
		// Defensively created earlier by an out-of-order block event;
		// keep its blocks, just confirm the status.
		sub.Status = event.SubagentRunning
	} else {
		out.Subagents[spawned.ToolUseID] = &Subagent{
			ToolUseID: spawned.ToolUseID,
			Status:    event.SubagentRunning,
		}
	}
	return out
}

func applyCompleted(state State, completed event.SubagentCompletedEvent) State {
	status := event.SubagentError
	if completed.Status == "completed" || completed.Status == "success" {
		status = event.SubagentSuccess
	}

	out := state.clone()

	for i, b := range out.Main {
		if b.Type != event.BlockSubagent || b.Subagent == nil || b.Subagent.ToolUseID != completed.ToolUseID {
			continue
		}
		payload := *b.Subagent
		payload.Status = status
		if completed.AgentID != "" {
			payload.SubagentID = completed.AgentID
		}
		if completed.Output != "" {
			payload.Output = completed.Output
		}
		if completed.DurationMS > 0 {
			payload.DurationMS = completed.DurationMS
		}
		out.Main[i].Subagent = &payload
		out.Main[i].Status = event.BlockComplete
		break
	}

	// The entry may be missing if the spawn event was lost; updating only
	// the block keeps the visible model consistent.
	if sub, ok := out.Subagents[completed.ToolUseID]; ok {
		sub.Status = status
		if completed.AgentID != "" {
			sub.SubagentID = completed.AgentID
		}
	}
	return out
}

// applyIdle finalizes every still-pending block in the addressed
// conversation and removes ghost blocks: streaming starts that never
// received content.
func applyIdle(state State, conversationID string) State {
	blocks := state.Blocks(conversationID)
	if blocks == nil {
		return state
	}
	out := state.clone()

	finalized := make([]event.Block, 0, len(blocks))
	for _, b := range out.Blocks(conversationID) {
		if b.Content == "" && (b.Type == event.BlockAssistantText || b.Type == event.BlockThinking) {
			continue
		}
		if b.Status == event.BlockPending && b.Type != event.BlockSubagent {
			b.Status = event.BlockComplete
		}
		finalized = append(finalized, b)
	}
	out.setBlocks(conversationID, finalized)
	return out
}
