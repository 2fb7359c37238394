package event

import "time"

// BlockType identifies the variant of a conversation block.
type BlockType string

const (
	BlockUserMessage   BlockType = "user_message"
	BlockAssistantText BlockType = "assistant_text"
	BlockThinking      BlockType = "thinking"
	BlockToolUse       BlockType = "tool_use"
	BlockToolResult    BlockType = "tool_result"
	BlockSubagent      BlockType = "subagent"
	BlockSkillLoad     BlockType = "skill_load"
	BlockSystem        BlockType = "system"
	BlockError         BlockType = "error"
)

// BlockStatus is the lifecycle state of a block. Content-bearing blocks are
// pending while the engine is still streaming into them.
type BlockStatus string

const (
	BlockPending  BlockStatus = "pending"
	BlockComplete BlockStatus = "complete"
)

// SubagentStatus is the lifecycle state of a subagent block and its nested
// conversation.
type SubagentStatus string

const (
	SubagentRunning SubagentStatus = "running"
	SubagentSuccess SubagentStatus = "success"
	SubagentError   SubagentStatus = "error"
)

// Block is one unit of conversation content. ID is assigned once, derived
// from stable upstream identifiers so that replaying overlapping stream
// segments converges instead of duplicating blocks. Content holds the
// textual body for content-bearing variants; the payload pointers carry
// variant-specific fields, at most one non-nil.
type Block struct {
	ID        string      `json:"id"`
	Type      BlockType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Status    BlockStatus `json:"status"`

	Content string `json:"content,omitempty"`

	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
	Subagent   *SubagentBlock   `json:"subagent,omitempty"`
	SkillLoad  *SkillLoadBlock  `json:"skill_load,omitempty"`
}

// HasContent reports whether the block's variant carries streamed text in
// Content. Deltas addressed to other variants are no-ops.
func (b Block) HasContent() bool {
	switch b.Type {
	case BlockUserMessage, BlockAssistantText, BlockThinking, BlockToolResult, BlockSystem, BlockError:
		return true
	}
	return false
}

// ToolUseBlock records a tool invocation by the engine.
type ToolUseBlock struct {
	ToolUseID string         `json:"tool_use_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultBlock records the outcome of a tool invocation. The result text
// itself streams into Block.Content.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SubagentBlock is the main-conversation anchor of a nested conversation.
type SubagentBlock struct {
	ToolUseID    string         `json:"tool_use_id"`
	Status       SubagentStatus `json:"status"`
	SubagentID   string         `json:"subagent_id,omitempty"`
	SubagentType string         `json:"subagent_type,omitempty"`
	Description  string         `json:"description,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Output       string         `json:"output,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// SkillLoadBlock records a skill file loaded into the engine's context.
type SkillLoadBlock struct {
	Skill string `json:"skill"`
	Path  string `json:"path,omitempty"`
}
