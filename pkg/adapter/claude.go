package adapter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/event"
)

// delegateToolName is the tool invocation that spawns a nested
// conversation. Its tool_use id becomes the subagent's conversation id.
const delegateToolName = "Task"

// claudeAdapter speaks the stream-json protocol: one JSON object per line,
// with "assistant" and "user" lines re-sending the full message content on
// every update and "result" closing the turn.
type claudeAdapter struct {
	em emitter

	// rootSessionID is the engine's own id for the main conversation,
	// learned from the init line. Nested conversations carry different ids.
	rootSessionID string

	open      map[string]*openBlock // block id → in-progress block
	finalized map[string]bool       // block ids that must not reopen on replay
	roles     map[string]string     // message id → role

	// subagentSessions routes nested engine session ids to the delegate
	// tool call that spawned them. Bounded: oldest entries evict first.
	subagentSessions *boundedMap

	// delegatePrompts remembers each delegate's prompt so the engine's
	// internal echo of it as a "user message" inside the nested
	// conversation is filtered, and spawnTimes feeds the completion
	// duration.
	delegatePrompts map[string]string
	spawnTimes      map[string]time.Time
}

func newClaudeAdapter(sessionID string) *claudeAdapter {
	return &claudeAdapter{
		em:               emitter{sessionID: sessionID, source: backend.EngineClaude},
		open:             make(map[string]*openBlock),
		finalized:        make(map[string]bool),
		roles:            make(map[string]string),
		subagentSessions: newBoundedMap(256),
		delegatePrompts:  make(map[string]string),
		spawnTimes:       make(map[string]time.Time),
	}
}

func (a *claudeAdapter) Engine() string { return backend.EngineClaude }

type claudeLine struct {
	Type            string         `json:"type"`
	Subtype         string         `json:"subtype"`
	SessionID       string         `json:"session_id,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	Message         *claudeMessage `json:"message,omitempty"`

	// result line fields
	DurationMS int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Result     string `json:"result,omitempty"`
}

type claudeMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (a *claudeAdapter) HandleLine(raw json.RawMessage) ([]event.Event, error) {
	var line claudeLine
	if err := json.Unmarshal(raw, &line); err != nil {
		slog.Warn("skipping malformed engine line", "engine", backend.EngineClaude, "error", err)
		return a.logEvent("warn", "malformed engine line skipped"), nil
	}

	switch line.Type {
	case "system":
		if line.Subtype == "init" && a.rootSessionID == "" {
			a.rootSessionID = line.SessionID
		}
		return nil, nil

	case "assistant":
		return a.handleAssistant(line), nil

	case "user":
		return a.handleUser(line), nil

	case "result":
		return a.handleResult(line)

	default:
		slog.Debug("unhandled engine line type", "engine", backend.EngineClaude, "type", line.Type)
		return nil, nil
	}
}

// route decides which conversation a line belongs to. parent_tool_use_id is
// authoritative; a nested session id learned from it routes later lines that
// only carry the session id.
func (a *claudeAdapter) route(line claudeLine) string {
	if line.ParentToolUseID != "" {
		if line.SessionID != "" && line.SessionID != a.rootSessionID {
			a.subagentSessions.put(line.SessionID, line.ParentToolUseID)
		}
		return line.ParentToolUseID
	}
	if line.SessionID != "" && line.SessionID != a.rootSessionID {
		if conv, ok := a.subagentSessions.get(line.SessionID); ok {
			return conv
		}
	}
	return event.MainConversation
}

func (a *claudeAdapter) handleAssistant(line claudeLine) []event.Event {
	if line.Message == nil {
		return nil
	}
	// A message id never changes role; a resumed stream re-delivering a
	// user message through the assistant channel is dropped.
	if role, seen := a.roles[line.Message.ID]; seen && role != "assistant" {
		return nil
	}
	conv := a.route(line)
	a.roles[line.Message.ID] = "assistant"

	var events []event.Event
	for i, c := range line.Message.Content {
		switch c.Type {
		case "text":
			events = append(events, a.streamText(conv, blockID(line.Message.ID, i), event.BlockAssistantText, c.Text)...)
		case "thinking":
			events = append(events, a.streamText(conv, blockID(line.Message.ID, i), event.BlockThinking, c.Thinking)...)
		case "tool_use":
			events = append(events, a.handleToolUse(conv, c)...)
		}
	}
	return events
}

// streamText opens (or resumes) a content block and emits the suffix delta
// between the last known full text and the newly reported one.
func (a *claudeAdapter) streamText(conv, id string, typ event.BlockType, full string) []event.Event {
	if a.finalized[id] {
		return nil // re-delivered segment after resume
	}
	ob, ok := a.open[id]
	if !ok {
		ob = &openBlock{
			conversationID: conv,
			block: event.Block{
				ID:     id,
				Type:   typ,
				Status: event.BlockPending,
			},
		}
		a.open[id] = ob
		return append(
			[]event.Event{a.em.upsert(conv, ob.block)},
			a.em.contentEvents(ob, full)...,
		)
	}
	return a.em.contentEvents(ob, full)
}

func (a *claudeAdapter) handleToolUse(conv string, c claudeContent) []event.Event {
	id := "tool_" + c.ID
	if a.finalized[id] {
		return nil
	}

	block := event.Block{
		ID:     id,
		Type:   event.BlockToolUse,
		Status: event.BlockPending,
		ToolUse: &event.ToolUseBlock{
			ToolUseID: c.ID,
			ToolName:  c.Name,
			Input:     c.Input,
		},
	}
	events := []event.Event{a.em.upsert(conv, block)}

	if c.Name == delegateToolName && conv == event.MainConversation {
		prompt, _ := c.Input["prompt"].(string)
		subagentType, _ := c.Input["subagent_type"].(string)
		description, _ := c.Input["description"].(string)

		if _, seen := a.spawnTimes[c.ID]; !seen {
			a.delegatePrompts[c.ID] = prompt
			a.spawnTimes[c.ID] = time.Now()
		}

		spawn := a.em.envelope(event.TypeSubagentSpawned, event.MainConversation)
		spawn.SubagentSpawned = &event.SubagentSpawnedEvent{
			ToolUseID:    c.ID,
			Prompt:       prompt,
			SubagentType: subagentType,
			Description:  description,
		}
		events = append(events, spawn)
	}
	return events
}

func (a *claudeAdapter) handleUser(line claudeLine) []event.Event {
	if line.Message == nil {
		return nil
	}
	if role, seen := a.roles[line.Message.ID]; seen && role != "user" {
		return nil
	}
	conv := a.route(line)
	a.roles[line.Message.ID] = "user"

	var events []event.Event
	for i, c := range line.Message.Content {
		switch c.Type {
		case "tool_result":
			events = append(events, a.handleToolResult(conv, c)...)
		case "text":
			// The engine replays the delegate's prompt as a user message
			// inside the nested conversation; that echo is not new input.
			if conv != event.MainConversation && c.Text == a.delegatePrompts[conv] {
				continue
			}
			id := blockID(line.Message.ID, i)
			if a.finalized[id] {
				continue
			}
			a.finalized[id] = true
			block := event.Block{
				ID:      id,
				Type:    event.BlockUserMessage,
				Status:  event.BlockComplete,
				Content: c.Text,
			}
			events = append(events, a.em.upsert(conv, block))
		}
	}
	return events
}

func (a *claudeAdapter) handleToolResult(conv string, c claudeContent) []event.Event {
	output := flattenToolResult(c.Content)

	// Delegate results close the nested conversation instead of showing up
	// as a plain tool_result block.
	if _, isDelegate := a.spawnTimes[c.ToolUseID]; isDelegate {
		return a.completeDelegate(c, output)
	}

	id := "toolres_" + c.ToolUseID
	if a.finalized[id] {
		return nil
	}
	a.finalized[id] = true
	a.finalized["tool_"+c.ToolUseID] = true

	events := []event.Event{
		// Close the originating tool_use.
		a.em.upsert(conv, event.Block{ID: "tool_" + c.ToolUseID, Status: event.BlockComplete}),
		a.em.upsert(conv, event.Block{
			ID:      id,
			Type:    event.BlockToolResult,
			Status:  event.BlockComplete,
			Content: output,
			ToolResult: &event.ToolResultBlock{
				ToolUseID: c.ToolUseID,
				IsError:   c.IsError,
			},
		}),
	}
	delete(a.open, "tool_"+c.ToolUseID)
	return events
}

func (a *claudeAdapter) completeDelegate(c claudeContent, output string) []event.Event {
	toolUseID := c.ToolUseID
	if a.finalized["tool_"+toolUseID] {
		return nil
	}
	a.finalized["tool_"+toolUseID] = true
	delete(a.open, "tool_"+toolUseID)

	var durationMS int64
	if started, ok := a.spawnTimes[toolUseID]; ok {
		durationMS = time.Since(started).Milliseconds()
	}

	status := "completed"
	if c.IsError {
		status = "failed"
	}

	var agentID string
	for sessionID, conv := range a.subagentSessions.values {
		if conv == toolUseID {
			agentID = sessionID
			break
		}
	}

	// Close any blocks still streaming inside the nested conversation
	// before announcing completion.
	events := a.FinalizeIdle(toolUseID)

	events = append(events, a.em.upsert(event.MainConversation, event.Block{
		ID:     "tool_" + toolUseID,
		Status: event.BlockComplete,
	}))

	completed := a.em.envelope(event.TypeSubagentCompleted, event.MainConversation)
	completed.SubagentCompleted = &event.SubagentCompletedEvent{
		ToolUseID:  toolUseID,
		AgentID:    agentID,
		Status:     status,
		Output:     output,
		DurationMS: durationMS,
	}
	return append(events, completed)
}

// handleResult closes the main turn. An error result is the engine
// reporting an internal fault: fatal for the current query.
func (a *claudeAdapter) handleResult(line claudeLine) ([]event.Event, error) {
	events := a.FinalizeIdle(event.MainConversation)

	if line.IsError || (line.Subtype != "" && line.Subtype != "success") {
		msg := line.Result
		if msg == "" {
			msg = "engine reported " + line.Subtype
		}
		errEvent := a.em.envelope(event.TypeError, event.MainConversation)
		errEvent.Error = &event.ErrorEvent{Message: msg, Code: line.Subtype}
		events = append(events, errEvent)
		return events, fmt.Errorf("engine fault: %s", msg)
	}
	return events, nil
}

// FinalizeIdle closes the adapter's open blocks for one conversation and
// emits the conversation-scoped idle event that finalizes pending blocks in
// the reducer.
func (a *claudeAdapter) FinalizeIdle(conversationID string) []event.Event {
	for id, ob := range a.open {
		if ob.conversationID != conversationID {
			continue
		}
		a.finalized[id] = true
		delete(a.open, id)
	}
	return []event.Event{a.em.idle(conversationID)}
}

func (a *claudeAdapter) FinalizeAll() []event.Event {
	conversations := map[string]bool{event.MainConversation: true}
	for _, ob := range a.open {
		conversations[ob.conversationID] = true
	}
	var events []event.Event
	for conv := range conversations {
		events = append(events, a.FinalizeIdle(conv)...)
	}
	return events
}

func (a *claudeAdapter) logEvent(level, message string) []event.Event {
	e := a.em.envelope(event.TypeLog, event.MainConversation)
	e.Log = &event.LogEvent{Level: level, Message: message}
	return []event.Event{e}
}

// blockID derives a stable block id from the engine's message id and the
// content index within it, so replayed segments converge on the same block.
func blockID(messageID string, index int) string {
	return fmt.Sprintf("msg_%s_%d", messageID, index)
}

// flattenToolResult handles the two shapes tool_result content arrives in:
// a plain string or a list of typed segments.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return string(raw)
	}
	out := ""
	for _, s := range segments {
		if s.Type == "text" {
			out += s.Text
		}
	}
	return out
}
