package adapter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/event"
)

// codexAdapter speaks the thread/turn/item protocol: a turn streams items,
// each item is re-sent in full on every update, and item ids are stable
// across re-delivery. Delegation happens through collab_tool_call items
// whose agent thread id routes nested events.
type codexAdapter struct {
	em emitter

	mainThreadID string

	open      map[string]*openBlock
	finalized map[string]bool

	// agentThreads maps a spawned agent's thread id to the delegate item
	// that spawned it. Bounded with oldest-eviction.
	agentThreads *boundedMap

	delegatePrompts map[string]string
	spawnTimes      map[string]time.Time
}

func newCodexAdapter(sessionID string) *codexAdapter {
	return &codexAdapter{
		em:              emitter{sessionID: sessionID, source: backend.EngineCodex},
		open:            make(map[string]*openBlock),
		finalized:       make(map[string]bool),
		agentThreads:    newBoundedMap(256),
		delegatePrompts: make(map[string]string),
		spawnTimes:      make(map[string]time.Time),
	}
}

func (a *codexAdapter) Engine() string { return backend.EngineCodex }

type codexLine struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *codexItem `json:"item,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type codexItem struct {
	ID       string `json:"id"`
	ItemType string `json:"item_type"`

	// agent_message, reasoning, user_message
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// mcp_tool_call
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// file_change
	Changes []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes,omitempty"`

	// collab_tool_call (delegate)
	Prompt        string `json:"prompt,omitempty"`
	AgentRole     string `json:"agent_role,omitempty"`
	AgentThreadID string `json:"agent_thread_id,omitempty"`
	Output        string `json:"output,omitempty"`

	Status string `json:"status,omitempty"`
}

func (a *codexAdapter) HandleLine(raw json.RawMessage) ([]event.Event, error) {
	var line codexLine
	if err := json.Unmarshal(raw, &line); err != nil {
		slog.Warn("skipping malformed engine line", "engine", backend.EngineCodex, "error", err)
		return nil, nil
	}

	switch line.Type {
	case "thread.started":
		if a.mainThreadID == "" {
			a.mainThreadID = line.ThreadID
		}
		return nil, nil

	case "turn.started":
		return nil, nil

	case "item.started", "item.updated":
		return a.handleItem(a.route(line), line.Item, false), nil

	case "item.completed":
		return a.handleItem(a.route(line), line.Item, true), nil

	case "turn.completed":
		return a.FinalizeIdle(event.MainConversation), nil

	case "turn.failed", "error":
		msg := "engine fault"
		if line.Error != nil && line.Error.Message != "" {
			msg = line.Error.Message
		}
		errEvent := a.em.envelope(event.TypeError, event.MainConversation)
		errEvent.Error = &event.ErrorEvent{Message: msg}
		events := append(a.FinalizeIdle(event.MainConversation), errEvent)
		return events, fmt.Errorf("engine fault: %s", msg)

	default:
		slog.Debug("unhandled engine line type", "engine", backend.EngineCodex, "type", line.Type)
		return nil, nil
	}
}

func (a *codexAdapter) route(line codexLine) string {
	if line.ThreadID == "" || line.ThreadID == a.mainThreadID {
		return event.MainConversation
	}
	if conv, ok := a.agentThreads.get(line.ThreadID); ok {
		return conv
	}
	// A thread we have never been introduced to: treat its id as the
	// conversation id so the reducer's defensive creation keeps the data.
	return line.ThreadID
}

func (a *codexAdapter) handleItem(conv string, item *codexItem, completed bool) []event.Event {
	if item == nil || item.ID == "" {
		return nil
	}
	if a.finalized[item.ID] {
		return nil
	}

	switch item.ItemType {
	case "agent_message":
		return a.streamText(conv, item.ID, event.BlockAssistantText, item.Text, completed)
	case "reasoning":
		return a.streamText(conv, item.ID, event.BlockThinking, item.Text, completed)
	case "user_message":
		return a.handleUserMessage(conv, item)
	case "command_execution":
		return a.handleCommand(conv, item, completed)
	case "mcp_tool_call":
		return a.handleMCPTool(conv, item, completed)
	case "file_change":
		return a.handleFileChange(conv, item, completed)
	case "collab_tool_call":
		return a.handleDelegate(conv, item, completed)
	case "error":
		a.finalized[item.ID] = true
		return []event.Event{a.em.upsert(conv, event.Block{
			ID:      item.ID,
			Type:    event.BlockError,
			Status:  event.BlockComplete,
			Content: item.Text,
		})}
	default:
		slog.Debug("unhandled item type", "engine", backend.EngineCodex, "item_type", item.ItemType)
		return nil
	}
}

func (a *codexAdapter) streamText(conv, id string, typ event.BlockType, full string, completed bool) []event.Event {
	var events []event.Event
	ob, ok := a.open[id]
	if !ok {
		ob = &openBlock{
			conversationID: conv,
			block:          event.Block{ID: id, Type: typ, Status: event.BlockPending},
		}
		a.open[id] = ob
		events = append(events, a.em.upsert(conv, ob.block))
	}
	events = append(events, a.em.contentEvents(ob, full)...)

	if completed {
		a.finalized[id] = true
		delete(a.open, id)
		events = append(events, a.em.upsert(conv, event.Block{ID: id, Status: event.BlockComplete}))
	}
	return events
}

func (a *codexAdapter) handleUserMessage(conv string, item *codexItem) []event.Event {
	// Delegate prompt echoed into the nested thread is not new input.
	if conv != event.MainConversation && item.Text == a.delegatePrompts[conv] {
		return nil
	}
	a.finalized[item.ID] = true
	return []event.Event{a.em.upsert(conv, event.Block{
		ID:      item.ID,
		Type:    event.BlockUserMessage,
		Status:  event.BlockComplete,
		Content: item.Text,
	})}
}

func (a *codexAdapter) handleCommand(conv string, item *codexItem, completed bool) []event.Event {
	events := []event.Event{a.em.upsert(conv, event.Block{
		ID:     item.ID,
		Type:   event.BlockToolUse,
		Status: event.BlockPending,
		ToolUse: &event.ToolUseBlock{
			ToolUseID: item.ID,
			ToolName:  "shell",
			Input:     map[string]any{"command": item.Command},
		},
	})}

	if completed {
		a.finalized[item.ID] = true
		isError := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		events = append(events,
			a.em.upsert(conv, event.Block{ID: item.ID, Status: event.BlockComplete}),
			a.em.upsert(conv, event.Block{
				ID:      item.ID + "_result",
				Type:    event.BlockToolResult,
				Status:  event.BlockComplete,
				Content: item.AggregatedOutput,
				ToolResult: &event.ToolResultBlock{
					ToolUseID: item.ID,
					IsError:   isError,
				},
			}),
		)
	}
	return events
}

func (a *codexAdapter) handleMCPTool(conv string, item *codexItem, completed bool) []event.Event {
	events := []event.Event{a.em.upsert(conv, event.Block{
		ID:     item.ID,
		Type:   event.BlockToolUse,
		Status: event.BlockPending,
		ToolUse: &event.ToolUseBlock{
			ToolUseID: item.ID,
			ToolName:  item.Server + "." + item.Tool,
			Input:     item.Arguments,
		},
	})}

	if completed {
		a.finalized[item.ID] = true
		events = append(events,
			a.em.upsert(conv, event.Block{ID: item.ID, Status: event.BlockComplete}),
			a.em.upsert(conv, event.Block{
				ID:      item.ID + "_result",
				Type:    event.BlockToolResult,
				Status:  event.BlockComplete,
				Content: item.Output,
				ToolResult: &event.ToolResultBlock{
					ToolUseID: item.ID,
					IsError:   item.Status == "failed",
				},
			}),
		)
	}
	return events
}

// handleFileChange surfaces a patch application as a tool invocation; the
// actual workspace file events come from the backend's file watcher, which
// sees the resulting writes.
func (a *codexAdapter) handleFileChange(conv string, item *codexItem, completed bool) []event.Event {
	changes := make([]any, 0, len(item.Changes))
	for _, c := range item.Changes {
		changes = append(changes, map[string]any{"path": c.Path, "kind": c.Kind})
	}
	status := event.BlockPending
	if completed {
		a.finalized[item.ID] = true
		status = event.BlockComplete
	}
	return []event.Event{a.em.upsert(conv, event.Block{
		ID:     item.ID,
		Type:   event.BlockToolUse,
		Status: status,
		ToolUse: &event.ToolUseBlock{
			ToolUseID: item.ID,
			ToolName:  "apply_patch",
			Input:     map[string]any{"changes": changes},
		},
	})}
}

func (a *codexAdapter) handleDelegate(conv string, item *codexItem, completed bool) []event.Event {
	var events []event.Event

	if _, seen := a.spawnTimes[item.ID]; !seen {
		a.spawnTimes[item.ID] = time.Now()
		a.delegatePrompts[item.ID] = item.Prompt
		if item.AgentThreadID != "" {
			a.agentThreads.put(item.AgentThreadID, item.ID)
		}

		events = append(events, a.em.upsert(conv, event.Block{
			ID:     item.ID,
			Type:   event.BlockToolUse,
			Status: event.BlockPending,
			ToolUse: &event.ToolUseBlock{
				ToolUseID: item.ID,
				ToolName:  "collab",
				Input:     map[string]any{"prompt": item.Prompt, "agent_role": item.AgentRole},
			},
		}))

		spawn := a.em.envelope(event.TypeSubagentSpawned, event.MainConversation)
		spawn.SubagentSpawned = &event.SubagentSpawnedEvent{
			ToolUseID:    item.ID,
			Prompt:       item.Prompt,
			SubagentType: item.AgentRole,
		}
		events = append(events, spawn)
	} else if item.AgentThreadID != "" {
		a.agentThreads.put(item.AgentThreadID, item.ID)
	}

	if completed {
		a.finalized[item.ID] = true
		var durationMS int64
		if started, ok := a.spawnTimes[item.ID]; ok {
			durationMS = time.Since(started).Milliseconds()
		}
		status := "completed"
		if item.Status == "failed" || item.Status == "errored" {
			status = "failed"
		}

		events = append(events, a.FinalizeIdle(item.ID)...)
		events = append(events, a.em.upsert(conv, event.Block{ID: item.ID, Status: event.BlockComplete}))

		done := a.em.envelope(event.TypeSubagentCompleted, event.MainConversation)
		done.SubagentCompleted = &event.SubagentCompletedEvent{
			ToolUseID:  item.ID,
			AgentID:    item.AgentThreadID,
			Status:     status,
			Output:     item.Output,
			DurationMS: durationMS,
		}
		events = append(events, done)
	}
	return events
}

func (a *codexAdapter) FinalizeIdle(conversationID string) []event.Event {
	for id, ob := range a.open {
		if ob.conversationID != conversationID {
			continue
		}
		a.finalized[id] = true
		delete(a.open, id)
	}
	return []event.Event{a.em.idle(conversationID)}
}

func (a *codexAdapter) FinalizeAll() []event.Event {
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
