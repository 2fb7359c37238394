package adapter

import (
	"encoding/json"
	"testing"

	"github.com/conductorhq/conductor/pkg/event"
)

func TestCodex_AgentMessageStreams(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"turn.started","thread_id":"th_main"}`,
		`{"type":"item.started","thread_id":"th_main","item":{"id":"item_0","item_type":"agent_message","text":""}}`,
		`{"type":"item.updated","thread_id":"th_main","item":{"id":"item_0","item_type":"agent_message","text":"Hel"}}`,
		`{"type":"item.updated","thread_id":"th_main","item":{"id":"item_0","item_type":"agent_message","text":"Hello"}}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_0","item_type":"agent_message","text":"Hello"}}`,
		`{"type":"turn.completed","thread_id":"th_main"}`,
	)

	b, ok := state.FindBlock(event.MainConversation, "item_0")
	if !ok {
		t.Fatal("agent_message block missing")
	}
	if b.Content != "Hello" {
		t.Fatalf("content: %q", b.Content)
	}
	if b.Status != event.BlockComplete {
		t.Fatalf("status: %s", b.Status)
	}
	if b.Type != event.BlockAssistantText {
		t.Fatalf("type: %s", b.Type)
	}
}

func TestCodex_ReasoningBecomesThinking(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_r","item_type":"reasoning","text":"pondering"}}`,
	)
	b, ok := state.FindBlock(event.MainConversation, "item_r")
	if !ok || b.Type != event.BlockThinking {
		t.Fatalf("expected thinking block, got %+v", b)
	}
}

func TestCodex_CommandExecutionProducesUseAndResult(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"item.started","thread_id":"th_main","item":{"id":"item_c","item_type":"command_execution","command":"go test ./..."}}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_c","item_type":"command_execution","command":"go test ./...","aggregated_output":"ok","exit_code":0}}`,
	)

	use, ok := state.FindBlock(event.MainConversation, "item_c")
	if !ok || use.ToolUse == nil {
		t.Fatal("command block missing")
	}
	if use.ToolUse.ToolName != "shell" {
		t.Errorf("tool name: %q", use.ToolUse.ToolName)
	}
	if use.Status != event.BlockComplete {
		t.Errorf("command not closed: %s", use.Status)
	}

	res, ok := state.FindBlock(event.MainConversation, "item_c_result")
	if !ok || res.ToolResult == nil {
		t.Fatal("command result missing")
	}
	if res.Content != "ok" || res.ToolResult.IsError {
		t.Errorf("result: %+v content %q", res.ToolResult, res.Content)
	}
}

func TestCodex_FailedCommandMarksResultError(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_c","item_type":"command_execution","command":"false","aggregated_output":"","exit_code":1}}`,
	)
	res, _ := state.FindBlock(event.MainConversation, "item_c_result")
	if res.ToolResult == nil || !res.ToolResult.IsError {
		t.Fatal("non-zero exit code should mark the result as an error")
	}
}

func TestCodex_DelegateRoundTrip(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"item.started","thread_id":"th_main","item":{"id":"item_d","item_type":"collab_tool_call","prompt":"summarize","agent_role":"summarizer","agent_thread_id":"th_sub"}}`,
		// Nested thread streams, including the echoed prompt.
		`{"type":"item.completed","thread_id":"th_sub","item":{"id":"item_u","item_type":"user_message","text":"summarize"}}`,
		`{"type":"item.completed","thread_id":"th_sub","item":{"id":"item_a","item_type":"agent_message","text":"summary done"}}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_d","item_type":"collab_tool_call","prompt":"summarize","agent_role":"summarizer","agent_thread_id":"th_sub","status":"completed","output":"summary done"}}`,
	)

	sub, ok := state.Subagents["item_d"]
	if !ok {
		t.Fatal("subagent entry missing")
	}
	if sub.Status != event.SubagentSuccess {
		t.Errorf("status: %s", sub.Status)
	}
	if len(sub.Blocks) != 1 {
		t.Fatalf("prompt echo not filtered, blocks: %+v", sub.Blocks)
	}

	anchor, _ := state.FindBlock(event.MainConversation, "subagent_item_d")
	if anchor.Subagent == nil || anchor.Subagent.Output != "summary done" {
		t.Fatalf("anchor: %+v", anchor.Subagent)
	}
	if anchor.Subagent.SubagentID != "th_sub" {
		t.Errorf("subagent id: %q", anchor.Subagent.SubagentID)
	}
}

func TestCodex_UnknownThreadIsKeptDefensively(t *testing.T) {
	a := newCodexAdapter("s1")
	state := reduce(t, a,
		`{"type":"thread.started","thread_id":"th_main"}`,
		// Events for a thread we were never introduced to must not be lost.
		`{"type":"item.completed","thread_id":"th_mystery","item":{"id":"item_x","item_type":"agent_message","text":"orphan"}}`,
	)
	sub, ok := state.Subagents["th_mystery"]
	if !ok {
		t.Fatal("orphan thread events were dropped")
	}
	if sub.Blocks[0].Content != "orphan" {
		t.Errorf("orphan content: %q", sub.Blocks[0].Content)
	}
}

func TestCodex_TurnFailedIsFatal(t *testing.T) {
	a := newCodexAdapter("s1")
	_, err := a.HandleLine(json.RawMessage(`{"type":"turn.failed","thread_id":"th_main","error":{"message":"context overflow"}}`))
	if err == nil {
		t.Fatal("turn.failed must surface as an error")
	}
}

func TestCodex_ReplayedItemsConverge(t *testing.T) {
	lines := []string{
		`{"type":"thread.started","thread_id":"th_main"}`,
		`{"type":"item.completed","thread_id":"th_main","item":{"id":"item_0","item_type":"agent_message","text":"Hello"}}`,
	}
	withReplay := append(append([]string{}, lines...), lines[1])

	once := reduce(t, newCodexAdapter("s1"), lines...)
	twice := reduce(t, newCodexAdapter("s1"), withReplay...)

	if len(once.Main) != len(twice.Main) {
		t.Fatalf("replay duplicated blocks: %d vs %d", len(once.Main), len(twice.Main))
	}
}

func TestBoundedMap_EvictsOldest(t *testing.T) {
	m := newBoundedMap(2)
	m.put("a", "1")
	m.put("b", "2")
	m.put("c", "3")

	if _, ok := m.get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if v, ok := m.get("c"); !ok || v != "3" {
		t.Fatal("newest entry missing")
	}
	// Updating an existing key must not grow the map.
	m.put("b", "2b")
	if v, _ := m.get("b"); v != "2b" {
		t.Fatal("update lost")
	}
	if _, ok := m.get("c"); !ok {
		t.Fatal("update of existing key evicted a live entry")
	}
}
