package adapter

import (
	"encoding/json"
	"testing"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
)

// reduce feeds raw lines through the adapter and folds the resulting events
// into conversation state, failing the test on any engine fault.
func reduce(t *testing.T, a Adapter, lines ...string) conversation.State {
	t.Helper()
	state := conversation.NewState()
	for _, line := range lines {
		events, err := a.HandleLine(json.RawMessage(line))
		if err != nil {
			t.Fatalf("unexpected engine fault on %q: %v", line, err)
		}
		for _, e := range events {
			state = conversation.Apply(state, e)
		}
	}
	return state
}

func applyAll(state conversation.State, events []event.Event) conversation.State {
	for _, e := range events {
		state = conversation.Apply(state, e)
	}
	return state
}

func TestClaude_TextStreamsAsSuffixDeltas(t *testing.T) {
	a := newClaudeAdapter("s1")

	// The engine re-sends the full message on every update.
	state := reduce(t, a,
		`{"type":"system","subtype":"init","session_id":"root"}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Hel"}]}}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"result","subtype":"success","duration_ms":120}`,
	)

	b, ok := state.FindBlock(event.MainConversation, "msg_m1_0")
	if !ok {
		t.Fatal("text block missing")
	}
	if b.Content != "Hello" {
		t.Fatalf("expected full content %q, got %q", "Hello", b.Content)
	}
	if b.Status != event.BlockComplete {
		t.Fatalf("result line did not finalize the block: %s", b.Status)
	}
}

func TestClaude_ReplayedSegmentsConverge(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"root"}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"result","subtype":"success"}`,
	}
	// Resume re-delivers the overlapping segment.
	withReplay := append(append([]string{}, lines...), lines[1])

	a1 := newClaudeAdapter("s1")
	a2 := newClaudeAdapter("s1")
	once := reduce(t, a1, lines...)
	twice := reduce(t, a2, withReplay...)

	if len(once.Main) != len(twice.Main) {
		t.Fatalf("replay duplicated blocks: %d vs %d", len(once.Main), len(twice.Main))
	}
	if once.Main[0].Content != twice.Main[0].Content {
		t.Fatalf("replay changed content: %q vs %q", once.Main[0].Content, twice.Main[0].Content)
	}
}

func TestClaude_ToolUseAndResult(t *testing.T) {
	a := newClaudeAdapter("s1")
	state := reduce(t, a,
		`{"type":"system","subtype":"init","session_id":"root"}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","session_id":"root","message":{"id":"m2","role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"file.go"}]}]}}`,
	)

	use, ok := state.FindBlock(event.MainConversation, "tool_t1")
	if !ok || use.ToolUse == nil {
		t.Fatal("tool_use block missing")
	}
	if use.ToolUse.ToolName != "Bash" {
		t.Errorf("tool name: %q", use.ToolUse.ToolName)
	}
	if use.Status != event.BlockComplete {
		t.Errorf("tool_use not closed by its result: %s", use.Status)
	}

	res, ok := state.FindBlock(event.MainConversation, "toolres_t1")
	if !ok || res.ToolResult == nil {
		t.Fatal("tool_result block missing")
	}
	if res.Content != "file.go" {
		t.Errorf("result content: %q", res.Content)
	}
}

func TestClaude_DelegateSpawnsAndCompletesSubagent(t *testing.T) {
	a := newClaudeAdapter("s1")
	state := reduce(t, a,
		`{"type":"system","subtype":"init","session_id":"root"}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Task","input":{"prompt":"review the diff","subagent_type":"reviewer"}}]}}`,
		// Nested conversation: the engine echoes the delegate prompt as a
		// user message, then streams the subagent's answer.
		`{"type":"user","session_id":"nested1","parent_tool_use_id":"t1","message":{"id":"m2","role":"user","content":[{"type":"text","text":"review the diff"}]}}`,
		`{"type":"assistant","session_id":"nested1","parent_tool_use_id":"t1","message":{"id":"m3","role":"assistant","content":[{"type":"text","text":"looks good"}]}}`,
		`{"type":"user","session_id":"root","message":{"id":"m4","role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"looks good"}]}}`,
	)

	sub, ok := state.Subagents["t1"]
	if !ok {
		t.Fatal("subagent entry missing")
	}
	if sub.Status != event.SubagentSuccess {
		t.Errorf("subagent status: %s", sub.Status)
	}

	// The prompt echo is filtered; only the assistant answer remains.
	if len(sub.Blocks) != 1 {
		t.Fatalf("expected 1 nested block (echo filtered), got %d: %+v", len(sub.Blocks), sub.Blocks)
	}
	if sub.Blocks[0].Content != "looks good" {
		t.Errorf("nested content: %q", sub.Blocks[0].Content)
	}

	anchor, ok := state.FindBlock(event.MainConversation, "subagent_t1")
	if !ok {
		t.Fatal("subagent anchor block missing from main")
	}
	if anchor.Subagent.Output != "looks good" {
		t.Errorf("anchor output: %q", anchor.Subagent.Output)
	}
	if anchor.Subagent.SubagentID == "" {
		t.Error("anchor should carry the nested session id")
	}
}

func TestClaude_IdleFinalizesOnlyAddressedConversation(t *testing.T) {
	a := newClaudeAdapter("s1")
	state := reduce(t, a,
		`{"type":"system","subtype":"init","session_id":"root"}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Task","input":{"prompt":"go"}}]}}`,
		`{"type":"assistant","session_id":"nested1","parent_tool_use_id":"t1","message":{"id":"m2","role":"assistant","content":[{"type":"text","text":"working"}]}}`,
		`{"type":"assistant","session_id":"root","message":{"id":"m3","role":"assistant","content":[{"type":"text","text":"main text"}]}}`,
	)

	state = applyAll(state, a.FinalizeIdle("t1"))

	nested := state.Subagents["t1"].Blocks[0]
	if nested.Status != event.BlockComplete {
		t.Error("nested block not finalized")
	}
	mainBlock, _ := state.FindBlock(event.MainConversation, "msg_m3_0")
	if mainBlock.Status != event.BlockPending {
		t.Error("idle for nested conversation disturbed the main conversation")
	}
}

func TestClaude_MalformedLineIsSkipped(t *testing.T) {
	a := newClaudeAdapter("s1")
	if _, err := a.HandleLine(json.RawMessage(`{not json`)); err != nil {
		t.Fatalf("malformed line must not fail the stream: %v", err)
	}
	// The stream keeps working afterwards.
	events, err := a.HandleLine(json.RawMessage(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"ok"}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("stream did not survive a malformed line")
	}
}

func TestClaude_ErrorResultIsFatal(t *testing.T) {
	a := newClaudeAdapter("s1")
	events, err := a.HandleLine(json.RawMessage(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`))
	if err == nil {
		t.Fatal("engine fault must surface as an error")
	}
	var found bool
	for _, e := range events {
		if e.Type == event.TypeError && e.Error.Message == "boom" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error event alongside the fault")
	}
}

func TestReplay_RebuildsStateFromTranscript(t *testing.T) {
	transcript := `{"type":"system","subtype":"init","session_id":"root"}
{"type":"user","session_id":"root","message":{"id":"m0","role":"user","content":[{"type":"text","text":"hi"}]}}
{"type":"assistant","session_id":"root","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"hello there"}]}}
`
	state, err := Replay(backend.EngineClaude, "s1", transcript)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Main) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(state.Main))
	}
	for _, b := range state.Main {
		if b.Status != event.BlockComplete {
			t.Errorf("replay left block %s pending", b.ID)
		}
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	if _, err := New("gremlin", "s1"); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}
