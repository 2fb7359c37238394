package conversation

import (
	"reflect"
	"testing"
	"time"

	"github.com/conductorhq/conductor/pkg/event"
)

func upsert(conversationID string, block event.Block) event.Event {
	return event.Event{
		Type:           event.TypeBlockUpsert,
		SessionID:      "s1",
		ConversationID: conversationID,
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		BlockUpsert:    &event.BlockUpsertEvent{Block: block},
	}
}

func delta(conversationID, blockID, text string) event.Event {
	return event.Event{
		Type:           event.TypeBlockDelta,
		SessionID:      "s1",
		ConversationID: conversationID,
		BlockDelta:     &event.BlockDeltaEvent{BlockID: blockID, Delta: text},
	}
}

func idle(conversationID string) event.Event {
	return event.Event{
		Type:           event.TypeSessionIdle,
		SessionID:      "s1",
		ConversationID: conversationID,
	}
}

func TestApply_UpsertIsIdempotent(t *testing.T) {
	e := upsert("", event.Block{
		ID:      "msg_1_0",
		Type:    event.BlockAssistantText,
		Content: "hello",
		Status:  event.BlockComplete,
	})

	once := Apply(NewState(), e)
	twice := Apply(once, e)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("applying the same upsert twice changed state:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if len(once.Main) != 1 {
		t.Fatalf("expected 1 block, got %d", len(once.Main))
	}
}

func TestApply_UpsertMergesByField(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{
		ID:   "tool_t1",
		Type: event.BlockToolUse,
		ToolUse: &event.ToolUseBlock{
			ToolUseID: "t1",
			ToolName:  "Bash",
			Input:     map[string]any{"command": "ls"},
		},
	}))

	// Partial update: only the status changes, the payload survives.
	s = Apply(s, upsert("", event.Block{ID: "tool_t1", Status: event.BlockComplete}))

	b, ok := s.FindBlock(event.MainConversation, "tool_t1")
	if !ok {
		t.Fatal("block missing")
	}
	if b.Status != event.BlockComplete {
		t.Errorf("status not merged: %s", b.Status)
	}
	if b.ToolUse == nil || b.ToolUse.ToolName != "Bash" {
		t.Errorf("payload lost on merge: %+v", b.ToolUse)
	}
}

func TestApply_UpsertToleratesMissingFields(t *testing.T) {
	// No status, no timestamp: defaults fill in rather than failing.
	s := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText}))
	b, ok := s.FindBlock(event.MainConversation, "msg_1_0")
	if !ok {
		t.Fatal("block missing")
	}
	if b.Status != event.BlockPending {
		t.Errorf("expected pending default, got %s", b.Status)
	}
	if b.Timestamp.IsZero() {
		t.Error("timestamp default not applied")
	}
}

func TestApply_DeltaGrowsContentMonotonically(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText}))
	s = Apply(s, delta("", "msg_1_0", "Hel"))
	s = Apply(s, delta("", "msg_1_0", "lo"))

	b, _ := s.FindBlock(event.MainConversation, "msg_1_0")
	if b.Content != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", b.Content)
	}
}

func TestApply_DeltaForUnknownBlockIsDropped(t *testing.T) {
	before := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText}))
	after := Apply(before, delta("", "no-such-block", "zzz"))
	if !reflect.DeepEqual(before, after) {
		t.Fatal("delta for unknown block mutated state")
	}
}

func TestApply_DeltaIgnoredForNonContentVariant(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{
		ID:      "tool_t1",
		Type:    event.BlockToolUse,
		ToolUse: &event.ToolUseBlock{ToolUseID: "t1", ToolName: "Read"},
	}))
	s = Apply(s, delta("", "tool_t1", "should not land"))

	b, _ := s.FindBlock(event.MainConversation, "tool_t1")
	if b.Content != "" {
		t.Fatalf("tool_use block grew content: %q", b.Content)
	}
}

func TestApply_SubagentRoundTrip(t *testing.T) {
	s := Apply(NewState(), event.Event{
		Type:            event.TypeSubagentSpawned,
		SessionID:       "s1",
		Timestamp:       time.Now(),
		SubagentSpawned: &event.SubagentSpawnedEvent{ToolUseID: "t1", Prompt: "do X"},
	})

	sub, ok := s.Subagents["t1"]
	if !ok {
		t.Fatal("subagent entry not created")
	}
	if sub.Status != event.SubagentRunning {
		t.Fatalf("expected running, got %s", sub.Status)
	}

	s = Apply(s, event.Event{
		Type:      event.TypeSubagentCompleted,
		SessionID: "s1",
		SubagentCompleted: &event.SubagentCompletedEvent{
			ToolUseID: "t1",
			AgentID:   "a1",
			Status:    "completed",
			Output:    "done",
		},
	})

	b, ok := s.FindBlock(event.MainConversation, "subagent_t1")
	if !ok {
		t.Fatal("subagent block missing from main conversation")
	}
	if b.Subagent.Status != event.SubagentSuccess {
		t.Errorf("expected success, got %s", b.Subagent.Status)
	}
	if b.Subagent.SubagentID != "a1" {
		t.Errorf("subagent id not derived: %q", b.Subagent.SubagentID)
	}
	if b.Subagent.Output != "done" {
		t.Errorf("output not recorded: %q", b.Subagent.Output)
	}
	if s.Subagents["t1"].Status != event.SubagentSuccess {
		t.Errorf("entry status not updated: %s", s.Subagents["t1"].Status)
	}
}

func TestApply_SubagentCompletedWithoutEntryUpdatesBlockOnly(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{
		ID:       "subagent_t9",
		Type:     event.BlockSubagent,
		Subagent: &event.SubagentBlock{ToolUseID: "t9", Status: event.SubagentRunning},
	}))

	s = Apply(s, event.Event{
		Type:              event.TypeSubagentCompleted,
		SubagentCompleted: &event.SubagentCompletedEvent{ToolUseID: "t9", Status: "failed"},
	})

	b, _ := s.FindBlock(event.MainConversation, "subagent_t9")
	if b.Subagent.Status != event.SubagentError {
		t.Fatalf("expected error status, got %s", b.Subagent.Status)
	}
}

func TestApply_OrderToleranceWithinConversation(t *testing.T) {
	block := event.Block{ID: "msg_9_0", Type: event.BlockAssistantText, Content: "nested"}
	spawn := event.Event{
		Type:            event.TypeSubagentSpawned,
		SubagentSpawned: &event.SubagentSpawnedEvent{ToolUseID: "t1", Prompt: "go"},
	}

	// Spawn first, then the nested block.
	inOrder := Apply(Apply(NewState(), spawn), upsert("t1", block))
	// Nested block arrives before the spawn event.
	outOfOrder := Apply(Apply(NewState(), upsert("t1", block)), spawn)

	if !reflect.DeepEqual(inOrder.Subagents["t1"].Blocks, outOfOrder.Subagents["t1"].Blocks) {
		t.Fatalf("out-of-order delivery lost data:\nin order:     %+v\nout of order: %+v",
			inOrder.Subagents["t1"].Blocks, outOfOrder.Subagents["t1"].Blocks)
	}
	if outOfOrder.Subagents["t1"].Status != event.SubagentRunning {
		t.Errorf("defensive entry has wrong status: %s", outOfOrder.Subagents["t1"].Status)
	}
}

func TestApply_IdleFinalizesAndFiltersGhosts(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText, Content: "real"}))
	s = Apply(s, upsert("", event.Block{ID: "msg_1_1", Type: event.BlockThinking})) // ghost: no content ever arrives
	s = Apply(s, idle(""))

	if len(s.Main) != 1 {
		t.Fatalf("expected ghost block removed, got %d blocks", len(s.Main))
	}
	if s.Main[0].Status != event.BlockComplete {
		t.Errorf("pending block not finalized: %s", s.Main[0].Status)
	}
}

func TestApply_IdleIsConversationScoped(t *testing.T) {
	s := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText, Content: "main text"}))
	s = Apply(s, upsert("t1", event.Block{ID: "msg_2_0", Type: event.BlockAssistantText, Content: "nested text"}))
	s = Apply(s, idle("t1"))

	if s.Main[0].Status != event.BlockPending {
		t.Error("idle for a subagent conversation finalized main blocks")
	}
	if s.Subagents["t1"].Blocks[0].Status != event.BlockComplete {
		t.Error("idle did not finalize the addressed conversation")
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	base := Apply(NewState(), upsert("", event.Block{ID: "msg_1_0", Type: event.BlockAssistantText, Content: "a"}))
	snapshot := base.Main[0].Content

	_ = Apply(base, delta("", "msg_1_0", "bcd"))
	if base.Main[0].Content != snapshot {
		t.Fatal("Apply mutated its input state")
	}
}
