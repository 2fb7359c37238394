// Package conversation holds the client-visible conversation model and the
// pure reducer that folds canonical events into it. There is no I/O here:
// the session layer feeds events in, persistence and broadcast read
// snapshots out.
package conversation

import (
	"github.com/conductorhq/conductor/pkg/event"
)

// Subagent is a nested conversation spawned by a delegate tool call,
// identified by that call's tool-use id.
type Subagent struct {
	ToolUseID  string               `json:"tool_use_id"`
	SubagentID string               `json:"subagent_id,omitempty"`
	Status     event.SubagentStatus `json:"status"`
	Blocks     []event.Block        `json:"blocks"`
}

// State is the full conversation model: the main block list plus any
// subagent conversations keyed by spawning tool-use id.
type State struct {
	Main      []event.Block        `json:"main"`
	Subagents map[string]*Subagent `json:"subagents,omitempty"`
}

// NewState returns an empty conversation.
func NewState() State {
	return State{Subagents: make(map[string]*Subagent)}
}

// Blocks returns the block list of the addressed conversation, or nil when
// the conversation does not exist.
func (s State) Blocks(conversationID string) []event.Block {
	if conversationID == event.MainConversation {
		return s.Main
	}
	if sub, ok := s.Subagents[conversationID]; ok {
		return sub.Blocks
	}
	return nil
}

// FindBlock looks up a block by id within one conversation.
func (s State) FindBlock(conversationID, blockID string) (event.Block, bool) {
	for _, b := range s.Blocks(conversationID) {
		if b.ID == blockID {
			return b, true
		}
	}
	return event.Block{}, false
}

// Copy returns a snapshot safe to hand to concurrent readers while the
// reducer keeps producing new states.
func (s State) Copy() State {
	return s.clone()
}

// clone returns a copy safe to mutate. Block lists are copied shallowly;
// the reducer replaces whole blocks instead of mutating payload pointers in
// place, so shared payloads are never written through.
func (s State) clone() State {
	out := State{
		Main:      append([]event.Block(nil), s.Main...),
		Subagents: make(map[string]*Subagent, len(s.Subagents)),
	}
	for id, sub := range s.Subagents {
		copied := *sub
		copied.Blocks = append([]event.Block(nil), sub.Blocks...)
		out.Subagents[id] = &copied
	}
	return out
}

// setBlocks installs a new block list for the conversation, creating the
// subagent entry defensively when block events arrive before the spawn
// event (out-of-order delivery must not lose data).
func (s *State) setBlocks(conversationID string, blocks []event.Block) {
	if conversationID == event.MainConversation {
		s.Main = blocks
		return
	}
	sub, ok := s.Subagents[conversationID]
	if !ok {
		sub = &Subagent{ToolUseID: conversationID, Status: event.SubagentRunning}
		s.Subagents[conversationID] = sub
	}
	sub.Blocks = blocks
}
