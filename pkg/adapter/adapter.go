// Package adapter normalizes the streaming wire formats of the upstream
// agent engines into the canonical event vocabulary. One adapter instance
// exists per session and owns the correlation state needed to turn a
// resumable, partially re-delivered stream into idempotent events: open
// blocks with their last known full content, finalized block ids, message
// roles, and the mapping from nested engine sessions to the delegate tool
// call that spawned them.
package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
)

// Adapter converts one engine's raw stream lines into canonical events.
//
// HandleLine never fails on a malformed line: parse failures are logged and
// skipped so one bad segment cannot poison the stream. The returned error is
// reserved for faults the engine itself reports, which are fatal for the
// current query.
type Adapter interface {
	// Engine names the upstream engine this adapter speaks for.
	Engine() string

	// HandleLine translates one raw wire line into zero or more canonical
	// events, in the order they must reach the reducer.
	HandleLine(raw json.RawMessage) ([]event.Event, error)

	// FinalizeIdle closes any still-open text/reasoning blocks of one
	// conversation with their last known content, leaving other
	// conversations' open blocks alone.
	FinalizeIdle(conversationID string) []event.Event

	// FinalizeAll closes every open conversation. Used when a query stream
	// ends and at the end of a transcript replay.
	FinalizeAll() []event.Event
}

// New returns a fresh adapter for the engine.
func New(engine, sessionID string) (Adapter, error) {
	switch engine {
	case backend.EngineClaude:
		return newClaudeAdapter(sessionID), nil
	case backend.EngineCodex:
		return newCodexAdapter(sessionID), nil
	}
	return nil, fmt.Errorf("unknown engine %q", engine)
}

// Replay re-derives conversation state from an engine transcript by feeding
// it through a fresh adapter and folding the resulting events. Deterministic
// block ids make this converge with the live-streamed state.
func Replay(engine, sessionID, transcript string) (conversation.State, error) {
	a, err := New(engine, sessionID)
	if err != nil {
		return conversation.State{}, err
	}

	state := conversation.NewState()
	start := 0
	for i := 0; i <= len(transcript); i++ {
		if i != len(transcript) && transcript[i] != '\n' {
			continue
		}
		line := transcript[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		events, err := a.HandleLine(json.RawMessage(line))
		if err != nil {
			// An upstream fault recorded mid-transcript is history, not a
			// reason to lose the rest of the conversation.
			continue
		}
		for _, e := range events {
			state = conversation.Apply(state, e)
		}
	}
	for _, e := range a.FinalizeAll() {
		state = conversation.Apply(state, e)
	}
	return state, nil
}
