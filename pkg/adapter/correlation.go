package adapter

import (
	"strings"
	"time"

	"github.com/conductorhq/conductor/pkg/event"
)

// openBlock tracks an in-progress block and the last full content the
// engine sent for it. The engines resend the whole text on every update, so
// content is overwritten here and emitted downstream as a suffix delta.
type openBlock struct {
	conversationID string
	block          event.Block
	content        string
}

// boundedMap is a string-to-string map with FIFO eviction. It caps the
// nested-session routing table so a long-lived session spawning many
// subagents cannot grow memory without bound.
type boundedMap struct {
	limit  int
	order  []string
	values map[string]string
}

func newBoundedMap(limit int) *boundedMap {
	return &boundedMap{limit: limit, values: make(map[string]string)}
}

func (m *boundedMap) put(key, value string) {
	if _, exists := m.values[key]; !exists {
		m.order = append(m.order, key)
		if len(m.order) > m.limit {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.values, oldest)
		}
	}
	m.values[key] = value
}

func (m *boundedMap) get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// emitter stamps the shared envelope onto outgoing events.
type emitter struct {
	sessionID string
	source    string
}

func (em emitter) envelope(typ event.Type, conversationID string) event.Event {
	if conversationID == event.MainConversation {
		conversationID = ""
	}
	return event.Event{
		Type:           typ,
		SessionID:      em.sessionID,
		ConversationID: conversationID,
		Source:         em.source,
		Timestamp:      time.Now(),
	}
}

func (em emitter) upsert(conversationID string, block event.Block) event.Event {
	e := em.envelope(event.TypeBlockUpsert, conversationID)
	e.BlockUpsert = &event.BlockUpsertEvent{Block: block}
	return e
}

func (em emitter) delta(conversationID, blockID, delta string) event.Event {
	e := em.envelope(event.TypeBlockDelta, conversationID)
	e.BlockDelta = &event.BlockDeltaEvent{BlockID: blockID, Delta: delta}
	return e
}

func (em emitter) idle(conversationID string) event.Event {
	return em.envelope(event.TypeSessionIdle, conversationID)
}

// contentEvents emits the events needed to move an open block from its last
// known content to the newly reported full content: a suffix delta when the
// new text extends the old, or a full upsert when the engine rewrote it.
func (em emitter) contentEvents(ob *openBlock, full string) []event.Event {
	if full == ob.content {
		return nil
	}
	defer func() { ob.content = full }()

	if strings.HasPrefix(full, ob.content) {
		return []event.Event{em.delta(ob.conversationID, ob.block.ID, full[len(ob.content):])}
	}
	rewritten := ob.block
	rewritten.Content = full
	return []event.Event{em.upsert(ob.conversationID, rewritten)}
}
