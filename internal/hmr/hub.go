// Package hmr delivers overlay payloads to live-reload clients over
// websockets.
package hmr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

const (
	defaultHistorySize = 16
	subscriberBuffer   = 64
)

// Message is one payload sent through the hub.
type Message struct {
	Seq     uint64
	Payload json.RawMessage
}

// Hub broadcasts payloads to every connected client and keeps a bounded
// history that new clients receive on connect.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []Message
	subs        map[chan Message]struct{}
	historySize int
	log         pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:        make(map[chan Message]struct{}),
		historySize: historySize,
		log:         logger.With("component", "hmr"),
	}
}

// Send implements core.Transport. It never blocks: a client whose buffer
// is full misses the payload. Delivery happens under the hub lock so an
// unsubscribe cannot close a channel mid-send.
func (h *Hub) Send(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: hmr payload is not valid JSON", schema.ErrProtocol)
	}
	msg := Message{Payload: append(json.RawMessage(nil), payload...)}

	h.mu.Lock()
	h.seq++
	msg.Seq = h.seq
	h.history = append(h.history, msg)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- msg:
		default:
			dropped++
		}
	}
	clients := len(h.subs)
	h.mu.Unlock()

	h.log.Trace("hmr payload sent", "seq", msg.Seq, "clients", clients, "bytes", len(payload))
	if dropped > 0 {
		h.log.Warn("hmr payload dropped", "seq", msg.Seq, "dropped", dropped)
	}
	return nil
}

// Subscribe registers a client. It returns the live channel, an
// unsubscribe func, the current sequence and the history to replay.
func (h *Hub) Subscribe() (<-chan Message, func(), uint64, []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Message, subscriberBuffer)
	h.subs[ch] = struct{}{}
	history := append([]Message(nil), h.history...)
	seq := h.seq
	h.log.Info("hmr client subscribed", "clients", len(h.subs), "history", len(history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hmr client unsubscribed", "clients", remaining)
		})
	}
	return ch, unsub, seq, history
}

// Replay returns the retained payloads after seq.
func (h *Hub) Replay(after uint64) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, 0, len(h.history))
	for _, msg := range h.history {
		if msg.Seq > after {
			out = append(out, msg)
		}
	}
	return out
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
