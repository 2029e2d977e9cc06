package settled

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"guardiansettle/core/events"
)

const (
	streamHistoryLimit = 2048
	streamBuffer       = 32
	wsWriteTimeout     = 10 * time.Second
)

// StreamUpdate is one settlement event as delivered to stream subscribers.
type StreamUpdate struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"ts"`
}

func (u StreamUpdate) clone() StreamUpdate {
	cloned := u
	if u.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// EventHub retains recent settlement events and fans them out to live
// subscribers. It implements events.Emitter.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	history []StreamUpdate
	subs    map[uint64]chan StreamUpdate
	now     func() time.Time
}

// NewEventHub constructs an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]chan StreamUpdate), now: time.Now}
}

// Emit implements events.Emitter. Slow subscribers miss updates rather than
// block the emitting engine.
func (h *EventHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	update := StreamUpdate{Type: evt.EventType()}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		update.Attributes = payload.Event().Clone().Attributes
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	update.Sequence = h.seq
	update.Cursor = strconv.FormatUint(h.seq, 10)
	update.Timestamp = h.now().Unix()
	h.history = append(h.history, update)
	if len(h.history) > streamHistoryLimit {
		excess := len(h.history) - streamHistoryLimit
		trimmed := make([]StreamUpdate, streamHistoryLimit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	for _, ch := range h.subs {
		select {
		case ch <- update.clone():
		default:
		}
	}
}

// Subscribe registers a subscriber for events after cursor and returns the
// retained backlog. The channel is closed when cancel runs or ctx ends.
func (h *EventHub) Subscribe(ctx context.Context, cursor string) (<-chan StreamUpdate, func(), []StreamUpdate) {
	updates := make(chan StreamUpdate, streamBuffer)
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]StreamUpdate, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry.clone())
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are not expected; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := streamUpdates(ctx, conn, s.hub, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamUpdates(ctx context.Context, conn *websocket.Conn, hub *EventHub, cursor string) error {
	updates, cancel, backlog := hub.Subscribe(ctx, cursor)
	defer cancel()

	for _, update := range backlog {
		if err := writeUpdate(ctx, conn, update); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update StreamUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
