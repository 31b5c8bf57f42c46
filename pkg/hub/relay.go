package hub

import (
	"encoding/json"
	"net"

	"ralph/pkg/protocol"
)

// observer is one connected relay consumer (typically the dashboard UI).
// Events are queued on a buffered channel drained by a dedicated writer
// goroutine, so one slow observer never stalls the connection handlers that
// produce events. When the buffer is full the event is dropped for that
// observer: delivery is best-effort. Ordering within the buffer
// is preserved because each event is enqueued by the single goroutine that
// owns its worker connection.
type observer struct {
	id   int64
	conn net.Conn
	ch   chan protocol.RelayEvent
}

// addObserver registers a new observer and starts its writer goroutine.
func (h *Hub) addObserver(conn net.Conn) *observer {
	h.mu.Lock()
	h.nextObserver++
	o := &observer{
		id:   h.nextObserver,
		conn: conn,
		ch:   make(chan protocol.RelayEvent, h.cfg.ObserverBuffer),
	}
	h.observers[o.id] = o
	h.mu.Unlock()

	go o.writeLoop()
	return o
}

// removeObserver drops an observer and closes its event channel.
func (h *Hub) removeObserver(id int64) {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()
	if ok {
		close(o.ch)
	}
}

// writeLoop drains the observer's channel onto its connection. A write
// error ends the loop; the connection handler notices EOF and cleans up.
func (o *observer) writeLoop() {
	enc := json.NewEncoder(o.conn)
	for ev := range o.ch {
		ev := ev
		msg := protocol.Message{Type: protocol.MsgEvent, Event: &ev}
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

// broadcast fans an event out to every connected observer. Sends are
// non-blocking: a full buffer drops the event for that observer only.
// There is no per-observer filtering, subscription, or replay.
func (h *Hub) broadcast(ev protocol.RelayEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(ev)
}

// broadcastLocked is broadcast for callers already holding h.mu.
func (h *Hub) broadcastLocked(ev protocol.RelayEvent) {
	for _, o := range h.observers {
		select {
		case o.ch <- ev:
		default:
		}
	}
}
