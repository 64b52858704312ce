package auditlog

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reconquest-labs/escrowcore/ltvmonitor"
)

// ltvEventMessage is the wire shape pushed to every subscriber: plain
// JSON, no client input is ever trusted back (the hub is broadcast-only).
type ltvEventMessage struct {
	LoanID       int64     `json:"loan_id"`
	Severity     string    `json:"severity"`
	SpotPriceEUR float64   `json:"spot_price_eur"`
	LtvPct       float64   `json:"ltv_pct"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Hub fans out every LtvEvent to subscribed websocket clients, the
// concrete realization of spec.md §4.10's "published to a subscriber
// channel" output boundary. One Hub per process; subscribers see every
// event broadcast after they connect, not a replay of history (history
// lives in Log's ltv_events table).
type Hub struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*websocket.Conn]chan ltvEventMessage
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*websocket.Conn]chan ltvEventMessage),
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and
// registers it as a subscriber until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("auditlog: websocket upgrade failed: %v", err)
		return
	}

	out := make(chan ltvEventMessage, 16)
	h.mu.Lock()
	h.subscribers[conn] = out
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for msg := range out {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Broadcast pushes one event to every currently-subscribed connection.
// A subscriber whose outbound buffer is full is dropped rather than
// allowed to slow down the rest of the fan-out.
func (h *Hub) Broadcast(loanID int64, severity ltvmonitor.Severity, spotPriceEUR, ltvPct float64, at time.Time) {
	msg := ltvEventMessage{
		LoanID:       loanID,
		Severity:     severity.String(),
		SpotPriceEUR: spotPriceEUR,
		LtvPct:       ltvPct,
		OccurredAt:   at,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			delete(h.subscribers, conn)
			close(ch)
			conn.Close()
		}
	}
}

// subscriberCount reports how many connections are currently
// registered; exposed for tests.
func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
