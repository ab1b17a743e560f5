// Package notify pushes committed balance changes to connected clients over
// WebSocket.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"PeachCredit/internal/logging"
	"PeachCredit/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type BalanceEvent struct {
	Type      string `json:"type"`
	Balance   int64  `json:"balance"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans balance events out to each user's subscribers. Slow clients drop
// events; the next event carries the full balance anyway.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[chan []byte]struct{}

	Upgrader   websocket.Upgrader
	PingPeriod time.Duration
	Log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[chan []byte]struct{}),
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PingPeriod: 30 * time.Second,
		Log:        logging.OrNop(log),
	}
}

// BalanceChanged implements ledger.Notifier.
func (h *Hub) BalanceChanged(userID string, balance int64) {
	data, err := json.Marshal(BalanceEvent{Type: "balance", Balance: balance, Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[userID] {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *Hub) Subscribe(userID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan []byte]struct{})
	}
	h.clients[userID][ch] = struct{}{}
	h.mu.Unlock()
	metrics.FeedClients.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[userID], ch)
			if len(h.clients[userID]) == 0 {
				delete(h.clients, userID)
			}
			close(ch)
			h.mu.Unlock()
			metrics.FeedClients.Dec()
		})
	}
}

func (h *Hub) ClientCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and streams userID's balance events until
// the client goes away. initial is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, initial int64) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("balance feed upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := h.Subscribe(userID)
	defer unsub()

	// Reader goroutine notices client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	first, _ := json.Marshal(BalanceEvent{Type: "balance", Balance: initial, Timestamp: time.Now().Unix()})
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}

	period := h.PingPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ping := time.NewTicker(period)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
