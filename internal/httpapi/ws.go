package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/casebuilder/livesync/internal/relay"
)

const defaultWriteTimeout = 5 * time.Second

// wsConn is the subset of *websocket.Conn the hub needs; tests substitute it
// to exercise send-failure isolation without a network.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

type subscriber struct {
	id   string
	conn wsConn
}

// Hub is the registry of open realtime connections. A connection is added
// on accept and removed the moment it closes or a send to it fails; there
// is no replay of state accumulated before connect.
type Hub struct {
	mu           sync.Mutex
	subs         map[string]*subscriber
	logger       *logrus.Logger
	writeTimeout time.Duration
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		subs:         map[string]*subscriber{},
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

type connectedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Subscribe upgrades the request and blocks until the connection closes.
// The channel is server-to-client push only, so reads are drained and serve
// purely as close detection.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	id := uuid.NewString()
	h.add(&subscriber{id: id, conn: conn})
	h.logger.WithField("subscriber", id).Info("realtime subscriber connected")

	ctx := conn.CloseRead(r.Context())

	hello, _ := json.Marshal(connectedMessage{
		Type:    "connected",
		Message: "live-sync relay connected",
	})
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		h.remove(id)
		_ = conn.CloseNow()
		return
	}

	<-ctx.Done()
	h.remove(id)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.WithField("subscriber", id).Info("realtime subscriber disconnected")
}

// Broadcast attempts delivery to every open connection. A failed send drops
// that connection from the registry and moves on; it is never retried and
// never affects the other subscribers.
func (h *Hub) Broadcast(ctx context.Context, msg relay.PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Warn("dropping broadcast: marshal failed")
		return
	}
	for _, sub := range h.snapshot() {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := sub.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("subscriber", sub.id).Warn("dropping subscriber after failed send")
			h.remove(sub.id)
			_ = sub.conn.CloseNow()
		}
	}
}

// Count reports the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown closes every open connection with a going-away status.
func (h *Hub) Shutdown() {
	for _, sub := range h.snapshot() {
		_ = sub.conn.Close(websocket.StatusGoingAway, "relay shutting down")
		h.remove(sub.id)
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	return subs
}
