package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kalambet/printdesk/internal/orchestrator"
)

// ErrNotConnected is returned by Hub.Send when the user has no open
// connection.
var ErrNotConnected = errors.New("user not connected")

// Inbound receives customer messages. Implemented by
// orchestrator.Orchestrator.
type Inbound interface {
	HandleInbound(ctx context.Context, in orchestrator.Inbound) error
}

// wsMessage is the web-chat frame in both directions.
type wsMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Hub holds one web-chat connection per user.
type Hub struct {
	inbound        Inbound
	originPatterns []string

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewHub creates a hub that forwards inbound frames to in. originPatterns
// are passed to websocket.Accept; empty means same-origin only.
func NewHub(in Inbound, originPatterns ...string) *Hub {
	return &Hub{
		inbound:        in,
		originPatterns: originPatterns,
		active:         make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request. The user id comes from the "user" query
// parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.register(userID, ws)
	defer h.unregister(userID, ws)

	h.readLoop(r.Context(), ws, userID)
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else {
				slog.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = wsMessage{Type: "message", Text: string(data)}
		}

		switch msg.Type {
		case "message":
			in := orchestrator.Inbound{UserID: userID, DisplayName: msg.DisplayName, Text: msg.Text}
			if err := h.inbound.HandleInbound(ctx, in); err != nil {
				slog.Warn("inbound message rejected", "error", err, "user_id", userID)
			}
		case "ping":
			if err := writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("failed to send pong", "error", err)
			}
		}
	}
}

func (h *Hub) register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.active[userID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[userID] = conn
	slog.Info("web chat connected", "user_id", userID)
}

func (h *Hub) unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.active[userID]; ok && current == conn {
		delete(h.active, userID)
		slog.Info("web chat disconnected", "user_id", userID)
	}
}

// Connected reports whether userID has an open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[userID]
	return ok
}

// Send writes a reply frame to the user's connection.
func (h *Hub) Send(ctx context.Context, userID, text string) error {
	h.mu.RLock()
	conn, ok := h.active[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if err := writeJSON(ctx, conn, wsMessage{Type: "reply", Text: text}); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.active, id)
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
