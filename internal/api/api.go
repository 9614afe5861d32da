// Package api is the HTTP surface: inbound messages from the messaging
// gateway, operator endpoints, the web chat and the MCP tools.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/orchestrator"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/storage"
	"github.com/kalambet/printdesk/internal/timers"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Engine is the conversation engine. Implemented by
// orchestrator.Orchestrator.
type Engine interface {
	HandleInbound(ctx context.Context, in orchestrator.Inbound) error
	RunTurn(ctx context.Context, userID, displayName, text string) orchestrator.TurnResult
	RunAttachment(ctx context.Context, userID, displayName string, att orchestrator.Attachment) orchestrator.TurnResult
	Sessions() *session.Store
	Blacklist() *timers.Blacklist
	ResetUser(userID string)
	Unblock(userID string) bool
}

// Catalog is the catalog as seen by operators.
type Catalog interface {
	GetServices(ctx context.Context) map[string][]catalog.ServiceInfo
	Sync(ctx context.Context) error
	LoadedAt() time.Time
}

// Orders reads the order sink.
type Orders interface {
	GetOrder(id string) (storage.Order, error)
	ListOrdersByUser(userID string, limit int) ([]storage.Order, error)
}

// Deps holds what the handler serves. Chat and MCP are optional.
type Deps struct {
	Engine    Engine
	Catalog   Catalog
	Orders    Orders
	Token     string
	UploadDir string
	Chat      http.Handler
	MCP       http.Handler
}

// NewHandler returns the router. /health is public; everything else needs
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/messages", handleMessage(deps))
		r.Post("/v1/uploads", handleUpload(deps))

		r.Get("/v1/sessions", handleListSessions(deps))
		r.Get("/v1/sessions/{id}", handleGetSession(deps))
		r.Delete("/v1/sessions/{id}", handleResetSession(deps))

		r.Get("/v1/blacklist", handleListBlacklist(deps))
		r.Delete("/v1/blacklist/{id}", handleUnblock(deps))

		r.Get("/v1/services", handleServices(deps))
		r.Post("/v1/catalog/sync", handleCatalogSync(deps))

		r.Get("/v1/orders", handleListOrders(deps))
		r.Get("/v1/orders/{id}", handleGetOrder(deps))

		if deps.Chat != nil {
			r.Handle("/v1/ws", deps.Chat)
		}
		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleServices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"loaded_at": deps.Catalog.LoadedAt(),
			"services":  deps.Catalog.GetServices(r.Context()),
		})
	}
}

func handleCatalogSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Catalog.Sync(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "catalog sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"loaded_at": deps.Catalog.LoadedAt()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
