package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/printdesk/internal/order"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/storage"
	"github.com/kalambet/printdesk/internal/timers"
)

// SessionView is a session as reported to operators.
type SessionView struct {
	session.Session
	Phase       order.Phase   `json:"phase"`
	Missing     []string      `json:"missing"`
	Blacklisted *timers.Entry `json:"blacklisted,omitempty"`
}

func sessionView(s session.Session, bl *timers.Blacklist) SessionView {
	v := SessionView{
		Session: s,
		Phase:   order.PhaseOf(s.Draft),
		Missing: order.MissingFields(s.Draft),
	}
	if e, ok := bl.Lookup(s.UserID); ok {
		v.Blacklisted = &e
	}
	return v
}

type sessionSummary struct {
	UserID          string      `json:"user_id"`
	DisplayName     string      `json:"display_name,omitempty"`
	Phase           order.Phase `json:"phase"`
	LastInteraction time.Time   `json:"last_interaction"`
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := deps.Engine.Sessions()
		out := make([]sessionSummary, 0, store.Len())
		for _, id := range store.Users() {
			s, ok := store.Peek(id)
			if !ok {
				continue
			}
			out = append(out, sessionSummary{
				UserID:          s.UserID,
				DisplayName:     s.DisplayName,
				Phase:           s.Phase(),
				LastInteraction: s.LastInteraction,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := deps.Engine.Sessions().Peek(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no session for %s", id)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(s, deps.Engine.Blacklist()))
	}
}

func handleResetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Engine.ResetUser(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListBlacklist(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := deps.Engine.Blacklist().Entries()
		if entries == nil {
			entries = []timers.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleUnblock(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Engine.Unblock(id) {
			httpError(w, http.StatusNotFound, "not_found", "%s is not blacklisted", id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListOrders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 200)
		}
		orders, err := deps.Orders.ListOrdersByUser(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing orders: %v", err)
			return
		}
		if orders == nil {
			orders = []storage.Order{}
		}
		writeJSON(w, http.StatusOK, orders)
	}
}

func handleGetOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Orders.GetOrder(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading order: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}
