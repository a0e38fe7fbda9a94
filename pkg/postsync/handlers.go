package postsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/surrealdb/postsync/pkg/store"
)

const defaultListLimit = 50

// Router returns the admin, notification and websocket routes.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/sync", a.handleSyncAll).Methods(http.MethodPost)
	admin.HandleFunc("/sync/{ownerID}", a.handleSyncOwner).Methods(http.MethodPost)

	if a.stores.Notifications != nil {
		r.HandleFunc("/notifications/{receiverID}", a.handleListNotifications).Methods(http.MethodGet)
		r.HandleFunc("/notifications/{id}/read", a.handleMarkRead).Methods(http.MethodPost)
	}

	a.ws.Register(r)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := a.Health()
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, h)
}

// handleSyncAll runs a full sweep on the request's context. Per-owner
// failures are part of the summary; only a failed enumeration is an error.
func (a *App) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	summary, err := a.SyncAll(r.Context())
	if err != nil {
		a.logger.Error("Manual full sync failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (a *App) handleSyncOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerID"]
	outcome := a.SyncOne(r.Context(), ownerID)

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, outcome)
}

func (a *App) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	receiverID := mux.Vars(r)["receiverID"]

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx := r.Context()
	items, err := a.stores.Notifications.ListUnread(ctx, receiverID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unread, err := a.stores.Notifications.CountUnread(ctx, receiverID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"unread_count":  unread,
	})
}

func (a *App) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.stores.Notifications.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "notification not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
