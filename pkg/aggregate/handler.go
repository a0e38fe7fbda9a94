package aggregate

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/surrealdb/postsync/pkg/logger"
	"github.com/surrealdb/postsync/pkg/store"
)

// NewHandler serves the set-count RPC on top of setter.
func NewHandler(setter store.AggregateSetter, log logger.Logger) http.Handler {
	log = logger.OrDiscard(log)

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/internal/users/{ownerID}/post-count", func(w http.ResponseWriter, req *http.Request) {
		ownerID, err := url.PathUnescape(mux.Vars(req)["ownerID"])
		if err != nil || ownerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid owner id"})
			return
		}

		var body struct {
			Count *int64 `json:"count"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Count == nil || *body.Count < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"count\": <non-negative integer>}"})
			return
		}

		if err := setter.SetCount(req.Context(), ownerID, *body.Count); err != nil {
			log.Error("Failed to set post count", "owner_id", ownerID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to set post count"})
			return
		}
		writeJSON(w, http.StatusOK, SetCountResponse{OK: true})
	}).Methods(http.MethodPut)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
