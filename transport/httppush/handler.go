package httppush

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/logging"
)

// Authority is the server-side counterpart of the push contract: it applies
// a batch and reports which mutation ids it durably applied plus any records
// whose remote state diverged. Because delivery is at-least-once, Apply must
// tolerate seeing the same mutation id again (idempotent apply).
type Authority interface {
	Apply(ctx context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error)
}

// NewHandler mounts the push endpoint on a chi router:
//
//	POST /push — JSON batch in, PushResult out
func NewHandler(authority Authority) http.Handler {
	logger := logging.WithComponent("httppush-handler")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/push", func(w http.ResponseWriter, req *http.Request) {
		var payload pushRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid batch payload")
			return
		}

		result, err := authority.Apply(req.Context(), payload.Mutations)
		if err != nil {
			logger.LogError(req.Context(), err, "authority failed to apply batch")
			respondWithError(w, http.StatusInternalServerError, "apply failed")
			return
		}

		respondWithJSON(w, http.StatusOK, result)
	})

	return r
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
