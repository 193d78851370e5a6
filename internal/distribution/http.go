package distribution

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/staking-engine/internal/model"
)

// StatusResponse is the JSON body for GET /admin/distributions/status.
type StatusResponse struct {
	State State    `json:"state"`
	Last  *Summary `json:"last,omitempty"`
}

// RunResponse is the JSON body returned from a triggered run.
type RunResponse struct {
	Summary Summary `json:"summary"`
	Error   string  `json:"error,omitempty"`
}

// --- HTTP Handlers ---

// HandleRun handles POST /api/v1/admin/distributions/{period}.
// The run is detached from the request so a dropped client does not
// cancel it halfway.
func (o *Orchestrator) HandleRun(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	if _, err := model.ParsePeriod(period); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sum, err := o.RunDistribution(context.WithoutCancel(r.Context()), period)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RunResponse{Summary: sum})
	case errors.Is(err, ErrAlreadyDistributed), errors.Is(err, ErrRunInProgress):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrRunCancelled):
		writeJSON(w, http.StatusServiceUnavailable, RunResponse{Summary: sum, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, RunResponse{Summary: sum, Error: err.Error()})
	}
}

// HandleStatus handles GET /api/v1/admin/distributions/status.
func (o *Orchestrator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{State: o.State()}
	if last, ok := o.LastSummary(); ok {
		resp.Last = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePool handles GET /api/v1/pool.
func (o *Orchestrator) HandlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := o.store.GetPoolState(r.Context())
	if err != nil {
		writeError(w, "failed to load pool state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// RequireToken returns a middleware that admits requests carrying
// "Authorization: Bearer <token>". An empty token rejects everything.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
