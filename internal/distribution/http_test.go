package distribution_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/staking-engine/internal/distribution"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/store"
)

func newRouter(t *testing.T) (chi.Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	seed(t, ms, model.Account{ID: "alice", StakedAmount: d("1000")})
	o, _ := newOrchestrator(t, ms, defaults())

	r := chi.NewRouter()
	r.Get("/api/v1/pool", o.HandlePool)
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(distribution.RequireToken("s3cret"))
		r.Get("/distributions/status", o.HandleStatus)
		r.Post("/distributions/{period}", o.HandleRun)
	})
	return r, ms
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleRun_RequiresToken(t *testing.T) {
	r, ms := newRouter(t)

	if w := do(r, "POST", "/api/v1/admin/distributions/"+period, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := do(r, "POST", "/api/v1/admin/distributions/"+period, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if a := account(t, ms, "alice"); !a.RewardsBalance.IsZero() {
		t.Error("unauthorized request must not run a distribution")
	}
}

func TestHandleRun_RunsOncePerPeriod(t *testing.T) {
	r, _ := newRouter(t)

	w := do(r, "POST", "/api/v1/admin/distributions/"+period, "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp distribution.RunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Summary.Outcome != distribution.OutcomeCompleted || resp.Summary.AccountsProcessed != 1 {
		t.Errorf("unexpected summary %+v", resp.Summary)
	}

	if w := do(r, "POST", "/api/v1/admin/distributions/"+period, "s3cret"); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on rerun, got %d", w.Code)
	}

	w = do(r, "GET", "/api/v1/admin/distributions/status", "s3cret")
	var status distribution.StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.State != distribution.StateIdle || status.Last == nil {
		t.Errorf("unexpected status %+v", status)
	}

	w = do(r, "GET", "/api/v1/pool", "")
	var pool model.PoolState
	json.NewDecoder(w.Body).Decode(&pool)
	if pool.LastPeriod != period {
		t.Errorf("expected pool last period %s, got %q", period, pool.LastPeriod)
	}
}

func TestHandleRun_InvalidPeriod(t *testing.T) {
	r, _ := newRouter(t)
	if w := do(r, "POST", "/api/v1/admin/distributions/yesterday", "s3cret"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
