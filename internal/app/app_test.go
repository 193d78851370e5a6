package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/config"
	"github.com/atmx/staking-engine/internal/distribution"
)

func testConfig() config.Config {
	return config.Config{
		StandardRate:       decimal.RequireFromString("0.1"),
		PremiumRate:        decimal.RequireFromString("0.12"),
		CommissionRate:     decimal.Zero,
		ReferralRate:       decimal.RequireFromString("0.1"),
		ReferralMilestones: []int{5},
		Workers:            2,
		MaxAttempts:        3,
		StaleClaimAfter:    time.Hour,
		PlatformAccountID:  "platform",
		AdminToken:         "token",
		NotifyTimeout:      time.Second,
	}
}

func request(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestApp_EndToEndOverHTTP(t *testing.T) {
	a, err := Open(context.Background(), testConfig(), Options{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	h := a.Router()

	if w := request(t, h, "POST", "/api/v1/accounts", map[string]string{"id": "bob"}, ""); w.Code != http.StatusCreated {
		t.Fatalf("create bob: %d %s", w.Code, w.Body.String())
	}
	if w := request(t, h, "POST", "/api/v1/accounts", map[string]string{"id": "alice", "referred_by": "bob"}, ""); w.Code != http.StatusCreated {
		t.Fatalf("create alice: %d %s", w.Code, w.Body.String())
	}
	if w := request(t, h, "POST", "/api/v1/accounts/alice/deposit", map[string]string{"amount": "36500"}, ""); w.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", w.Code, w.Body.String())
	}

	w := request(t, h, "POST", "/api/v1/admin/distributions/2026-03-01", nil, "token")
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}
	var run distribution.RunResponse
	json.NewDecoder(w.Body).Decode(&run)
	if !run.Summary.TotalNetDistributed.Equal(decimal.NewFromInt(10)) || !run.Summary.TotalReferralBonus.Equal(decimal.NewFromInt(1)) {
		t.Errorf("unexpected summary %+v", run.Summary)
	}

	bob, err := a.Store.GetAccount(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !bob.RewardsBalance.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected bob bonus 1, got %s", bob.RewardsBalance)
	}

	if w := request(t, h, "GET", "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
	if w := request(t, h, "POST", "/api/v1/admin/distributions/2026-03-02", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without admin token, got %d", w.Code)
	}
}

func TestPeriodToDistribute(t *testing.T) {
	tests := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC), "2026-03-01"},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "2026-02-28"},
		// 03:00 at UTC+5 is 22:00 UTC on Dec 31, so Dec 30 is the closed day.
		{time.Date(2026, 1, 1, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), "2025-12-30"},
	}
	for _, tt := range tests {
		if got := PeriodToDistribute(tt.now); got != tt.want {
			t.Errorf("PeriodToDistribute(%s) = %s, want %s", tt.now, got, tt.want)
		}
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	periods []string
	err     error
}

func (f *fakeRunner) RunDistribution(_ context.Context, period string) (distribution.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods = append(f.periods, period)
	return distribution.Summary{Period: period}, f.err
}

func TestScheduler_TriggerRunsClosedPeriod(t *testing.T) {
	runner := &fakeRunner{err: distribution.ErrAlreadyDistributed}
	s, err := NewScheduler(context.Background(), "5 0 * * *", runner, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC) }

	s.Trigger()
	if len(runner.periods) != 1 || runner.periods[0] != "2026-03-01" {
		t.Errorf("expected one run for 2026-03-01, got %v", runner.periods)
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(context.Background(), "every day", &fakeRunner{}, nil); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestOpen_MemoryStoreWithHub(t *testing.T) {
	a, err := Open(context.Background(), testConfig(), Options{WebSocket: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Hub == nil || a.Postgres != nil {
		t.Fatalf("expected hub on memory store, got hub=%v postgres=%v", a.Hub, a.Postgres)
	}
	if a.Orchestrator.State() != distribution.StateIdle {
		t.Errorf("expected idle orchestrator, got %s", a.Orchestrator.State())
	}
	if _, err := a.Store.GetPoolState(context.Background()); err != nil {
		t.Errorf("pool state unavailable: %v", err)
	}
}
