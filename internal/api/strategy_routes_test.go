package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/repository"
	"github.com/kjannette/trahn-copytrade/internal/scheduler"
)

type stubDB struct{ err error }

func (s stubDB) Ping(context.Context) error { return s.err }

type stubStrategies struct{ list []models.Strategy }

func (s stubStrategies) ListActive(context.Context) ([]models.Strategy, error) { return s.list, nil }

func (s stubStrategies) Get(_ context.Context, id int64) (*models.Strategy, error) {
	for _, st := range s.list {
		if st.ID == id {
			return &st, nil
		}
	}
	return nil, repository.ErrNotFound
}

type stubAudits struct {
	rows    []models.CopyTradeAudit
	lastDay string
	err     error
}

func (s *stubAudits) List(_ context.Context, _ int64, day string, limit int) ([]models.CopyTradeAudit, error) {
	s.lastDay = day
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.rows) {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

func (s *stubAudits) Stats(context.Context, int64) (*models.AuditStats, error) {
	return &models.AuditStats{TotalSignals: 4, PendingCount: 2}, nil
}

type stubPositions struct{}

func (stubPositions) ListByStrategy(_ context.Context, id int64) ([]models.Position, error) {
	p := models.EmptyPosition(id, "ETH-USDT-SWAP")
	p.LongUSD = decimal.NewFromInt(600)
	return []models.Position{p}, nil
}

type stubScheduler struct {
	statuses  map[int64]scheduler.Status
	triggered int
}

func (s *stubScheduler) Status(id int64) (scheduler.Status, bool) {
	st, ok := s.statuses[id]
	return st, ok
}

func (s *stubScheduler) Trigger() bool {
	s.triggered++
	return s.triggered == 1
}

func (s *stubScheduler) Running() bool { return true }

func newTestServer(audits *stubAudits, sched *stubScheduler) http.Handler {
	errMsg := "wallet provider timeout"
	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	strats := stubStrategies{list: []models.Strategy{
		{ID: 1, Name: "alpha", WalletAddress: "0xAb", Active: true, LastProcessedAt: checked.Add(-time.Hour)},
		{ID: 2, Name: "beta", WalletAddress: "0xCd", Active: true, LastCheckedAt: &checked, LastError: &errMsg},
	}}
	s := NewServer(Deps{
		DB:         stubDB{},
		Strategies: strats,
		Audits:     audits,
		Positions:  stubPositions{},
		Scheduler:  sched,
	}, 0, "", "*")
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, body
}

func TestStrategyStatus_LiveAndPersisted(t *testing.T) {
	sched := &stubScheduler{statuses: map[int64]scheduler.Status{
		1: {StrategyID: 1, Phase: scheduler.PhaseDispatching, PendingCount: 3},
	}}
	h := newTestServer(&stubAudits{}, sched)

	rr, body := do(t, h, http.MethodGet, "/v1/strategies/1/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body["phase"] != "DISPATCHING" || body["pendingCount"] != float64(3) {
		t.Fatalf("expected live status, got %v", body)
	}

	// strategy 2 has not been seen by this scheduler instance yet
	rr, body = do(t, h, http.MethodGet, "/v1/strategies/2/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body["lastError"] != "wallet provider timeout" || body["pendingCount"] != float64(2) {
		t.Fatalf("expected persisted status, got %v", body)
	}
	if body["lastChecked"] == nil {
		t.Fatal("expected lastChecked")
	}
}

func TestStrategyRoutes_Errors(t *testing.T) {
	h := newTestServer(&stubAudits{}, &stubScheduler{})

	cases := []struct {
		path string
		code int
	}{
		{"/v1/strategies/abc/status", http.StatusBadRequest},
		{"/v1/strategies/0", http.StatusBadRequest},
		{"/v1/strategies/99/status", http.StatusNotFound},
		{"/v1/strategies/1/audits?day=2026-13-01", http.StatusBadRequest},
		{"/v1/paper/stats", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr, _ := do(t, h, http.MethodGet, tc.path)
		if rr.Code != tc.code {
			t.Fatalf("GET %s: expected %d, got %d", tc.path, tc.code, rr.Code)
		}
	}

	rr, _ := do(t, newTestServer(&stubAudits{err: errors.New("db down")}, &stubScheduler{}), http.MethodGet, "/v1/strategies/1/audits")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on repository error, got %d", rr.Code)
	}
}

func TestStrategyAudits(t *testing.T) {
	audits := &stubAudits{rows: []models.CopyTradeAudit{
		{StrategyID: 1, SignalRef: "BUY:0x1:ETH", Leg: 1, Status: models.StatusSuccess},
		{StrategyID: 1, SignalRef: "BUY:0x2:ETH", Leg: 0, Status: models.StatusSkipped},
	}}
	h := newTestServer(audits, &stubScheduler{})

	rr, body := do(t, h, http.MethodGet, "/v1/strategies/1/audits?limit=1&day=2026-03-01")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body["count"] != float64(1) {
		t.Fatalf("expected limit to apply, got %v", body["count"])
	}
	if audits.lastDay != "2026-03-01" {
		t.Fatalf("day filter not passed through: %q", audits.lastDay)
	}
	t.Logf("audits: %v", body["audits"])
}

func TestStrategiesListAndPositions(t *testing.T) {
	h := newTestServer(&stubAudits{}, &stubScheduler{})

	rr, body := do(t, h, http.MethodGet, "/v1/strategies")
	if rr.Code != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("unexpected list response %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/v1/strategies/1/positions")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	positions, _ := body["positions"].([]any)
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %v", body)
	}
}

func TestSchedulerRun(t *testing.T) {
	sched := &stubScheduler{}
	h := newTestServer(&stubAudits{}, sched)

	rr, body := do(t, h, http.MethodPost, "/v1/scheduler/run")
	if rr.Code != http.StatusAccepted || body["queued"] != true {
		t.Fatalf("unexpected response %d %v", rr.Code, body)
	}
	_, body = do(t, h, http.MethodPost, "/v1/scheduler/run")
	if body["queued"] != false {
		t.Fatal("second trigger should report an already queued pass")
	}

	rr, _ = do(t, h, http.MethodGet, "/v1/scheduler/run")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubAudits{}, &stubScheduler{})
	rr, body := do(t, h, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	services, _ := body["services"].(map[string]any)
	if services["database"] != "connected" || services["scheduler"] != "running" {
		t.Fatalf("unexpected services: %v", services)
	}
}
