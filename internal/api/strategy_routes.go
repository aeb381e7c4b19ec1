package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/repository"
	"github.com/kjannette/trahn-copytrade/internal/scheduler"
)

type strategyJSON struct {
	models.Strategy
	Checkpoint int64 `json:"checkpoint"`
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	strats, err := s.deps.Strategies.ListActive(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list strategies")
		writeError(w, http.StatusInternalServerError, "failed to fetch strategies")
		return
	}

	out := make([]strategyJSON, len(strats))
	for i, st := range strats {
		out[i] = strategyJSON{Strategy: st, Checkpoint: st.LastProcessedAt.UnixMilli()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out, "count": len(out)})
}

// loadStrategy resolves the {id} path value, writing the error response
// itself when it returns nil.
func (s *Server) loadStrategy(w http.ResponseWriter, r *http.Request) *models.Strategy {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid strategy id")
		return nil
	}
	st, err := s.deps.Strategies.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "strategy not found")
		return nil
	}
	if err != nil {
		s.log.WithError(err).WithField("strategy", id).Error("get strategy")
		writeError(w, http.StatusInternalServerError, "failed to fetch strategy")
		return nil
	}
	return st
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	st := s.loadStrategy(w, r)
	if st == nil {
		return
	}
	writeJSON(w, http.StatusOK, strategyJSON{Strategy: *st, Checkpoint: st.LastProcessedAt.UnixMilli()})
}

// handleStrategyStatus prefers the scheduler's live view and falls back to
// what the last pass persisted.
func (s *Server) handleStrategyStatus(w http.ResponseWriter, r *http.Request) {
	st := s.loadStrategy(w, r)
	if st == nil {
		return
	}

	if s.deps.Scheduler != nil {
		if live, ok := s.deps.Scheduler.Status(st.ID); ok {
			writeJSON(w, http.StatusOK, live)
			return
		}
	}

	status := scheduler.Status{
		StrategyID:  st.ID,
		Wallet:      st.WalletAddress,
		Phase:       scheduler.PhaseIdle,
		LastChecked: st.LastCheckedAt,
		Checkpoint:  st.LastProcessedAt,
	}
	if st.LastError != nil {
		status.LastError = *st.LastError
	}
	if stats, err := s.deps.Audits.Stats(r.Context(), st.ID); err == nil {
		status.PendingCount = int(stats.PendingCount)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStrategyAudits(w http.ResponseWriter, r *http.Request) {
	st := s.loadStrategy(w, r)
	if st == nil {
		return
	}
	day := r.URL.Query().Get("day")
	if day != "" && !validateDate(day) {
		writeError(w, http.StatusBadRequest, "invalid day format, expected YYYY-MM-DD")
		return
	}

	rows, err := s.deps.Audits.List(r.Context(), st.ID, day, parseLimit(r, 100))
	if err != nil {
		s.log.WithError(err).WithField("strategy", st.ID).Error("list audits")
		writeError(w, http.StatusInternalServerError, "failed to fetch audits")
		return
	}
	if rows == nil {
		rows = []models.CopyTradeAudit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategyId": st.ID, "audits": rows, "count": len(rows)})
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	st := s.loadStrategy(w, r)
	if st == nil {
		return
	}
	stats, err := s.deps.Audits.Stats(r.Context(), st.ID)
	if err != nil {
		s.log.WithError(err).WithField("strategy", st.ID).Error("audit stats")
		writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStrategyPositions(w http.ResponseWriter, r *http.Request) {
	st := s.loadStrategy(w, r)
	if st == nil {
		return
	}
	positions, err := s.deps.Positions.ListByStrategy(r.Context(), st.ID)
	if err != nil {
		s.log.WithError(err).WithField("strategy", st.ID).Error("list positions")
		writeError(w, http.StatusInternalServerError, "failed to fetch positions")
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategyId": st.ID, "positions": positions})
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	queued := s.deps.Scheduler.Trigger()
	s.log.WithField("queued", queued).Info("manual pass requested")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":      queued,
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePaperStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Paper == nil {
		writeError(w, http.StatusNotFound, "paper trading disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Paper.Stats())
}
