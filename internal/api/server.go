package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/exchange"
	"github.com/kjannette/trahn-copytrade/internal/logging"
	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/scheduler"
)

const maxQueryLimit = 1000

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StrategyReader interface {
	ListActive(ctx context.Context) ([]models.Strategy, error)
	Get(ctx context.Context, id int64) (*models.Strategy, error)
}

type AuditReader interface {
	List(ctx context.Context, strategyID int64, tradingDay string, limit int) ([]models.CopyTradeAudit, error)
	Stats(ctx context.Context, strategyID int64) (*models.AuditStats, error)
}

type PositionReader interface {
	ListByStrategy(ctx context.Context, strategyID int64) ([]models.Position, error)
}

type SchedulerControl interface {
	Status(strategyID int64) (scheduler.Status, bool)
	Trigger() bool
	Running() bool
}

// Deps are the collaborators behind the routes. Paper is nil in live mode.
type Deps struct {
	DB         Pinger
	Strategies StrategyReader
	Audits     AuditReader
	Positions  PositionReader
	Scheduler  SchedulerControl
	Paper      *exchange.PaperExchange
}

type Server struct {
	deps       Deps
	httpServer *http.Server
	apiKey     string
	log        *logrus.Entry
}

func NewServer(deps Deps, port int, apiKey, corsOrigin string) *Server {
	s := &Server{
		deps:   deps,
		apiKey: apiKey,
		log:    logging.For("api"),
	}

	mux := http.NewServeMux()

	// Strategy routes
	mux.HandleFunc("GET /v1/strategies", s.handleStrategies)
	mux.HandleFunc("GET /v1/strategies/{id}", s.handleStrategy)
	mux.HandleFunc("GET /v1/strategies/{id}/status", s.handleStrategyStatus)
	mux.HandleFunc("GET /v1/strategies/{id}/audits", s.handleStrategyAudits)
	mux.HandleFunc("GET /v1/strategies/{id}/stats", s.handleStrategyStats)
	mux.HandleFunc("GET /v1/strategies/{id}/positions", s.handleStrategyPositions)

	// Scheduler routes
	mux.HandleFunc("POST /v1/scheduler/run", s.handleSchedulerRun)

	// Paper trading
	mux.HandleFunc("GET /v1/paper/stats", s.handlePaperStats)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := s.authMiddleware(corsMiddleware(mux, corsOrigin))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the routed handler, wrapped in auth and CORS.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("REST API server started")
	if s.apiKey != "" {
		s.log.Info("authentication: enabled (Bearer token)")
	} else {
		s.log.Warn("authentication: disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
