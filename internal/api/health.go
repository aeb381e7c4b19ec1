package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
}

type healthServices struct {
	Database  string `json:"database"`
	Scheduler string `json:"scheduler"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if s.deps.DB == nil || s.deps.DB.Ping(r.Context()) != nil {
		dbStatus = "disconnected"
	}
	schedStatus := "stopped"
	if s.deps.Scheduler != nil && s.deps.Scheduler.Running() {
		schedStatus = "running"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  healthServices{Database: dbStatus, Scheduler: schedStatus},
	})
}
