package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/queue"
	"examguard/internal/telemetry"
)

// RiskSource exposes the coordinator state the API reads.
type RiskSource interface {
	Snapshot() (model.RiskState, model.Band)
	PendingClasses() []string
	ConfirmedClasses() map[string]string
}

type Server struct {
	cfg        *config.Manager
	risk       RiskSource
	violations *telemetry.Store
	counters   *telemetry.Counters
	queue      *queue.Queue
	logger     *slog.Logger
	version    string
	admin      *adminAccess
}

type statusResponse struct {
	Status   string                    `json:"status"`
	Time     string                    `json:"time"`
	Version  string                    `json:"version"`
	Session  sessionStatus             `json:"session"`
	Risk     riskStatus                `json:"risk"`
	Queue    map[model.QueueStatus]int `json:"queue"`
	Counters map[string]int64          `json:"counters"`
	Ingest   ingestStatus              `json:"ingest"`
	API      apiStatus                 `json:"api"`
}

type sessionStatus struct {
	AttemptID string `json:"attempt_id"`
	StudentID string `json:"student_id"`
	ExamID    string `json:"exam_id"`
}

type riskStatus struct {
	Score       float64           `json:"score"`
	Band        model.Band        `json:"band"`
	SessionPeak float64           `json:"session_peak"`
	Pending     []string          `json:"pending,omitempty"`
	Confirmed   map[string]string `json:"confirmed,omitempty"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	FileTail  bool `json:"file_tail"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func Start(ctx context.Context, cfg *config.Manager, risk RiskSource, violations *telemetry.Store, counters *telemetry.Counters, q *queue.Queue, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:        cfg,
		risk:       risk,
		violations: violations,
		counters:   counters,
		queue:      q,
		logger:     logger,
		version:    version,
		admin:      buildAdminAccess(current),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/violations", server.handleViolations)
	mux.HandleFunc("/queue", server.handleQueue)
	mux.HandleFunc("/admin/retry", server.requireAdmin(server.handleRetry))
	mux.HandleFunc("/admin/cleanup", server.requireAdmin(server.handleCleanup))
	mux.HandleFunc("/admin/clear", server.requireAdmin(server.handleClear))

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Session: sessionStatus{
			AttemptID: cfg.Session.AttemptID,
			StudentID: cfg.Session.StudentID,
			ExamID:    cfg.Session.ExamID,
		},
		Counters: s.counters.Snapshot(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.risk != nil {
		state, band := s.risk.Snapshot()
		resp.Risk = riskStatus{
			Score:       state.Score,
			Band:        band,
			SessionPeak: state.SessionPeak,
			Pending:     s.risk.PendingClasses(),
			Confirmed:   s.risk.ConfirmedClasses(),
		}
	}
	if s.queue != nil {
		counts, err := s.queue.Counts(r.Context())
		if err == nil {
			resp.Queue = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.Violation
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.violations.Since(ts)
	} else {
		list = s.violations.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": list,
		"count":      len(list),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.queue == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"counts": counts}
	status := model.QueueStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if status != "" {
		items, err := s.queue.Items(r.Context(), status, limit)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp["items"] = items
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.queue == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	n, err := s.queue.RetryFailed(r.Context(), s.cfg.Get().Queue.MaxAttempts)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "recycled": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.queue == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	n, err := s.queue.CleanupOld(r.Context(), s.cfg.Get().Queue.CleanupDays)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "purged": n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.violations != nil {
			s.violations.Clear()
		}
		s.counters.Reset()
	case "violations":
		if s.violations != nil {
			s.violations.Clear()
		}
	case "counters":
		s.counters.Reset()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
