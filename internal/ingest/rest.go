package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/telemetry"
)

type RESTServer struct {
	cfg      *config.Manager
	out      chan<- model.FrameSignals
	counters *telemetry.Counters
	logger   *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.FrameSignals, counters *telemetry.Counters, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, out: out, counters: counters, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/signals", server.handleSignals)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// Embedded JPEG frames ride along base64-encoded, so bodies run well
	// past plain signal posts.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	batch, err := DecodeSignals(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	accepted := 0
	dropped := 0
	for _, sig := range batch {
		sig.Source = "rest"
		if SendNonBlocking(context.Background(), s.out, sig, s.counters, s.logger) {
			accepted++
		} else {
			dropped++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"dropped":  dropped,
	})
}
