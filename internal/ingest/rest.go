package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"doorguard/internal/config"
	"doorguard/internal/model"
	"doorguard/internal/storage"
)

// RESTServer is the gateway-facing intake: batch submission plus the
// pre-ingestion duplicate and identifier checks the hardware gateway
// runs before resubmitting a swipe.
type RESTServer struct {
	cfg    *config.Manager
	worker *Worker
	store  storage.Store
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, worker *Worker, store storage.Store, logger *slog.Logger) *http.Server {
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
	server := &RESTServer{cfg: cfg, worker: worker, store: store, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events/sync", server.handleSync)
	mux.HandleFunc("/events/exists", server.handleExists)
	mux.HandleFunc("/users/exists", server.handleUserExists)
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

func (s *RESTServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch model.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if batch.Len() == 0 {
		writeJSON(w, http.StatusOK, Result{Status: StatusOK})
		return
	}

	select {
	case res := <-s.worker.Submit(r.Context(), batch):
		status := http.StatusOK
		if res.Status != StatusOK {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, res)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusGatewayTimeout)
	}
}

func (s *RESTServer) handleExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	doorID := r.URL.Query().Get("door")
	employeeNo := r.URL.Query().Get("employeeNo")
	timeStr := r.URL.Query().Get("time")
	if doorID == "" || employeeNo == "" || timeStr == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	at, err := ParseEventTime(timeStr, time.UTC)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	exists, err := s.store.ExistsEvent(r.Context(), doorID, employeeNo, at)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("exists query failed", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (s *RESTServer) handleUserExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	employeeNo := r.URL.Query().Get("employeeNo")
	if employeeNo == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	exists, err := s.store.UserExists(r.Context(), employeeNo)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("user exists query failed", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
