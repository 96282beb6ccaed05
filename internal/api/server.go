package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"doorguard/internal/config"
	"doorguard/internal/doorstate"
	"doorguard/internal/ingest"
	"doorguard/internal/metrics"
	"doorguard/internal/model"
	"doorguard/internal/realtime"
	"doorguard/internal/storage"
)

type Server struct {
	cfg     *config.Manager
	store   storage.Store
	state   *doorstate.Store
	ring    *doorstate.Ring
	hub     *realtime.Hub
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status          string    `json:"status"`
	Time            string    `json:"time"`
	Version         string    `json:"version"`
	ConfigPath      string    `json:"config_path,omitempty"`
	DoorsOnline     int       `json:"doors_online"`
	RealtimeClients int       `json:"realtime_clients"`
	Probe           probeInfo `json:"probe"`
	Storage         string    `json:"storage"`
}

type probeInfo struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, state *doorstate.Store, ring *doorstate.Ring, hub *realtime.Hub, logger *slog.Logger, version string) *http.Server {
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
		cfg:     cfg,
		store:   store,
		state:   state,
		ring:    ring,
		hub:     hub,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/doors", server.handleDoors)
	mux.HandleFunc("/doors/log", server.handleDoorsLog)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/events/exists", server.handleEventExists)
	mux.HandleFunc("/users/exists", server.handleUserExists)
	mux.Handle("/metrics/prom", metrics.Handler())
	if hub != nil {
		mux.HandleFunc("/ws", hub.Handler(ctx, cfg))
	}

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
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	online := 0
	if s.state != nil {
		online = s.state.OnlineCount()
	}
	storageState := "disabled"
	if s.store != nil {
		storageState = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:          "ok",
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		Version:         s.version,
		ConfigPath:      s.cfg.Path(),
		DoorsOnline:     online,
		RealtimeClients: clients,
		Probe: probeInfo{
			Enabled:  cfg.Probe.Enabled,
			Interval: cfg.Probe.Interval.String(),
			Timeout:  cfg.Probe.Timeout.String(),
		},
		Storage: storageState,
	})
}

func (s *Server) handleDoors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"doors": []model.Door{}, "count": 0})
		return
	}
	filter := storage.DoorFilter{}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.DoorStatus(v)
	}
	doors, err := s.store.ListDoors(r.Context(), filter)
	if err != nil {
		s.fail(w, "door listing failed", err)
		return
	}
	if s.state != nil {
		doors = s.state.Annotate(doors)
	}
	writeJSON(w, http.StatusOK, map[string]any{"doors": doors, "count": len(doors)})
}

func (s *Server) handleDoorsLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	doorID := r.URL.Query().Get("door")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	if s.store != nil {
		entries, err := s.store.ListLivenessLog(r.Context(), doorID, limit, offset)
		if err != nil {
			s.fail(w, "liveness log query failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
		return
	}
	if s.ring != nil {
		entries := s.ring.List(doorID, limit)
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": []model.LivenessEntry{}, "count": 0})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}, "count": 0})
		return
	}
	filter := storage.EventFilter{
		DoorID: r.URL.Query().Get("door"),
		UserID: r.URL.Query().Get("user"),
		Limit:  queryInt(r, "limit", 500),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.From = ts
	}
	if v := r.URL.Query().Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.To = ts
	}
	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.fail(w, "event query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	doorID := r.URL.Query().Get("door")
	employeeNo := r.URL.Query().Get("employeeNo")
	timeStr := r.URL.Query().Get("time")
	if doorID == "" || employeeNo == "" || timeStr == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	at, err := ingest.ParseEventTime(timeStr, time.UTC)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	exists, err := s.store.ExistsEvent(r.Context(), doorID, employeeNo, at)
	if err != nil {
		s.fail(w, "exists query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (s *Server) handleUserExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	employeeNo := r.URL.Query().Get("employeeNo")
	if employeeNo == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	exists, err := s.store.UserExists(r.Context(), employeeNo)
	if err != nil {
		s.fail(w, "user exists query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err)
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
