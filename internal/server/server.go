// Package server exposes the HTTP API: manual fetch trigger and read-only
// access to stored channels and programs.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/AntonSheinin/epg-service/internal/model"
	"github.com/AntonSheinin/epg-service/internal/storage"
)

// Runner is the fetch pipeline entry point.
type Runner interface {
	Run(ctx context.Context) model.Report
}

// Server serves the EPG query API and the manual fetch trigger.
type Server struct {
	store  storage.Storage
	runner Runner
	log    *slog.Logger
}

// New creates a Server.
func New(store storage.Storage, runner Runner, log *slog.Logger) *Server {
	return &Server{store: store, runner: runner, log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /programs", s.handlePrograms)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "epg-service",
		"endpoints": map[string]string{
			"fetch":    "POST /fetch - trigger EPG fetch",
			"channels": "GET /channels - list channels",
			"programs": "GET /programs?start_from=..&start_to=.. - list programs",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	report := s.runner.Run(r.Context())
	status := http.StatusOK
	if report.Status == model.StatusFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.log.Error("list channels", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	type channelJSON struct {
		XMLTVID     string `json:"xmltv_id"`
		DisplayName string `json:"display_name"`
		IconURL     string `json:"icon_url,omitempty"`
	}
	out := make([]channelJSON, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelJSON{XMLTVID: ch.XMLTVID, DisplayName: ch.DisplayName, IconURL: ch.IconURL})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "channels": out})
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "start_from")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	to, err := parseTimeParam(r, "start_to")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	programs, err := s.store.ListPrograms(r.Context(), from, to)
	if err != nil {
		s.log.Error("list programs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	type programJSON struct {
		ID          string    `json:"id"`
		ChannelID   string    `json:"channel_id"`
		StartTime   time.Time `json:"start_time"`
		StopTime    time.Time `json:"stop_time"`
		Title       string    `json:"title"`
		Description string    `json:"description,omitempty"`
	}
	out := make([]programJSON, 0, len(programs))
	for _, p := range programs {
		out = append(out, programJSON{
			ID: p.ID, ChannelID: p.ChannelID,
			StartTime: p.StartTime, StopTime: p.StopTime,
			Title: p.Title, Description: p.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "programs": out})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, &paramError{name: name, reason: "required"}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &paramError{name: name, reason: "must be RFC3339"}
	}
	return t.UTC(), nil
}

type paramError struct {
	name, reason string
}

func (e *paramError) Error() string {
	return e.name + ": " + e.reason
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
