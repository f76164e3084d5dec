package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// detailResponse mirrors the error shape MS expects.
type detailResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, detailResponse{Detail: detail})
}

// handleProcessRequest admits one MS event into the pipeline.
func (s *Server) handleProcessRequest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDetail(w, http.StatusForbidden, "Invalid bearer token")
		return
	}

	var payload IncomingFromMS
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Ingress.Handle(r.Context(), payload.ToMessage())
	if err != nil {
		log.Error().Err(err).Str("chat_id", payload.ChatID).Msg("Event processing failed")
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status          string             `json:"status"`
	Redis           string             `json:"redis"`
	Workers         int                `json:"workers"`
	ProducerRunning bool               `json:"producer_running"`
	UptimeSeconds   float64            `json:"uptime_seconds"`
	Counters        map[string]float64 `json:"counters,omitempty"`
}

// handleHealth reports liveness: redis reachability, worker count and
// the pipeline counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Redis:           "ok",
		Workers:         len(s.deps.Workers.RunningChats()),
		ProducerRunning: s.deps.Ingress.Running(),
		UptimeSeconds:   time.Since(s.started).Seconds(),
	}
	if s.deps.Metrics != nil {
		resp.Counters = s.deps.Metrics.Summary()
	}

	status := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Redis.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Redis = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleChatsStatus dumps the pipeline state of every known chat.
func (s *Server) handleChatsStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.deps.Ingress.ChatsStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Chats status failed")
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chats": statuses,
		"count": len(statuses),
	})
}
