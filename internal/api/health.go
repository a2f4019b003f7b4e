// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/store"
)

// pinger is the subset of store.Store the health handler needs,
// narrowed for testability.
type pinger interface {
	Ping(ctx context.Context) error
}

var _ pinger = (*store.Store)(nil)

// HealthHandler serves /health, /health/live, and /health/ready. It is
// kept separate from Handler since it needs to stay reachable even if
// the rest of the router is unavailable.
type HealthHandler struct {
	store     pinger
	sup       *supervisor.Supervisor
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler. startedAt should be the
// daemon's process start time, used to compute uptime.
func NewHealthHandler(st pinger, sup *supervisor.Supervisor, startedAt time.Time) *HealthHandler {
	return &HealthHandler{store: st, sup: sup, startedAt: startedAt}
}

// RegisterRoutes registers the health endpoints on mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/live", h.handleLive)
	mux.HandleFunc("GET /health/ready", h.handleReady)
}

type healthResponse struct {
	Status       string  `json:"status"`
	UptimeSecs   float64 `json:"uptime_seconds"`
	ActiveCount  int     `json:"active_workflows"`
	Draining     bool    `json:"draining"`
	DatabaseOK   bool    `json:"database_ok"`
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbErr := h.store.Ping(r.Context())
	status := http.StatusOK
	if dbErr != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		Status:      statusString(dbErr == nil),
		UptimeSecs:  time.Since(h.startedAt).Seconds(),
		ActiveCount: h.sup.ActiveCount(),
		Draining:    h.sup.IsDraining(),
		DatabaseOK:  dbErr == nil,
	})
}

// handleLive answers liveness: the process is up and handling
// requests, regardless of the database's health.
func (h *HealthHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

// handleReady answers readiness: the process can actually serve
// traffic, which requires both a healthy database and not being mid
// shutdown drain.
func (h *HealthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.sup.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
