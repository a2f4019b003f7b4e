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

// Package api implements the REST surface described in spec section 6:
// workflow lifecycle (start/approve/reject/cancel/plan), read endpoints
// (list/get/events/tokens), and the health probes the daemon exposes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/amelia-dev/orchestrator/internal/apierr"
	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/jq"
	"github.com/amelia-dev/orchestrator/internal/store"
)

// Handler serves the daemon's REST API over the Supervisor and the
// Event Store's read paths. It owns no state of its own beyond the jq
// executor backing the events endpoint's optional filter.
type Handler struct {
	supervisor *supervisor.Supervisor
	store      *store.Store
	logger     *slog.Logger
	jq         *jq.Executor
}

// NewHandler creates a Handler. logger may be nil.
func NewHandler(sup *supervisor.Supervisor, st *store.Store, logger *slog.Logger) *Handler {
	return &Handler{supervisor: sup, store: st, logger: logger, jq: jq.NewExecutor(0, 0)}
}

// RegisterRoutes registers every REST endpoint on mux, using Go 1.22's
// method-and-path ServeMux patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", h.handleCreate)
	mux.HandleFunc("GET /workflows", h.handleList)
	mux.HandleFunc("GET /workflows/active", h.handleActive)
	mux.HandleFunc("GET /workflows/{id}", h.handleGet)
	mux.HandleFunc("POST /workflows/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /workflows/{id}/reject", h.handleReject)
	mux.HandleFunc("POST /workflows/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /workflows/{id}/plan", h.handlePlan)
	mux.HandleFunc("GET /workflows/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /workflows/{id}/tokens", h.handleTokens)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the wire shape for every non-2xx response, keyed by the
// apierr.Kind taxonomy from spec section 7.
type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Wrap(apierr.KindInternal, "unexpected error", err)
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	if h.logger != nil && apiErr.Kind == apierr.KindInternal {
		h.logger.Error("api: internal error", "error", apiErr)
	}
	writeJSON(w, apiErr.StatusCode(), errorBody{
		Code:          string(apiErr.Kind),
		Message:       apiErr.Message,
		CorrelationID: apiErr.CorrelationID,
	})
}
