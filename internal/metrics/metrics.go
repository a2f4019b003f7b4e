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

// Package metrics exposes the daemon's Prometheus gauges: active
// workflow count, event-bus queue depth, and websocket connection
// count.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveWorkflows reports the Supervisor's current active task count.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_workflows",
		Help: "Number of workflows with a live executor task",
	})

	// EventBusQueueDepth reports the Event Bus's current buffered
	// event count, by subscriber.
	EventBusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_eventbus_queue_depth",
		Help: "Number of events currently buffered for an event bus subscriber",
	}, []string{"subscriber"})

	// WebSocketConnections reports the WebSocket gateway's current
	// connection count.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_websocket_connections",
		Help: "Number of currently open WebSocket connections",
	})

	// RetainedEventsPruned counts events the Retention Service has
	// deleted, across all runs.
	RetainedEventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_retention_events_pruned_total",
		Help: "Total number of event rows deleted by the retention service",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
