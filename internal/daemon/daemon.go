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

// Package daemon wires every orchestrator component into a single
// long-running process (C12): it owns component construction order on
// startup, crash recovery for workflows a prior process left
// in-flight, and the ordered drain-then-close sequence on shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/orchestrator/internal/api"
	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/internal/authn"
	"github.com/amelia-dev/orchestrator/internal/config"
	"github.com/amelia-dev/orchestrator/internal/controller/health"
	"github.com/amelia-dev/orchestrator/internal/controller/pipeline"
	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/mcpadapter"
	"github.com/amelia-dev/orchestrator/internal/metrics"
	"github.com/amelia-dev/orchestrator/internal/orchlog"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/internal/wsgateway"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// Options carries build metadata the daemon reports on its health
// endpoint and logs at startup.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// MCP enables the stdio MCP tool adapter alongside the HTTP API.
	// Most deployments run orchestratord under an HTTP-only supervisor
	// and leave this false; it is meant for a sidecar invocation where
	// an agent runtime speaks MCP directly to the daemon's stdio.
	MCP bool

	// MetricsSampleInterval controls how often component gauges are
	// copied into internal/metrics. Defaults to 5s.
	MetricsSampleInterval time.Duration
}

// Daemon owns every long-lived orchestrator component and their
// startup/shutdown ordering.
type Daemon struct {
	cfg       *config.DaemonConfig
	opts      Options
	logger    *slog.Logger
	startedAt time.Time

	store     *store.Store
	seq       *store.SequenceAllocator
	bus       *eventbus.Bus
	approvals *approval.Registry
	pipelines *pipeline.Registry
	runner    *pipeline.Runner
	sup       *supervisor.Supervisor
	monitor   *health.Monitor
	ws        *wsgateway.Manager
	retention *store.RetentionService
	auth      *authn.Middleware
	mcp       *mcpadapter.Server

	httpServer    *http.Server
	metricsServer *http.Server
}

// New constructs every component but starts nothing; Start performs
// crash recovery and begins serving.
func New(cfg *config.DaemonConfig, opts Options) (*Daemon, error) {
	logger := orchlog.New(&orchlog.Config{
		Level:     cfg.Log.Level,
		Format:    orchlog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})

	st, err := store.Open(context.Background(), store.Config{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	seq := store.NewSequenceAllocator(st)
	bus := eventbus.New(eventbus.DefaultQueueSize)
	approvals := approval.NewRegistry()
	pipelines := pipeline.NewDefaultRegistry(cfg.Pipelines.MaxReviewIterations)
	runner := pipeline.NewRunner(st, seq, bus, approvals, pipelines, nil)

	sup := supervisor.New(supervisor.Config{MaxConcurrent: cfg.Concurrency.MaxActiveWorkflows}, st, seq, bus, approvals, runner, logger)
	monitor := health.New(sup, cfg.Health.CheckInterval, logger)
	ws := wsgateway.NewManager(st, bus, logger)
	retention := store.NewRetentionService(st, store.RetentionPolicy{
		MaxEventAge:          cfg.Retention.MaxEventAge,
		MaxEventsPerWorkflow: cfg.Retention.MaxEventsPerWorkflow,
	})

	var mw *authn.Middleware
	if cfg.Auth.Enabled {
		mw = authn.NewMiddleware(cfg.Auth.Token)
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		seq:       seq,
		bus:       bus,
		approvals: approvals,
		pipelines: pipelines,
		runner:    runner,
		sup:       sup,
		monitor:   monitor,
		ws:        ws,
		retention: retention,
		auth:      mw,
	}

	if opts.MCP {
		mcpServer, err := mcpadapter.New(mcpadapter.Config{
			Name:       "orchestrator",
			Version:    opts.Version,
			Supervisor: sup,
			Store:      st,
			Pipelines:  pipelines,
			Logger:     logger,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("daemon: build mcp adapter: %w", err)
		}
		d.mcp = mcpServer
	}

	return d, nil
}

// Start recovers workflows an earlier process crashed mid-flight,
// starts the worktree health monitor, and serves the HTTP API until
// ctx is cancelled or a listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.startedAt = time.Now()
	d.logger.Info("starting orchestrator daemon",
		slog.String("version", d.opts.Version),
		slog.String("commit", d.opts.Commit),
		slog.String("http_addr", d.cfg.Listen.HTTPAddr))

	if err := d.recoverCrashed(ctx); err != nil {
		return fmt.Errorf("daemon: crash recovery: %w", err)
	}

	d.monitor.Start(ctx)
	go d.sampleMetricsLoop(ctx)

	mux := http.NewServeMux()
	handler := api.NewHandler(d.sup, d.store, d.logger)
	handler.RegisterRoutes(mux)
	api.NewHealthHandler(d.store, d.sup, d.startedAt).RegisterRoutes(mux)
	mux.Handle("/ws", d.ws)

	var root http.Handler = mux
	if d.auth != nil {
		root = d.auth.Wrap(mux)
	}

	d.httpServer = &http.Server{
		Addr:    d.cfg.Listen.HTTPAddr,
		Handler: root,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	if d.cfg.Listen.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		d.metricsServer = &http.Server{Addr: d.cfg.Listen.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	if d.mcp != nil {
		go func() {
			if err := d.mcp.Run(ctx); err != nil {
				d.logger.Error("mcp adapter exited", orchlog.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// sampleMetricsLoop mirrors live component state into the Prometheus
// gauges on a fixed interval until ctx is cancelled.
func (d *Daemon) sampleMetricsLoop(ctx context.Context) {
	interval := d.opts.MetricsSampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActiveWorkflows.Set(float64(d.sup.ActiveCount()))
			metrics.WebSocketConnections.Set(float64(d.ws.ConnectionCount()))
			for sub, depth := range d.bus.QueueDepths() {
				metrics.EventBusQueueDepth.WithLabelValues(sub).Set(float64(depth))
			}
		}
	}
}

// recoverCrashed force-fails every workflow left non-terminal by a
// prior process. A crashed process leaves no executor goroutine to
// eventually call ensureTerminal, so the daemon has to do it once on
// its own startup before accepting new work against the same
// worktrees.
func (d *Daemon) recoverCrashed(ctx context.Context) error {
	stuck, err := d.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal workflows: %w", err)
	}
	for _, w := range stuck {
		d.logger.Warn("recovering workflow left in-flight by a prior process",
			slog.String(orchlog.WorkflowIDKey, w.ID),
			slog.String(orchlog.WorktreeKey, w.WorktreePath))

		seq, err := d.seq.Next(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("allocate recovery sequence for %s: %w", w.ID, err)
		}
		existing, err := d.store.GetEvents(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("load event history for %s: %w", w.ID, err)
		}

		const reason = "daemon restarted while workflow was in-flight"
		event := orchestrator.Event{
			ID:         uuid.New().String(),
			WorkflowID: w.ID,
			Sequence:   seq,
			Timestamp:  time.Now().UTC(),
			EventType:  orchestrator.EventWorkflowFailed,
			Message:    reason,
		}
		updated, err := orchestrator.Project(append(existing, event))
		if err != nil {
			return fmt.Errorf("project recovery event for %s: %w", w.ID, err)
		}
		if err := d.store.AppendEvent(ctx, event, updated); err != nil {
			return fmt.Errorf("append recovery event for %s: %w", w.ID, err)
		}
		if err := d.store.MarkFailed(ctx, w.ID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("mark %s failed: %w", w.ID, err)
		}
		d.seq.Forget(w.ID)
	}
	return nil
}

// Shutdown drains in-flight workflows (bounded by DrainTimeout), then
// cancels whatever is left, then tears components down in the reverse
// of their startup dependency order: public listeners first so no new
// work arrives, then the supervisor, then everything that supervisor
// activity could still be publishing into.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down orchestrator daemon")

	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown", orchlog.Error(err))
		}
		cancel()
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown", orchlog.Error(err))
		}
		cancel()
	}

	d.sup.StartDraining()
	if err := d.sup.WaitForDrain(ctx, d.cfg.Shutdown.DrainTimeout); err != nil {
		d.logger.Warn("drain timed out, cancelling remaining workflows", orchlog.Error(err))
		d.sup.CancelAll("daemon shutting down")
		graceCtx, cancel := context.WithTimeout(ctx, d.cfg.Shutdown.CancelGrace)
		_ = d.sup.WaitForDrain(graceCtx, d.cfg.Shutdown.CancelGrace)
		cancel()
	}
	if err := d.sup.Stop(ctx, "daemon shutdown"); err != nil {
		d.logger.Error("supervisor stop", orchlog.Error(err))
	}

	d.monitor.Stop()
	d.ws.Shutdown()

	pruned, err := d.retention.Run(ctx)
	if err != nil {
		d.logger.Error("retention run at shutdown", orchlog.Error(err))
	} else if pruned > 0 {
		metrics.RetainedEventsPruned.Add(float64(pruned))
		d.logger.Info("pruned retained events", slog.Int64("count", pruned))
	}

	d.bus.Close()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: close store: %w", err)
	}
	return nil
}
