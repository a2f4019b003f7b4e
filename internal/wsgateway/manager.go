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

package wsgateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// eventStore is the subset of store.Store the manager needs for
// reconnect backfill.
type eventStore interface {
	GetEvents(ctx context.Context, workflowID string) ([]orchestrator.Event, error)
	GetEventsSince(ctx context.Context, workflowID string, since int64) ([]orchestrator.Event, error)
	EventExists(ctx context.Context, workflowID string, sequence int64) (bool, error)
}

var _ eventStore = (*store.Store)(nil)

// Manager owns every upgraded WebSocket connection and fans out events
// from the bus to each one according to its subscription set.
type Manager struct {
	store  eventStore
	bus    *eventbus.Bus
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
	closed      bool

	unsubscribeBus func()
}

// NewManager creates a Manager and starts fanning out bus events to
// connections immediately; call Shutdown to stop and close every
// socket.
func NewManager(st eventStore, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	m := &Manager{
		store:       st,
		bus:         bus,
		logger:      logger,
		connections: make(map[string]*connection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	ch, unsubscribe := bus.Subscribe(eventbus.WildcardEventType)
	m.unsubscribeBus = unsubscribe
	go m.dispatchLoop(ch)

	return m
}

func (m *Manager) dispatchLoop(ch <-chan orchestrator.Event) {
	for e := range ch {
		event := e
		m.broadcast(event)
	}
}

func (m *Manager) broadcast(e orchestrator.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connections {
		if !c.wantsWorkflow(e.WorkflowID) {
			continue
		}
		c.enqueue(ServerMessage{Type: ServerEvent, Event: &e})
	}
}

// ServeHTTP upgrades the request to a WebSocket and manages the
// connection until it closes or the manager shuts down.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logError("wsgateway: upgrade failed", err)
		return
	}

	c := newConnection(uuid.New().String(), wsConn)
	m.register(c)

	go m.writePump(c)
	m.readPump(c)
}

func (m *Manager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *Manager) unregister(c *connection) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
	c.close()
}

// readPump consumes client frames until the connection errs or
// closes. It runs on the goroutine that called ServeHTTP.
func (m *Manager) readPump(c *connection) {
	defer m.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logError("wsgateway: read error", err)
			}
			return
		}
		m.handleClientMessage(c, msg)
	}
}

func (m *Manager) handleClientMessage(c *connection, msg ClientMessage) {
	switch msg.Type {
	case ClientSubscribe:
		c.subscribe(msg.WorkflowID)
		c.enqueue(ServerMessage{Type: ServerSubscribed, WorkflowID: msg.WorkflowID})
		m.backfill(c, msg.WorkflowID, msg.Since)
	case ClientUnsubscribe:
		c.unsubscribe(msg.WorkflowID)
	case ClientSubscribeAll:
		c.subscribeAllWorkflows()
	case ClientHeartbeat:
		// No-op: reading the frame already refreshed the read deadline.
	default:
		c.enqueue(ServerMessage{Type: ServerError, Error: "unknown message type"})
	}
}

// backfill replays persisted events newer than since for workflowID,
// per the C10 reconnect contract: a since of zero always replays from
// the beginning; a non-zero since that no longer exists in the store
// (pruned by retention) reports backfill_expired instead.
func (m *Manager) backfill(c *connection, workflowID string, since int64) {
	ctx := context.Background()

	if since > 0 {
		exists, err := m.store.EventExists(ctx, workflowID, since)
		if err != nil {
			m.logError("wsgateway: backfill existence check failed", err)
			c.enqueue(ServerMessage{Type: ServerError, WorkflowID: workflowID, Error: "backfill check failed"})
			return
		}
		if !exists {
			c.enqueue(ServerMessage{Type: ServerBackfillExpired, WorkflowID: workflowID})
			return
		}
	}

	var (
		events []orchestrator.Event
		err    error
	)
	if since > 0 {
		events, err = m.store.GetEventsSince(ctx, workflowID, since)
	} else {
		events, err = m.store.GetEvents(ctx, workflowID)
	}
	if err != nil {
		m.logError("wsgateway: backfill read failed", err)
		c.enqueue(ServerMessage{Type: ServerError, WorkflowID: workflowID, Error: "backfill read failed"})
		return
	}

	for i := range events {
		c.enqueue(ServerMessage{Type: ServerEvent, Event: &events[i]})
	}
	c.enqueue(ServerMessage{Type: ServerBackfillComplete, WorkflowID: workflowID, Count: len(events)})
}

// writePump drains a connection's outbound queue and sends periodic
// pings, mirroring gorilla/websocket's single-writer-goroutine
// requirement.
func (m *Manager) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				m.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.unregister(c)
				return
			}
		}
	}
}

// Shutdown stops the bus subscription and closes every connection
// with a shutdown close code.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*connection)
	m.mu.Unlock()

	if m.unsubscribeBus != nil {
		m.unsubscribeBus()
	}

	for _, c := range conns {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait),
		)
		c.close()
	}
}

// ConnectionCount reports how many sockets are currently tracked, for
// diagnostics.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) logError(msg string, err error) {
	if m.logger == nil {
		return
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	m.logger.Error(msg, "error", err)
}
