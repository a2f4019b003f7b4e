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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// outboundQueueSize bounds how far a connection may lag before it
	// is dropped rather than let a slow reader stall the broadcast.
	outboundQueueSize = 64
)

// connection tracks one upgraded WebSocket and the subscription filter
// applied to events before they are sent to it. An empty (and
// non-"all") subscription set means "subscribed to nothing yet".
type connection struct {
	id   string
	conn *websocket.Conn

	mu          sync.Mutex
	subscribed  map[string]struct{}
	subscribeAll bool

	outbound chan ServerMessage
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, conn *websocket.Conn) *connection {
	return &connection{
		id:         id,
		conn:       conn,
		subscribed: make(map[string]struct{}),
		outbound:   make(chan ServerMessage, outboundQueueSize),
		closed:     make(chan struct{}),
	}
}

func (c *connection) subscribe(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[workflowID] = struct{}{}
}

func (c *connection) unsubscribe(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, workflowID)
}

func (c *connection) subscribeAllWorkflows() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeAll = true
}

func (c *connection) wantsWorkflow(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeAll {
		return true
	}
	_, ok := c.subscribed[workflowID]
	return ok
}

// enqueue attempts a non-blocking send; if the connection's outbound
// queue is already full it is closed rather than left to build
// unbounded backlog (the "failed sends remove the socket" policy).
func (c *connection) enqueue(msg ServerMessage) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		c.close()
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
