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

// Package wsgateway implements the WebSocket Connection Manager (C10):
// per-socket subscription filters over the event bus and reconnect
// backfill from the event store, with backfill_expired when the
// requested since event is no longer stored. The server does not
// detect or signal sequence gaps itself.
package wsgateway

import "github.com/amelia-dev/orchestrator/pkg/orchestrator"

// ClientMessageType is the closed set of messages a client may send.
type ClientMessageType string

const (
	ClientSubscribe    ClientMessageType = "subscribe"
	ClientUnsubscribe  ClientMessageType = "unsubscribe"
	ClientSubscribeAll ClientMessageType = "subscribe_all"
	ClientHeartbeat    ClientMessageType = "heartbeat"
)

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Type       ClientMessageType `json:"type"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	// Since requests backfill of events with sequence greater than
	// this value for WorkflowID; zero replays from the beginning.
	Since int64 `json:"since,omitempty"`
}

// ServerMessageType is the closed set of messages the server sends.
type ServerMessageType string

const (
	ServerEvent            ServerMessageType = "event"
	ServerHeartbeat        ServerMessageType = "heartbeat"
	ServerBackfillComplete ServerMessageType = "backfill_complete"
	ServerBackfillExpired  ServerMessageType = "backfill_expired"
	ServerSubscribed       ServerMessageType = "subscribed"
	ServerError            ServerMessageType = "error"
)

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type       ServerMessageType  `json:"type"`
	Event      *orchestrator.Event `json:"event,omitempty"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Count      int                `json:"count,omitempty"`
	Error      string             `json:"error,omitempty"`
}
