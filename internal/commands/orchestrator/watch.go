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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/amelia-dev/orchestrator/internal/wsgateway"
)

func newWatchCommand() *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "watch [WORKFLOW_ID]",
		Short: "Stream live events from orchestratord over the WebSocket gateway",
		Long: `Watch subscribes to one workflow's events, or to every workflow's
events when WORKFLOW_ID is omitted, and prints each event as it
arrives until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := wsURLFor(flags.host)
			if err != nil {
				return err
			}
			header := http.Header{}
			if flags.token != "" {
				header.Set("Authorization", "Bearer "+flags.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, header)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			sub := wsgateway.ClientMessage{Type: wsgateway.ClientSubscribeAll, Since: since}
			if len(args) == 1 {
				sub.Type = wsgateway.ClientSubscribe
				sub.WorkflowID = args[0]
			}
			if err := conn.WriteJSON(sub); err != nil {
				return fmt.Errorf("send subscribe: %w", err)
			}

			for {
				var msg wsgateway.ServerMessage
				if err := conn.ReadJSON(&msg); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}
				switch msg.Type {
				case wsgateway.ServerSubscribed:
					fmt.Println("subscribed")
				case wsgateway.ServerEvent:
					if msg.Event == nil {
						continue
					}
					fmt.Printf("[%s] seq=%d %-24s %s\n", msg.Event.WorkflowID, msg.Event.Sequence, msg.Event.EventType, msg.Event.Message)
				case wsgateway.ServerBackfillComplete:
					fmt.Printf("-- backfill complete (%d events) --\n", msg.Count)
				case wsgateway.ServerBackfillExpired:
					fmt.Println("-- backfill window expired, resubscribe with since=0 for full history --")
				case wsgateway.ServerError:
					return fmt.Errorf("server: %s", msg.Error)
				case wsgateway.ServerHeartbeat:
					// swallowed; keeps the connection alive through idle proxies.
				default:
					data, _ := json.Marshal(msg)
					fmt.Println(string(data))
				}
			}
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "replay events with sequence greater than this value before streaming live")
	return cmd
}

func wsURLFor(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host %q: %w", host, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
