// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// WebSocketServer provides a WebSocket interface to a build's event
// stream, for dashboards that want a push connection instead of polling
// GET /v1/builds/{id}.
type WebSocketServer struct {
	source   BuildEventSource
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a new WebSocket server over source.
func NewWebSocketServer(source BuildEventSource) *WebSocketServer {
	return &WebSocketServer{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the connection and streams events for the
// build named in the request's "id" route variable until the build
// finishes or the client disconnects.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("websocket close error: %v", err)
		}
	}()

	if buildID == "" {
		ws.sendError(conn, "build id required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := ws.source.WatchBuild(ctx, buildID)
	if err != nil {
		ws.sendError(conn, "failed to watch build: "+err.Error())
		return
	}

	go ws.discardIncoming(ctx, conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				ws.sendMessage(conn, BuildEvent{
					Type:      "stream_closed",
					BuildID:   buildID,
					Timestamp: time.Now(),
				})
				return
			}
			ws.sendMessage(conn, event)
		}
	}
}

// discardIncoming drains client frames so ping/pong and close control
// frames are processed; the protocol is push-only from the server.
func (ws *WebSocketServer) discardIncoming(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (ws *WebSocketServer) sendMessage(conn *websocket.Conn, msg BuildEvent) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}

func (ws *WebSocketServer) sendError(conn *websocket.Conn, message string) {
	ws.sendMessage(conn, BuildEvent{
		Type:      "error",
		Data:      message,
		Timestamp: time.Now(),
	})
}
