// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// SSEServer serves a build's event stream over Server-Sent Events at
// GET /v1/builds/{id}/events.
type SSEServer struct {
	source BuildEventSource
}

// NewSSEServer creates a new Server-Sent Events server over source.
func NewSSEServer(source BuildEventSource) *SSEServer {
	return &SSEServer{source: source}
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string      `json:"id,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
	Retry int         `json:"retry,omitempty"`
}

// HandleSSE handles a build event stream request.
func (sse *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]
	if buildID == "" {
		http.Error(w, "build id required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	events, err := sse.source.WatchBuild(ctx, buildID)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "failed to watch build: " + err.Error()},
		})
		return
	}

	sse.writeSSEEvent(w, flusher, SSEEvent{
		Event: "connected",
		Data:  map[string]string{"build_id": buildID, "status": "connected"},
	})

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{
					Event: "stream_closed",
					Data:  map[string]string{"build_id": buildID, "status": "closed"},
				})
				return
			}

			sse.writeSSEEvent(w, flusher, SSEEvent{
				Event: event.Type,
				Data:  event,
			})
		}
	}
}

// writeSSEEvent writes an SSE event to the response.
func (sse *SSEServer) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(w, "event: %s\n", event.Event)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\": \"failed to marshal data\"}\n")
	} else {
		fmt.Fprintf(w, "data: %s\n", string(data))
	}

	if event.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", event.Retry)
	}

	fmt.Fprint(w, "\n")
	flusher.Flush()
}
