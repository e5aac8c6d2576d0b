// ABOUTME: Server-Sent Events stream of connection changes in a realm
// ABOUTME: Bridges ResidentVec listener callbacks onto an HTTP response

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/2389/fleet/internal/database"
	"github.com/2389/fleet/internal/network"
)

// eventBufferSize bounds how far a stream may lag before it is cut off.
const eventBufferSize = 64

// ConnectionEvent is the data of an added, updated or removed SSE event.
type ConnectionEvent struct {
	Kind       string                 `json:"kind"`
	ID         string                 `json:"id"`
	Sequence   uint64                 `json:"sequence"`
	Connection network.ConnectionData `json:"connection"`
}

// handleConnectionEvents handles GET /api/realms/{realm}/connections/events.
func (g *Gateway) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	tracker, ok := g.requireTracker(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	watch := tracker.Watch()
	defer watch.Close()

	var (
		events   = make(chan database.Event[network.ConnectionData], eventBufferSize)
		overflow = make(chan struct{})
		once     sync.Once
	)
	stop := watch.Listen(database.ListenerFunc[network.ConnectionData](func(e database.Event[network.ConnectionData]) {
		select {
		case events <- e:
		default:
			once.Do(func() { close(overflow) })
		}
	}))
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The listener is registered first, so events already reflected in the
	// snapshot are skipped by sequence.
	snapshot, seq := watch.Snapshot()
	g.writeSSEEvent(w, "snapshot", ListConnectionsResponse{Connections: snapshot, Sequence: seq})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.streamsDone:
			return
		case <-overflow:
			g.writeSSEEvent(w, "overflow", map[string]string{"error": "stream fell behind"})
			flusher.Flush()
			g.logger.Debug("closed lagging event stream", "realm", r.PathValue("realm"))
			return
		case e := <-events:
			if e.Sequence <= seq {
				continue
			}
			g.writeSSEEvent(w, e.Kind.String(), ConnectionEvent{
				Kind:       e.Kind.String(),
				ID:         string(e.ID),
				Sequence:   e.Sequence,
				Connection: e.Value,
			})
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
