package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vaultstream/vaultstream/internal/bus"
)

// EventsHandler streams the realtime event bus over SSE.
type EventsHandler struct {
	bus   *bus.Bus
	token TokenFunc
}

func NewEventsHandler(b *bus.Bus, token TokenFunc) *EventsHandler {
	return &EventsHandler{bus: b, token: token}
}

func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events/subscribe", authMiddleware(h.token, h.handleSubscribe))
}

// handleSubscribe holds the connection open and writes one SSE frame per
// event until the client disconnects.
func (h *EventsHandler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Confirm the subscription before the first real event.
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	events, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
