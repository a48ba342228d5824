package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sbidoul/runboat/internal/bus"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/service"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 10 * time.Second

// EventsHandler serves the build-events SSE stream: a snapshot of the
// matching builds on connect, then one event per index delta.
type EventsHandler struct {
	svc *service.BuildService
	bus *bus.Bus
}

func NewEventsHandler(svc *service.BuildService, b *bus.Bus) *EventsHandler {
	return &EventsHandler{svc: svc, bus: b}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	filter := filterFromQuery(r)
	filter.Name = r.URL.Query().Get("name")

	// Subscribe before the snapshot so no delta is lost in between;
	// a duplicate of a snapshot build is harmless.
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	builds, err := h.svc.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := len(builds) - 1; i >= 0; i-- { // reverse List order: oldest first within each repo/branch group
		if !writeEvent(w, bus.BuildEvent{Event: index.EventUpdated, Build: builds[i]}) {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow consumer or bus shutdown.
				return
			}
			if !filter.Matches(event.Build) {
				continue
			}
			if !writeEvent(w, event) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event bus.BuildEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}
