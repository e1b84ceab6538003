package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rezkam/fleetq/internal/application/events"
	"github.com/rezkam/fleetq/internal/domain"
	"github.com/rezkam/fleetq/internal/infrastructure/http/middleware"
	"github.com/rezkam/fleetq/internal/infrastructure/http/response"
)

// dashboardHeartbeatInterval bounds heartbeat bandwidth toward UI streams:
// at most one robot.heartbeat per robot per second.
const dashboardHeartbeatInterval = time.Second

func (h *Handler) subscribe(r *http.Request) *events.Subscription {
	opts := events.SubscribeOptions{
		Tenant:               middleware.TenantFrom(r.Context()),
		HeartbeatMinInterval: dashboardHeartbeatInterval,
	}
	if kinds := r.URL.Query()["kind"]; len(kinds) > 0 {
		for _, k := range kinds {
			opts.Kinds = append(opts.Kinds, domain.EventKind(k))
		}
	}
	return h.bus.Subscribe(opts)
}

// streamEvents serves the dashboard-facing stream as server-sent events,
// multiplexing job and robot events for the caller's tenant.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, r, domain.KindInvalidArgument, "streaming unsupported by connection", http.StatusBadRequest)
		return
	}

	sub := h.subscribe(r)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Periodic comments keep intermediaries from timing out an idle stream.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.C:
			if !open {
				if errors.Is(sub.Err(), events.ErrSubscriberOverflow) {
					slog.WarnContext(r.Context(), "event stream subscriber overflowed, closing stream")
				}
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.ErrorContext(r.Context(), "failed to encode event", "error", err)
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks are the deployment proxy's concern, like the rest of
	// authentication.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEventsWS serves the same stream over a websocket for dashboards that
// keep a persistent connection.
func (h *Handler) streamEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.subscribe(r)
	defer sub.Close()

	// Reader goroutine: surfaces client disconnects; inbound frames are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, open := <-sub.C:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber overflow"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
