package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/middleware"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = (eventsPongWait * 9) / 10
	eventsBuffer     = 64
)

// EventSource hands out event subscriptions
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// EventsHandler streams engine events to WebSocket clients
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler creates a new events handler. The API binds to the
// loopback interface, so any origin is accepted.
func NewEventsHandler(source EventSource, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles GET /events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("websocket upgrade failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.source.Subscribe(eventsBuffer)
	defer unsubscribe()

	h.logger.Debug("event stream opened", zap.String("request_id", requestID))

	// The read loop only serves control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			h.logger.Debug("event stream closed by client", zap.String("request_id", requestID))
			return
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("request_id", requestID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
