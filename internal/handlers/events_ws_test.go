package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/events"
)

func TestEventsStream(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger)
	h := NewEventsHandler(bus, logger)

	r := chi.NewRouter()
	r.Get("/api/events", h.Stream)
	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	bus.OnSyncCompleted("acp", "u1", 4)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, domain.EventSyncCompleted, event.Type)
	assert.Equal(t, "acp", event.Kind)
	assert.Equal(t, "u1", event.EntityID)
	assert.Equal(t, 4, event.Version)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsStreamClosesOnShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger)
	server := httptest.NewServer(http.HandlerFunc(NewEventsHandler(bus, logger).Stream))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestEventsStreamRejectsPlainHTTP(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := NewEventsHandler(events.NewBus(logger), logger)

	rec := httptest.NewRecorder()
	h.Stream(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
