package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/livepoll/go/internal/poll/events"
)

func TestHealthChecker(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	handler := NewEventHandler(&fakeReader{}, &recordingBroadcaster{}, clock)
	connected := true
	checker := NewHealthChecker(handler, func() bool { return connected }, cm)

	assert.True(t, checker.Check().LastEventTime.IsZero())

	clock.Advance(time.Minute)
	require.NoError(t, handler.Handle(context.Background(), events.EventTypePollDeleted, mustJSON(t, events.PollDeletedEvent{PollID: "p1"})))

	status := checker.Check()
	assert.True(t, status.Healthy)
	assert.Equal(t, uint64(1), status.EventsProcessed)
	assert.True(t, status.LastEventTime.Equal(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)), "last event at %s", status.LastEventTime)

	connected = false
	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.NATSConnected)
	assert.Contains(t, body.Errors, "NATS disconnected")
}
