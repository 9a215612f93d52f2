package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camml/events"
)

func TestEventStream(t *testing.T) {
	bus := events.New()
	s := NewEventStream(bus)
	defer s.Close()

	srv := httptest.NewServer(s)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.clients() == 1 }, 5*time.Second, time.Millisecond)

	bus.Publish(events.FrameProcessed{
		Seq:        7,
		Published:  true,
		Detections: []events.DetectionSummary{{Capsule: "whole", Class: "frame", Width: 2, Height: 2}},
	})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string                `json:"type"`
		Data events.FrameProcessed `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &msg))
	assert.Equal(t, "frame", msg.Type)
	assert.EqualValues(t, 7, msg.Data.Seq)
	require.Len(t, msg.Data.Detections, 1)
	assert.Equal(t, "whole", msg.Data.Detections[0].Capsule)

	ws.Close()
	assert.Eventually(t, func() bool { return s.clients() == 0 }, 5*time.Second, time.Millisecond)
}

func TestEventStreamRejectsPlainHTTP(t *testing.T) {
	s := NewEventStream(nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, s.clients())
}

func TestStatusServer(t *testing.T) {
	s := &StatusServer{Get: func() Status {
		return Status{RunID: "abc", Phase: "running", Capsules: []string{"whole"}}
	}}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "running", got.Phase)
	assert.Equal(t, []string{"whole"}, got.Capsules)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
