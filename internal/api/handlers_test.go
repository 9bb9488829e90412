package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"collabsync/internal/models"
	"collabsync/internal/session"
	"collabsync/protocol"

	"github.com/go-playground/assert/v2"
)

// fakeControl records calls and serves canned responses.
type fakeControl struct {
	state         map[string]any
	updatedBy     string
	updatedAt     int64
	presence      []protocol.PresenceEntry
	delivered     int
	appliedChange map[string]any
	appliedBy     string
	broadcast     json.RawMessage
}

func (f *fakeControl) State(ctx context.Context, sessionID string) (map[string]any, string, int64, error) {
	return f.state, f.updatedBy, f.updatedAt, nil
}

func (f *fakeControl) ApplyExternalUpdate(ctx context.Context, sessionID string, changes map[string]any, updatedBy string) (map[string]any, error) {
	f.appliedChange = changes
	f.appliedBy = updatedBy
	merged := map[string]any{}
	for k, v := range f.state {
		merged[k] = v
	}
	for k, v := range changes {
		merged[k] = v
	}
	return merged, nil
}

func (f *fakeControl) Presence(ctx context.Context, sessionID string) ([]protocol.PresenceEntry, error) {
	return f.presence, nil
}

func (f *fakeControl) Broadcast(ctx context.Context, sessionID string, message json.RawMessage) (int, error) {
	f.broadcast = message
	return f.delivered, nil
}

type noopStore struct{}

func (noopStore) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return nil, nil
}

func (noopStore) Save(ctx context.Context, state *models.SessionState) error {
	return nil
}

func newTestRouter(control SessionControl) http.Handler {
	wsHandler := session.NewHandler(session.NewHub(noopStore{}, session.Options{}))
	return SetupRoutes(NewHandler(control, wsHandler))
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
	}
	return rec, decoded
}

func TestGetSessionState(t *testing.T) {
	control := &fakeControl{
		state:     map[string]any{"x": float64(1)},
		updatedBy: "alice",
		updatedAt: 1700000000000,
	}
	router := newTestRouter(control)

	rec, body := doRequest(t, router, "GET", "/api/sessions/s1/state", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, body["sessionId"], "s1")
	assert.Equal(t, body["lastUpdatedBy"], "alice")
	assert.Equal(t, body["lastUpdatedAt"], float64(1700000000000))
	assert.Equal(t, body["state"].(map[string]any)["x"], float64(1))
}

func TestPushSessionState(t *testing.T) {
	control := &fakeControl{state: map[string]any{"x": float64(1)}}
	router := newTestRouter(control)

	rec, body := doRequest(t, router, "POST", "/api/sessions/s1/state",
		`{"changes":{"y":2},"updatedBy":"svc"}`)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, body["state"].(map[string]any)["x"], float64(1))
	assert.Equal(t, body["state"].(map[string]any)["y"], float64(2))
	assert.Equal(t, control.appliedChange["y"], float64(2))
	assert.Equal(t, control.appliedBy, "svc")
}

func TestPushSessionStateRejectsEmptyChanges(t *testing.T) {
	router := newTestRouter(&fakeControl{})

	rec, _ := doRequest(t, router, "POST", "/api/sessions/s1/state", `{"changes":{}}`)
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	rec, _ = doRequest(t, router, "POST", "/api/sessions/s1/state", `not json`)
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestGetSessionPresence(t *testing.T) {
	control := &fakeControl{presence: []protocol.PresenceEntry{
		{ParticipantID: "alice", ConnectionID: "c1"},
		{ParticipantID: "bob", ConnectionID: "c2"},
	}}
	router := newTestRouter(control)

	rec, body := doRequest(t, router, "GET", "/api/sessions/s1/presence", "")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, body["count"], float64(2))
	participants := body["participants"].([]any)
	assert.Equal(t, participants[0].(map[string]any)["participantId"], "alice")
}

func TestBroadcastToSession(t *testing.T) {
	control := &fakeControl{delivered: 3}
	router := newTestRouter(control)

	rec, body := doRequest(t, router, "POST", "/api/sessions/s1/broadcast",
		`{"type":"announcement","text":"maintenance in 5m"}`)
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, body["delivered"], float64(3))
	assert.Equal(t, string(control.broadcast),
		`{"type":"announcement","text":"maintenance in 5m"}`)
}

func TestBroadcastRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(&fakeControl{})

	rec, _ := doRequest(t, router, "POST", "/api/sessions/s1/broadcast", `{"bad"`)
	assert.Equal(t, rec.Code, http.StatusBadRequest)

	rec, _ = doRequest(t, router, "POST", "/api/sessions/s1/broadcast", "")
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&fakeControl{})

	rec, _ := doRequest(t, router, "GET", "/api/health", "")
	assert.Equal(t, rec.Code, http.StatusOK)
}
