package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabgate/internal/admission"
	"collabgate/pkg/types"
)

type fakeAdmission struct {
	err    error
	userID string
}

func (f *fakeAdmission) Status(ctx context.Context, userID string) (admission.Status, error) {
	f.userID = userID
	if f.err != nil {
		return admission.Status{}, f.err
	}
	return admission.Status{
		UserID:  userID,
		Limiter: "memory",
		Limits:  admission.StatusLimits{UserPerMinute: 60},
		Remaining: admission.StatusQuota{
			UserMinute: 58,
		},
	}, nil
}

type fakePresence struct {
	records []types.PresenceRecord
	err     error
}

func (f *fakePresence) GetSessionPresence(ctx context.Context, sessionID string) ([]types.PresenceRecord, error) {
	return f.records, f.err
}

type fakeEvents struct {
	events []types.Event
	since  int64
}

func (f *fakeEvents) ReplayEvents(sessionID string, sinceSequence int64) []types.Event {
	f.since = sinceSequence
	var out []types.Event
	for _, e := range f.events {
		if e.SessionID == sessionID && e.SequenceNumber > sinceSequence {
			out = append(out, e)
		}
	}
	return out
}

type fakeRegistry struct{}

func (fakeRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 3, "active_sessions": 1}
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(ctx context.Context) error { return f.err }
func (f fakeHealth) Ping(ctx context.Context) error        { return f.err }

type fixture struct {
	server    *Server
	admission *fakeAdmission
	presence  *fakePresence
	events    *fakeEvents
}

func newFixture(t *testing.T, storeErr, dbErr error) *fixture {
	t.Helper()
	f := &fixture{
		admission: &fakeAdmission{},
		presence:  &fakePresence{},
		events: &fakeEvents{events: []types.Event{
			{ID: "e1", SessionID: "board-1", SequenceNumber: 1, Type: "card_moved"},
			{ID: "e2", SessionID: "board-1", SequenceNumber: 2, Type: "card_moved"},
			{ID: "e3", SessionID: "board-1", SequenceNumber: 3, Type: "card_added"},
		}},
	}
	f.server = NewServer(Dependencies{
		Admission:   f.admission,
		Presence:    f.presence,
		Events:      f.events,
		Registry:    fakeRegistry{},
		Store:       fakeHealth{err: storeErr},
		Database:    fakeHealth{err: dbErr},
		MetricsPath: "/metrics",
	}, zap.NewNop())
	return f
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestServer_Admission(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/api/admission/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "alice", f.admission.userID)

	var body AdmissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.Admission.UserID)
	assert.Equal(t, 60, body.Admission.Limits.UserPerMinute)
	assert.Equal(t, int64(58), body.Admission.Remaining.UserMinute)
}

func TestServer_AdmissionErrors(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/api/admission/bad%20user")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.admission.err = errors.New("redis connection lost")
	w = do(t, f.server, http.MethodGet, "/api/admission/alice")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusServiceUnavailable, body.Code)
}

func TestServer_Presence(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.presence.records = []types.PresenceRecord{
		{UserID: "alice", SessionID: "board-1", Status: "online", LastHeartbeat: time.Now()},
	}

	w := do(t, f.server, http.MethodGet, "/api/sessions/board-1/presence")
	require.Equal(t, http.StatusOK, w.Code)

	var body PresenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "board-1", body.SessionID)
	require.Len(t, body.Presence, 1)
	assert.Equal(t, "alice", body.Presence[0].UserID)

	f.presence.err = errors.New("store down")
	w = do(t, f.server, http.MethodGet, "/api/sessions/board-1/presence")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_EventsSince(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/api/sessions/board-1/events?since=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), f.events.since)

	var body EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, int64(2), body.Events[0].SequenceNumber)
	assert.Equal(t, int64(3), body.Events[1].SequenceNumber)
}

func TestServer_EventsEmptyIsArray(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/api/sessions/board-2/events")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)
}

func TestServer_EventsInvalidSince(t *testing.T) {
	f := newFixture(t, nil, nil)

	for _, q := range []string{"abc", "-1"} {
		w := do(t, f.server, http.MethodGet, "/api/sessions/board-1/events?since="+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestServer_HealthHealthy(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Store)
	assert.Equal(t, "healthy", body.Database)
	assert.Equal(t, 3, body.Connections["total_connections"])
	assert.Contains(t, body.System, "goroutines")
}

func TestServer_HealthUnhealthy(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		dbErr    error
	}{
		{"store down", errors.New("dial tcp: refused"), nil},
		{"database down", nil, errors.New("database ping failed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.storeErr, tt.dbErr)

			w := do(t, f.server, http.MethodGet, "/health")
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)

			var body HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "unhealthy", body.Status)
		})
	}
}

func TestServer_HealthWithoutDatabase(t *testing.T) {
	s := NewServer(Dependencies{
		Registry: fakeRegistry{},
		Store:    fakeHealth{},
	}, zap.NewNop())

	w := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"disabled"`)

	w = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := do(t, f.server, http.MethodOptions, "/api/sessions/board-1/presence")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_MethodAndRouteErrors(t *testing.T) {
	f := newFixture(t, nil, nil)

	for _, path := range []string{"/api/admission/alice", "/api/sessions/board-1/events", "/health"} {
		w := do(t, f.server, http.MethodPost, path)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), path)
		assert.Equal(t, "Method not allowed", body.Message, path)
	}

	w := do(t, f.server, http.MethodGet, "/api/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Not found", body.Message)
}
