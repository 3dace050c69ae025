package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/KafClaw/wagateway/internal/gateway"
	"github.com/KafClaw/wagateway/internal/session"
	"github.com/KafClaw/wagateway/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	statuses []string
	resets   []string
	err      error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]session.Session{}}
}

func (f *fakeSessions) Status(id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.Session{}, f.err
	}
	f.statuses = append(f.statuses, id)
	s, ok := f.sessions[id]
	if !ok {
		s = session.Session{AssistantID: id, Status: session.StatusLoading}
		f.sessions[id] = s
	}
	return s, nil
}

func (f *fakeSessions) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resets = append(f.resets, id)
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) Sessions() []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type fakeEvents struct {
	gotID    string
	gotLimit int
}

func (f *fakeEvents) ListEvents(id string, limit int) ([]timeline.SessionEvent, error) {
	f.gotID, f.gotLimit = id, limit
	return []timeline.SessionEvent{{AssistantID: id, EventType: "session.qr"}}, nil
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealthNeedsNoSecret(t *testing.T) {
	srv := New(newFakeSessions(), nil, Options{SharedSecret: "s3cret"})
	rec := do(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStatusUnknownAssistantReturnsLoading(t *testing.T) {
	fs := newFakeSessions()
	srv := New(fs, nil, Options{})

	rec := do(t, srv, http.MethodGet, "/status?assistantId=A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "loading", body["status"])
	_, hasQR := body["qr"]
	assert.False(t, hasQR)
	assert.Equal(t, []string{"A1"}, fs.statuses)
}

func TestStatusIncludesQR(t *testing.T) {
	fs := newFakeSessions()
	fs.sessions["A1"] = session.Session{AssistantID: "A1", Status: session.StatusQR, QR: "2@xyz"}
	srv := New(fs, nil, Options{})

	rec := do(t, srv, http.MethodGet, "/status?assistantId=A1", nil)
	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, session.StatusQR, body.Status)
	assert.Equal(t, "2@xyz", body.QR)
}

func TestStatusValidation(t *testing.T) {
	fs := newFakeSessions()
	srv := New(fs, nil, Options{SharedSecret: "s3cret"})

	rec := do(t, srv, http.MethodGet, "/status?assistantId=", map[string]string{"X-Gateway-Secret": "s3cret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeError(t, rec))

	rec = do(t, srv, http.MethodGet, "/status?assistantId=A1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodGet, "/status?assistantId=A1", map[string]string{"X-Gateway-Secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, fs.statuses, "rejected requests never reach the manager")

	rec = do(t, srv, http.MethodGet, "/status?assistantId=A1", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusInvalidIDIsBadRequest(t *testing.T) {
	fs := newFakeSessions()
	fs.err = gateway.ErrInvalidAssistantID
	srv := New(fs, nil, Options{})
	rec := do(t, srv, http.MethodGet, "/status?assistantId=..", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReset(t *testing.T) {
	fs := newFakeSessions()
	srv := New(fs, nil, Options{})

	rec := do(t, srv, http.MethodPost, "/reset?assistantId=A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, []string{"A1"}, fs.resets)

	rec = do(t, srv, http.MethodPost, "/reset", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fs.err = errors.New("boom")
	rec = do(t, srv, http.MethodPost, "/reset?assistantId=A1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUnknownPath(t *testing.T) {
	srv := New(newFakeSessions(), nil, Options{})
	rec := do(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decodeError(t, rec))
}

func TestQRPNG(t *testing.T) {
	fs := newFakeSessions()
	srv := New(fs, nil, Options{})

	rec := do(t, srv, http.MethodGet, "/qr.png?assistantId=A1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fs.sessions["A1"] = session.Session{AssistantID: "A1", Status: session.StatusQR, QR: "2@xyz"}
	rec = do(t, srv, http.MethodGet, "/qr.png?assistantId=A1&size=128", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte("\x89PNG"), rec.Body.Bytes()[:4])
}

func TestSessionsAndEvents(t *testing.T) {
	fs := newFakeSessions()
	fs.sessions["A1"] = session.Session{AssistantID: "A1", Status: session.StatusConnected}
	ev := &fakeEvents{}
	srv := New(fs, ev, Options{})

	rec := do(t, srv, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, session.StatusConnected, list[0].Status)

	rec = do(t, srv, http.MethodGet, "/events?assistantId=A1&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A1", ev.gotID)
	assert.Equal(t, 5, ev.gotLimit)

	noTimeline := New(fs, nil, Options{})
	rec = do(t, noTimeline, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	srv := New(newFakeSessions(), nil, Options{AllowOrigin: "*", SharedSecret: "s3cret"})
	rec := do(t, srv, http.MethodOptions, "/status?assistantId=A1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Gateway-Secret")
}
