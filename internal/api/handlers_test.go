package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/crucible/internal/auth"
	"github.com/mattjoyce/crucible/internal/events"
	"github.com/mattjoyce/crucible/internal/instance"
	"github.com/mattjoyce/crucible/internal/journal"
	"github.com/mattjoyce/crucible/internal/pool"
	"github.com/mattjoyce/crucible/internal/session"
)

// mockPool implements SessionPool for testing.
type mockPool struct {
	startFunc     func(ctx context.Context, spec pool.InstanceSpec) (*instance.Handle, error)
	terminateFunc func(ctx context.Context, id string) error
	lookupFunc    func(id string) *instance.Handle
	sessionsFunc  func() []session.Info
}

func (m *mockPool) StartInstance(ctx context.Context, spec pool.InstanceSpec) (*instance.Handle, error) {
	return m.startFunc(ctx, spec)
}

func (m *mockPool) TerminateInstance(ctx context.Context, id string) error {
	return m.terminateFunc(ctx, id)
}

func (m *mockPool) Lookup(id string) *instance.Handle {
	if m.lookupFunc == nil {
		return nil
	}
	return m.lookupFunc(id)
}

func (m *mockPool) Sessions() []session.Info {
	if m.sessionsFunc == nil {
		return nil
	}
	return m.sessionsFunc()
}

// mockJournal implements JournalReader for testing.
type mockJournal struct {
	recentFunc func(ctx context.Context, limit int) ([]journal.Entry, error)
}

func (m *mockJournal) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	return m.recentFunc(ctx, limit)
}

func newTestServer(t *testing.T, p SessionPool, hub *events.Hub, jr JournalReader) *Server {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(16)
	}
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: "test-key",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeSessionsRO, auth.ScopeEventsRO}},
		},
	}
	return New(cfg, p, hub, jr, slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})))
}

func doRequest(s *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	return w
}

func TestHealthzNoAuth(t *testing.T) {
	p := &mockPool{sessionsFunc: func() []session.Info {
		return []session.Info{
			{SessionKey: "a", Instances: []string{"i1", "i2"}},
			{SessionKey: "b", Instances: []string{"i3"}},
		}
	}}
	s := newTestServer(t, p, nil, nil)

	w := doRequest(s, "GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Sessions != 2 || resp.Instances != 3 {
		t.Fatalf("unexpected healthz body: %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &mockPool{}, nil, nil)

	if w := doRequest(s, "GET", "/v1/sessions", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}
	if w := doRequest(s, "GET", "/v1/sessions", "wrong", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", w.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	p := &mockPool{
		startFunc: func(ctx context.Context, spec pool.InstanceSpec) (*instance.Handle, error) {
			return instance.New(spec.SessionKey, "3.1"), nil
		},
		sessionsFunc: func() []session.Info { return nil },
	}
	s := newTestServer(t, p, nil, nil)

	// Read-only token can list but not start.
	if w := doRequest(s, "GET", "/v1/sessions", "reader", ""); w.Code != http.StatusOK {
		t.Fatalf("reader list: status = %d, want 200", w.Code)
	}
	if w := doRequest(s, "POST", "/v1/instances", "reader", `{"session_key":"k"}`); w.Code != http.StatusForbidden {
		t.Fatalf("reader start: status = %d, want 403", w.Code)
	}

	// The legacy key grants everything.
	if w := doRequest(s, "POST", "/v1/instances", "test-key", `{"session_key":"k"}`); w.Code != http.StatusCreated {
		t.Fatalf("admin start: status = %d, want 201", w.Code)
	}
}

func TestStartInstance(t *testing.T) {
	var gotSpec pool.InstanceSpec
	p := &mockPool{
		startFunc: func(ctx context.Context, spec pool.InstanceSpec) (*instance.Handle, error) {
			gotSpec = spec
			return instance.New(spec.SessionKey, "3.1",
				instance.WithID("inst-1"), instance.WithToken("width", "800")), nil
		},
	}
	s := newTestServer(t, p, nil, nil)

	body := `{"session_key":"alpha","runtime_version":"3.1","tokens":{"width":"800"}}`
	w := doRequest(s, "POST", "/v1/instances", "test-key", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotSpec.SessionKey != "alpha" || gotSpec.RuntimeVersion != "3.1" || gotSpec.Tokens["width"] != "800" {
		t.Fatalf("unexpected spec passed to pool: %+v", gotSpec)
	}

	var resp InstanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "inst-1" || resp.SessionKey != "alpha" {
		t.Fatalf("unexpected instance response: %+v", resp)
	}
}

func TestStartInstanceValidation(t *testing.T) {
	s := newTestServer(t, &mockPool{}, nil, nil)

	if w := doRequest(s, "POST", "/v1/instances", "test-key", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", w.Code)
	}
	if w := doRequest(s, "POST", "/v1/instances", "test-key", `{"tokens":{}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing session_key: status = %d, want 400", w.Code)
	}
}

func TestTerminateInstance(t *testing.T) {
	var terminated string
	p := &mockPool{
		terminateFunc: func(ctx context.Context, id string) error {
			terminated = id
			return nil
		},
	}
	s := newTestServer(t, p, nil, nil)

	w := doRequest(s, "DELETE", "/v1/instances/inst-9", "test-key", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if terminated != "inst-9" {
		t.Fatalf("terminated %q, want inst-9", terminated)
	}
}

func TestTerminateUnknownInstance(t *testing.T) {
	p := &mockPool{
		terminateFunc: func(ctx context.Context, id string) error {
			return pool.ErrUnknownInstance
		},
	}
	s := newTestServer(t, p, nil, nil)

	if w := doRequest(s, "DELETE", "/v1/instances/ghost", "test-key", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetInstance(t *testing.T) {
	h := instance.New("alpha", "3.1", instance.WithID("inst-1"))
	p := &mockPool{
		lookupFunc: func(id string) *instance.Handle {
			if id == "inst-1" {
				return h
			}
			return nil
		},
	}
	s := newTestServer(t, p, nil, nil)

	if w := doRequest(s, "GET", "/v1/instances/inst-1", "reader", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w := doRequest(s, "GET", "/v1/instances/other", "reader", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestJournalEndpoint(t *testing.T) {
	jr := &mockJournal{
		recentFunc: func(ctx context.Context, limit int) ([]journal.Entry, error) {
			return []journal.Entry{
				{ID: "e1", SessionKey: "a", Event: journal.EventSessionStarted, CreatedAt: time.Now()},
			}, nil
		},
	}
	s := newTestServer(t, &mockPool{}, nil, jr)

	w := doRequest(s, "GET", "/v1/journal?limit=10", "reader", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp []JournalEntryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Event != journal.EventSessionStarted {
		t.Fatalf("unexpected journal body: %+v", resp)
	}

	if w := doRequest(s, "GET", "/v1/journal?limit=0", "reader", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d, want 400", w.Code)
	}
}

func TestJournalDisabled(t *testing.T) {
	s := newTestServer(t, &mockPool{}, nil, nil)
	if w := doRequest(s, "GET", "/v1/journal", "reader", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestEventsStreamReplay(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeSessionStarted, map[string]string{"session_key": "a"})
	hub.Publish(events.TypeInstanceStarted, map[string]string{"instance_id": "i1"})

	s := newTestServer(t, &mockPool{}, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest("GET", "/v1/events", nil).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer reader")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var eventLines []string
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: ") {
			eventLines = append(eventLines, strings.TrimPrefix(scanner.Text(), "event: "))
		}
	}
	if len(eventLines) != 2 ||
		eventLines[0] != events.TypeSessionStarted ||
		eventLines[1] != events.TypeInstanceStarted {
		t.Fatalf("replayed events = %v", eventLines)
	}
}
