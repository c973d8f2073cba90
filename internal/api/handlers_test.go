package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/callpilot/internal/database"
	"github.com/kdimtricp/callpilot/internal/events"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/storage"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

type mockJournal struct {
	decisions []events.Decision
	lastQuery database.Query
	err       error
}

func (m *mockJournal) List(ctx context.Context, q database.Query) ([]events.Decision, error) {
	m.lastQuery = q
	return m.decisions, m.err
}

type testEnv struct {
	manager *session.Manager
	journal *mockJournal
	archive *storage.Archive
	server  *httptest.Server
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	env := &testEnv{
		manager: session.NewManager(session.Deps{}),
		journal: &mockJournal{},
		archive: storage.NewArchive(store),
	}
	app := &App{
		Manager: env.manager,
		Journal: env.journal,
		Archive: env.archive,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("callpilot_sessions_active 1\n"))
		}),
	}
	env.server = httptest.NewServer(NewRouter(app, nil))
	t.Cleanup(func() {
		env.server.Close()
		env.manager.CloseAll()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, r)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestPingHandler(t *testing.T) {
	env := setupTestApp(t)
	resp, body := env.do(t, "GET", "/ping", "")
	if resp.StatusCode != http.StatusOK || string(body) != "pong" {
		t.Errorf("Expected 200 pong, got %d %s", resp.StatusCode, body)
	}
}

func TestListAndGetSessions(t *testing.T) {
	env := setupTestApp(t)
	s := env.manager.Open(context.Background())

	resp, body := env.do(t, "GET", "/api/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var list sessionsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if list.Count != 1 || list.Sessions[0].ID != s.ID {
		t.Errorf("Expected the one open session, got %+v", list)
	}

	resp, body = env.do(t, "GET", "/api/sessions/"+s.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var info session.Info
	json.Unmarshal(body, &info)
	if info.ID != s.ID || info.Rules.MinAmount != 5000 {
		t.Errorf("Expected session info with default rules, got %+v", info)
	}

	resp, _ = env.do(t, "GET", "/api/sessions/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestFrameHandler(t *testing.T) {
	env := setupTestApp(t)
	s := env.manager.Open(context.Background())

	resp, _ := env.do(t, "GET", "/api/sessions/"+s.ID+"/frame", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 before any frame, got %d", resp.StatusCode)
	}

	png := []byte("\x89PNG\r\n\x1a\n not really")
	s.SubmitFrame(png, time.Now())

	resp, body := env.do(t, "GET", "/api/sessions/"+s.ID+"/frame", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Equal(body, png) {
		t.Error("Expected the last frame bytes")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
}

func TestUpdateRulesHandler(t *testing.T) {
	env := setupTestApp(t)
	s := env.manager.Open(context.Background())

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMin    int
	}{
		{"partial update", `{"minAmount": 8000}`, http.StatusOK, 8000},
		{"nested update", `{"settings": {"minAmount": 9000}}`, http.StatusOK, 9000},
		{"invalid rules keep previous", `{"minAmount": 5000000}`, http.StatusUnprocessableEntity, 9000},
		{"bad json", `{`, http.StatusBadRequest, 9000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, "PUT", "/api/sessions/"+s.ID+"/rules", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if got := s.Rules().MinAmount; got != tt.wantMin {
				t.Errorf("Expected minAmount %d, got %d", tt.wantMin, got)
			}
		})
	}
}

func TestCommandHandler(t *testing.T) {
	env := setupTestApp(t)
	s := env.manager.Open(context.Background())

	resp, _ := env.do(t, "POST", "/api/sessions/"+s.ID+"/command", `{"type":"click","x":10,"y":20}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	select {
	case data := <-s.Outbound():
		if !strings.Contains(string(data), `"x":10`) {
			t.Errorf("Expected forwarded command, got %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected command on the outbound queue")
	}

	resp, _ = env.do(t, "POST", "/api/sessions/"+s.ID+"/command", `{"x":10}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for untyped command, got %d", resp.StatusCode)
	}
}

func TestStrategyHandler(t *testing.T) {
	env := setupTestApp(t)
	s := env.manager.Open(context.Background())

	resp, body := env.do(t, "POST", "/api/sessions/"+s.ID+"/strategy", `{"strategy":"fallback"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var snap strategy.Snapshot
	json.Unmarshal(body, &snap)
	if snap.Strategy != strategy.Fallback {
		t.Errorf("Expected Fallback, got %s", snap.Strategy)
	}

	resp, _ = env.do(t, "POST", "/api/sessions/"+s.ID+"/strategy", `{"strategy":"Z"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown strategy, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/api/sessions/"+s.ID+"/stats/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on stats reset, got %d", resp.StatusCode)
	}
}

func TestStatsHandler(t *testing.T) {
	env := setupTestApp(t)
	env.manager.Open(context.Background())
	env.manager.Open(context.Background())

	resp, body := env.do(t, "GET", "/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var totals session.TotalsSnapshot
	json.Unmarshal(body, &totals)
	if totals.ActiveSessions != 2 || totals.SessionsOpened != 2 {
		t.Errorf("Expected 2 active sessions, got %+v", totals)
	}
}

func TestDecisionsHandler(t *testing.T) {
	env := setupTestApp(t)
	env.journal.decisions = []events.Decision{{ID: "d1", SessionID: "s1", Accept: true, Reason: filter.ReasonAccepted}}

	resp, body := env.do(t, "GET", "/api/decisions?session=s1&accepted=true&limit=5&since=2025-03-01T09:00:00Z", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out decisionsResponse
	json.Unmarshal(body, &out)
	if out.Count != 1 || out.Decisions[0].ID != "d1" {
		t.Errorf("Expected one decision, got %+v", out)
	}

	q := env.journal.lastQuery
	if q.SessionID != "s1" || q.Accepted == nil || !*q.Accepted || q.Limit != 5 || q.Since.IsZero() {
		t.Errorf("Expected query to carry all filters, got %+v", q)
	}

	tests := []struct {
		query string
	}{
		{"accepted=maybe"},
		{"limit=-1"},
		{"since=yesterday"},
	}
	for _, tt := range tests {
		resp, _ := env.do(t, "GET", "/api/decisions?"+tt.query, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", tt.query, resp.StatusCode)
		}
	}

	env.journal.err = errors.New("disk gone")
	resp, _ = env.do(t, "GET", "/api/decisions", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 on journal failure, got %d", resp.StatusCode)
	}
}

func TestSnapshotHandler(t *testing.T) {
	env := setupTestApp(t)
	id := uuid.New().String()
	encoded := []byte("\x89PNG snapshot")

	err := env.archive.Record(context.Background(), events.Decision{
		ID:     id,
		Accept: true,
		Frame:  &frame.Frame{Format: "png", Encoded: encoded},
	})
	if err != nil {
		t.Fatalf("Failed to archive: %v", err)
	}

	resp, body := env.do(t, "GET", "/api/decisions/"+id+"/snapshot", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Equal(body, encoded) {
		t.Error("Expected archived bytes")
	}

	resp, _ = env.do(t, "GET", "/api/decisions/"+uuid.New().String()+"/snapshot", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing snapshot, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "GET", "/api/decisions/*/snapshot", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", resp.StatusCode)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	env := setupTestApp(t)

	resp, body := env.do(t, "GET", "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "callpilot_sessions_active") {
		t.Errorf("Expected metrics output, got %d %s", resp.StatusCode, body)
	}

	req, _ := http.NewRequest("OPTIONS", env.server.URL+"/api/stats", nil)
	req.Header.Set("Origin", "http://dashboard")
	req.Header.Set("Access-Control-Request-Method", "GET")
	preflight, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send preflight: %v", err)
	}
	preflight.Body.Close()
	if preflight.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected CORS headers on preflight")
	}
}

func TestDisabledJournal(t *testing.T) {
	app := &App{Manager: session.NewManager(session.Deps{})}
	srv := httptest.NewServer(NewRouter(app, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/decisions")
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a journal, got %d", resp.StatusCode)
	}
}
