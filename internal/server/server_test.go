package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/migrate"
)

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("drill-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bootstrap(t *testing.T, srv *testServer) (sessionID, teamID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"id": "drill-1"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/drill-1/teams", map[string]any{
		"name": "alpha",
		"role": "technical-operations",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", res.StatusCode, string(data))
	}
	var team domain.Team
	if err := json.Unmarshal(data, &team); err != nil {
		t.Fatalf("unmarshal team: %v", err)
	}
	return "drill-1", team.ID
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	sessionID, teamID := bootstrap(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sessionID+"/incidents", map[string]any{
		"team_id":  teamID,
		"title":    "Checkout latency",
		"priority": "medium",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident: %d %s", res.StatusCode, string(data))
	}
	var created IncidentResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal incident: %v", err)
	}
	if created.SLAMinutes != 21 {
		t.Fatalf("expected scaled SLA of 21 minutes, got %d", created.SLAMinutes)
	}

	// Skipping in_progress is an illegal edge.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+created.ID+"/transition", map[string]any{
		"status": "resolved",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on skipped state, got %d %s", res.StatusCode, string(data))
	}

	for _, status := range []string{"in_progress", "resolved"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+created.ID+"/transition", map[string]any{
			"status": status,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", status, res.StatusCode, string(data))
		}
	}
	var resolved IncidentResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != "resolved" || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved with timestamp, got %+v", resolved)
	}
}

func TestPlanReviewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	sessionID, teamID := bootstrap(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sessionID+"/incidents", map[string]any{
		"team_id":  teamID,
		"title":    "Database failover",
		"priority": "high",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident: %d %s", res.StatusCode, string(data))
	}
	var in IncidentResponse
	_ = json.Unmarshal(data, &in)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+sessionID+"/plans", map[string]any{
		"team_id":     teamID,
		"incident_id": in.ID,
		"title":       "Promote replica",
		"body":        "Promote the standby, verify writes, monitor replication lag.",
		"risk_level":  "high",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan: %d %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	_ = json.Unmarshal(data, &plan)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/submit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit plan: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/review", map[string]any{
		"score":    0.85,
		"decision": "approve",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review plan: %d %s", res.StatusCode, string(data))
	}
	var reviewed PlanResponse
	if err := json.Unmarshal(data, &reviewed); err != nil {
		t.Fatalf("unmarshal reviewed: %v", err)
	}
	if reviewed.Status != "ai_approved" {
		t.Fatalf("expected ai_approved, got %s", reviewed.Status)
	}

	// A second verdict has nothing left to grade.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/review", map[string]any{
		"score":    0.2,
		"decision": "reject",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on duplicate review, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "operator",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected raw key in create response")
	}

	// The raw key authenticates; list responses never echo it back.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/apikeys", nil)
	req.Header.Set("X-Api-Key", key.Key)
	keyRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("apikey request: %v", err)
	}
	defer keyRes.Body.Close()
	if keyRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", keyRes.StatusCode)
	}
	listData, _ := io.ReadAll(keyRes.Body)
	var listed []APIKeyResponse
	if err := json.Unmarshal(listData, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("expected one listed key without secret, got %+v", listed)
	}

	// No credentials at all is rejected.
	anonReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/sessions", nil)
	anonRes, err := client.Do(anonReq)
	if err != nil {
		t.Fatalf("anon request: %v", err)
	}
	defer anonRes.Body.Close()
	if anonRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", anonRes.StatusCode)
	}
}
