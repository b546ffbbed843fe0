package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/engine"
	"opsdrill/internal/migrate"
)

func TestWebhookDeliveryCarriesTeamContext(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	var mu sync.Mutex
	var received []webhookEvent
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if r.Header.Get("X-Opsdrill-Session") != "drill-1" {
			t.Errorf("session header = %q", r.Header.Get("X-Opsdrill-Session"))
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer receiver.Close()

	cfg := config.Default("drill-1")
	cfg.Webhooks = []config.WebhookConfig{{URL: receiver.URL}}
	e := engine.New(conn, cfg)
	if _, err := e.InitSession(ctx, "drill-1", "", "tester"); err != nil {
		t.Fatal(err)
	}
	team, err := e.CreateTeam(ctx, engine.TeamCreateOptions{
		SessionID: "drill-1", Name: "alpha", Role: "technical-operations", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := &webhookDispatcher{
		engine:   e,
		session:  "drill-1",
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: time.Second},
		cursors:  map[int]int64{},
	}
	// First pass only seats the cursor at the current log head.
	d.dispatchAll()
	mu.Lock()
	if len(received) != 0 {
		t.Fatalf("delivered %d bootstrap events, want 0", len(received))
	}
	mu.Unlock()

	in, err := e.CreateIncident(ctx, engine.IncidentCreateOptions{
		TeamID: team.ID, Title: "checkout down", Priority: "critical", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	d.dispatchAll()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("delivered %d events, want 1", len(received))
	}
	evt := received[0]
	if evt.Type != "incident_created" || evt.EntityID != in.ID {
		t.Fatalf("delivery = %+v", evt)
	}
	if evt.Team == nil || evt.Team.Name != "alpha" || evt.Team.Role != "technical-operations" {
		t.Fatalf("team context = %+v, want alpha/technical-operations", evt.Team)
	}
}
