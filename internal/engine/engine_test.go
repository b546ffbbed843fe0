package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/migrate"
	"opsdrill/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	TeamID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("sess-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Rand = func() float64 { return 1 }
	ctx := context.Background()
	if _, err := eng.InitSession(ctx, "sess-1", "test", "tester"); err != nil {
		t.Fatalf("init session: %v", err)
	}
	team, err := eng.CreateTeam(ctx, engine.TeamCreateOptions{
		SessionID: "sess-1",
		Name:      "alpha",
		Role:      "technical-operations",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, TeamID: team.ID}
}

func (env *testEnv) incident(t *testing.T, opts engine.IncidentCreateOptions) domain.Incident {
	t.Helper()
	if opts.TeamID == "" {
		opts.TeamID = env.TeamID
	}
	if opts.Title == "" {
		opts.Title = "db latency"
	}
	opts.ActorID = "tester"
	in, err := env.Engine.CreateIncident(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return in
}

func TestIncidentStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{Priority: "medium"})
	if in.Status != "open" {
		t.Fatalf("new incident status = %s", in.Status)
	}
	// medium priority in a 60 minute session scales to 21 minutes
	if in.SLAMinutes != 21 {
		t.Fatalf("sla minutes = %d, want 21", in.SLAMinutes)
	}

	in, err := env.Engine.TransitionIncident(env.Ctx, in.ID, "in_progress", "tester")
	if err != nil || in.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	in, err = env.Engine.TransitionIncident(env.Ctx, in.ID, "resolved", "tester")
	if err != nil || in.Status != "resolved" {
		t.Fatalf("to resolved: %v", err)
	}
	if in.ResolvedAt == nil {
		t.Fatalf("resolved incident missing resolved_at")
	}
	in, err = env.Engine.TransitionIncident(env.Ctx, in.ID, "closed", "tester")
	if err != nil || in.Status != "closed" {
		t.Fatalf("to closed: %v", err)
	}

	_, err = env.Engine.TransitionIncident(env.Ctx, in.ID, "open", "tester")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("reopen: got %v, want ErrInvalidTransition", err)
	}
}

func TestSkippingStatesIsRejected(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{})
	_, err := env.Engine.TransitionIncident(env.Ctx, in.ID, "resolved", "tester")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("open -> resolved: got %v, want ErrInvalidTransition", err)
	}
}

func TestResolveEnqueuesPIR(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{Priority: "critical", RequiresPIR: true})
	for _, s := range []string{"in_progress", "resolved"} {
		if _, err := env.Engine.TransitionIncident(env.Ctx, in.ID, s, "tester"); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	pirs, err := env.Engine.Repo.ListPIRReviews(env.Ctx, env.TeamID, "pending")
	if err != nil {
		t.Fatalf("list pirs: %v", err)
	}
	if len(pirs) != 1 || pirs[0].IncidentID != in.ID {
		t.Fatalf("pirs = %+v, want one pending for %s", pirs, in.ID)
	}

	pir, err := env.Engine.SubmitPIR(env.Ctx, pirs[0].ID, "root cause was a bad deploy", "tester")
	if err != nil || pir.Status != "submitted" {
		t.Fatalf("submit pir: %v", err)
	}
	pir, err = env.Engine.ApplyPIRGrade(env.Ctx, pir.ID, 0.8, "solid analysis", "grader")
	if err != nil || pir.Status != "graded" {
		t.Fatalf("grade pir: %v", err)
	}
	if pir.Score == nil || *pir.Score != 0.8 {
		t.Fatalf("pir score = %v", pir.Score)
	}
}

func TestPlanReviewFlow(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{})
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TeamID:     env.TeamID,
		IncidentID: in.ID,
		Title:      "restart the pool",
		Body:       "drain, restart, verify",
		RiskLevel:  "low",
		ActorID:    "tester",
	})
	if err != nil || p.Status != "draft" {
		t.Fatalf("create plan: %v", err)
	}

	// second active plan on the same incident is rejected
	_, err = env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TeamID: env.TeamID, IncidentID: in.ID, Title: "another", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected duplicate-plan error")
	}

	p, rev, err := env.Engine.SubmitPlanForReview(env.Ctx, p.ID, "tester")
	if err != nil || p.Status != "ai_reviewing" {
		t.Fatalf("submit: %v", err)
	}
	if rev.Seq != 1 || rev.Body != "drain, restart, verify" {
		t.Fatalf("revision = %+v", rev)
	}

	p, err = env.Engine.ApplyPlanReview(env.Ctx, p.ID, 0.4, "needs_revision", "missing rollback steps", "reviewer")
	if err != nil || p.Status != "ai_needs_revision" {
		t.Fatalf("needs revision: %v", err)
	}
	if p.ReviewScore == nil || *p.ReviewScore != 0.4 {
		t.Fatalf("review score = %v", p.ReviewScore)
	}

	p, err = env.Engine.RevisePlan(env.Ctx, p.ID, "drain, restart, verify, rollback on error", "tester")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	p, rev, err = env.Engine.SubmitPlanForReview(env.Ctx, p.ID, "tester")
	if err != nil || rev.Seq != 2 {
		t.Fatalf("resubmit: %v, seq=%d", err, rev.Seq)
	}
	p, err = env.Engine.ApplyPlanReview(env.Ctx, p.ID, 0.9, "approve", "looks good", "reviewer")
	if err != nil || p.Status != "ai_approved" {
		t.Fatalf("approve: %v", err)
	}

	// a late duplicate result loses the compare-and-set
	_, err = env.Engine.ApplyPlanReview(env.Ctx, p.ID, 0.1, "reject", "late", "reviewer")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("late result: got %v, want ErrInvalidTransition", err)
	}
}

func TestReclaimStuckReviews(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TeamID: env.TeamID, Title: "patch rollout", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.SubmitPlanForReview(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// not stuck yet
	n, err := env.Engine.ReclaimStuckReviews(env.Ctx, "sess-1", 3*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("early reclaim: n=%d err=%v", n, err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC) }
	n, err = env.Engine.ReclaimStuckReviews(env.Ctx, "sess-1", 3*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	p, err = env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if err != nil || p.Status != "ai_needs_revision" {
		t.Fatalf("reclaimed plan status = %s (%v)", p.Status, err)
	}
}

func approvedPlan(t *testing.T, env *testEnv, incidentID string) domain.Plan {
	t.Helper()
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TeamID: env.TeamID, IncidentID: incidentID, Title: "fix", Body: "steps", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.SubmitPlanForReview(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.ApplyPlanReview(env.Ctx, p.ID, 0.9, "approve", "", "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestChangeSuccessCompletesPlan(t *testing.T) {
	env := newTestEnv(t)
	p := approvedPlan(t, env, "")
	c, err := env.Engine.CreateChange(env.Ctx, engine.ChangeCreateOptions{
		TeamID: env.TeamID, PlanID: p.ID, Title: "roll out fix", RiskLevel: "low",
		ImplementationPlan: "steps", RollbackPlan: "undo", TestPlan: "smoke", ActorID: "tester",
	})
	if err != nil || c.Status != "pending" {
		t.Fatalf("create change: %v", err)
	}
	if c, err = env.Engine.ApproveChange(env.Ctx, c.ID, "cab"); err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.StartChange(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err = env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if err != nil || p.Status != "implementing" {
		t.Fatalf("plan after start = %s (%v)", p.Status, err)
	}

	env.Engine.Rand = func() float64 { return 0.99 } // above any failure probability
	c, spawned, err := env.Engine.CompleteChange(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != "completed" {
		t.Fatalf("complete: %v status=%s", err, c.Status)
	}
	if spawned != nil {
		t.Fatalf("success spawned incident %+v", spawned)
	}
	p, err = env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if err != nil || p.Status != "completed" {
		t.Fatalf("plan after complete = %s (%v)", p.Status, err)
	}
}

func TestChangeFailureRollsBackWithPlan(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateChange(env.Ctx, engine.ChangeCreateOptions{
		TeamID: env.TeamID, Title: "risky change", ChangeType: "emergency",
		RiskLevel: "critical", RollbackPlan: "undo", ActorID: "tester",
	})
	if err != nil || c.Status != "approved" {
		t.Fatalf("emergency change should be pre-approved: %v status=%s", err, c.Status)
	}
	if c, err = env.Engine.StartChange(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Rand = func() float64 { return 0 } // always fail
	c, spawned, err := env.Engine.CompleteChange(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != "rolled_back" {
		t.Fatalf("rollback: %v status=%s", err, c.Status)
	}
	if spawned != nil {
		t.Fatalf("rollback spawned incident %+v", spawned)
	}
}

func TestChangeFailureReturnsPlanForRework(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{Priority: "high"})
	p := approvedPlan(t, env, in.ID)
	c, err := env.Engine.CreateChange(env.Ctx, engine.ChangeCreateOptions{
		TeamID: env.TeamID, PlanID: p.ID, IncidentID: in.ID, Title: "roll out fix",
		RiskLevel: "high", RollbackPlan: "undo", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.ApproveChange(env.Ctx, c.ID, "cab"); err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.StartChange(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	env.Engine.Rand = func() float64 { return 0 } // always fail
	c, _, err = env.Engine.CompleteChange(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != "rolled_back" {
		t.Fatalf("rollback: %v status=%s", err, c.Status)
	}

	// The plan must not stay in implementing: nothing can move it from there
	// except another change completion, which requires a fresh approval.
	p, err = env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if err != nil || p.Status != "ai_needs_revision" {
		t.Fatalf("plan after rollback = %s (%v), want ai_needs_revision", p.Status, err)
	}
	if _, err := env.Engine.RevisePlan(env.Ctx, p.ID, "steps, but slower this time", "tester"); err != nil {
		t.Fatalf("revise reworked plan: %v", err)
	}
	if _, _, err := env.Engine.SubmitPlanForReview(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("resubmit reworked plan: %v", err)
	}
}

func TestChangeFailureWithoutRollbackSpawnsIncident(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateChange(env.Ctx, engine.ChangeCreateOptions{
		TeamID: env.TeamID, Title: "risky change", ChangeType: "emergency",
		RiskLevel: "critical", AffectedServices: []string{"billing", "auth"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.StartChange(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.Engine.Rand = func() float64 { return 0 }
	c, spawned, err := env.Engine.CompleteChange(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != "failed" {
		t.Fatalf("fail: %v status=%s", err, c.Status)
	}
	if spawned == nil {
		t.Fatalf("failed change did not spawn incident")
	}
	if spawned.Priority != "high" || spawned.SLAMinutes != 60 {
		t.Fatalf("spawned incident = priority %s sla %d", spawned.Priority, spawned.SLAMinutes)
	}
	if spawned.SourceChangeID == nil || *spawned.SourceChangeID != c.ID {
		t.Fatalf("spawned incident source = %v", spawned.SourceChangeID)
	}
	if len(spawned.AffectedServices) != 2 {
		t.Fatalf("spawned services = %v", spawned.AffectedServices)
	}
	got, err := env.Engine.Repo.GetIncident(env.Ctx, spawned.ID)
	if err != nil || got.Status != "open" {
		t.Fatalf("spawned incident not persisted: %v", err)
	}
}

func TestChangeRequiresApprovedPlan(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		TeamID: env.TeamID, Title: "draft only", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateChange(env.Ctx, engine.ChangeCreateOptions{
		TeamID: env.TeamID, PlanID: p.ID, Title: "premature", ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrInvariant) {
		t.Fatalf("got %v, want ErrInvariant", err)
	}
}

func TestFailureProbability(t *testing.T) {
	text := func(s string) *string { return &s }
	cases := []struct {
		name   string
		change domain.ChangeRequest
		want   float64
	}{
		{"bare critical", domain.ChangeRequest{RiskLevel: "critical"}, 0.45},
		{"bare low", domain.ChangeRequest{RiskLevel: "low"}, 0.05},
		{"unknown risk defaults to medium", domain.ChangeRequest{RiskLevel: "weird"}, 0.15},
		{"all artifacts", domain.ChangeRequest{
			RiskLevel:          "high",
			ImplementationPlan: text("a"),
			RollbackPlan:       text("b"),
			TestPlan:           text("c"),
		}, 0.30 * 0.7 * 0.8 * 0.9},
		{"empty artifact ignored", domain.ChangeRequest{
			RiskLevel:    "low",
			RollbackPlan: text(""),
		}, 0.05},
	}
	for _, tc := range cases {
		got := engine.FailureProbability(tc.change)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.SetSessionStatus(env.Ctx, "sess-1", "running", "tester")
	if err != nil || s.Status != "running" {
		t.Fatalf("start: %v", err)
	}
	if s.StartedAt == nil {
		t.Fatalf("running session missing started_at")
	}
	if s, err = env.Engine.SetSessionStatus(env.Ctx, "sess-1", "paused", "tester"); err != nil {
		t.Fatal(err)
	}
	if s, err = env.Engine.SetSessionStatus(env.Ctx, "sess-1", "ended", "tester"); err != nil {
		t.Fatal(err)
	}
	if s.EndedAt == nil {
		t.Fatalf("ended session missing ended_at")
	}
	_, err = env.Engine.SetSessionStatus(env.Ctx, "sess-1", "running", "tester")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("restart ended: got %v", err)
	}
}

func TestEventsStampedOnEngineClock(t *testing.T) {
	env := newTestEnv(t)
	in := env.incident(t, engine.IncidentCreateOptions{Priority: "high"})
	if _, err := env.Engine.TransitionIncident(env.Ctx, in.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, "sess-1", 50)
	if err != nil || len(evts) == 0 {
		t.Fatalf("list events: %v (%d rows)", err, len(evts))
	}
	// Window guards compare event ts against entity end times, so both must
	// come from the injected clock, not the wall clock.
	want := "2024-01-01T00:00:00Z"
	for _, evt := range evts {
		if evt.TS != want {
			t.Fatalf("event %s ts = %s, want %s", evt.Type, evt.TS, want)
		}
	}
}

func TestTeamSeedsChallenges(t *testing.T) {
	env := newTestEnv(t)
	challenges, err := env.Engine.Repo.ListChallenges(env.Ctx, repo.ChallengeFilters{TeamID: env.TeamID, Status: "active"})
	if err != nil {
		t.Fatalf("list challenges: %v", err)
	}
	// default config ships three challenges
	if len(challenges) != 3 {
		t.Fatalf("seeded %d challenges, want 3", len(challenges))
	}
	for _, ch := range challenges {
		if ch.CurrentValue != 0 || ch.EndTime == "" {
			t.Fatalf("challenge %s seeded badly: %+v", ch.Name, ch)
		}
	}
}
