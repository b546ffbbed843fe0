package genai_test

import (
	"context"
	"testing"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/engine"
	"opsdrill/internal/genai"
	"opsdrill/internal/migrate"
)

type stubService struct {
	review genai.PlanReview
	err    error
	calls  chan genai.PlanInput
}

func (s *stubService) EvaluatePlan(_ context.Context, in genai.PlanInput) (genai.PlanReview, error) {
	if s.calls != nil {
		s.calls <- in
	}
	return s.review, s.err
}

func (s *stubService) GradeReview(context.Context, genai.PIRInput) (genai.PIRGrade, error) {
	return genai.PIRGrade{}, nil
}

func (s *stubService) GeneratePlan(context.Context, genai.PlanPrompt) (string, error) {
	return "", nil
}

func newEngine(t *testing.T) (engine.Engine, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("sess-1"))
	ctx := context.Background()
	if _, err := eng.InitSession(ctx, "sess-1", "", "tester"); err != nil {
		t.Fatal(err)
	}
	team, err := eng.CreateTeam(ctx, engine.TeamCreateOptions{
		SessionID: "sess-1", Name: "alpha", Role: "technical-operations", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	return eng, team.ID
}

func submittedPlan(t *testing.T, eng engine.Engine, teamID string) string {
	t.Helper()
	ctx := context.Background()
	p, err := eng.CreatePlan(ctx, engine.PlanCreateOptions{
		TeamID: teamID, Title: "fix", Body: "steps", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := eng.SubmitPlanForReview(ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func waitForStatus(t *testing.T, eng engine.Engine, planID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := eng.Repo.GetPlan(context.Background(), planID)
		if err != nil {
			t.Fatal(err)
		}
		if p.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := eng.Repo.GetPlan(context.Background(), planID)
	t.Fatalf("plan %s never reached %s (now %s)", planID, want, p.Status)
}

func TestReviewerAppliesVerdict(t *testing.T) {
	eng, teamID := newEngine(t)
	svc := &stubService{review: genai.PlanReview{Score: 0.9, Decision: "approve", Feedback: "good"}}
	rev := genai.NewReviewer(eng, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rev.Start(ctx)

	planID := submittedPlan(t, eng, teamID)
	if !rev.Enqueue(planID, genai.PlanInput{Title: "fix", Body: "steps"}) {
		t.Fatal("enqueue refused")
	}
	waitForStatus(t, eng, planID, "ai_approved")

	p, err := eng.Repo.GetPlan(context.Background(), planID)
	if err != nil || p.ReviewScore == nil || *p.ReviewScore != 0.9 {
		t.Fatalf("review score = %v (%v)", p.ReviewScore, err)
	}
}

func TestReviewerFallsBackOnServiceError(t *testing.T) {
	eng, teamID := newEngine(t)
	svc := &stubService{err: genai.ErrUnavailable}
	rev := genai.NewReviewer(eng, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rev.Start(ctx)

	planID := submittedPlan(t, eng, teamID)
	rev.Enqueue(planID, genai.PlanInput{})
	waitForStatus(t, eng, planID, "ai_needs_revision")
}

func TestFallbackGradesDeterministically(t *testing.T) {
	ctx := context.Background()
	var fb genai.Fallback

	weak, err := fb.EvaluatePlan(ctx, genai.PlanInput{Body: "restart it"})
	if err != nil || weak.Decision == "approve" {
		t.Fatalf("weak plan got %+v (%v)", weak, err)
	}
	strong, err := fb.EvaluatePlan(ctx, genai.PlanInput{
		Body: "drain traffic, apply the patch, run the smoke test suite to verify, monitor error rates for 15 minutes, rollback via the previous image if anything regresses, communicate status to stakeholders",
	})
	if err != nil || strong.Decision != "approve" {
		t.Fatalf("strong plan got %+v (%v)", strong, err)
	}
	if strong.Score <= weak.Score {
		t.Fatalf("scores not ordered: strong %v, weak %v", strong.Score, weak.Score)
	}

	grade, err := fb.GradeReview(ctx, genai.PIRInput{Body: "the root cause was a config push", WithinSLA: true})
	if err != nil || grade.Score <= 0 || grade.Score > 1 {
		t.Fatalf("grade = %+v (%v)", grade, err)
	}

	body, err := fb.GeneratePlan(ctx, genai.PlanPrompt{IncidentTitle: "db latency", AffectedServices: []string{"billing"}})
	if err != nil || body == "" {
		t.Fatalf("generate: %q (%v)", body, err)
	}
}
