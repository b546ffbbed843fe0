package progress_test

import (
	"context"
	"testing"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/engine"
	"opsdrill/internal/migrate"
	"opsdrill/internal/progress"
	"opsdrill/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Tracker *progress.Tracker
	Ctx     context.Context
	TeamID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("sess-1"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
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
	return &testEnv{Engine: eng, Tracker: progress.NewTracker(eng), Ctx: ctx, TeamID: team.ID}
}

func (env *testEnv) resolveIncident(t *testing.T, title string) {
	t.Helper()
	in, err := env.Engine.CreateIncident(env.Ctx, engine.IncidentCreateOptions{
		TeamID: env.TeamID, Title: title, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"in_progress", "resolved"} {
		if _, err := env.Engine.TransitionIncident(env.Ctx, in.ID, s, "tester"); err != nil {
			t.Fatalf("%s to %s: %v", in.ID, s, err)
		}
	}
}

func (env *testEnv) sweep(t *testing.T) {
	t.Helper()
	if err := env.Tracker.Sweep(env.Ctx, "sess-1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestChallengeCompletesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		env.resolveIncident(t, title)
	}
	env.sweep(t)

	byName := map[string]string{}
	challenges, err := env.Engine.Repo.ListChallenges(env.Ctx, repo.ChallengeFilters{TeamID: env.TeamID})
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range challenges {
		byName[ch.Name] = ch.Status
	}
	if byName["Firefighter"] != "completed" {
		t.Fatalf("Firefighter = %s, want completed", byName["Firefighter"])
	}
	// queue is empty, so Clean slate completes on the same sweep
	if byName["Clean slate"] != "completed" {
		t.Fatalf("Clean slate = %s, want completed", byName["Clean slate"])
	}
	if byName["Change champion"] != "active" {
		t.Fatalf("Change champion = %s, want active", byName["Change champion"])
	}

	team, err := env.Engine.Repo.GetTeam(env.Ctx, env.TeamID)
	if err != nil || team.Points != 80 {
		t.Fatalf("points = %d, want 80 (%v)", team.Points, err)
	}

	// replaying the log and resolving more incidents must not re-award
	env.Tracker = progress.NewTracker(env.Engine)
	env.resolveIncident(t, "d")
	env.sweep(t)
	team, err = env.Engine.Repo.GetTeam(env.Ctx, env.TeamID)
	if err != nil || team.Points != 80 {
		t.Fatalf("points after replay = %d, want 80 (%v)", team.Points, err)
	}
}

func TestChallengeProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.resolveIncident(t, "a")
	env.sweep(t)

	challenges, err := env.Engine.Repo.ListChallenges(env.Ctx, repo.ChallengeFilters{
		TeamID: env.TeamID, Criterion: "incident_resolved_count",
	})
	if err != nil || len(challenges) != 1 {
		t.Fatalf("challenges: %v (%v)", challenges, err)
	}
	if challenges[0].CurrentValue != 1 || challenges[0].Status != "active" {
		t.Fatalf("after one resolve: %+v", challenges[0])
	}
}

func TestExpiredChallengeDoesNotComplete(t *testing.T) {
	env := newTestEnv(t)
	// jump past every challenge window before any activity
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	env.Tracker = progress.NewTracker(env.Engine)
	for _, title := range []string{"a", "b", "c"} {
		env.resolveIncident(t, title)
	}
	env.sweep(t)

	challenges, err := env.Engine.Repo.ListChallenges(env.Ctx, repo.ChallengeFilters{TeamID: env.TeamID})
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range challenges {
		if ch.Status != "expired" {
			t.Fatalf("challenge %s = %s, want expired", ch.Name, ch.Status)
		}
	}
}

func TestAchievementEarnedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.resolveIncident(t, "a")
	env.sweep(t)

	progressList, err := env.Tracker.Achievements(env.Ctx, env.TeamID)
	if err != nil {
		t.Fatal(err)
	}
	var first, high *bool
	for i := range progressList {
		switch progressList[i].AchievementID {
		case "first-resolution":
			first = &progressList[i].Earned
		case "high-scorer":
			high = &progressList[i].Earned
		}
	}
	if first == nil || !*first {
		t.Fatalf("first-resolution not earned: %+v", progressList)
	}
	if high == nil || *high {
		t.Fatalf("high-scorer should not be earned yet")
	}

	earnedAt, err := env.Engine.Repo.GetAchievementAward(env.Ctx, env.TeamID, "first-resolution")
	if err != nil || earnedAt == "" {
		t.Fatalf("award row: %q (%v)", earnedAt, err)
	}

	// exactly one achievement_earned event even after more resolutions
	env.resolveIncident(t, "b")
	env.sweep(t)
	n, err := env.Engine.Repo.CountTeamEvents(env.Ctx, env.TeamID, "achievement_earned")
	if err != nil || n != 1 {
		t.Fatalf("achievement_earned events = %d, want 1 (%v)", n, err)
	}
}
