package agent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opsdrill/internal/engine"
	"opsdrill/internal/progress"
)

const defaultTickSchedule = "* * * * *"

// Runner ticks every team's decision cycle on a cron schedule and sweeps the
// progress evaluators after the cycles land.
type Runner struct {
	engine  engine.Engine
	agent   *Agent
	tracker *progress.Tracker
}

func NewRunner(eng engine.Engine, agent *Agent, tracker *progress.Tracker) *Runner {
	return &Runner{engine: eng, agent: agent, tracker: tracker}
}

// Start parses the configured tick schedule and runs until ctx is cancelled.
// The schedule is a standard 5-field cron expression; "* * * * *" ticks every
// minute.
func (r *Runner) Start(ctx context.Context, sessionID string) error {
	schedule := defaultTickSchedule
	if r.engine.Config != nil && strings.TrimSpace(r.engine.Config.Agent.TickSchedule) != "" {
		schedule = strings.TrimSpace(r.engine.Config.Agent.TickSchedule)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return err
	}
	log.Printf("agent: tick scheduled (cron: %s) for session %s", schedule, sessionID)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next.Sub(now)):
			}
			r.Tick(ctx, sessionID)
		}
	}()
	return nil
}

// Tick runs one decision cycle per team, teams in parallel, then sweeps
// challenges and achievements. Only running sessions tick.
func (r *Runner) Tick(ctx context.Context, sessionID string) {
	s, err := r.engine.Repo.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("agent: tick skipped, session lookup failed: %v", err)
		return
	}
	if s.Status != "running" {
		return
	}
	teams, err := r.engine.Repo.ListTeams(ctx, sessionID)
	if err != nil {
		log.Printf("agent: tick skipped, team listing failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, team := range teams {
		wg.Add(1)
		go func(teamID string) {
			defer wg.Done()
			if _, err := r.agent.RunCycle(ctx, teamID); err != nil {
				log.Printf("agent: cycle for team %s failed: %v", teamID, err)
			}
		}(team.ID)
	}
	wg.Wait()

	if r.tracker != nil {
		if err := r.tracker.Sweep(ctx, sessionID); err != nil {
			log.Printf("agent: progress sweep failed: %v", err)
		}
	}
	if r.engine.Config != nil && r.engine.Config.GenAI.ReviewTimeoutSeconds > 0 {
		timeout := time.Duration(r.engine.Config.GenAI.ReviewTimeoutSeconds) * time.Second
		if n, err := r.engine.ReclaimStuckReviews(ctx, sessionID, timeout); err != nil {
			log.Printf("agent: stuck review sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("agent: reclaimed %d stuck reviews", n)
		}
	}
}
