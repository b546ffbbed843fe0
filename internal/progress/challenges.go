// Package progress drives challenge and achievement evaluation off the event
// log. It never mutates incidents, plans, or changes; it only reads events and
// moves the scoreboard.
package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/events"
	"opsdrill/internal/repo"
)

const sweepBatch = 200

// Which challenge criteria an event type can advance.
var eventCriteria = map[string][]string{
	"incident_resolved": {"incident_resolved_count", "clear_open_queue"},
	"change_completed":  {"change_completed_count"},
	"pir_graded":        {"pir_graded_count"},
	"plan_approved":     {"plan_approved_count"},
}

// criterionEventType maps a counting criterion back to the event it counts.
var criterionEventType = map[string]string{
	"incident_resolved_count": "incident_resolved",
	"change_completed_count":  "change_completed",
	"pir_graded_count":        "pir_graded",
	"plan_approved_count":     "plan_approved",
}

// Tracker tails the event log with a cursor and applies challenge and
// achievement effects. Progress writes are monotonic and awards idempotent,
// so replaying from cursor zero after a restart is safe.
type Tracker struct {
	engine engine.Engine

	mu     sync.Mutex
	cursor int64
}

func NewTracker(eng engine.Engine) *Tracker {
	return &Tracker{engine: eng}
}

// Sweep processes events appended since the last call and expires challenges
// past their window. It is safe to call from concurrent tickers; the cursor
// advance is serialized.
func (t *Tracker) Sweep(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expire(ctx, sessionID); err != nil {
		return err
	}
	for {
		evts, err := t.engine.Repo.EventsAfter(ctx, sweepBatch, t.cursor, sessionID)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}
		for _, evt := range evts {
			if err := t.handle(ctx, evt); err != nil {
				return err
			}
			t.cursor = evt.ID
		}
		if len(evts) < sweepBatch {
			return nil
		}
	}
}

func (t *Tracker) expire(ctx context.Context, sessionID string) error {
	now := t.engine.NowRFC3339()
	tx, err := t.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := t.engine.Repo.ExpireChallenges(ctx, tx, sessionID, now)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("progress: expired %d challenges", n)
	}
	return tx.Commit()
}

func (t *Tracker) handle(ctx context.Context, evt domain.Event) error {
	criteria, ok := eventCriteria[evt.Type]
	if !ok || evt.TeamID == "" {
		return t.evaluateAchievementsForEvent(ctx, evt)
	}
	for _, criterion := range criteria {
		challenges, err := t.engine.Repo.ListChallenges(ctx, repo.ChallengeFilters{
			TeamID: evt.TeamID, Status: "active", Criterion: criterion,
		})
		if err != nil {
			return err
		}
		for _, ch := range challenges {
			if err := t.advance(ctx, ch, evt); err != nil {
				return err
			}
		}
	}
	return t.evaluateAchievementsForEvent(ctx, evt)
}

// advance recomputes a challenge's value from source-of-truth counts and
// completes it when the target is met. Recomputing instead of incrementing is
// what makes event replay idempotent.
func (t *Tracker) advance(ctx context.Context, ch domain.Challenge, evt domain.Event) error {
	// Challenges only count activity inside their window.
	if evt.TS > ch.EndTime {
		return nil
	}
	var current int
	var err error
	if ch.Criterion == "clear_open_queue" {
		open, err := t.engine.Repo.OpenIncidentCount(ctx, evt.TeamID)
		if err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		current = ch.TargetValue
	} else {
		current, err = t.engine.Repo.CountTeamEvents(ctx, evt.TeamID, criterionEventType[ch.Criterion])
		if err != nil {
			return err
		}
	}

	now := t.engine.NowRFC3339()
	tx, err := t.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if current > ch.CurrentValue {
		if _, err := t.engine.Repo.RaiseChallengeValue(ctx, tx, ch.ID, current); err != nil {
			return err
		}
	}
	if current >= ch.TargetValue {
		won, err := t.engine.Repo.CompleteChallenge(ctx, tx, ch.ID, now)
		if err != nil {
			return err
		}
		if won {
			if err := t.engine.Repo.AddTeamPoints(ctx, tx, ch.TeamID, ch.RewardPoints); err != nil {
				return err
			}
			if err := t.engine.EventLog().Append(ctx, tx, "challenge_completed", ch.SessionID, ch.TeamID, "challenge", ch.ID, "system", events.EventPayload{
				"name":   ch.Name,
				"points": ch.RewardPoints,
			}); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Run sweeps on an interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, sessionID string, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := t.Sweep(ctx, sessionID); err != nil {
				log.Printf("progress: sweep failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
