package progress

import (
	"context"
	"errors"
	"fmt"

	"opsdrill/internal/config"
	"opsdrill/internal/domain"
	"opsdrill/internal/events"
	"opsdrill/internal/repo"
)

// evaluateAchievementsForEvent checks whether the event pushed any achievement
// over its target for the team. Awards are stored once; the event log carries
// achievement_earned exactly once per team and achievement.
func (t *Tracker) evaluateAchievementsForEvent(ctx context.Context, evt domain.Event) error {
	if t.engine.Config == nil || evt.TeamID == "" {
		return nil
	}
	for _, spec := range t.engine.Config.Achievements {
		met, err := t.achievementMet(ctx, spec, evt)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		if err := t.award(ctx, spec, evt); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) achievementMet(ctx context.Context, spec config.AchievementSpec, evt domain.Event) (bool, error) {
	switch spec.Criterion {
	case "count":
		if spec.EventType != evt.Type {
			return false, nil
		}
		n, err := t.engine.Repo.CountTeamEvents(ctx, evt.TeamID, spec.EventType)
		if err != nil {
			return false, err
		}
		return n >= spec.Target, nil
	case "threshold":
		// Points only move on challenge completion.
		if evt.Type != "challenge_completed" {
			return false, nil
		}
		team, err := t.engine.Repo.GetTeam(ctx, evt.TeamID)
		if err != nil {
			return false, err
		}
		return team.Points >= spec.Target, nil
	}
	return false, fmt.Errorf("unknown achievement criterion %q", spec.Criterion)
}

func (t *Tracker) award(ctx context.Context, spec config.AchievementSpec, evt domain.Event) error {
	now := t.engine.NowRFC3339()
	tx, err := t.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inserted, err := t.engine.Repo.InsertAchievementAward(ctx, tx, evt.TeamID, spec.ID, now)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := t.engine.EventLog().Append(ctx, tx, "achievement_earned", evt.SessionID, evt.TeamID, "achievement", spec.ID, "system", events.EventPayload{
		"name": spec.Name,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Achievements computes per-team achievement progress on demand from the
// event log and the stored award facts.
func (t *Tracker) Achievements(ctx context.Context, teamID string) ([]domain.AchievementProgress, error) {
	if t.engine.Config == nil {
		return nil, errors.New("config not loaded")
	}
	team, err := t.engine.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var out []domain.AchievementProgress
	for _, spec := range t.engine.Config.Achievements {
		p := domain.AchievementProgress{
			TeamID:        teamID,
			AchievementID: spec.ID,
			Name:          spec.Name,
			Criterion:     spec.Criterion,
			Target:        spec.Target,
		}
		switch spec.Criterion {
		case "count":
			n, err := t.engine.Repo.CountTeamEvents(ctx, teamID, spec.EventType)
			if err != nil {
				return nil, err
			}
			p.Current = n
		case "threshold":
			p.Current = team.Points
		}
		earnedAt, err := t.engine.Repo.GetAchievementAward(ctx, teamID, spec.ID)
		switch {
		case err == nil:
			p.Earned = true
			p.EarnedAt = &earnedAt
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
