package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsdrill/internal/domain"
	"opsdrill/internal/events"
	"opsdrill/internal/timescale"
)

// InitSession creates a new exercise session with migrations already run.
func (e Engine) InitSession(ctx context.Context, sessionID, description, actorID string) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s := domain.Session{
		ID:              sessionID,
		Kind:            "itsm-exercise",
		Status:          "setup",
		Description:     description,
		DurationMinutes: e.durationMinutes(),
		CreatedAt:       e.NowRFC3339(),
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Repo.UpsertSessionConfigTx(ctx, tx, s.ID, e.Config); err != nil {
		return domain.Session{}, fmt.Errorf("insert session config: %w", err)
	}
	if err := e.EventLog().Append(ctx, tx, "session_init", s.ID, "", "session", s.ID, actorID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func ensureSessionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "setup":
		if newStatus == "running" {
			return nil
		}
	case "running":
		if newStatus == "paused" || newStatus == "ended" {
			return nil
		}
	case "paused":
		if newStatus == "running" || newStatus == "ended" {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// SetSessionStatus moves the session lifecycle (setup -> running -> ended,
// with pauses in between).
func (e Engine) SetSessionStatus(ctx context.Context, id, status, actorID string) (domain.Session, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, status); err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	now := e.NowRFC3339()
	if err := e.Repo.SetSessionStatus(ctx, tx, id, status, now); err != nil {
		return s, err
	}
	if err := e.EventLog().Append(ctx, tx, "session_"+status, id, "", "session", id, actorID, events.EventPayload{"from": s.Status, "to": status}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return e.Repo.GetSession(ctx, id)
}

// SessionRemaining returns the time left in a running session, or the full
// configured duration when the session has not started.
func (e Engine) SessionRemaining(s domain.Session) time.Duration {
	full := time.Duration(s.DurationMinutes) * time.Minute
	if s.StartedAt == nil {
		return full
	}
	started, err := time.Parse(time.RFC3339, *s.StartedAt)
	if err != nil {
		return full
	}
	remaining := full - e.now().Sub(started)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TeamCreateOptions are parameters for registering a team.
type TeamCreateOptions struct {
	ID        string
	SessionID string
	Name      string
	Role      string
	ActorID   string
}

// CreateTeam registers a team and seeds its challenge set from the config
// catalog, with windows scaled to the session duration.
func (e Engine) CreateTeam(ctx context.Context, opts TeamCreateOptions) (domain.Team, error) {
	if e.Config == nil {
		return domain.Team{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Team{}, errors.New("name is required")
	}
	if opts.SessionID == "" {
		return domain.Team{}, errors.New("session is required")
	}
	if opts.Role == "" {
		opts.Role = "technical-operations"
	}
	if _, ok := e.Config.Roles[opts.Role]; !ok {
		return domain.Team{}, fmt.Errorf("role %s not configured", opts.Role)
	}
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Team{}, err
	}
	id := opts.ID
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.SessionID+"|"+opts.Name)).String()
	}
	t := domain.Team{
		ID:        id,
		SessionID: opts.SessionID,
		Name:      opts.Name,
		Role:      opts.Role,
		CreatedAt: nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return domain.Team{}, err
	}
	if err := e.EventLog().Append(ctx, tx, "team_created", t.SessionID, t.ID, "team", t.ID, opts.ActorID, events.EventPayload{"name": t.Name, "role": t.Role}); err != nil {
		return domain.Team{}, err
	}
	remaining := e.SessionRemaining(s)
	for _, spec := range e.Config.Challenges {
		window := timescale.ChallengeWindow(spec.Window, s.DurationMinutes)
		window = timescale.CapWindow(window, remaining)
		ch := domain.Challenge{
			ID:           uuid.New().String(),
			SessionID:    t.SessionID,
			TeamID:       t.ID,
			Name:         spec.Name,
			Criterion:    spec.Criterion,
			TargetValue:  spec.Target,
			RewardPoints: spec.RewardPoints,
			Status:       "active",
			EndTime:      now.Add(window).Format(time.RFC3339),
			CreatedAt:    nowStr,
		}
		if err := e.Repo.InsertChallenge(ctx, tx, ch); err != nil {
			return domain.Team{}, err
		}
		if err := e.EventLog().Append(ctx, tx, "challenge_created", t.SessionID, t.ID, "challenge", ch.ID, opts.ActorID, events.EventPayload{
			"name":      ch.Name,
			"criterion": ch.Criterion,
			"end_time":  ch.EndTime,
		}); err != nil {
			return domain.Team{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}
