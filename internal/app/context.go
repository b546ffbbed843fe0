package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/domain"
	"opsdrill/internal/repo"
)

// ResolveSessionAndConfig picks the active session and ensures a session +
// config exist in the DB, seeding them if missing. It prefers the override,
// then the single session in the DB. A missing session is created on the fly
// from the workspace config file, or from defaults when there is none.
func ResolveSessionAndConfig(ctx context.Context, workspace, sessionOverride string, r repo.Repo) (string, *config.Config, error) {
	sessionID := sessionOverride
	if sessionID == "" {
		if s, err := r.SingleSession(ctx); err == nil {
			sessionID = s.ID
		} else {
			return "", nil, fmt.Errorf("session not specified; use --session")
		}
	}

	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if seedCfg == nil {
		seedCfg = config.Default(sessionID)
	}

	if _, err := r.GetSession(ctx, sessionID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createSession(ctx, r, sessionID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetSessionConfig(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertSessionConfig(ctx, sessionID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed session config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Session.ID = sessionID
	return sessionID, cfg, nil
}

func createSession(ctx context.Context, r repo.Repo, sessionID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(sessionID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s := domain.Session{
		ID:              sessionID,
		Kind:            "itsm-exercise",
		Status:          "setup",
		DurationMinutes: seedCfg.Session.DurationMinutes,
		CreatedAt:       now,
	}
	if err := r.InsertSession(ctx, tx, s); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := r.UpsertSessionConfigTx(ctx, tx, sessionID, seedCfg); err != nil {
		return fmt.Errorf("insert session config: %w", err)
	}
	return tx.Commit()
}
