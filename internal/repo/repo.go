package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdrill/internal/config"
	"opsdrill/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,kind,status,description,duration_minutes,started_at,ended_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.Kind, s.Status, nullable(s.Description), s.DurationMinutes, nullableStringPtr(s.StartedAt), nullableStringPtr(s.EndedAt), s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var desc, startedAt, endedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,description,duration_minutes,started_at,ended_at,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Kind, &s.Status, &desc, &s.DurationMinutes, &startedAt, &endedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if desc.Valid {
		s.Description = desc.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, nil
}

func (r Repo) SingleSession(ctx context.Context) (domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return domain.Session{}, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.Session{}, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return domain.Session{}, ErrNotFound
	}
	if len(ids) > 1 {
		return domain.Session{}, fmt.Errorf("multiple sessions exist; specify --session")
	}
	return r.GetSession(ctx, ids[0])
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var res []domain.Session
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// SetSessionStatus stamps started/ended times on the matching edges.
func (r Repo) SetSessionStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var res sql.Result
	var err error
	switch status {
	case "running":
		res, err = tx.ExecContext(ctx, `UPDATE sessions SET status=?, started_at=COALESCE(started_at,?) WHERE id=?`, status, now, id)
	case "ended":
		res, err = tx.ExecContext(ctx, `UPDATE sessions SET status=?, ended_at=? WHERE id=?`, status, now, id)
	default:
		res, err = tx.ExecContext(ctx, `UPDATE sessions SET status=? WHERE id=?`, status, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertSessionConfig(ctx context.Context, sessionID string, cfg *config.Config) error {
	return upsertSessionConfig(ctx, r.DB, nil, sessionID, cfg)
}

func (r Repo) UpsertSessionConfigTx(ctx context.Context, tx *sql.Tx, sessionID string, cfg *config.Config) error {
	return upsertSessionConfig(ctx, nil, tx, sessionID, cfg)
}

func upsertSessionConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, sessionID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Session.ID = sessionID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO session_configs(session_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, sessionID, string(payload), now, now)
	return err
}

func (r Repo) GetSessionConfig(ctx context.Context, sessionID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM session_configs WHERE session_id=?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = sessionID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,session_id,name,role,points,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.Name, t.Role, t.Points, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,name,role,points,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.SessionID, &t.Name, &t.Role, &t.Points, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,name,role,points,created_at FROM teams WHERE session_id=? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Role, &t.Points, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AddTeamPoints credits reward points inside the caller's transaction.
func (r Repo) AddTeamPoints(ctx context.Context, tx *sql.Tx, teamID string, points int) error {
	res, err := tx.ExecContext(ctx, `UPDATE teams SET points=points+? WHERE id=?`, points, teamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(session_id,''),COALESCE(team_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),COALESCE(team_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

// CountTeamEvents counts events of a given type for a team.
func (r Repo) CountTeamEvents(ctx context.Context, teamID, evtType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE team_id=? AND type=?`, teamID, evtType).Scan(&n)
	return n, err
}

// LatestEntityEvent returns the most recent event of a type for one entity.
func (r Repo) LatestEntityEvent(ctx context.Context, entityKind, entityID, evtType string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, ts, type, session_id, team_id, entity_kind, entity_id, actor_id, payload_json
		 FROM events WHERE entity_kind=? AND entity_id=? AND type=? ORDER BY id DESC LIMIT 1`,
		entityKind, entityID, evtType)
	var e domain.Event
	err := row.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.TeamID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.TeamID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalServices(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalServices(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}
