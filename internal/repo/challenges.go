package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsdrill/internal/domain"
)

const challengeColumns = `id,session_id,team_id,name,criterion,target_value,current_value,reward_points,status,end_time,completed_at,created_at`

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO challenges(`+challengeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SessionID, c.TeamID, c.Name, c.Criterion, c.TargetValue, c.CurrentValue, c.RewardPoints,
		c.Status, c.EndTime, nullableStringPtr(c.CompletedAt), c.CreatedAt)
	return err
}

func scanChallenge(scan func(dest ...any) error) (domain.Challenge, error) {
	var c domain.Challenge
	var completedAt sql.NullString
	err := scan(&c.ID, &c.SessionID, &c.TeamID, &c.Name, &c.Criterion, &c.TargetValue, &c.CurrentValue,
		&c.RewardPoints, &c.Status, &c.EndTime, &completedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	return c, nil
}

func (r Repo) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id)
	return scanChallenge(row.Scan)
}

type ChallengeFilters struct {
	SessionID string
	TeamID    string
	Status    string
	Criterion string
}

func (r Repo) ListChallenges(ctx context.Context, f ChallengeFilters) ([]domain.Challenge, error) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Criterion != "" {
		clauses = append(clauses, "criterion=?")
		args = append(args, f.Criterion)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+challengeColumns+` FROM challenges `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// RaiseChallengeValue moves current_value to value only if the challenge is
// still active and the new value is strictly higher. Keeps progress monotonic
// under concurrent evaluators.
func (r Repo) RaiseChallengeValue(ctx context.Context, tx *sql.Tx, id string, value int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET current_value=? WHERE id=? AND status='active' AND current_value<?`,
		value, id, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteChallenge transitions active->completed exactly once; the returned
// bool reports whether this call won the transition.
func (r Repo) CompleteChallenge(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET status='completed', completed_at=? WHERE id=? AND status='active'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpireChallenges marks active challenges past their end time as expired.
func (r Repo) ExpireChallenges(ctx context.Context, tx *sql.Tx, sessionID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET status='expired' WHERE session_id=? AND status='active' AND end_time < ?`, sessionID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- achievement awards ---

// InsertAchievementAward records the earned fact. The primary key makes the
// award idempotent; the bool reports whether this call inserted it.
func (r Repo) InsertAchievementAward(ctx context.Context, tx *sql.Tx, teamID, achievementID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO achievement_awards(team_id,achievement_id,earned_at) VALUES (?,?,?)`,
		teamID, achievementID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetAchievementAward(ctx context.Context, teamID, achievementID string) (string, error) {
	var earnedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT earned_at FROM achievement_awards WHERE team_id=? AND achievement_id=?`,
		teamID, achievementID).Scan(&earnedAt)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return earnedAt, err
}
