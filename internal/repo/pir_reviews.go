package repo

import (
	"context"
	"database/sql"

	"opsdrill/internal/domain"
)

const pirColumns = `id,session_id,team_id,incident_id,status,body,score,feedback,created_at,updated_at`

func (r Repo) InsertPIRReview(ctx context.Context, tx *sql.Tx, p domain.PIRReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pir_reviews(`+pirColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.TeamID, p.IncidentID, p.Status, nullableStringPtr(p.Body),
		nullableFloatPtr(p.Score), nullableStringPtr(p.Feedback), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanPIR(scan func(dest ...any) error) (domain.PIRReview, error) {
	var p domain.PIRReview
	var body, feedback sql.NullString
	var score sql.NullFloat64
	err := scan(&p.ID, &p.SessionID, &p.TeamID, &p.IncidentID, &p.Status, &body, &score, &feedback, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if body.Valid {
		p.Body = &body.String
	}
	if score.Valid {
		p.Score = &score.Float64
	}
	if feedback.Valid {
		p.Feedback = &feedback.String
	}
	return p, nil
}

func (r Repo) GetPIRReview(ctx context.Context, id string) (domain.PIRReview, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+pirColumns+` FROM pir_reviews WHERE id=?`, id)
	return scanPIR(row.Scan)
}

func (r Repo) ListPIRReviews(ctx context.Context, teamID, status string) ([]domain.PIRReview, error) {
	query := `SELECT ` + pirColumns + ` FROM pir_reviews WHERE team_id=?`
	args := []any{teamID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PIRReview
	for rows.Next() {
		p, err := scanPIR(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPIRStatus applies a guarded compare-and-set on status.
func (r Repo) SetPIRStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE pir_reviews SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, now, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetPIRBody(ctx context.Context, tx *sql.Tx, id, body, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pir_reviews SET body=?, updated_at=? WHERE id=?`, body, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPIRGrade(ctx context.Context, tx *sql.Tx, id string, score float64, feedback, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pir_reviews SET score=?, feedback=?, updated_at=? WHERE id=?`,
		score, feedback, now, id)
	return err
}
