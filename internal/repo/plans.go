package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsdrill/internal/domain"
)

const planColumns = `id,session_id,team_id,incident_id,title,body,risk_level,status,review_score,review_feedback,review_requested_at,created_at,updated_at`

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SessionID, p.TeamID, nullableStringPtr(p.IncidentID), p.Title, nullable(p.Body), p.RiskLevel, p.Status,
		nullableFloatPtr(p.ReviewScore), nullableStringPtr(p.ReviewFeedback), nullableStringPtr(p.ReviewRequestedAt),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var incidentID, body, feedback, requestedAt sql.NullString
	var score sql.NullFloat64
	err := scan(&p.ID, &p.SessionID, &p.TeamID, &incidentID, &p.Title, &body, &p.RiskLevel, &p.Status,
		&score, &feedback, &requestedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if incidentID.Valid {
		p.IncidentID = &incidentID.String
	}
	if body.Valid {
		p.Body = body.String
	}
	if score.Valid {
		p.ReviewScore = &score.Float64
	}
	if feedback.Valid {
		p.ReviewFeedback = &feedback.String
	}
	if requestedAt.Valid {
		p.ReviewRequestedAt = &requestedAt.String
	}
	return p, nil
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

type PlanFilters struct {
	SessionID  string
	TeamID     string
	IncidentID string
	Status     string
	Limit      int
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.Plan, error) {
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
	if f.IncidentID != "" {
		clauses = append(clauses, "incident_id=?")
		args = append(args, f.IncidentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + planColumns + ` FROM plans ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePlanForIncident returns the non-terminal plan attached to an incident,
// if any. At most one may exist at a time.
func (r Repo) ActivePlanForIncident(ctx context.Context, incidentID string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE incident_id=? AND status NOT IN ('ai_rejected','completed') LIMIT 1`, incidentID)
	return scanPlan(row.Scan)
}

// SetPlanStatus applies a guarded compare-and-set on status.
func (r Repo) SetPlanStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, updated_at=? WHERE id=? AND status=?`,
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

func (r Repo) UpdatePlanBody(ctx context.Context, tx *sql.Tx, id, body, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET body=?, updated_at=? WHERE id=?`, body, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetPlanReviewResult(ctx context.Context, tx *sql.Tx, id string, score float64, feedback, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE plans SET review_score=?, review_feedback=?, updated_at=? WHERE id=?`,
		score, feedback, now, id)
	return err
}

func (r Repo) SetPlanReviewRequestedAt(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE plans SET review_requested_at=?, updated_at=? WHERE id=?`, now, now, id)
	return err
}

// StuckReviewingPlans returns plans sitting in ai_reviewing with a review
// requested before the cutoff.
func (r Repo) StuckReviewingPlans(ctx context.Context, sessionID, cutoff string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE session_id=? AND status='ai_reviewing' AND review_requested_at IS NOT NULL AND review_requested_at < ?`,
		sessionID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- revisions ---

func (r Repo) InsertPlanRevision(ctx context.Context, tx *sql.Tx, rev domain.PlanRevision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_revisions(id,plan_id,seq,body,risk_level,created_at) VALUES (?,?,?,?,?,?)`,
		rev.ID, rev.PlanID, rev.Seq, rev.Body, rev.RiskLevel, rev.CreatedAt)
	return err
}

func (r Repo) NextPlanRevisionSeq(ctx context.Context, tx *sql.Tx, planID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM plan_revisions WHERE plan_id=?`, planID).Scan(&seq)
	return seq, err
}

func (r Repo) ListPlanRevisions(ctx context.Context, planID string) ([]domain.PlanRevision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,seq,body,risk_level,created_at FROM plan_revisions WHERE plan_id=? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanRevision
	for rows.Next() {
		var rev domain.PlanRevision
		if err := rows.Scan(&rev.ID, &rev.PlanID, &rev.Seq, &rev.Body, &rev.RiskLevel, &rev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
