package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsdrill/internal/domain"
)

const changeColumns = `id,session_id,team_id,plan_id,incident_id,title,change_type,risk_level,status,implementation_plan,rollback_plan,test_plan,affected_services_json,started_at,completed_at,created_at,updated_at`

func (r Repo) InsertChangeRequest(ctx context.Context, tx *sql.Tx, c domain.ChangeRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_requests(`+changeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SessionID, c.TeamID, nullableStringPtr(c.PlanID), nullableStringPtr(c.IncidentID), c.Title,
		c.ChangeType, c.RiskLevel, c.Status, nullableStringPtr(c.ImplementationPlan), nullableStringPtr(c.RollbackPlan),
		nullableStringPtr(c.TestPlan), marshalServices(c.AffectedServices), nullableStringPtr(c.StartedAt),
		nullableStringPtr(c.CompletedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func scanChange(scan func(dest ...any) error) (domain.ChangeRequest, error) {
	var c domain.ChangeRequest
	var planID, incidentID, impl, rollback, test, services, startedAt, completedAt sql.NullString
	err := scan(&c.ID, &c.SessionID, &c.TeamID, &planID, &incidentID, &c.Title, &c.ChangeType, &c.RiskLevel, &c.Status,
		&impl, &rollback, &test, &services, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if planID.Valid {
		c.PlanID = &planID.String
	}
	if incidentID.Valid {
		c.IncidentID = &incidentID.String
	}
	if impl.Valid {
		c.ImplementationPlan = &impl.String
	}
	if rollback.Valid {
		c.RollbackPlan = &rollback.String
	}
	if test.Valid {
		c.TestPlan = &test.String
	}
	c.AffectedServices = unmarshalServices(services)
	if startedAt.Valid {
		c.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	return c, nil
}

func (r Repo) GetChangeRequest(ctx context.Context, id string) (domain.ChangeRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM change_requests WHERE id=?`, id)
	return scanChange(row.Scan)
}

type ChangeFilters struct {
	SessionID string
	TeamID    string
	PlanID    string
	Status    string
	Limit     int
}

func (r Repo) ListChangeRequests(ctx context.Context, f ChangeFilters) ([]domain.ChangeRequest, error) {
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
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + changeColumns + ` FROM change_requests ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeRequest
	for rows.Next() {
		c, err := scanChange(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetChangeStatus applies a guarded compare-and-set on status, stamping
// started/completed times for the matching edges.
func (r Repo) SetChangeStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) (bool, error) {
	query := `UPDATE change_requests SET status=?, updated_at=? WHERE id=? AND status=?`
	args := []any{toStatus, now, id, fromStatus}
	switch toStatus {
	case "in_progress":
		query = `UPDATE change_requests SET status=?, updated_at=?, started_at=? WHERE id=? AND status=?`
		args = []any{toStatus, now, now, id, fromStatus}
	case "completed", "failed", "rolled_back":
		query = `UPDATE change_requests SET status=?, updated_at=?, completed_at=? WHERE id=? AND status=?`
		args = []any{toStatus, now, now, id, fromStatus}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
