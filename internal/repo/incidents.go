package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsdrill/internal/domain"
)

const incidentColumns = `id,session_id,team_id,title,description,priority,severity,status,affected_services_json,sla_minutes,sla_deadline,cost_per_minute,requires_pir,source_change_id,resolved_at,created_at,updated_at`

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, in domain.Incident) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.SessionID, in.TeamID, in.Title, nullable(in.Description), in.Priority, nullable(in.Severity), in.Status,
		marshalServices(in.AffectedServices), in.SLAMinutes, in.SLADeadline, in.CostPerMinute, boolToInt(in.RequiresPIR),
		nullableStringPtr(in.SourceChangeID), nullableStringPtr(in.ResolvedAt), in.CreatedAt, in.UpdatedAt)
	return err
}

func scanIncident(scan func(dest ...any) error) (domain.Incident, error) {
	var in domain.Incident
	var desc, severity, services, sourceChange, resolvedAt sql.NullString
	var requiresPIR int
	err := scan(&in.ID, &in.SessionID, &in.TeamID, &in.Title, &desc, &in.Priority, &severity, &in.Status,
		&services, &in.SLAMinutes, &in.SLADeadline, &in.CostPerMinute, &requiresPIR, &sourceChange, &resolvedAt,
		&in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if desc.Valid {
		in.Description = desc.String
	}
	if severity.Valid {
		in.Severity = severity.String
	}
	in.AffectedServices = unmarshalServices(services)
	in.RequiresPIR = requiresPIR != 0
	if sourceChange.Valid {
		in.SourceChangeID = &sourceChange.String
	}
	if resolvedAt.Valid {
		in.ResolvedAt = &resolvedAt.String
	}
	return in, nil
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncident(row.Scan)
}

type IncidentFilters struct {
	SessionID string
	TeamID    string
	Status    string
	Priority  string
	Limit     int
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
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
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		in, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// SetIncidentStatus applies a guarded compare-and-set on status. Zero rows
// affected means the row was either missing or no longer in fromStatus.
func (r Repo) SetIncidentStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string, resolvedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET status=?, resolved_at=COALESCE(?,resolved_at), updated_at=? WHERE id=? AND status=?`,
		toStatus, nullableStringPtr(resolvedAt), now, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountIncidentsByStatus returns per-status counts for a team.
func (r Repo) CountIncidentsByStatus(ctx context.Context, teamID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM incidents WHERE team_id=? GROUP BY status`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// OpenIncidentCount counts incidents still in open or in_progress for a team.
func (r Repo) OpenIncidentCount(ctx context.Context, teamID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE team_id=? AND status IN ('open','in_progress')`, teamID).Scan(&n)
	return n, err
}

// TeamDowntimeCost accrues cost_per_minute over each incident's lifetime,
// from creation until resolution (or now for unresolved rows).
func (r Repo) TeamDowntimeCost(ctx context.Context, teamID, now string) (float64, error) {
	var cost sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(cost_per_minute * MAX(0, (julianday(COALESCE(resolved_at, ?)) - julianday(created_at)) * 1440)) FROM incidents WHERE team_id=?`,
		now, teamID).Scan(&cost)
	if err != nil {
		return 0, err
	}
	return cost.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
