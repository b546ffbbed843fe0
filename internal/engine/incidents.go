package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsdrill/internal/domain"
	"opsdrill/internal/events"
	"opsdrill/internal/repo"
	"opsdrill/internal/timescale"
)

// IncidentCreateOptions are parameters for raising an incident.
type IncidentCreateOptions struct {
	ID               string
	SessionID        string
	TeamID           string
	Title            string
	Description      string
	Priority         string
	Severity         string
	AffectedServices []string
	CostPerMinute    float64
	RequiresPIR      bool
	// SLAMinutesOverride bypasses duration scaling; used for incidents spawned
	// by failed changes, which carry a fixed window.
	SLAMinutesOverride int
	SourceChangeID     *string
	ActorID            string
}

func (e Engine) CreateIncident(ctx context.Context, opts IncidentCreateOptions) (domain.Incident, error) {
	if e.Config == nil {
		return domain.Incident{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Incident{}, errors.New("title is required")
	}
	if opts.TeamID == "" {
		return domain.Incident{}, errors.New("team is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	team, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.Incident{}, err
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = team.SessionID
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	slaMinutes := opts.SLAMinutesOverride
	if slaMinutes <= 0 {
		slaMinutes = timescale.SLAMinutes(opts.Priority, e.durationMinutes())
	}
	in := domain.Incident{
		ID:               id,
		SessionID:        sessionID,
		TeamID:           opts.TeamID,
		Title:            opts.Title,
		Description:      opts.Description,
		Priority:         opts.Priority,
		Severity:         opts.Severity,
		Status:           "open",
		AffectedServices: opts.AffectedServices,
		SLAMinutes:       slaMinutes,
		SLADeadline:      now.Add(time.Duration(slaMinutes) * time.Minute).Format(time.RFC3339),
		CostPerMinute:    opts.CostPerMinute,
		RequiresPIR:      opts.RequiresPIR,
		SourceChangeID:   opts.SourceChangeID,
		CreatedAt:        nowStr,
		UpdatedAt:        nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIncident(ctx, tx, in); err != nil {
		return domain.Incident{}, err
	}
	if err := e.EventLog().Append(ctx, tx, "incident_created", in.SessionID, in.TeamID, "incident", in.ID, opts.ActorID, events.EventPayload{
		"title":    in.Title,
		"priority": in.Priority,
		"sla":      in.SLADeadline,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	return in, nil
}

func ensureIncidentTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "open":
		if newStatus == "in_progress" {
			return nil
		}
	case "in_progress":
		if newStatus == "resolved" {
			return nil
		}
	case "resolved":
		if newStatus == "closed" {
			return nil
		}
	}
	return fmt.Errorf("%w: incident %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// TransitionIncident applies one guarded status edge. The in_progress ->
// resolved edge stamps resolved_at and, when the incident requires one,
// enqueues a post-incident review.
func (e Engine) TransitionIncident(ctx context.Context, id, target, actorID string) (domain.Incident, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	in, err := e.Repo.GetIncident(ctx, id)
	if err != nil {
		return in, err
	}
	if err := ensureIncidentTransition(in.Status, target); err != nil {
		return in, err
	}
	now := e.NowRFC3339()
	var resolvedAt *string
	if target == "resolved" {
		resolvedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.SetIncidentStatus(ctx, tx, id, in.Status, target, now, resolvedAt)
	if err != nil {
		return in, err
	}
	if !ok {
		return in, fmt.Errorf("%w: incident %s", ErrStaleState, id)
	}
	if err := e.EventLog().Append(ctx, tx, "incident_transitioned", in.SessionID, in.TeamID, "incident", in.ID, actorID, events.EventPayload{
		"from": in.Status,
		"to":   target,
	}); err != nil {
		return in, err
	}
	if target == "resolved" {
		if err := e.EventLog().Append(ctx, tx, "incident_resolved", in.SessionID, in.TeamID, "incident", in.ID, actorID, events.EventPayload{
			"priority":    in.Priority,
			"resolved_at": now,
			"within_sla":  now <= in.SLADeadline,
		}); err != nil {
			return in, err
		}
		if in.RequiresPIR {
			if err := e.enqueuePIR(ctx, tx, in, actorID, now); err != nil {
				return in, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	in.Status = target
	in.UpdatedAt = now
	if resolvedAt != nil {
		in.ResolvedAt = resolvedAt
	}
	return in, nil
}

func (e Engine) enqueuePIR(ctx context.Context, tx *sql.Tx, in domain.Incident, actorID, now string) error {
	p := domain.PIRReview{
		ID:         uuid.New().String(),
		SessionID:  in.SessionID,
		TeamID:     in.TeamID,
		IncidentID: in.ID,
		Status:     "pending",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertPIRReview(ctx, tx, p); err != nil {
		return err
	}
	return e.EventLog().Append(ctx, tx, "pir_required", in.SessionID, in.TeamID, "pir_review", p.ID, actorID, events.EventPayload{
		"incident_id": in.ID,
	})
}

// SLABreached reports whether the incident's deadline has passed without
// resolution.
func (e Engine) SLABreached(in domain.Incident) bool {
	if in.Status == "resolved" || in.Status == "closed" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, in.SLADeadline)
	if err != nil {
		return false
	}
	return e.now().After(deadline)
}

// SLAAtRisk reports whether the remaining time is inside the at-risk window
// for the incident's priority.
func (e Engine) SLAAtRisk(in domain.Incident) bool {
	if in.Status == "resolved" || in.Status == "closed" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, in.SLADeadline)
	if err != nil {
		return false
	}
	remaining := deadline.Sub(e.now())
	return remaining <= timescale.AtRiskThreshold(in.Priority, e.durationMinutes())
}

// SubmitPIR records the review body and moves pending -> submitted. Grading
// happens asynchronously afterwards.
func (e Engine) SubmitPIR(ctx context.Context, id, body, actorID string) (domain.PIRReview, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	p, err := e.Repo.GetPIRReview(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status != "pending" {
		return p, fmt.Errorf("%w: pir_review %s -> submitted", ErrInvalidTransition, p.Status)
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetPIRStatus(ctx, tx, id, "pending", "submitted", now)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("%w: pir_review %s", ErrStaleState, id)
	}
	if err := e.Repo.SetPIRBody(ctx, tx, id, body, now); err != nil {
		return p, err
	}
	if err := e.EventLog().Append(ctx, tx, "pir_submitted", p.SessionID, p.TeamID, "pir_review", p.ID, actorID, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetPIRReview(ctx, id)
}

// ApplyPIRGrade records an asynchronous grading result, submitted -> graded.
func (e Engine) ApplyPIRGrade(ctx context.Context, id string, score float64, feedback, actorID string) (domain.PIRReview, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	p, err := e.Repo.GetPIRReview(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status != "submitted" {
		return p, fmt.Errorf("%w: pir_review %s -> graded", ErrInvalidTransition, p.Status)
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetPIRStatus(ctx, tx, id, "submitted", "graded", now)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("%w: pir_review %s", ErrStaleState, id)
	}
	if err := e.Repo.SetPIRGrade(ctx, tx, id, score, feedback, now); err != nil {
		return p, err
	}
	if err := e.EventLog().Append(ctx, tx, "pir_graded", p.SessionID, p.TeamID, "pir_review", p.ID, actorID, events.EventPayload{
		"score": score,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetPIRReview(ctx, id)
}

// IsNotFound reports whether err is the repo's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// EscalationLevel returns the highest level (0..3) the incident's elapsed
// open time has crossed for its priority.
func (e Engine) EscalationLevel(in domain.Incident) int {
	if in.Status == "resolved" || in.Status == "closed" {
		return 0
	}
	created, err := time.Parse(time.RFC3339, in.CreatedAt)
	if err != nil {
		return 0
	}
	elapsed := e.now().Sub(created)
	level := 0
	for l := 1; l <= 3; l++ {
		if elapsed >= timescale.EscalationThreshold(in.Priority, l, e.durationMinutes()) {
			level = l
		}
	}
	return level
}

// MarkEscalation records an escalation level crossing as an event, once per
// level. Returns whether a new crossing was recorded.
func (e Engine) MarkEscalation(ctx context.Context, in domain.Incident, level int) (bool, error) {
	if level <= 0 {
		return false, nil
	}
	unlock := e.lockEntity(in.ID)
	defer unlock()

	prev := 0
	last, err := e.Repo.LatestEntityEvent(ctx, "incident", in.ID, "incident_escalated")
	switch {
	case err == nil:
		var payload struct {
			Level int `json:"level"`
		}
		if jErr := json.Unmarshal([]byte(last.Payload), &payload); jErr == nil {
			prev = payload.Level
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return false, err
	}
	if level <= prev {
		return false, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.EventLog().Append(ctx, tx, "incident_escalated", in.SessionID, in.TeamID, "incident", in.ID, "system", events.EventPayload{
		"level":    level,
		"priority": in.Priority,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
