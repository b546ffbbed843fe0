package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsdrill/internal/domain"
	"opsdrill/internal/events"
)

// Fixed SLA for incidents spawned by failed changes. These skip duration
// scaling; the blast radius of a failed change does not shrink because the
// exercise is short.
const failedChangeSLAMinutes = 60

// ChangeCreateOptions are parameters for raising a change request.
type ChangeCreateOptions struct {
	ID                 string
	SessionID          string
	TeamID             string
	PlanID             string
	IncidentID         string
	Title              string
	ChangeType         string
	RiskLevel          string
	ImplementationPlan string
	RollbackPlan       string
	TestPlan           string
	AffectedServices   []string
	ActorID            string
}

// CreateChange raises a change request. Standard and normal changes start in
// pending; emergency changes are pre-approved so they can start immediately.
func (e Engine) CreateChange(ctx context.Context, opts ChangeCreateOptions) (domain.ChangeRequest, error) {
	if e.Config == nil {
		return domain.ChangeRequest{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.ChangeRequest{}, errors.New("title is required")
	}
	if opts.TeamID == "" {
		return domain.ChangeRequest{}, errors.New("team is required")
	}
	switch opts.ChangeType {
	case "":
		opts.ChangeType = "normal"
	case "standard", "normal", "emergency":
	default:
		return domain.ChangeRequest{}, fmt.Errorf("unknown change type %q", opts.ChangeType)
	}
	if opts.RiskLevel == "" {
		opts.RiskLevel = "medium"
	}
	team, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = team.SessionID
	}
	var planID *string
	if opts.PlanID != "" {
		p, err := e.Repo.GetPlan(ctx, opts.PlanID)
		if err != nil {
			return domain.ChangeRequest{}, err
		}
		if p.Status != "ai_approved" {
			return domain.ChangeRequest{}, fmt.Errorf("%w: plan %s is %s, not ai_approved", ErrInvariant, p.ID, p.Status)
		}
		planID = &opts.PlanID
	}
	var incidentID *string
	if opts.IncidentID != "" {
		if _, err := e.Repo.GetIncident(ctx, opts.IncidentID); err != nil {
			return domain.ChangeRequest{}, err
		}
		incidentID = &opts.IncidentID
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.NowRFC3339()
	status := "pending"
	if opts.ChangeType == "emergency" {
		status = "approved"
	}
	c := domain.ChangeRequest{
		ID:                 id,
		SessionID:          sessionID,
		TeamID:             opts.TeamID,
		PlanID:             planID,
		IncidentID:         incidentID,
		Title:              opts.Title,
		ChangeType:         opts.ChangeType,
		RiskLevel:          opts.RiskLevel,
		Status:             status,
		ImplementationPlan: nullableText(opts.ImplementationPlan),
		RollbackPlan:       nullableText(opts.RollbackPlan),
		TestPlan:           nullableText(opts.TestPlan),
		AffectedServices:   opts.AffectedServices,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertChangeRequest(ctx, tx, c); err != nil {
		return domain.ChangeRequest{}, err
	}
	if err := e.EventLog().Append(ctx, tx, "change_created", c.SessionID, c.TeamID, "change_request", c.ID, opts.ActorID, events.EventPayload{
		"title": c.Title,
		"type":  c.ChangeType,
		"risk":  c.RiskLevel,
	}); err != nil {
		return domain.ChangeRequest{}, err
	}
	if c.Status == "approved" {
		if err := e.EventLog().Append(ctx, tx, "change_approved", c.SessionID, c.TeamID, "change_request", c.ID, opts.ActorID, events.EventPayload{
			"auto": true,
		}); err != nil {
			return domain.ChangeRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeRequest{}, err
	}
	return c, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ensureChangeTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "approved" || newStatus == "rejected" {
			return nil
		}
	case "approved":
		if newStatus == "in_progress" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "failed" || newStatus == "rolled_back" {
			return nil
		}
	}
	return fmt.Errorf("%w: change %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// ApproveChange moves pending -> approved.
func (e Engine) ApproveChange(ctx context.Context, id, actorID string) (domain.ChangeRequest, error) {
	return e.reviewChange(ctx, id, "approved", "change_approved", actorID)
}

// RejectChange moves pending -> rejected.
func (e Engine) RejectChange(ctx context.Context, id, actorID string) (domain.ChangeRequest, error) {
	return e.reviewChange(ctx, id, "rejected", "change_rejected", actorID)
}

func (e Engine) reviewChange(ctx context.Context, id, target, evtType, actorID string) (domain.ChangeRequest, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	c, err := e.Repo.GetChangeRequest(ctx, id)
	if err != nil {
		return c, err
	}
	if err := ensureChangeTransition(c.Status, target); err != nil {
		return c, err
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetChangeStatus(ctx, tx, id, c.Status, target, now)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("%w: change %s", ErrStaleState, id)
	}
	if err := e.EventLog().Append(ctx, tx, evtType, c.SessionID, c.TeamID, "change_request", c.ID, actorID, nil); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Status = target
	c.UpdatedAt = now
	return c, nil
}

// StartChange moves approved -> in_progress. If the change implements an
// approved plan, the plan advances to implementing in the same transaction.
func (e Engine) StartChange(ctx context.Context, id, actorID string) (domain.ChangeRequest, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	c, err := e.Repo.GetChangeRequest(ctx, id)
	if err != nil {
		return c, err
	}
	if err := ensureChangeTransition(c.Status, "in_progress"); err != nil {
		return c, err
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetChangeStatus(ctx, tx, id, "approved", "in_progress", now)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("%w: change %s", ErrStaleState, id)
	}
	if c.PlanID != nil {
		if err := e.advancePlan(ctx, tx, c, "ai_approved", "implementing", now); err != nil {
			return c, err
		}
	}
	if err := e.EventLog().Append(ctx, tx, "change_started", c.SessionID, c.TeamID, "change_request", c.ID, actorID, nil); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return e.Repo.GetChangeRequest(ctx, id)
}

// CompleteChange resolves an in-progress change with a single randomized
// outcome draw. Success completes the change and its plan. Failure rolls the
// change back when a rollback plan exists, otherwise it fails outright and
// raises a high-priority incident against the same services; either way the
// linked plan returns to ai_needs_revision for another pass.
func (e Engine) CompleteChange(ctx context.Context, id, actorID string) (domain.ChangeRequest, *domain.Incident, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	c, err := e.Repo.GetChangeRequest(ctx, id)
	if err != nil {
		return c, nil, err
	}
	if err := ensureChangeTransition(c.Status, "completed"); err != nil {
		return c, nil, err
	}

	failed := e.drawFailure(c)
	target := "completed"
	evtType := "change_completed"
	if failed {
		if c.RollbackPlan != nil && *c.RollbackPlan != "" {
			target = "rolled_back"
			evtType = "change_rolled_back"
		} else {
			target = "failed"
			evtType = "change_failed"
		}
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, nil, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetChangeStatus(ctx, tx, id, "in_progress", target, nowStr)
	if err != nil {
		return c, nil, err
	}
	if !ok {
		return c, nil, fmt.Errorf("%w: change %s", ErrStaleState, id)
	}
	if c.PlanID != nil {
		// Failure sends the plan back through review; leaving it in
		// implementing would strand the incident with an active plan no rule
		// can move.
		planTarget := "completed"
		if target != "completed" {
			planTarget = "ai_needs_revision"
		}
		if err := e.advancePlan(ctx, tx, c, "implementing", planTarget, nowStr); err != nil {
			return c, nil, err
		}
	}
	if err := e.EventLog().Append(ctx, tx, evtType, c.SessionID, c.TeamID, "change_request", c.ID, actorID, events.EventPayload{
		"failure_probability": FailureProbability(c),
	}); err != nil {
		return c, nil, err
	}

	var spawned *domain.Incident
	if target == "failed" {
		in := domain.Incident{
			ID:               uuid.New().String(),
			SessionID:        c.SessionID,
			TeamID:           c.TeamID,
			Title:            "Failed change: " + c.Title,
			Description:      "Change " + c.ID + " failed without a rollback plan.",
			Priority:         "high",
			Severity:         "major",
			Status:           "open",
			AffectedServices: c.AffectedServices,
			SLAMinutes:       failedChangeSLAMinutes,
			SLADeadline:      now.Add(failedChangeSLAMinutes * time.Minute).Format(time.RFC3339),
			RequiresPIR:      true,
			SourceChangeID:   &c.ID,
			CreatedAt:        nowStr,
			UpdatedAt:        nowStr,
		}
		if err := e.Repo.InsertIncident(ctx, tx, in); err != nil {
			return c, nil, err
		}
		if err := e.EventLog().Append(ctx, tx, "incident_created", in.SessionID, in.TeamID, "incident", in.ID, "system", events.EventPayload{
			"title":            in.Title,
			"priority":         in.Priority,
			"source_change_id": c.ID,
		}); err != nil {
			return c, nil, err
		}
		spawned = &in
	}
	if err := tx.Commit(); err != nil {
		return c, nil, err
	}
	out, err := e.Repo.GetChangeRequest(ctx, id)
	if err != nil {
		return c, spawned, err
	}
	return out, spawned, nil
}

// advancePlan applies the plan side effect of a change transition inside the
// change's transaction. Reads stay on the transaction; the pool is sized for
// one connection.
func (e Engine) advancePlan(ctx context.Context, tx *sql.Tx, c domain.ChangeRequest, from, to, now string) error {
	planID := *c.PlanID
	ok, err := e.Repo.SetPlanStatus(ctx, tx, planID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: plan %s is not %s", ErrStaleState, planID, from)
	}
	evtType := "plan_implementing"
	switch to {
	case "completed":
		evtType = "plan_completed"
	case "ai_needs_revision":
		evtType = "plan_needs_rework"
	}
	return e.EventLog().Append(ctx, tx, evtType, c.SessionID, c.TeamID, "plan", planID, "system", nil)
}
