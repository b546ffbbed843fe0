package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsdrill/internal/domain"
	"opsdrill/internal/events"
	"opsdrill/internal/repo"
)

// PlanCreateOptions are parameters for drafting an implementation plan.
type PlanCreateOptions struct {
	ID         string
	SessionID  string
	TeamID     string
	IncidentID string
	Title      string
	Body       string
	RiskLevel  string
	ActorID    string
}

// CreatePlan drafts a plan. At most one non-terminal plan may exist per
// incident; a second create fails before any write.
func (e Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.Plan, error) {
	if e.Config == nil {
		return domain.Plan{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Plan{}, errors.New("title is required")
	}
	if opts.TeamID == "" {
		return domain.Plan{}, errors.New("team is required")
	}
	if opts.RiskLevel == "" {
		opts.RiskLevel = "medium"
	}
	team, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.Plan{}, err
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = team.SessionID
	}
	var incidentID *string
	if opts.IncidentID != "" {
		if _, err := e.Repo.GetIncident(ctx, opts.IncidentID); err != nil {
			return domain.Plan{}, err
		}
		if existing, err := e.Repo.ActivePlanForIncident(ctx, opts.IncidentID); err == nil {
			return domain.Plan{}, fmt.Errorf("incident %s already has active plan %s", opts.IncidentID, existing.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Plan{}, err
		}
		incidentID = &opts.IncidentID
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.NowRFC3339()
	p := domain.Plan{
		ID:         id,
		SessionID:  sessionID,
		TeamID:     opts.TeamID,
		IncidentID: incidentID,
		Title:      opts.Title,
		Body:       opts.Body,
		RiskLevel:  opts.RiskLevel,
		Status:     "draft",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	if err := e.EventLog().Append(ctx, tx, "plan_created", p.SessionID, p.TeamID, "plan", p.ID, opts.ActorID, events.EventPayload{
		"title": p.Title,
		"risk":  p.RiskLevel,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

func ensurePlanTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "draft", "ai_needs_revision":
		if newStatus == "ai_reviewing" {
			return nil
		}
	case "ai_reviewing":
		if newStatus == "ai_approved" || newStatus == "ai_needs_revision" || newStatus == "ai_rejected" {
			return nil
		}
	case "ai_approved":
		if newStatus == "implementing" {
			return nil
		}
	case "implementing":
		// ai_needs_revision is the recovery edge when the implementing change
		// fails or rolls back; the plan goes back through review.
		if newStatus == "completed" || newStatus == "ai_needs_revision" {
			return nil
		}
	}
	return fmt.Errorf("%w: plan %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// SubmitPlanForReview moves draft|ai_needs_revision -> ai_reviewing and
// snapshots the full plan body into an immutable revision record. The
// transition commits immediately; callers hand the returned revision to the
// review worker after this call returns, never inside it.
func (e Engine) SubmitPlanForReview(ctx context.Context, id, actorID string) (domain.Plan, domain.PlanRevision, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	p, err := e.Repo.GetPlan(ctx, id)
	if err != nil {
		return p, domain.PlanRevision{}, err
	}
	if err := ensurePlanTransition(p.Status, "ai_reviewing"); err != nil {
		return p, domain.PlanRevision{}, err
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, domain.PlanRevision{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.SetPlanStatus(ctx, tx, id, p.Status, "ai_reviewing", now)
	if err != nil {
		return p, domain.PlanRevision{}, err
	}
	if !ok {
		return p, domain.PlanRevision{}, fmt.Errorf("%w: plan %s", ErrStaleState, id)
	}
	seq, err := e.Repo.NextPlanRevisionSeq(ctx, tx, id)
	if err != nil {
		return p, domain.PlanRevision{}, err
	}
	rev := domain.PlanRevision{
		ID:        uuid.New().String(),
		PlanID:    id,
		Seq:       seq,
		Body:      p.Body,
		RiskLevel: p.RiskLevel,
		CreatedAt: now,
	}
	if err := e.Repo.InsertPlanRevision(ctx, tx, rev); err != nil {
		return p, domain.PlanRevision{}, err
	}
	if err := e.Repo.SetPlanReviewRequestedAt(ctx, tx, id, now); err != nil {
		return p, domain.PlanRevision{}, err
	}
	if err := e.EventLog().Append(ctx, tx, "plan_submitted", p.SessionID, p.TeamID, "plan", p.ID, actorID, events.EventPayload{
		"revision": seq,
	}); err != nil {
		return p, domain.PlanRevision{}, err
	}
	if err := tx.Commit(); err != nil {
		return p, domain.PlanRevision{}, err
	}
	p.Status = "ai_reviewing"
	p.UpdatedAt = now
	p.ReviewRequestedAt = &now
	return p, rev, nil
}

// ReviewDecision maps a grading decision onto the plan status edge it drives.
func ReviewDecision(decision string) (string, error) {
	switch decision {
	case "approve":
		return "ai_approved", nil
	case "needs_revision":
		return "ai_needs_revision", nil
	case "reject":
		return "ai_rejected", nil
	}
	return "", fmt.Errorf("unknown review decision %q", decision)
}

// ApplyPlanReview records an asynchronous grading result as its own
// transition out of ai_reviewing. A result arriving after the plan has
// already moved on loses the compare-and-set and reports stale state.
func (e Engine) ApplyPlanReview(ctx context.Context, id string, score float64, decision, feedback, actorID string) (domain.Plan, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	target, err := ReviewDecision(decision)
	if err != nil {
		return domain.Plan{}, err
	}
	p, err := e.Repo.GetPlan(ctx, id)
	if err != nil {
		return p, err
	}
	if err := ensurePlanTransition(p.Status, target); err != nil {
		return p, err
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetPlanStatus(ctx, tx, id, "ai_reviewing", target, now)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("%w: plan %s", ErrStaleState, id)
	}
	if err := e.Repo.SetPlanReviewResult(ctx, tx, id, score, feedback, now); err != nil {
		return p, err
	}
	evtType := map[string]string{
		"ai_approved":       "plan_approved",
		"ai_needs_revision": "plan_needs_revision",
		"ai_rejected":       "plan_rejected",
	}[target]
	if err := e.EventLog().Append(ctx, tx, evtType, p.SessionID, p.TeamID, "plan", p.ID, actorID, events.EventPayload{
		"score": score,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetPlan(ctx, id)
}

// RevisePlan replaces the body of a plan sitting in draft or
// ai_needs_revision. Resubmission is a separate call.
func (e Engine) RevisePlan(ctx context.Context, id, body, actorID string) (domain.Plan, error) {
	unlock := e.lockEntity(id)
	defer unlock()

	p, err := e.Repo.GetPlan(ctx, id)
	if err != nil {
		return p, err
	}
	if p.Status != "draft" && p.Status != "ai_needs_revision" {
		return p, fmt.Errorf("%w: plan in %s cannot be revised", ErrInvalidTransition, p.Status)
	}
	now := e.NowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanBody(ctx, tx, id, body, now); err != nil {
		return p, err
	}
	if err := e.EventLog().Append(ctx, tx, "plan_revised", p.SessionID, p.TeamID, "plan", p.ID, actorID, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Body = body
	p.UpdatedAt = now
	return p, nil
}

// ReclaimStuckReviews forces any plan stuck in ai_reviewing past the cutoff
// back to ai_needs_revision so the exercise never stalls on a lost grading
// result.
func (e Engine) ReclaimStuckReviews(ctx context.Context, sessionID string, olderThan time.Duration) (int, error) {
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	stuck, err := e.Repo.StuckReviewingPlans(ctx, sessionID, cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, p := range stuck {
		_, err := e.ApplyPlanReview(ctx, p.ID, 0, "needs_revision", "review timed out; please resubmit", "system")
		if err != nil {
			if errors.Is(err, ErrStaleState) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}
