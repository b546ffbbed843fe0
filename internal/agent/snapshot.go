package agent

import (
	"context"

	"opsdrill/internal/domain"
	"opsdrill/internal/repo"
)

// Snapshot is the read-only view of one team's state the decision pass runs
// against. It is rebuilt from scratch every cycle; rules never see live rows.
type Snapshot struct {
	TeamID     string
	Aggressive bool

	// Urgent incidents have breached their SLA or sit inside the at-risk
	// window. Breached sorts first and is also flagged by id.
	Urgent     []domain.Incident
	Breached   map[string]bool
	Open       []domain.Incident
	InProgress []domain.Incident

	DraftPlans    []domain.Plan
	NeedsRevision []domain.Plan
	ApprovedPlans []domain.Plan

	// ActivePlanByIncident maps incident id to its current plan, completed
	// plans included, rejected ones not.
	ActivePlanByIncident map[string]domain.Plan
	// ChangeByPlan maps plan id to its most advanced change request.
	ChangeByPlan map[string]domain.ChangeRequest

	PendingPIRs []domain.PIRReview
}

func (a *Agent) perceive(ctx context.Context, teamID string, aggressive bool) (Snapshot, error) {
	snap := Snapshot{
		TeamID:               teamID,
		Aggressive:           aggressive,
		Breached:             make(map[string]bool),
		ActivePlanByIncident: make(map[string]domain.Plan),
		ChangeByPlan:         make(map[string]domain.ChangeRequest),
	}

	incidents, err := a.engine.Repo.ListIncidents(ctx, repo.IncidentFilters{TeamID: teamID})
	if err != nil {
		return snap, err
	}
	for _, in := range incidents {
		switch in.Status {
		case "open":
			snap.Open = append(snap.Open, in)
		case "in_progress":
			snap.InProgress = append(snap.InProgress, in)
		default:
			continue
		}
		if a.engine.SLABreached(in) {
			snap.Breached[in.ID] = true
			snap.Urgent = append([]domain.Incident{in}, snap.Urgent...)
		} else if a.engine.SLAAtRisk(in) {
			snap.Urgent = append(snap.Urgent, in)
		}
	}

	plans, err := a.engine.Repo.ListPlans(ctx, repo.PlanFilters{TeamID: teamID})
	if err != nil {
		return snap, err
	}
	for _, p := range plans {
		switch p.Status {
		case "draft":
			snap.DraftPlans = append(snap.DraftPlans, p)
		case "ai_needs_revision":
			snap.NeedsRevision = append(snap.NeedsRevision, p)
		case "ai_approved":
			snap.ApprovedPlans = append(snap.ApprovedPlans, p)
		}
		// Completed plans stay visible so the resolve rule can see finished
		// work; only rejected plans free the incident for a fresh plan.
		if p.IncidentID != nil && p.Status != "ai_rejected" {
			snap.ActivePlanByIncident[*p.IncidentID] = p
		}
	}

	changes, err := a.engine.Repo.ListChangeRequests(ctx, repo.ChangeFilters{TeamID: teamID})
	if err != nil {
		return snap, err
	}
	for _, c := range changes {
		if c.PlanID == nil {
			continue
		}
		prev, seen := snap.ChangeByPlan[*c.PlanID]
		if !seen || changeRank(c.Status) > changeRank(prev.Status) {
			snap.ChangeByPlan[*c.PlanID] = c
		}
	}

	pirs, err := a.engine.Repo.ListPIRReviews(ctx, teamID, "pending")
	if err != nil {
		return snap, err
	}
	snap.PendingPIRs = pirs
	return snap, nil
}

func changeRank(status string) int {
	switch status {
	case "completed":
		return 5
	case "failed", "rolled_back":
		return 4
	case "in_progress":
		return 3
	case "approved":
		return 2
	case "pending":
		return 1
	}
	return 0
}

// changeInFlight reports whether the plan already has a change still worth
// waiting on. Failed and rolled-back changes are spent: the plan went back
// through review and a re-approval deserves a fresh change.
func (s Snapshot) changeInFlight(planID string) bool {
	c, ok := s.ChangeByPlan[planID]
	if !ok {
		return false
	}
	return c.Status != "failed" && c.Status != "rolled_back"
}

// planImplemented reports whether the incident's active plan rode a change to
// completion.
func (s Snapshot) planImplemented(incidentID string) bool {
	p, ok := s.ActivePlanByIncident[incidentID]
	if !ok {
		return false
	}
	c, ok := s.ChangeByPlan[p.ID]
	return ok && c.Status == "completed"
}
