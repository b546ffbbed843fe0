// Package agent plays under-specified team behavior: once per tick it builds
// a snapshot of a team's state, walks the role's ordered rule table, and
// executes the first matching decision.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"

	"opsdrill/internal/config"
	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/genai"
	"opsdrill/internal/repo"
)

type Agent struct {
	engine   engine.Engine
	service  genai.Service
	reviewer *genai.Reviewer
}

func New(eng engine.Engine, svc genai.Service, reviewer *genai.Reviewer) *Agent {
	return &Agent{engine: eng, service: svc, reviewer: reviewer}
}

// RunCycle executes one perceive-decide-act pass for a team. A stale-state
// loss during Act means another writer moved the entity first; the cycle
// re-perceives and tries once more before giving up until the next tick.
func (a *Agent) RunCycle(ctx context.Context, teamID string) (*Decision, error) {
	team, err := a.engine.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	profile := a.roleProfile(team.Role)
	table := RuleTable(profile.Rules)

	unlock := a.engine.LockTeam(teamID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		snap, err := a.perceive(ctx, teamID, profile.Aggressive)
		if err != nil {
			return nil, err
		}
		a.markEscalations(ctx, snap)

		d := Decide(table, snap)
		if d == nil {
			return nil, nil
		}
		err = a.act(ctx, snap, *d)
		if errors.Is(err, engine.ErrStaleState) && attempt == 0 {
			continue
		}
		if err != nil {
			return d, fmt.Errorf("act %s on %s: %w", d.Action, d.TargetID, err)
		}
		log.Printf("agent: team %s rule %s (priority %d) -> %s %s", teamID, d.Rule, d.Priority, d.Action, d.TargetID)
		return d, nil
	}
}

func (a *Agent) roleProfile(role string) config.RoleProfile {
	if a.engine.Config != nil {
		if profile, ok := a.engine.Config.Roles[role]; ok {
			return profile
		}
	}
	return config.RoleProfile{Rules: "technical-operations"}
}

// markEscalations records level crossings for every non-terminal incident.
// Bookkeeping, not a decision: it never consumes the tick.
func (a *Agent) markEscalations(ctx context.Context, snap Snapshot) {
	for _, in := range append(append([]domain.Incident{}, snap.Open...), snap.InProgress...) {
		level := a.engine.EscalationLevel(in)
		if level == 0 {
			continue
		}
		if _, err := a.engine.MarkEscalation(ctx, in, level); err != nil {
			log.Printf("agent: mark escalation for %s failed: %v", in.ID, err)
		}
	}
}

const actorID = "agent"

func (a *Agent) act(ctx context.Context, snap Snapshot, d Decision) error {
	switch d.Action {
	case "start_work":
		return a.startWork(ctx, d.TargetID)
	case "emergency_resolve":
		return a.emergencyResolve(ctx, d.TargetID)
	case "resolve":
		return a.resolveIncident(ctx, d.TargetID)
	case "create_plan":
		return a.createPlan(ctx, snap, d.TargetID)
	case "submit_plan":
		return a.submitPlan(ctx, d.TargetID)
	case "revise_plan":
		return a.revisePlan(ctx, d.TargetID)
	case "create_change":
		return a.createChange(ctx, snap, d.TargetID)
	case "submit_pir":
		return a.submitPIR(ctx, d.TargetID)
	}
	return fmt.Errorf("unknown action %q", d.Action)
}

func (a *Agent) startWork(ctx context.Context, incidentID string) error {
	in, err := a.engine.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if in.Status != "open" {
		// already started by another actor
		return nil
	}
	_, err = a.engine.TransitionIncident(ctx, incidentID, "in_progress", actorID)
	return err
}

// emergencyResolve walks the incident to resolved through the adjacency
// table; the aggressive role skips planning, not states.
func (a *Agent) emergencyResolve(ctx context.Context, incidentID string) error {
	in, err := a.engine.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if in.Status == "open" {
		if in, err = a.engine.TransitionIncident(ctx, incidentID, "in_progress", actorID); err != nil {
			return err
		}
	}
	if in.Status == "in_progress" {
		if _, err = a.engine.TransitionIncident(ctx, incidentID, "resolved", actorID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) resolveIncident(ctx context.Context, incidentID string) error {
	in, err := a.engine.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if in.Status != "in_progress" {
		return nil
	}
	_, err = a.engine.TransitionIncident(ctx, incidentID, "resolved", actorID)
	return err
}

func (a *Agent) createPlan(ctx context.Context, snap Snapshot, incidentID string) error {
	if _, ok := snap.ActivePlanByIncident[incidentID]; ok {
		return nil
	}
	in, err := a.engine.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	body, err := a.service.GeneratePlan(ctx, genai.PlanPrompt{
		IncidentTitle:    in.Title,
		Description:      in.Description,
		Priority:         in.Priority,
		AffectedServices: in.AffectedServices,
	})
	if err != nil {
		log.Printf("agent: plan drafting for %s degraded: %v", incidentID, err)
		body, _ = genai.Fallback{}.GeneratePlan(ctx, genai.PlanPrompt{IncidentTitle: in.Title})
	}
	_, err = a.engine.CreatePlan(ctx, engine.PlanCreateOptions{
		TeamID:     in.TeamID,
		IncidentID: incidentID,
		Title:      "Remediate: " + in.Title,
		Body:       body,
		RiskLevel:  planRisk(in.Priority),
		ActorID:    actorID,
	})
	return err
}

// planRisk maps incident priority onto the plan's declared risk.
func planRisk(priority string) string {
	switch priority {
	case "critical", "high":
		return "high"
	case "low":
		return "low"
	}
	return "medium"
}

func (a *Agent) submitPlan(ctx context.Context, planID string) error {
	p, rev, err := a.engine.SubmitPlanForReview(ctx, planID, actorID)
	if errors.Is(err, engine.ErrInvalidTransition) {
		// someone else submitted it
		return nil
	}
	if err != nil {
		return err
	}
	a.enqueueReview(p, rev)
	return nil
}

func (a *Agent) revisePlan(ctx context.Context, planID string) error {
	p, err := a.engine.Repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != "ai_needs_revision" {
		return nil
	}
	body := p.Body
	if p.ReviewFeedback != nil && *p.ReviewFeedback != "" {
		body += "\n\nAddressing review feedback (" + *p.ReviewFeedback + "): added rollback and verification steps; monitor after rollout."
	}
	if _, err := a.engine.RevisePlan(ctx, planID, body, actorID); err != nil {
		return err
	}
	p, rev, err := a.engine.SubmitPlanForReview(ctx, planID, actorID)
	if err != nil {
		return err
	}
	a.enqueueReview(p, rev)
	return nil
}

func (a *Agent) enqueueReview(p domain.Plan, rev domain.PlanRevision) {
	if a.reviewer == nil {
		return
	}
	incident := ""
	if p.IncidentID != nil {
		incident = *p.IncidentID
	}
	a.reviewer.Enqueue(p.ID, genai.PlanInput{
		Title:     p.Title,
		Body:      rev.Body,
		RiskLevel: rev.RiskLevel,
		Incident:  incident,
	})
}

func (a *Agent) createChange(ctx context.Context, snap Snapshot, planID string) error {
	if snap.changeInFlight(planID) {
		return nil
	}
	existing, err := a.engine.Repo.ListChangeRequests(ctx, repo.ChangeFilters{PlanID: planID})
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.Status != "failed" && c.Status != "rolled_back" {
			return nil
		}
	}
	p, err := a.engine.Repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	var incidentID string
	var services []string
	if p.IncidentID != nil {
		incidentID = *p.IncidentID
		if in, err := a.engine.Repo.GetIncident(ctx, incidentID); err == nil {
			services = in.AffectedServices
		}
	}
	opts := engine.ChangeCreateOptions{
		TeamID:             p.TeamID,
		PlanID:             planID,
		IncidentID:         incidentID,
		Title:              "Implement: " + p.Title,
		ChangeType:         "normal",
		RiskLevel:          p.RiskLevel,
		ImplementationPlan: p.Body,
		AffectedServices:   services,
		ActorID:            actorID,
	}
	// A careful team attaches the full artifact set; an aggressive one ships
	// with the implementation plan alone and wears the extra failure risk.
	if !snap.Aggressive {
		opts.RollbackPlan = "Revert to the previously deployed version and verify service health."
		opts.TestPlan = "Run the smoke test suite against the affected services before closing."
	}
	_, err = a.engine.CreateChange(ctx, opts)
	return err
}

func (a *Agent) submitPIR(ctx context.Context, pirID string) error {
	pir, err := a.engine.Repo.GetPIRReview(ctx, pirID)
	if err != nil {
		return err
	}
	if pir.Status != "pending" {
		return nil
	}
	in, err := a.engine.Repo.GetIncident(ctx, pir.IncidentID)
	if err != nil {
		return err
	}
	body := "Post-incident review for " + in.Title + ".\n" +
		"Root cause: under investigation at time of writing; the leading hypothesis is a recent change to the affected services.\n" +
		"Timeline: detected, triaged, and resolved within the exercise window.\n" +
		"Follow-ups: add monitoring for the affected services and rehearse the rollback procedure."
	pir, err = a.engine.SubmitPIR(ctx, pirID, body, actorID)
	if err != nil {
		return err
	}
	withinSLA := in.ResolvedAt != nil && *in.ResolvedAt <= in.SLADeadline
	input := genai.PIRInput{
		IncidentTitle: in.Title,
		Body:          body,
		WithinSLA:     withinSLA,
	}
	grade, err := a.service.GradeReview(ctx, input)
	if err != nil {
		// Nothing re-perceives a submitted PIR, so skipping the grade here
		// would strand it. The heuristic grader never fails.
		log.Printf("agent: grading pir %s degraded: %v", pirID, err)
		grade, _ = genai.Fallback{}.GradeReview(ctx, input)
	}
	_, err = a.engine.ApplyPIRGrade(ctx, pirID, grade.Score, grade.Feedback, "ai-reviewer")
	return err
}
