package server

import (
	"encoding/json"

	"opsdrill/internal/config"
	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
)

// Request payloads

type CreateSessionRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type SetSessionStatusRequest struct {
	Status string `json:"status" enum:"running,paused,ended"`
}

type CreateTeamRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
	Role string  `json:"role"`
}

type CreateIncidentRequest struct {
	ID               *string  `json:"id,omitempty"`
	TeamID           string   `json:"team_id"`
	Title            string   `json:"title"`
	Description      *string  `json:"description,omitempty"`
	Priority         string   `json:"priority" enum:"critical,high,medium,low"`
	Severity         *string  `json:"severity,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty"`
	CostPerMinute    *float64 `json:"cost_per_minute,omitempty"`
	RequiresPIR      *bool    `json:"requires_pir,omitempty"`
}

type TransitionIncidentRequest struct {
	Status string `json:"status" enum:"in_progress,resolved,closed"`
}

type CreatePlanRequest struct {
	ID         *string `json:"id,omitempty"`
	TeamID     string  `json:"team_id"`
	IncidentID string  `json:"incident_id"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	RiskLevel  string  `json:"risk_level" enum:"low,medium,high,critical"`
}

type RevisePlanRequest struct {
	Body string `json:"body"`
}

type ReviewPlanRequest struct {
	Score    float64 `json:"score" minimum:"0" maximum:"1"`
	Decision string  `json:"decision" enum:"approve,needs_revision,reject"`
	Feedback string  `json:"feedback,omitempty"`
}

type CreateChangeRequest struct {
	ID                 *string  `json:"id,omitempty"`
	TeamID             string   `json:"team_id"`
	PlanID             *string  `json:"plan_id,omitempty"`
	IncidentID         *string  `json:"incident_id,omitempty"`
	Title              string   `json:"title"`
	ChangeType         string   `json:"change_type" enum:"standard,normal,emergency"`
	RiskLevel          string   `json:"risk_level" enum:"low,medium,high,critical"`
	ImplementationPlan *string  `json:"implementation_plan,omitempty"`
	RollbackPlan       *string  `json:"rollback_plan,omitempty"`
	TestPlan           *string  `json:"test_plan,omitempty"`
	AffectedServices   []string `json:"affected_services,omitempty"`
}

type SubmitPIRRequest struct {
	Body string `json:"body"`
}

type GradePIRRequest struct {
	Score    float64 `json:"score" minimum:"0" maximum:"1"`
	Feedback string  `json:"feedback,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type SessionResponse struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status" enum:"setup,running,paused,ended"`
	Description     string  `json:"description,omitempty"`
	DurationMinutes int     `json:"duration_minutes"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type TeamResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Points    int    `json:"points"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type IncidentResponse struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	TeamID           string   `json:"team_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority" enum:"critical,high,medium,low"`
	Severity         string   `json:"severity,omitempty"`
	Status           string   `json:"status" enum:"open,in_progress,resolved,closed"`
	AffectedServices []string `json:"affected_services"`
	SLAMinutes       int      `json:"sla_minutes"`
	SLADeadline      string   `json:"sla_deadline" format:"date-time"`
	SLABreached      bool     `json:"sla_breached"`
	SLAAtRisk        bool     `json:"sla_at_risk"`
	CostPerMinute    float64  `json:"cost_per_minute"`
	RequiresPIR      bool     `json:"requires_pir"`
	SourceChangeID   *string  `json:"source_change_id,omitempty"`
	ResolvedAt       *string  `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type PlanResponse struct {
	ID                string   `json:"id"`
	SessionID         string   `json:"session_id"`
	TeamID            string   `json:"team_id"`
	IncidentID        *string  `json:"incident_id,omitempty"`
	Title             string   `json:"title"`
	Body              string   `json:"body,omitempty"`
	RiskLevel         string   `json:"risk_level" enum:"low,medium,high,critical"`
	Status            string   `json:"status" enum:"draft,ai_reviewing,ai_approved,ai_needs_revision,ai_rejected,implementing,completed"`
	ReviewScore       *float64 `json:"review_score,omitempty"`
	ReviewFeedback    *string  `json:"review_feedback,omitempty"`
	ReviewRequestedAt *string  `json:"review_requested_at,omitempty" format:"date-time"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type PlanRevisionResponse struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Seq       int    `json:"seq"`
	Body      string `json:"body"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChangeResponse struct {
	ID                 string   `json:"id"`
	SessionID          string   `json:"session_id"`
	TeamID             string   `json:"team_id"`
	PlanID             *string  `json:"plan_id,omitempty"`
	IncidentID         *string  `json:"incident_id,omitempty"`
	Title              string   `json:"title"`
	ChangeType         string   `json:"change_type" enum:"standard,normal,emergency"`
	RiskLevel          string   `json:"risk_level" enum:"low,medium,high,critical"`
	Status             string   `json:"status" enum:"pending,approved,rejected,in_progress,completed,failed,rolled_back"`
	FailureProbability float64  `json:"failure_probability"`
	ImplementationPlan *string  `json:"implementation_plan,omitempty"`
	RollbackPlan       *string  `json:"rollback_plan,omitempty"`
	TestPlan           *string  `json:"test_plan,omitempty"`
	AffectedServices   []string `json:"affected_services"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type CompleteChangeResponse struct {
	Change          ChangeResponse    `json:"change"`
	SpawnedIncident *IncidentResponse `json:"spawned_incident,omitempty"`
}

type ChallengeResponse struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	TeamID       string  `json:"team_id"`
	Name         string  `json:"name"`
	Criterion    string  `json:"criterion"`
	TargetValue  int     `json:"target_value"`
	CurrentValue int     `json:"current_value"`
	RewardPoints int     `json:"reward_points"`
	Status       string  `json:"status" enum:"active,completed,expired"`
	EndTime      string  `json:"end_time" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type PIRResponse struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	TeamID     string   `json:"team_id"`
	IncidentID string   `json:"incident_id"`
	Status     string   `json:"status" enum:"pending,submitted,graded"`
	Body       *string  `json:"body,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Feedback   *string  `json:"feedback,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	TeamID     string         `json:"team_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type TeamStatusResponse struct {
	Team           TeamResponse   `json:"team"`
	IncidentCounts map[string]int `json:"incident_counts"`
	OpenIncidents  int            `json:"open_incidents"`
	DowntimeCost   float64        `json:"downtime_cost"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the raw secret, returned only once at creation.
	Key string `json:"key,omitempty"`
}

type SessionConfigResponse struct {
	Config config.Config `json:"config"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse(s)
}

func teamResponse(t domain.Team) TeamResponse {
	return TeamResponse(t)
}

func incidentResponse(e engine.Engine, in domain.Incident) IncidentResponse {
	return IncidentResponse{
		ID:               in.ID,
		SessionID:        in.SessionID,
		TeamID:           in.TeamID,
		Title:            in.Title,
		Description:      in.Description,
		Priority:         in.Priority,
		Severity:         in.Severity,
		Status:           in.Status,
		AffectedServices: nonNilSlice(in.AffectedServices),
		SLAMinutes:       in.SLAMinutes,
		SLADeadline:      in.SLADeadline,
		SLABreached:      e.SLABreached(in),
		SLAAtRisk:        e.SLAAtRisk(in),
		CostPerMinute:    in.CostPerMinute,
		RequiresPIR:      in.RequiresPIR,
		SourceChangeID:   in.SourceChangeID,
		ResolvedAt:       in.ResolvedAt,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func planResponse(p domain.Plan) PlanResponse {
	return PlanResponse(p)
}

func planRevisionResponse(rev domain.PlanRevision) PlanRevisionResponse {
	return PlanRevisionResponse(rev)
}

func changeResponse(c domain.ChangeRequest) ChangeResponse {
	return ChangeResponse{
		ID:                 c.ID,
		SessionID:          c.SessionID,
		TeamID:             c.TeamID,
		PlanID:             c.PlanID,
		IncidentID:         c.IncidentID,
		Title:              c.Title,
		ChangeType:         c.ChangeType,
		RiskLevel:          c.RiskLevel,
		Status:             c.Status,
		FailureProbability: engine.FailureProbability(c),
		ImplementationPlan: c.ImplementationPlan,
		RollbackPlan:       c.RollbackPlan,
		TestPlan:           c.TestPlan,
		AffectedServices:   nonNilSlice(c.AffectedServices),
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func challengeResponse(c domain.Challenge) ChallengeResponse {
	return ChallengeResponse(c)
}

func pirResponse(p domain.PIRReview) PIRResponse {
	return PIRResponse(p)
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		TeamID:     evt.TeamID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

func mapSessions(in []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, sessionResponse(s))
	}
	return out
}

func mapTeams(in []domain.Team) []TeamResponse {
	out := make([]TeamResponse, 0, len(in))
	for _, t := range in {
		out = append(out, teamResponse(t))
	}
	return out
}

func mapIncidents(e engine.Engine, in []domain.Incident) []IncidentResponse {
	out := make([]IncidentResponse, 0, len(in))
	for _, i := range in {
		out = append(out, incidentResponse(e, i))
	}
	return out
}

func mapPlans(in []domain.Plan) []PlanResponse {
	out := make([]PlanResponse, 0, len(in))
	for _, p := range in {
		out = append(out, planResponse(p))
	}
	return out
}

func mapChanges(in []domain.ChangeRequest) []ChangeResponse {
	out := make([]ChangeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, changeResponse(c))
	}
	return out
}

func mapChallenges(in []domain.Challenge) []ChallengeResponse {
	out := make([]ChallengeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, challengeResponse(c))
	}
	return out
}

func mapPIRs(in []domain.PIRReview) []PIRResponse {
	out := make([]PIRResponse, 0, len(in))
	for _, p := range in {
		out = append(out, pirResponse(p))
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, evt := range in {
		out = append(out, eventResponse(evt))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
