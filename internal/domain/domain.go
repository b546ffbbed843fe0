package domain

type Session struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status" enum:"setup,running,paused,ended"`
	Description     string  `json:"description,omitempty"`
	DurationMinutes int     `json:"duration_minutes"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Points    int    `json:"points"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Incident struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	TeamID           string   `json:"team_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority" enum:"critical,high,medium,low"`
	Severity         string   `json:"severity,omitempty"`
	Status           string   `json:"status" enum:"open,in_progress,resolved,closed"`
	AffectedServices []string `json:"affected_services,omitempty"`
	SLAMinutes       int      `json:"sla_minutes"`
	SLADeadline      string   `json:"sla_deadline" format:"date-time"`
	CostPerMinute    float64  `json:"cost_per_minute"`
	RequiresPIR      bool     `json:"requires_pir"`
	SourceChangeID   *string  `json:"source_change_id,omitempty"`
	ResolvedAt       *string  `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Plan struct {
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

type PlanRevision struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Seq       int    `json:"seq"`
	Body      string `json:"body"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChangeRequest struct {
	ID                 string   `json:"id"`
	SessionID          string   `json:"session_id"`
	TeamID             string   `json:"team_id"`
	PlanID             *string  `json:"plan_id,omitempty"`
	IncidentID         *string  `json:"incident_id,omitempty"`
	Title              string   `json:"title"`
	ChangeType         string   `json:"change_type" enum:"standard,normal,emergency"`
	RiskLevel          string   `json:"risk_level" enum:"low,medium,high,critical"`
	Status             string   `json:"status" enum:"pending,approved,rejected,in_progress,completed,failed,rolled_back"`
	ImplementationPlan *string  `json:"implementation_plan,omitempty"`
	RollbackPlan       *string  `json:"rollback_plan,omitempty"`
	TestPlan           *string  `json:"test_plan,omitempty"`
	AffectedServices   []string `json:"affected_services,omitempty"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type Challenge struct {
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

// AchievementProgress is computed from the event log on demand; only the
// earned fact is stored (achievement_awards, unique per team+achievement).
type AchievementProgress struct {
	TeamID        string  `json:"team_id"`
	AchievementID string  `json:"achievement_id"`
	Name          string  `json:"name"`
	Criterion     string  `json:"criterion"`
	Current       int     `json:"current"`
	Target        int     `json:"target"`
	Earned        bool    `json:"earned"`
	EarnedAt      *string `json:"earned_at,omitempty" format:"date-time"`
}

type PIRReview struct {
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

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
