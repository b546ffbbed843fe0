package opsdrillsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsdrill HTTP API client.
type Client struct {
	BaseURL     string
	SessionID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// Incident represents the API incident model (partial).
type Incident struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	TeamID      string  `json:"team_id"`
	Title       string  `json:"title"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	SLADeadline string  `json:"sla_deadline"`
	SLABreached bool    `json:"sla_breached"`
	SLAAtRisk   bool    `json:"sla_at_risk"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

// Plan represents a remediation plan (partial).
type Plan struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	TeamID         string   `json:"team_id"`
	IncidentID     *string  `json:"incident_id,omitempty"`
	Title          string   `json:"title"`
	RiskLevel      string   `json:"risk_level"`
	Status         string   `json:"status"`
	ReviewScore    *float64 `json:"review_score,omitempty"`
	ReviewFeedback *string  `json:"review_feedback,omitempty"`
}

// ChangeRequest represents a change implementing a plan (partial).
type ChangeRequest struct {
	ID                 string  `json:"id"`
	SessionID          string  `json:"session_id"`
	TeamID             string  `json:"team_id"`
	PlanID             *string `json:"plan_id,omitempty"`
	Title              string  `json:"title"`
	ChangeType         string  `json:"change_type"`
	RiskLevel          string  `json:"risk_level"`
	Status             string  `json:"status"`
	FailureProbability float64 `json:"failure_probability"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

// ChangeCompletion is the result of completing a change. SpawnedIncident is
// set when the drawn outcome was a failure without a rollback plan.
type ChangeCompletion struct {
	Change          ChangeRequest `json:"change"`
	SpawnedIncident *Incident     `json:"spawned_incident,omitempty"`
}

// Challenge represents a scored challenge (partial).
type Challenge struct {
	ID           string `json:"id"`
	TeamID       string `json:"team_id"`
	Name         string `json:"name"`
	Criterion    string `json:"criterion"`
	TargetValue  int    `json:"target_value"`
	CurrentValue int    `json:"current_value"`
	RewardPoints int    `json:"reward_points"`
	Status       string `json:"status"`
	EndTime      string `json:"end_time"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	TeamID     string         `json:"team_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// TeamStatus is the scoreboard entry for a team.
type TeamStatus struct {
	Team struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Role   string `json:"role"`
		Points int    `json:"points"`
	} `json:"team"`
	IncidentCounts map[string]int `json:"incident_counts"`
	OpenIncidents  int            `json:"open_incidents"`
	DowntimeCost   float64        `json:"downtime_cost"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIncident raises an incident for a team.
func (c *Client) CreateIncident(ctx context.Context, teamID, title, priority string) (Incident, error) {
	body := map[string]any{
		"team_id":  teamID,
		"title":    title,
		"priority": priority,
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, c.sessionPath("incidents"), body, &resp)
	return resp, err
}

// TransitionIncident moves an incident to the target status.
func (c *Client) TransitionIncident(ctx context.Context, incidentID, status string) (Incident, error) {
	body := map[string]any{"status": status}
	var resp Incident
	endpoint := fmt.Sprintf("v0/incidents/%s/transition", url.PathEscape(incidentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListIncidents returns the session's incidents, optionally filtered by status.
func (c *Client) ListIncidents(ctx context.Context, status string) ([]Incident, error) {
	endpoint := c.sessionPath("incidents")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Incident
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreatePlan drafts a remediation plan for an incident.
func (c *Client) CreatePlan(ctx context.Context, teamID, incidentID, title, body, riskLevel string) (Plan, error) {
	payload := map[string]any{
		"team_id":     teamID,
		"incident_id": incidentID,
		"title":       title,
		"body":        body,
		"risk_level":  riskLevel,
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.sessionPath("plans"), payload, &resp)
	return resp, err
}

// SubmitPlan sends a draft plan to review.
func (c *Client) SubmitPlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	endpoint := fmt.Sprintf("v0/plans/%s/submit", url.PathEscape(planID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RevisePlan rewrites the plan body after a needs_revision verdict.
func (c *Client) RevisePlan(ctx context.Context, planID, body string) (Plan, error) {
	var resp Plan
	endpoint := fmt.Sprintf("v0/plans/%s/revise", url.PathEscape(planID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// GetPlan fetches a plan by id.
func (c *Client) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	endpoint := fmt.Sprintf("v0/plans/%s", url.PathEscape(planID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateChange raises a change request implementing an approved plan.
func (c *Client) CreateChange(ctx context.Context, teamID, planID, title, changeType, riskLevel string) (ChangeRequest, error) {
	body := map[string]any{
		"team_id":     teamID,
		"plan_id":     planID,
		"title":       title,
		"change_type": changeType,
		"risk_level":  riskLevel,
	}
	var resp ChangeRequest
	err := c.do(ctx, http.MethodPost, c.sessionPath("changes"), body, &resp)
	return resp, err
}

// ApproveChange approves a pending change.
func (c *Client) ApproveChange(ctx context.Context, changeID string) (ChangeRequest, error) {
	return c.changeAction(ctx, changeID, "approve")
}

// StartChange begins implementing an approved change.
func (c *Client) StartChange(ctx context.Context, changeID string) (ChangeRequest, error) {
	return c.changeAction(ctx, changeID, "start")
}

// CompleteChange finishes an implementing change and draws its outcome.
func (c *Client) CompleteChange(ctx context.Context, changeID string) (ChangeCompletion, error) {
	var resp ChangeCompletion
	endpoint := fmt.Sprintf("v0/changes/%s/complete", url.PathEscape(changeID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) changeAction(ctx context.Context, changeID, action string) (ChangeRequest, error) {
	var resp ChangeRequest
	endpoint := fmt.Sprintf("v0/changes/%s/%s", url.PathEscape(changeID), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Challenges returns a team's challenges, optionally filtered by status.
func (c *Client) Challenges(ctx context.Context, teamID, status string) ([]Challenge, error) {
	endpoint := fmt.Sprintf("v0/teams/%s/challenges", url.PathEscape(teamID))
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Challenge
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TeamStatus returns the scoreboard entry for a team.
func (c *Client) TeamStatus(ctx context.Context, teamID string) (TeamStatus, error) {
	var resp TeamStatus
	endpoint := fmt.Sprintf("v0/teams/%s/status", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent session events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	return c.EventsAfter(ctx, limit, 0)
}

// EventsAfter returns events with id greater than after, oldest first. Use the
// last event's ID as the next cursor.
func (c *Client) EventsAfter(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := c.sessionPath("events")
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprint(after))
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	session := url.PathEscape(c.SessionID)
	return fmt.Sprintf("v0/sessions/%s/%s", session, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
