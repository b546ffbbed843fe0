// Package genai is the generative collaborator behind plan reviews, PIR
// grading, and plan drafting. The Anthropic-backed client is the real
// implementation; a heuristic fallback keeps the exercise running without an
// API key.
package genai

import (
	"context"
	"errors"
	"strings"
)

var ErrUnavailable = errors.New("genai: service unavailable")

// PlanInput is a plan revision up for review.
type PlanInput struct {
	Title     string
	Body      string
	RiskLevel string
	Incident  string
}

// PlanReview is the grading verdict for a submitted plan. Decision is one of
// approve, needs_revision, reject.
type PlanReview struct {
	Score    float64
	Decision string
	Feedback string
}

// PIRInput is a submitted post-incident review.
type PIRInput struct {
	IncidentTitle string
	Body          string
	WithinSLA     bool
}

// PIRGrade scores a post-incident review.
type PIRGrade struct {
	Score    float64
	Feedback string
}

// PlanPrompt asks for a drafted plan body for an incident.
type PlanPrompt struct {
	IncidentTitle    string
	Description      string
	Priority         string
	AffectedServices []string
}

type Service interface {
	EvaluatePlan(ctx context.Context, in PlanInput) (PlanReview, error)
	GradeReview(ctx context.Context, in PIRInput) (PIRGrade, error)
	GeneratePlan(ctx context.Context, in PlanPrompt) (string, error)
}

// Fallback grades plans and PIRs with keyword heuristics. It never fails, so
// an exercise without an API key still moves.
type Fallback struct{}

var planSignals = []string{"rollback", "verify", "test", "monitor", "communicate"}

func (Fallback) EvaluatePlan(_ context.Context, in PlanInput) (PlanReview, error) {
	body := strings.ToLower(in.Body)
	score := 0.3
	if len(in.Body) >= 80 {
		score += 0.2
	}
	var hits, missing []string
	for _, sig := range planSignals {
		if strings.Contains(body, sig) {
			hits = append(hits, sig)
		} else {
			missing = append(missing, sig)
		}
	}
	score += 0.1 * float64(len(hits))
	if score > 1 {
		score = 1
	}
	switch {
	case score >= 0.7:
		return PlanReview{Score: score, Decision: "approve", Feedback: "Plan covers the essentials."}, nil
	case score >= 0.4:
		return PlanReview{
			Score:    score,
			Decision: "needs_revision",
			Feedback: "Plan is thin. Address: " + strings.Join(missing, ", ") + ".",
		}, nil
	default:
		return PlanReview{Score: score, Decision: "reject", Feedback: "Plan lacks actionable steps."}, nil
	}
}

func (Fallback) GradeReview(_ context.Context, in PIRInput) (PIRGrade, error) {
	score := 0.4
	if len(in.Body) >= 120 {
		score += 0.3
	}
	if strings.Contains(strings.ToLower(in.Body), "root cause") {
		score += 0.2
	}
	if in.WithinSLA {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return PIRGrade{Score: score, Feedback: "Graded offline; include root cause and follow-ups for a higher score."}, nil
}

func (Fallback) GeneratePlan(_ context.Context, in PlanPrompt) (string, error) {
	var b strings.Builder
	b.WriteString("1. Triage " + in.IncidentTitle + " and confirm blast radius")
	if len(in.AffectedServices) > 0 {
		b.WriteString(" across " + strings.Join(in.AffectedServices, ", "))
	}
	b.WriteString(".\n2. Identify the most recent change to the affected services.\n")
	b.WriteString("3. Apply the fix, verify with a smoke test, and monitor for regression.\n")
	b.WriteString("4. Prepare a rollback path before touching production.\n")
	return b.String(), nil
}
