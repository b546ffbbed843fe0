package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"opsdrill/internal/config"
)

const defaultModel = "claude-sonnet-4-5-20250929"
const defaultMaxTokens = 2048

// Client is the Anthropic-backed Service.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
}

// NewClient builds an Anthropic client from config and ANTHROPIC_API_KEY.
// Without a key it returns the heuristic Fallback instead.
func NewClient(cfg *config.Config) Service {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if strings.TrimSpace(apiKey) == "" {
		return Fallback{}
	}
	model := defaultModel
	maxTokens := int64(defaultMaxTokens)
	if cfg != nil {
		if cfg.GenAI.Model != "" {
			model = cfg.GenAI.Model
		}
		if cfg.GenAI.MaxTokens > 0 {
			maxTokens = int64(cfg.GenAI.MaxTokens)
		}
	}
	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

const reviewSystemPrompt = `You are the change advisory reviewer in an ITSM training exercise.
Grade the submitted implementation plan for safety and completeness.
Respond with strict JSON only: {"score": 0.0-1.0, "decision": "approve"|"needs_revision"|"reject", "feedback": "..."}.
Approve only plans with concrete steps, verification, and a rollback path.`

func (c *Client) EvaluatePlan(ctx context.Context, in PlanInput) (PlanReview, error) {
	user := fmt.Sprintf("Title: %s\nRisk: %s\nIncident: %s\n\nPlan:\n%s", in.Title, in.RiskLevel, in.Incident, in.Body)
	text, err := c.complete(ctx, reviewSystemPrompt, user)
	if err != nil {
		return PlanReview{}, err
	}
	var parsed struct {
		Score    float64 `json:"score"`
		Decision string  `json:"decision"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		return PlanReview{}, fmt.Errorf("parsing plan review: %w (response: %s)", err, text)
	}
	switch parsed.Decision {
	case "approve", "needs_revision", "reject":
	default:
		return PlanReview{}, fmt.Errorf("plan review returned unknown decision %q", parsed.Decision)
	}
	return PlanReview{Score: parsed.Score, Decision: parsed.Decision, Feedback: parsed.Feedback}, nil
}

const pirSystemPrompt = `You grade post-incident reviews in an ITSM training exercise.
Score the write-up for root cause depth, timeline clarity, and follow-ups.
Respond with strict JSON only: {"score": 0.0-1.0, "feedback": "..."}.`

func (c *Client) GradeReview(ctx context.Context, in PIRInput) (PIRGrade, error) {
	sla := "missed its SLA"
	if in.WithinSLA {
		sla = "met its SLA"
	}
	user := fmt.Sprintf("Incident: %s (%s)\n\nPost-incident review:\n%s", in.IncidentTitle, sla, in.Body)
	text, err := c.complete(ctx, pirSystemPrompt, user)
	if err != nil {
		return PIRGrade{}, err
	}
	var parsed struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		return PIRGrade{}, fmt.Errorf("parsing pir grade: %w (response: %s)", err, text)
	}
	return PIRGrade{Score: parsed.Score, Feedback: parsed.Feedback}, nil
}

const draftSystemPrompt = `You draft implementation plans in an ITSM training exercise.
Produce a short numbered plan with concrete remediation steps, verification, and rollback.
Respond with the plan text only, no preamble.`

func (c *Client) GeneratePlan(ctx context.Context, in PlanPrompt) (string, error) {
	user := fmt.Sprintf("Incident: %s\nPriority: %s\nServices: %s\n\n%s",
		in.IncidentTitle, in.Priority, strings.Join(in.AffectedServices, ", "), in.Description)
	text, err := c.complete(ctx, draftSystemPrompt, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	message, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content in response", ErrUnavailable)
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
