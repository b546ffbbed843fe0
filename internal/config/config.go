package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models opsdrill.yml.
type Config struct {
	Session struct {
		ID              string `yaml:"id" json:"id"`
		Kind            string `yaml:"kind" json:"kind"`
		DurationMinutes int    `yaml:"duration_minutes" json:"duration_minutes"`
	} `yaml:"session" json:"session"`
	Roles map[string]RoleProfile `yaml:"roles" json:"roles"`
	Agent struct {
		TickSchedule string `yaml:"tick_schedule" json:"tick_schedule"`
	} `yaml:"agent" json:"agent"`
	GenAI struct {
		Model                string `yaml:"model" json:"model"`
		MaxTokens            int    `yaml:"max_tokens" json:"max_tokens"`
		ReviewTimeoutSeconds int    `yaml:"review_timeout_seconds" json:"review_timeout_seconds"`
	} `yaml:"genai" json:"genai"`
	Challenges   []ChallengeSpec   `yaml:"challenges" json:"challenges"`
	Achievements []AchievementSpec `yaml:"achievements" json:"achievements"`
	Webhooks     []WebhookConfig   `yaml:"webhooks" json:"webhooks,omitempty"`
}

// RoleProfile selects the rule table the decision agent plays for a team role.
type RoleProfile struct {
	Rules      string `yaml:"rules" json:"rules"`
	Aggressive bool   `yaml:"aggressive" json:"aggressive"`
}

// ChallengeSpec seeds one challenge per team at session start.
type ChallengeSpec struct {
	Name         string `yaml:"name" json:"name"`
	Criterion    string `yaml:"criterion" json:"criterion"`
	Target       int    `yaml:"target" json:"target"`
	RewardPoints int    `yaml:"reward_points" json:"reward_points"`
	Window       string `yaml:"window" json:"window"`
}

// AchievementSpec defines an on-demand achievement criterion.
type AchievementSpec struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Criterion string `yaml:"criterion" json:"criterion"`
	EventType string `yaml:"event_type" json:"event_type,omitempty"`
	Target    int    `yaml:"target" json:"target"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

var knownChallengeCriteria = map[string]bool{
	"incident_resolved_count": true,
	"change_completed_count":  true,
	"pir_graded_count":        true,
	"plan_approved_count":     true,
	"clear_open_queue":        true,
}

var knownWindows = map[string]bool{"quick": true, "standard": true, "extended": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with od session config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Session.ID == "" {
		return fmt.Errorf("config.session.id is required")
	}
	if c.Session.Kind != "itsm-exercise" {
		return fmt.Errorf("config.session.kind must be 'itsm-exercise'")
	}
	if c.Session.DurationMinutes <= 0 {
		return fmt.Errorf("config.session.duration_minutes must be positive")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for name, profile := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		if profile.Rules == "" {
			return fmt.Errorf("role %s has no rule table", name)
		}
	}
	for _, ch := range c.Challenges {
		if ch.Name == "" {
			return fmt.Errorf("challenge with empty name")
		}
		if !knownChallengeCriteria[ch.Criterion] {
			return fmt.Errorf("challenge %s has unknown criterion %s", ch.Name, ch.Criterion)
		}
		if ch.Criterion != "clear_open_queue" && ch.Target <= 0 {
			return fmt.Errorf("challenge %s requires a positive target", ch.Name)
		}
		if ch.Window != "" && !knownWindows[ch.Window] {
			return fmt.Errorf("challenge %s has unknown window %s", ch.Name, ch.Window)
		}
	}
	for _, a := range c.Achievements {
		if a.ID == "" {
			return fmt.Errorf("achievement with empty id")
		}
		switch a.Criterion {
		case "count":
			if a.EventType == "" {
				return fmt.Errorf("achievement %s: count criterion requires event_type", a.ID)
			}
			if a.Target <= 0 {
				return fmt.Errorf("achievement %s requires a positive target", a.ID)
			}
		case "threshold":
			if a.Target <= 0 {
				return fmt.Errorf("achievement %s requires a positive target", a.ID)
			}
		default:
			return fmt.Errorf("achievement %s has unknown criterion %s", a.ID, a.Criterion)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsdrill.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(sessionID string) string {
	return fmt.Sprintf(defaultTemplate, sessionID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a session.
func Default(sessionID string) *Config {
	var cfg Config
	cfg.Session.ID = sessionID
	cfg.Session.Kind = "itsm-exercise"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, sessionID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `session:
  id: %s
  kind: itsm-exercise
  duration_minutes: 60

roles:
  technical-operations:
    rules: technical-operations
    aggressive: true

  service-desk:
    rules: service-desk
    aggressive: false

agent:
  tick_schedule: "* * * * *"

genai:
  model: claude-sonnet-4-5-20250929
  max_tokens: 2048
  review_timeout_seconds: 180

challenges:
  - name: "Firefighter"
    criterion: incident_resolved_count
    target: 3
    reward_points: 50
    window: standard

  - name: "Change champion"
    criterion: change_completed_count
    target: 2
    reward_points: 40
    window: extended

  - name: "Clean slate"
    criterion: clear_open_queue
    target: 0
    reward_points: 30
    window: quick

achievements:
  - id: first-resolution
    name: "First resolution"
    criterion: count
    event_type: incident_resolved
    target: 1

  - id: reviewer
    name: "Thorough reviewer"
    criterion: count
    event_type: pir_graded
    target: 2

  - id: high-scorer
    name: "High scorer"
    criterion: threshold
    target: 100
`
