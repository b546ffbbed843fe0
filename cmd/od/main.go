package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsdrill/internal/agent"
	"opsdrill/internal/app"
	"opsdrill/internal/config"
	"opsdrill/internal/db"
	"opsdrill/internal/domain"
	"opsdrill/internal/engine"
	"opsdrill/internal/genai"
	"opsdrill/internal/migrate"
	"opsdrill/internal/progress"
	"opsdrill/internal/repo"
	"opsdrill/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "od",
	Short: "Opsdrill CLI",
	Long: `Opsdrill runs compressed ITSM fire drills.
Core concepts:
- Workspace: your .opsdrill directory holding the database; configs live in the DB and are imported explicitly.
- Session: one exercise with a wall-clock duration; ITIL timelines are scaled down to fit it.
- Teams: play a role (technical-operations, service-desk); an autonomous agent acts for each team every tick.
- Incidents: flow open -> in_progress -> resolved -> closed against scaled SLA deadlines.
- Plans: remediation drafts reviewed by an AI reviewer before any change may implement them.
- Changes: implement approved plans; completion draws a probabilistic outcome, and a failed change without a rollback plan spawns a fresh incident.
- Challenges and achievements: scored from the event log; points land on the team.
- Event log: append-only diary of everything, view with 'od log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSDRILL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("session", "", "session id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(changeCmd())
	rootCmd.AddCommand(pirCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage exercise sessions",
		Long:  "Sessions are the exercises: setup -> running -> paused/ended. Starting the clock arms SLA deadlines and challenge windows.",
	}
	s.AddCommand(sessionInitCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionSetStatusCmd("start", "running", "Start the session clock"))
	s.AddCommand(sessionSetStatusCmd("pause", "paused", "Pause a running session"))
	s.AddCommand(sessionSetStatusCmd("resume", "running", "Resume a paused session"))
	s.AddCommand(sessionSetStatusCmd("end", "ended", "End the session"))
	s.AddCommand(sessionConfigCmd())
	return s
}

func sessionInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Session.ID = id
			e := engine.New(conn, cfg)
			s, err := e.InitSession(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, e.Config.Session.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"session":           s,
					"remaining_minutes": int(e.SessionRemaining(s).Minutes()),
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func sessionSetStatusCmd(use, target, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSessionStatus(ctx, e.Config.Session.ID, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect session config",
		Long:  "Config is the exercise rulebook (stored in DB): duration, role profiles, AI reviewer settings, challenge and achievement catalogs.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loaded.Session.ID = e.Config.Session.ID
				if err := e.Repo.UpsertSessionConfig(ctx, loaded.Session.ID, loaded); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to opsdrill.yml")
	_ = imp.MarkFlagRequired("file")
	cfg.AddCommand(imp)
	cfg.AddCommand(&cobra.Command{
		Use:   "template",
		Short: "Print a starter opsdrill.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault("drill-1"))
			return nil
		},
	})
	return cfg
}

func teamCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
		Long:  "Teams play a configured role; each team gets the challenge catalog seeded with windows scaled to session length.",
	}
	t.AddCommand(teamCreateCmd())
	t.AddCommand(teamListCmd())
	t.AddCommand(teamChallengesCmd())
	t.AddCommand(teamAchievementsCmd())
	return t
}

func teamCreateCmd() *cobra.Command {
	var opts engine.TeamCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SessionID == "" {
					opts.SessionID = e.Config.Session.ID
				}
				t, err := e.CreateTeam(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "team id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "team name")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role profile from config")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				teams, err := e.Repo.ListTeams(ctx, e.Config.Session.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Points"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Role, t.Points})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func teamChallengesCmd() *cobra.Command {
	var teamID, status string
	cmd := &cobra.Command{
		Use:   "challenges",
		Short: "List team challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{TeamID: teamID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Criterion", "Progress", "Points", "Status", "Ends"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Name, c.Criterion, fmt.Sprintf("%d/%d", c.CurrentValue, c.TargetValue), c.RewardPoints, c.Status, c.EndTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func teamAchievementsCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "achievements",
		Short: "Show team achievement progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tracker := progress.NewTracker(e)
				items, err := tracker.Achievements(ctx, teamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Achievement", "Progress", "Earned"})
				for _, a := range items {
					earned := ""
					if a.Earned && a.EarnedAt != nil {
						earned = *a.EarnedAt
					}
					tw.AppendRow(table.Row{a.Name, fmt.Sprintf("%d/%d", a.Current, a.Target), earned})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{
		Use:   "incident",
		Short: "Manage incidents",
		Long:  "Incidents carry a priority-scaled SLA deadline. They flow open -> in_progress -> resolved -> closed; resolving one that requires it queues a post-incident review.",
	}
	inc.AddCommand(incidentCreateCmd())
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentShowCmd())
	inc.AddCommand(incidentTransitionCmd())
	return inc
}

func incidentCreateCmd() *cobra.Command {
	var opts engine.IncidentCreateOptions
	var services []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an incident",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.AffectedServices = services
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SessionID == "" {
					opts.SessionID = e.Config.Session.ID
				}
				in, err := e.CreateIncident(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "incident id (optional)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "priority (critical, high, medium, low)")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity")
	cmd.Flags().StringArrayVar(&services, "service", []string{}, "affected service (repeatable)")
	cmd.Flags().Float64Var(&opts.CostPerMinute, "cost-per-minute", 0, "downtime cost per scaled minute")
	cmd.Flags().BoolVar(&opts.RequiresPIR, "requires-pir", false, "queue a post-incident review on resolve")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SessionID == "" {
					f.SessionID = e.Config.Session.ID
				}
				items, err := e.Repo.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "SLA deadline", "Breached"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Title, in.Priority, in.Status, in.SLADeadline, e.SLABreached(in)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <incident-id>",
		Short: "Show an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"incident":     in,
					"sla_breached": e.SLABreached(in),
					"sla_at_risk":  e.SLAAtRisk(in),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func incidentTransitionCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "transition <incident-id>",
		Short: "Transition an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.TransitionIncident(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status (in_progress, resolved, closed)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Manage remediation plans",
		Long:  "Plans are reviewed by the AI collaborator before implementation: draft -> ai_reviewing -> ai_approved / ai_needs_revision / ai_rejected.",
	}
	p.AddCommand(planCreateCmd())
	p.AddCommand(planListCmd())
	p.AddCommand(planShowCmd())
	p.AddCommand(planSubmitCmd())
	p.AddCommand(planReviseCmd())
	p.AddCommand(planReviewCmd())
	p.AddCommand(planRevisionsCmd())
	return p
}

func planCreateCmd() *cobra.Command {
	var opts engine.PlanCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SessionID == "" {
					opts.SessionID = e.Config.Session.ID
				}
				p, err := e.CreatePlan(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "plan id (optional)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.IncidentID, "incident", "", "incident id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "plan body")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "medium", "risk level (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("incident")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func planListCmd() *cobra.Command {
	var f repo.PlanFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SessionID == "" {
					f.SessionID = e.Config.Session.ID
				}
				items, err := e.Repo.ListPlans(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Risk", "Status", "Score"})
				for _, p := range items {
					score := ""
					if p.ReviewScore != nil {
						score = fmt.Sprintf("%.2f", *p.ReviewScore)
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.RiskLevel, p.Status, score})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.IncidentID, "incident", "", "incident filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func planSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <plan-id>",
		Short: "Submit a plan for AI review",
		Long:  "Submits the plan and grades it in-line with the configured AI reviewer, falling back to the heuristic grader when unavailable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, rev, err := e.SubmitPlanForReview(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				svc := genai.NewClient(e.Config)
				verdict, err := svc.EvaluatePlan(ctx, genai.PlanInput{
					Title:     p.Title,
					Body:      rev.Body,
					RiskLevel: p.RiskLevel,
				})
				if err != nil {
					verdict, err = genai.Fallback{}.EvaluatePlan(ctx, genai.PlanInput{
						Title:     p.Title,
						Body:      rev.Body,
						RiskLevel: p.RiskLevel,
					})
					if err != nil {
						return err
					}
				}
				graded, err := e.ApplyPlanReview(ctx, p.ID, verdict.Score, verdict.Decision, verdict.Feedback, "ai-reviewer")
				if err != nil {
					return err
				}
				return printJSONOrTable(graded)
			})
		},
	}
	return cmd
}

func planReviseCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "revise <plan-id>",
		Short: "Rewrite a plan body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RevisePlan(ctx, args[0], body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "new plan body")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func planReviewCmd() *cobra.Command {
	var score float64
	var decision, feedback string
	cmd := &cobra.Command{
		Use:   "review <plan-id>",
		Short: "Apply a manual review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyPlanReview(ctx, args[0], score, decision, feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "score in [0,1]")
	cmd.Flags().StringVar(&decision, "decision", "", "approve, needs_revision or reject")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func planRevisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <plan-id>",
		Short: "List submitted revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPlanRevisions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func changeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "change",
		Short: "Manage change requests",
		Long:  "Changes implement approved plans. Completing one draws an outcome from its risk level and artifacts; a failure without a rollback plan spawns an incident.",
	}
	c.AddCommand(changeCreateCmd())
	c.AddCommand(changeListCmd())
	c.AddCommand(changeShowCmd())
	c.AddCommand(changeActionCmd("approve", "Approve a pending change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.ApproveChange(ctx, id, actor)
	}))
	c.AddCommand(changeActionCmd("reject", "Reject a pending change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.RejectChange(ctx, id, actor)
	}))
	c.AddCommand(changeActionCmd("start", "Start implementing an approved change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.StartChange(ctx, id, actor)
	}))
	c.AddCommand(changeCompleteCmd())
	return c
}

func changeCreateCmd() *cobra.Command {
	var opts engine.ChangeCreateOptions
	var services []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Raise a change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.AffectedServices = services
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SessionID == "" {
					opts.SessionID = e.Config.Session.ID
				}
				c, err := e.CreateChange(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "change id (optional)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "approved plan id")
	cmd.Flags().StringVar(&opts.IncidentID, "incident", "", "incident id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ChangeType, "type", "normal", "change type (standard, normal, emergency)")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "medium", "risk level")
	cmd.Flags().StringVar(&opts.ImplementationPlan, "implementation", "", "implementation plan text")
	cmd.Flags().StringVar(&opts.RollbackPlan, "rollback", "", "rollback plan text")
	cmd.Flags().StringVar(&opts.TestPlan, "test", "", "test plan text")
	cmd.Flags().StringArrayVar(&services, "service", []string{}, "affected service (repeatable)")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func changeListCmd() *cobra.Command {
	var f repo.ChangeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.SessionID == "" {
					f.SessionID = e.Config.Session.ID
				}
				items, err := e.Repo.ListChangeRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Risk", "Status", "P(fail)"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.ChangeType, c.RiskLevel, c.Status, fmt.Sprintf("%.2f", engine.FailureProbability(c))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "plan filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func changeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <change-id>",
		Short: "Show a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetChangeRequest(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"change":              c,
					"failure_probability": engine.FailureProbability(c),
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func changeActionCmd(use, short string, apply func(ctx context.Context, e engine.Engine, id, actor string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <change-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := apply(ctx, e, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func changeCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <change-id>",
		Short: "Complete a change and draw its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, spawned, err := e.CompleteChange(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"change": c}
				if spawned != nil {
					out["spawned_incident"] = spawned
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func pirCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pir",
		Short: "Post-incident reviews",
		Long:  "PIRs are queued when a flagged incident resolves: pending -> submitted -> graded. Grading is done by the AI collaborator or by hand.",
	}
	p.AddCommand(pirListCmd())
	p.AddCommand(pirSubmitCmd())
	p.AddCommand(pirGradeCmd())
	return p
}

func pirListCmd() *cobra.Command {
	var teamID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPIRReviews(ctx, teamID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func pirSubmitCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "submit <pir-id>",
		Short: "Submit review text and grade it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitPIR(ctx, args[0], body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				in, err := e.Repo.GetIncident(ctx, p.IncidentID)
				if err != nil {
					return err
				}
				svc := genai.NewClient(e.Config)
				withinSLA := in.ResolvedAt != nil && *in.ResolvedAt <= in.SLADeadline
				grade, err := svc.GradeReview(ctx, genai.PIRInput{
					IncidentTitle: in.Title,
					Body:          body,
					WithinSLA:     withinSLA,
				})
				if err != nil {
					// Leave it submitted; grade by hand or resubmit later.
					fmt.Fprintf(os.Stderr, "warning: grading unavailable: %v\n", err)
					return printJSONOrTable(p)
				}
				graded, err := e.ApplyPIRGrade(ctx, p.ID, grade.Score, grade.Feedback, "ai-reviewer")
				if err != nil {
					return err
				}
				return printJSONOrTable(graded)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "review text")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func pirGradeCmd() *cobra.Command {
	var score float64
	var feedback string
	cmd := &cobra.Command{
		Use:   "grade <pir-id>",
		Short: "Record a manual grade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyPIRGrade(ctx, args[0], score, feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "score in [0,1]")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Run the autonomous team agent",
		Long:  "Each tick the agent perceives every team's backlog, picks the highest-priority rule that fires, and acts once per team. 'tick' runs a single cycle; 'run' follows the configured cron schedule.",
	}
	a.AddCommand(agentTickCmd())
	a.AddCommand(agentRunCmd())
	return a
}

func buildRunner(e engine.Engine) (*agent.Runner, *genai.Reviewer) {
	svc := genai.NewClient(e.Config)
	reviewer := genai.NewReviewer(e, svc)
	ag := agent.New(e, svc, reviewer)
	tracker := progress.NewTracker(e)
	return agent.NewRunner(e, ag, tracker), reviewer
}

func agentTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one agent cycle for every team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runner, reviewer := buildRunner(e)
				reviewer.Start(ctx)
				runner.Tick(ctx, e.Config.Session.ID)
				return nil
			})
		},
	}
}

func agentRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent on its cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				runner, reviewer := buildRunner(e)
				reviewer.Start(ctx)
				if err := runner.Start(ctx, e.Config.Session.ID); err != nil {
					return err
				}
				fmt.Printf("agent running for session %s (schedule %q); ctrl-c to stop\n", e.Config.Session.ID, e.Config.Agent.TickSchedule)
				<-ctx.Done()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Session scoreboard",
		Long:  "The scoreboard: session clock plus per-team points, incident counts, and accrued downtime cost.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, e.Config.Session.ID)
				if err != nil {
					return err
				}
				teams, err := e.Repo.ListTeams(ctx, s.ID)
				if err != nil {
					return err
				}
				type teamRow struct {
					Team         string         `json:"team"`
					Role         string         `json:"role"`
					Points       int            `json:"points"`
					Incidents    map[string]int `json:"incidents"`
					DowntimeCost float64        `json:"downtime_cost"`
				}
				rows := make([]teamRow, 0, len(teams))
				for _, t := range teams {
					counts, err := e.Repo.CountIncidentsByStatus(ctx, t.ID)
					if err != nil {
						return err
					}
					cost, err := e.Repo.TeamDowntimeCost(ctx, t.ID, e.NowRFC3339())
					if err != nil {
						return err
					}
					rows = append(rows, teamRow{Team: t.Name, Role: t.Role, Points: t.Points, Incidents: counts, DowntimeCost: cost})
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"session":           s,
						"remaining_minutes": int(e.SessionRemaining(s).Minutes()),
						"teams":             rows,
					})
				}
				fmt.Printf("Session: %s (%s), %d min remaining\n", s.ID, s.Status, int(e.SessionRemaining(s).Minutes()))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Team", "Role", "Points", "Open", "In progress", "Resolved", "Downtime cost"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Team, r.Role, r.Points, r.Incidents["open"], r.Incidents["in_progress"], r.Incidents["resolved"], fmt.Sprintf("%.2f", r.DowntimeCost)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: incident transitions, reviews, change outcomes, challenge completions.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, teamID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, e.Config.Session.ID, n)
				if err != nil {
					return err
				}
				if evtType != "" || teamID != "" {
					filtered := events[:0]
					for _, evt := range events {
						if evtType != "" && evt.Type != evtType {
							continue
						}
						if teamID != "" && evt.TeamID != teamID {
							continue
						}
						filtered = append(filtered, evt)
					}
					events = filtered
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&teamID, "team", "", "team filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withAgent bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			sessionID, cfg, err := app.ResolveSessionAndConfig(ctx, workspace, viper.GetString("session"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("OPSDRILL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSDRILL_JWT_SECRET is required for bearer auth")
			}

			svc := genai.NewClient(cfg)
			reviewer := genai.NewReviewer(e, svc)
			reviewer.Start(ctx)
			tracker := progress.NewTracker(e)
			if withAgent {
				runner := agent.NewRunner(e, agent.New(e, svc, reviewer), tracker)
				if err := runner.Start(ctx, sessionID); err != nil {
					return err
				}
			}
			server.StartWebhookDispatcher(e, sessionID)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Tracker:  tracker,
				Reviewer: reviewer,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Opsdrill API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withAgent, "with-agent", false, "run the team agent alongside the API")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				}
				if !viper.GetBool("json") {
					fmt.Println("store this key now; it is not shown again")
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveSessionAndConfig(ctx, workspace, viper.GetString("session"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
