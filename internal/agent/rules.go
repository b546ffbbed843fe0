package agent

// Decision is the single action a cycle commits to. Priority is the matched
// rule's fixed number, logged for traceability; arbitration is positional.
type Decision struct {
	Action   string
	TargetID string
	Params   map[string]string
	Priority int
	Rule     string
}

// Rule pairs a guard with a decision builder. When returns nil on no match;
// the table is walked in order and the first non-nil decision wins.
type Rule struct {
	Name     string
	Priority int
	When     func(Snapshot) *Decision
}

// Decide walks the table in order and returns the first matching decision,
// or nil when no rule applies.
func Decide(table []Rule, snap Snapshot) *Decision {
	for _, rule := range table {
		if d := rule.When(snap); d != nil {
			d.Priority = rule.Priority
			d.Rule = rule.Name
			return d
		}
	}
	return nil
}

// RuleTable selects the ordered rule list for a role's configured table name.
func RuleTable(name string) []Rule {
	if name == "service-desk" {
		return serviceDeskRules
	}
	return technicalOperationsRules
}

var technicalOperationsRules = []Rule{
	{
		Name:     "emergency-resolve-breached",
		Priority: 1,
		When: func(s Snapshot) *Decision {
			if !s.Aggressive {
				return nil
			}
			for _, in := range s.Urgent {
				if s.Breached[in.ID] {
					return &Decision{Action: "emergency_resolve", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "plan-critical-in-progress",
		Priority: 2,
		When: func(s Snapshot) *Decision {
			for _, in := range s.InProgress {
				if in.Priority == "critical" {
					if _, ok := s.ActivePlanByIncident[in.ID]; !ok {
						return &Decision{Action: "create_plan", TargetID: in.ID}
					}
				}
			}
			return nil
		},
	},
	{
		Name:     "submit-draft-plan",
		Priority: 3,
		When: func(s Snapshot) *Decision {
			if len(s.DraftPlans) == 0 {
				return nil
			}
			return &Decision{Action: "submit_plan", TargetID: s.DraftPlans[0].ID}
		},
	},
	{
		Name:     "change-from-approved-plan",
		Priority: 4,
		When: func(s Snapshot) *Decision {
			for _, p := range s.ApprovedPlans {
				if !s.changeInFlight(p.ID) {
					return &Decision{Action: "create_change", TargetID: p.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "revise-rejected-plan",
		Priority: 5,
		When: func(s Snapshot) *Decision {
			if len(s.NeedsRevision) == 0 {
				return nil
			}
			return &Decision{Action: "revise_plan", TargetID: s.NeedsRevision[0].ID}
		},
	},
	{
		Name:     "start-urgent-open",
		Priority: 6,
		When: func(s Snapshot) *Decision {
			for _, in := range s.Open {
				if in.Priority == "high" || in.Priority == "critical" {
					return &Decision{Action: "start_work", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "resolve-implemented",
		Priority: 7,
		When: func(s Snapshot) *Decision {
			for _, in := range s.InProgress {
				if s.planImplemented(in.ID) {
					return &Decision{Action: "resolve", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "plan-missing-in-progress",
		Priority: 8,
		When: func(s Snapshot) *Decision {
			for _, in := range s.InProgress {
				if _, ok := s.ActivePlanByIncident[in.ID]; !ok {
					return &Decision{Action: "create_plan", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "start-any-open",
		Priority: 9,
		When: func(s Snapshot) *Decision {
			if len(s.Open) == 0 {
				return nil
			}
			return &Decision{Action: "start_work", TargetID: s.Open[0].ID}
		},
	},
}

// The service desk favors intake and paperwork over aggressive resolution:
// urgent tickets get picked up first, reviews and PIRs move before new
// changes are raised.
var serviceDeskRules = []Rule{
	{
		Name:     "start-urgent-open",
		Priority: 1,
		When: func(s Snapshot) *Decision {
			for _, in := range s.Urgent {
				if in.Status == "open" {
					return &Decision{Action: "start_work", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "submit-pending-pir",
		Priority: 2,
		When: func(s Snapshot) *Decision {
			if len(s.PendingPIRs) == 0 {
				return nil
			}
			return &Decision{Action: "submit_pir", TargetID: s.PendingPIRs[0].ID}
		},
	},
	{
		Name:     "submit-draft-plan",
		Priority: 3,
		When: func(s Snapshot) *Decision {
			if len(s.DraftPlans) == 0 {
				return nil
			}
			return &Decision{Action: "submit_plan", TargetID: s.DraftPlans[0].ID}
		},
	},
	{
		Name:     "revise-rejected-plan",
		Priority: 4,
		When: func(s Snapshot) *Decision {
			if len(s.NeedsRevision) == 0 {
				return nil
			}
			return &Decision{Action: "revise_plan", TargetID: s.NeedsRevision[0].ID}
		},
	},
	{
		Name:     "change-from-approved-plan",
		Priority: 5,
		When: func(s Snapshot) *Decision {
			for _, p := range s.ApprovedPlans {
				if !s.changeInFlight(p.ID) {
					return &Decision{Action: "create_change", TargetID: p.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "resolve-implemented",
		Priority: 6,
		When: func(s Snapshot) *Decision {
			for _, in := range s.InProgress {
				if s.planImplemented(in.ID) {
					return &Decision{Action: "resolve", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "plan-missing-in-progress",
		Priority: 7,
		When: func(s Snapshot) *Decision {
			for _, in := range s.InProgress {
				if _, ok := s.ActivePlanByIncident[in.ID]; !ok {
					return &Decision{Action: "create_plan", TargetID: in.ID}
				}
			}
			return nil
		},
	},
	{
		Name:     "start-any-open",
		Priority: 8,
		When: func(s Snapshot) *Decision {
			if len(s.Open) == 0 {
				return nil
			}
			return &Decision{Action: "start_work", TargetID: s.Open[0].ID}
		},
	},
}
