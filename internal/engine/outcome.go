package engine

import "opsdrill/internal/domain"

// Base failure probability by risk level, discounted for each artifact the
// team attached. A change with all three artifacts at low risk fails about
// 2.5% of the time; a bare critical change fails 45% of the time.
var baseFailureProbability = map[string]float64{
	"low":      0.05,
	"medium":   0.15,
	"high":     0.30,
	"critical": 0.45,
}

const (
	implementationDiscount = 0.7
	rollbackDiscount       = 0.8
	testDiscount           = 0.9
)

// FailureProbability computes the effective failure probability for a change.
func FailureProbability(c domain.ChangeRequest) float64 {
	p, ok := baseFailureProbability[c.RiskLevel]
	if !ok {
		p = baseFailureProbability["medium"]
	}
	if c.ImplementationPlan != nil && *c.ImplementationPlan != "" {
		p *= implementationDiscount
	}
	if c.RollbackPlan != nil && *c.RollbackPlan != "" {
		p *= rollbackDiscount
	}
	if c.TestPlan != nil && *c.TestPlan != "" {
		p *= testDiscount
	}
	return p
}

// drawFailure performs the single Bernoulli draw deciding a change outcome.
func (e Engine) drawFailure(c domain.ChangeRequest) bool {
	return e.rand() < FailureProbability(c)
}
