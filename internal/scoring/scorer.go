// Package scoring turns client attribute snapshots into risk scores and runs
// the scheduled recomputation across the client population.
package scoring

import "github.com/thebtf/retention/pkg/models"

// Scorer is the pluggable score function. Compute must be pure and
// deterministic and return a value in [0,100]. When required attributes are
// missing it returns models.NeutralScore instead of failing.
type Scorer interface {
	Compute(attrs models.ClientAttributes) int
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(attrs models.ClientAttributes) int

// Compute calls f.
func (f ScorerFunc) Compute(attrs models.ClientAttributes) int {
	return f(attrs)
}

// Constant returns a Scorer that always yields score.
func Constant(score int) Scorer {
	return ScorerFunc(func(models.ClientAttributes) int { return score })
}
