package convergence

import (
	"fmt"
	"time"

	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// Rule identifies which row of the stopping table produced a decision.
type Rule int

const (
	RuleTimeout Rule = iota + 1
	RulePrimariesPending
	RulePrimariesAndUncertainty
	RulePrimariesReached
	RuleUncertaintyOnly
	RuleWaitingForTimeout
)

// Observation is what the engine knows about a stream at decision time.
type Observation struct {
	Elapsed     time.Duration
	TotalWeight int64

	// Uncertainty is meaningful only when UncertaintyOK is true.
	Uncertainty   float64
	UncertaintyOK bool
}

// Decision is the outcome of one evaluation of the stopping table.
type Decision struct {
	Stop   bool
	Rule   Rule
	Reason string
}

// Decide applies the stopping rules in fixed priority order; the first rule
// that matches wins:
//
//  1. timeout enabled and elapsed > max wall time: stop
//  2. min primaries enabled and not reached: continue
//  3. min primaries reached, uncertainty goal enabled: stop iff below goal
//  4. min primaries reached, no uncertainty goal: stop
//  5. only the uncertainty goal: stop iff below goal
//  6. otherwise: continue until the timeout
//
// An undefined uncertainty never satisfies a goal.
func Decide(p unitofwork.StoppingPolicy, obs Observation) Decision {
	if p.TimeoutEnabled() && obs.Elapsed > p.MaxWall() {
		return Decision{Stop: true, Rule: RuleTimeout, Reason: "time is up"}
	}

	if p.MinPrimariesEnabled() {
		if obs.TotalWeight < p.MinPrimaries {
			return Decision{Rule: RulePrimariesPending, Reason: "not yet enough primaries"}
		}
		if p.UncertaintyEnabled() {
			if goalReached(p, obs) {
				return Decision{Stop: true, Rule: RulePrimariesAndUncertainty, Reason: "primaries and uncertainty goals reached"}
			}
			return Decision{Rule: RulePrimariesAndUncertainty, Reason: "primaries goal reached, uncertainty goal not yet"}
		}
		return Decision{Stop: true, Rule: RulePrimariesReached, Reason: "primaries goal reached"}
	}

	if p.UncertaintyEnabled() {
		if goalReached(p, obs) {
			return Decision{Stop: true, Rule: RuleUncertaintyOnly, Reason: "uncertainty goal reached"}
		}
		return Decision{Rule: RuleUncertaintyOnly, Reason: "uncertainty goal not yet reached"}
	}

	return Decision{Rule: RuleWaitingForTimeout, Reason: "waiting for timeout"}
}

func goalReached(p unitofwork.StoppingPolicy, obs Observation) bool {
	return obs.UncertaintyOK && obs.Uncertainty < p.UncertaintyGoalPercent
}

// StatusText renders a decision with the stream's metrics for status records.
func StatusText(d Decision, obs Observation, a *Accumulator) string {
	unc := "n/a"
	if obs.UncertaintyOK {
		unc = fmt.Sprintf("%.3f%%", obs.Uncertainty)
	}
	state := "running"
	if d.Stop {
		state = "stopped"
	}
	return fmt.Sprintf("%s: %s (primaries=%d results=%d failed=%d uncertainty=%s elapsed=%s)",
		state, d.Reason, a.TotalWeight, a.Count, a.Failed, unc, obs.Elapsed.Truncate(time.Second))
}
