// Package skip resolves skip conditions between commands of the same server
// and validates the dependency graph they form.
package skip

import (
	"fmt"

	"mopplane/pkg/mop"
)

// Lookup returns the result already recorded on the current server for a command key.
type Lookup func(key string) (mop.CommandResult, bool)

// ShouldSkip decides whether cmd must be bypassed given the results recorded so far
// on the same server. A command whose prerequisite has no usable outcome is always skipped.
// That covers a missing or SKIPPED prerequisite and an N_A one: a timed-out or
// unreachable command has an empty actual value that says nothing about the
// server, so even an "empty" condition is not evaluated against it.
func ShouldSkip(cmd mop.Command, lookup Lookup) (bool, string) {
	cond := cmd.SkipCondition
	if cond == nil || cond.ConditionID == "" {
		return false, ""
	}

	prior, ok := lookup(cond.ConditionID)
	if !ok {
		return true, fmt.Sprintf("prerequisite %s has no recorded result", cond.ConditionID)
	}
	switch prior.Decision {
	case mop.DecisionSkipped:
		return true, fmt.Sprintf("prerequisite %s was skipped", cond.ConditionID)
	case mop.DecisionNA:
		return true, fmt.Sprintf("prerequisite %s has no usable outcome (%s)", cond.ConditionID, prior.Decision)
	}

	var met bool
	var observed string
	switch cond.ConditionType {
	case mop.ConditionEmpty:
		met = prior.ActualValue == ""
		observed = fmt.Sprintf("value %q", prior.ActualValue)
	case mop.ConditionNotEmpty:
		met = prior.ActualValue != ""
		observed = fmt.Sprintf("value %q", prior.ActualValue)
	case mop.ConditionOK:
		met = prior.Decision == mop.DecisionOK
		observed = string(prior.Decision)
	case mop.ConditionNotOK:
		met = prior.Decision == mop.DecisionNotOK
		observed = string(prior.Decision)
	case mop.ConditionValueMatch:
		met = prior.ActualValue == cond.ConditionValue
		observed = fmt.Sprintf("value %q, expected %q", prior.ActualValue, cond.ConditionValue)
	default:
		return true, fmt.Sprintf("unknown condition type %q on %s", cond.ConditionType, cond.ConditionID)
	}

	if met {
		return false, ""
	}
	return true, fmt.Sprintf("condition %s %s not met: %s was %s",
		cond.ConditionID, cond.ConditionType, cond.ConditionID, observed)
}
