// Package compare decides whether an extracted value satisfies a reference value.
package compare

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"mopplane/internal/assess"
	"mopplane/pkg/mop"
)

// Outcome is the decision of a comparison plus a human readable reason.
type Outcome struct {
	Decision mop.Decision
	Reason   string
}

// Func compares actual against reference. arg is the part of the method tag after the first ':'.
type Func func(actual, reference, arg string) Outcome

var (
	mu       sync.RWMutex
	registry = map[string]Func{
		"exact":        compareExact,
		"contains":     compareContains,
		"not_contains": compareNotContains,
		"regex":        compareRegex,
		"numeric":      compareNumeric,
		"empty":        compareEmpty,
		"not_empty":    compareNotEmpty,
		"always":       compareAlways,
	}
	aliases = map[string]string{
		"":                  "exact",
		"exact_match":       "exact",
		"equals":            "exact",
		"eq":                "exact",
		"regex_match":       "regex",
		"match":             "regex",
		"numeric_threshold": "numeric",
		"threshold":         "numeric",
		"number":            "numeric",
		"always_pass":       "always",
		"info":              "always",
		"informational":     "always",
		"none":              "always",
	}
)

// Register adds or replaces a comparison strategy.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[assess.NormalizeName(name)] = fn
}

// Compare evaluates actual against reference using method.
// It never fails: unknown methods compare exactly and say so in the reason.
func Compare(actual, reference, method string) Outcome {
	name, arg := assess.SplitTag(method)
	if name == "" && arg != "" {
		// A bare operator such as ">=" is a numeric threshold.
		name = "numeric"
	}
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}

	mu.RLock()
	fn, ok := registry[name]
	mu.RUnlock()
	actual, reference = strings.TrimSpace(actual), strings.TrimSpace(reference)
	if !ok {
		out := compareExact(actual, reference, "")
		out.Reason = fmt.Sprintf("unknown comparator %q, compared exactly: %s", method, out.Reason)
		return out
	}
	return fn(actual, reference, arg)
}

func decide(ok bool, reason string) Outcome {
	if ok {
		return Outcome{Decision: mop.DecisionOK, Reason: reason}
	}
	return Outcome{Decision: mop.DecisionNotOK, Reason: reason}
}

func compareExact(actual, reference, _ string) Outcome {
	if actual == reference {
		return decide(true, fmt.Sprintf("%q equals reference", actual))
	}
	return decide(false, fmt.Sprintf("%q does not equal %q", actual, reference))
}

func compareContains(actual, reference, _ string) Outcome {
	if strings.Contains(actual, reference) {
		return decide(true, fmt.Sprintf("output contains %q", reference))
	}
	return decide(false, fmt.Sprintf("output does not contain %q", reference))
}

func compareNotContains(actual, reference, _ string) Outcome {
	if reference == "" || !strings.Contains(actual, reference) {
		return decide(true, fmt.Sprintf("output does not contain %q", reference))
	}
	return decide(false, fmt.Sprintf("output contains %q", reference))
}

func compareRegex(actual, reference, _ string) Outcome {
	re, err := regexp.Compile(reference)
	if err != nil {
		return decide(false, fmt.Sprintf("invalid reference pattern %q: %v", reference, err))
	}
	if re.MatchString(actual) {
		return decide(true, fmt.Sprintf("output matches %q", reference))
	}
	return decide(false, fmt.Sprintf("output does not match %q", reference))
}

func compareEmpty(actual, _, _ string) Outcome {
	if actual == "" {
		return decide(true, "value is empty")
	}
	return decide(false, "value is not empty")
}

func compareNotEmpty(actual, _, _ string) Outcome {
	if actual == "" {
		return decide(false, "value is empty")
	}
	return decide(true, "value is not empty")
}

func compareAlways(_, _, _ string) Outcome {
	return decide(true, "informational")
}

var operators = []string{"<=", ">=", "==", "!=", "<", ">", "="}

// splitOperator peels a leading comparison operator off s.
func splitOperator(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op, strings.TrimSpace(strings.TrimPrefix(s, op))
		}
	}
	return "", s
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func compareNumeric(actual, reference, arg string) Outcome {
	op, argValue := splitOperator(arg)
	refOp, refValue := splitOperator(reference)
	if op == "" {
		op = refOp
	}
	if refValue == "" {
		refValue = argValue
	}
	if op == "" || op == "=" {
		op = "=="
	}

	want, err := parseNumber(refValue)
	if err != nil {
		return decide(false, fmt.Sprintf("reference %q is not a number", reference))
	}
	got, err := parseNumber(actual)
	if err != nil {
		return decide(false, fmt.Sprintf("actual value %q is not a number", actual))
	}

	var ok bool
	switch op {
	case "<":
		ok = got < want
	case "<=":
		ok = got <= want
	case ">":
		ok = got > want
	case ">=":
		ok = got >= want
	case "!=":
		ok = got != want
	default:
		ok = got == want
	}

	g := strconv.FormatFloat(got, 'f', -1, 64)
	w := strconv.FormatFloat(want, 'f', -1, 64)
	if ok {
		return decide(true, fmt.Sprintf("%s %s %s", g, op, w))
	}
	return decide(false, fmt.Sprintf("%s is not %s %s", g, op, w))
}
