// Package extract derives a normalized actual value from raw command output.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"mopplane/internal/assess"
)

// Func derives a value from raw output. arg is the part of the method tag after the first ':'.
type Func func(raw, arg string) string

var (
	mu       sync.RWMutex
	registry = map[string]Func{
		"raw":        extractRaw,
		"line":       extractLine,
		"first_line": func(raw, _ string) string { return extractLine(raw, "0") },
		"last_line":  func(raw, _ string) string { return extractLine(raw, "-1") },
		"field":      extractField,
		"regex":      extractRegex,
		"count":      extractCount,
		"exists":     extractExists,
	}
	aliases = map[string]string{
		"":                 "raw",
		"whole":            "raw",
		"output":           "raw",
		"line_at_index":    "line",
		"regex_capture":    "regex",
		"capture":          "regex",
		"numeric_count":    "count",
		"line_count":       "count",
		"presence":         "exists",
		"boolean":          "exists",
		"boolean_presence": "exists",
		"contains":         "exists",
	}
)

// Register adds or replaces an extraction strategy.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[assess.NormalizeName(name)] = fn
}

// Extract applies method to raw output. Unknown methods fall back to the trimmed raw output.
func Extract(raw, method string) string {
	name, arg := assess.SplitTag(method)
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}

	mu.RLock()
	fn, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return extractRaw(raw, "")
	}
	return fn(raw, arg)
}

func extractRaw(raw, _ string) string {
	return strings.TrimSpace(raw)
}

// lines splits output into lines, dropping trailing carriage returns.
func lines(raw string) []string {
	trimmed := strings.Trim(raw, "\r\n")
	if trimmed == "" {
		return nil
	}
	out := strings.Split(trimmed, "\n")
	for i, l := range out {
		out[i] = strings.TrimRight(l, "\r")
	}
	return out
}

func extractLine(raw, arg string) string {
	ls := lines(raw)
	idx, err := strconv.Atoi(arg)
	if err != nil {
		idx = 0
	}
	if idx < 0 {
		idx += len(ls)
	}
	if idx < 0 || idx >= len(ls) {
		return ""
	}
	return strings.TrimSpace(ls[idx])
}

func extractField(raw, arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		n = 1
	}
	fields := strings.Fields(extractLine(raw, "0"))
	if n > len(fields) {
		return ""
	}
	return fields[n-1]
}

func extractRegex(raw, arg string) string {
	if arg == "" {
		return extractRaw(raw, "")
	}
	re, err := regexp.Compile(arg)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(raw)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return strings.TrimSpace(m[1])
	default:
		return strings.TrimSpace(m[0])
	}
}

func extractCount(raw, arg string) string {
	var re *regexp.Regexp
	if arg != "" {
		compiled, err := regexp.Compile(arg)
		if err != nil {
			return "0"
		}
		re = compiled
	}

	count := 0
	for _, l := range lines(raw) {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if re == nil || re.MatchString(l) {
			count++
		}
	}
	return strconv.Itoa(count)
}

func extractExists(raw, arg string) string {
	if arg == "" {
		return strconv.FormatBool(strings.TrimSpace(raw) != "")
	}
	re, err := regexp.Compile(arg)
	if err != nil {
		return strconv.FormatBool(strings.Contains(raw, arg))
	}
	return strconv.FormatBool(re.MatchString(raw))
}
