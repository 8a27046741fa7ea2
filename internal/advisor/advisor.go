// Package advisor attaches remediation hints to failed command results.
//
// Rules are loaded from YAML:
//
//	rules:
//	  - name: disk-full
//	    commands: [fs_usage]
//	    includes: "9[0-9]%|100%"
//	    remediation:
//	      - "Free space on {{server}}: actual {{actual}}, limit {{reference}}"
//
// A rule matches when every criterion it sets holds. Unset criteria match anything,
// except decisions, which default to NOT_OK and N_A.
package advisor

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"mopplane/pkg/mop"

	"gopkg.in/yaml.v3"
)

// Rule maps a failure pattern to remediation steps.
type Rule struct {
	Name        string         `yaml:"name"`
	Commands    []string       `yaml:"commands,omitempty"`  // Command ids, refs or template ids
	Decisions   []mop.Decision `yaml:"decisions,omitempty"` // Defaults to NOT_OK and N_A
	Includes    string         `yaml:"includes,omitempty"`  // Regex over output, stderr and error
	ExitCode    *int           `yaml:"exitcode,omitempty"`  // Match a specific exit status
	Remediation []string       `yaml:"remediation"`

	includes *regexp.Regexp
}

// Rules is an ordered rule set.
type Rules struct {
	Rules []Rule `yaml:"rules"`
}

var defaultDecisions = []mop.Decision{mop.DecisionNotOK, mop.DecisionNA}

// Parse decodes and validates a YAML rule set.
func Parse(data []byte) (*Rules, error) {
	var rs Rules
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if len(r.Remediation) == 0 {
			return nil, fmt.Errorf("rule %d (%s): remediation is required", i, r.Name)
		}
		if r.Includes != "" {
			re, err := regexp.Compile(r.Includes)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid includes pattern: %w", i, r.Name, err)
			}
			r.includes = re
		}
		if len(r.Decisions) == 0 {
			r.Decisions = defaultDecisions
		}
	}
	return &rs, nil
}

// Load reads a rule set from a YAML file.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Recommend returns the remediation of every matching rule, without duplicates.
// A nil rule set recommends nothing.
func (rs *Rules) Recommend(cmd mop.Command, res mop.CommandResult) []string {
	if rs == nil {
		return nil
	}

	fill := strings.NewReplacer(
		"{{actual}}", res.ActualValue,
		"{{reference}}", res.ReferenceValue,
		"{{server}}", serverLabel(res),
		"{{command}}", res.CommandID,
	)

	var out []string
	for _, r := range rs.Rules {
		if !r.matches(cmd, res) {
			continue
		}
		for _, step := range r.Remediation {
			step = fill.Replace(step)
			if !slices.Contains(out, step) {
				out = append(out, step)
			}
		}
	}
	return out
}

func (r Rule) matches(cmd mop.Command, res mop.CommandResult) bool {
	if !slices.Contains(r.Decisions, res.Decision) {
		return false
	}
	if len(r.Commands) > 0 {
		ids := []string{cmd.ID, cmd.Key(), cmd.ExpandedFrom}
		if !slices.ContainsFunc(r.Commands, func(c string) bool { return c != "" && slices.Contains(ids, c) }) {
			return false
		}
	}
	if r.ExitCode != nil && (res.ExitStatus == nil || *res.ExitStatus != *r.ExitCode) {
		return false
	}
	if r.includes != nil {
		text := res.Output + "\n" + res.Stderr + "\n" + res.Error
		if !r.includes.MatchString(text) {
			return false
		}
	}
	return true
}

func serverLabel(res mop.CommandResult) string {
	if res.ServerName != "" {
		return res.ServerName
	}
	return res.ServerIP
}
