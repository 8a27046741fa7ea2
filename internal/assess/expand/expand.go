// Package expand turns command templates into concrete commands.
//
// A template carries an Expansion naming an earlier discovery command. Every
// item found in that command's output produces one concrete command whose
// placeholder is replaced by the item. Expansion is a pure function of the
// template and the discovery output, so the runner's control flow does not
// depend on what a given server returns.
package expand

import (
	"regexp"
	"strconv"
	"strings"

	"mopplane/pkg/mop"
)

// DefaultPlaceholder is substituted with each discovered item.
const DefaultPlaceholder = "{{item}}"

// Expand returns the concrete commands for tmpl given the discovery output of
// its source command. A command without an expansion is returned as is.
// An empty discovery yields no commands.
func Expand(tmpl mop.Command, discovery string) []mop.Command {
	if tmpl.Expand == nil {
		return []mop.Command{tmpl}
	}

	placeholder := tmpl.Expand.Placeholder
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	items := Items(*tmpl.Expand, discovery)
	out := make([]mop.Command, 0, len(items))
	for i, item := range items {
		c := tmpl
		c.Expand = nil
		c.ID = tmpl.ID + "#" + strconv.Itoa(i+1)
		c.CommandIDRef = tmpl.Key() + "#" + strconv.Itoa(i+1)
		c.ExpandedFrom = tmpl.ID
		c.Command = strings.ReplaceAll(tmpl.Command, placeholder, item)
		c.RollbackCommand = strings.ReplaceAll(tmpl.RollbackCommand, placeholder, item)
		if tmpl.Title != "" {
			c.Title = tmpl.Title + " [" + item + "]"
		}
		out = append(out, c)
	}
	return out
}

// Items lists the distinct items in discovery output, in order of appearance.
func Items(spec mop.Expansion, discovery string) []string {
	var re *regexp.Regexp
	if spec.Pattern != "" {
		compiled, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil
		}
		re = compiled
	}

	seen := make(map[string]bool)
	var items []string
	for _, line := range strings.Split(discovery, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		item := line
		switch {
		case re != nil:
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			item = m[0]
			if len(m) > 1 {
				item = m[1]
			}
		case spec.Field > 0:
			fields := strings.Fields(line)
			if spec.Field > len(fields) {
				continue
			}
			item = fields[spec.Field-1]
		}

		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		items = append(items, item)
	}
	return items
}

// Render fills the server placeholders of a command text.
func Render(text string, server mop.Server) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	port := server.Port
	if port == 0 {
		port = 22
	}
	return strings.NewReplacer(
		"{{host}}", server.Host,
		"{{ip}}", server.Host,
		"{{port}}", strconv.Itoa(port),
		"{{name}}", server.DisplayName(),
		"{{user}}", server.Admin.Username,
	).Replace(text)
}
