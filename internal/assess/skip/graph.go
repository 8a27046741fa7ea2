package skip

import (
	"errors"
	"fmt"
	"sort"

	"mopplane/pkg/mop"
)

var (
	// ErrDependencyCycle means skip conditions or expansion sources form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrInvalidReference means a command references an unknown, duplicate or later command.
	ErrInvalidReference = errors.New("invalid command reference")
)

type node struct {
	cmd   mop.Command
	deps  []string
	state int // 0 unvisited, 1 visiting, 2 done
}

// Validate checks that every skip condition and expansion source references an
// existing command with a strictly smaller order index, and that no cycle exists.
func Validate(commands []mop.Command) error {
	nodes := make(map[string]*node, len(commands))
	keys := make([]string, 0, len(commands))
	for _, c := range commands {
		k := c.Key()
		if _, dup := nodes[k]; dup {
			return fmt.Errorf("%w: duplicate command key %q", ErrInvalidReference, k)
		}
		nodes[k] = &node{cmd: c, deps: dependencies(c)}
		keys = append(keys, k)
	}

	for _, k := range keys {
		for _, dep := range nodes[k].deps {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("%w: command %q references unknown command %q", ErrInvalidReference, k, dep)
			}
		}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		return nodes[keys[i]].cmd.OrderIndex < nodes[keys[j]].cmd.OrderIndex
	})
	for _, k := range keys {
		if path := visit(nodes, k, nil); path != nil {
			return fmt.Errorf("%w: %v", ErrDependencyCycle, path)
		}
	}

	for _, k := range keys {
		n := nodes[k]
		for _, dep := range n.deps {
			if nodes[dep].cmd.OrderIndex >= n.cmd.OrderIndex {
				return fmt.Errorf("%w: command %q (order %d) depends on later command %q (order %d)",
					ErrInvalidReference, k, n.cmd.OrderIndex, dep, nodes[dep].cmd.OrderIndex)
			}
		}
	}
	return nil
}

func dependencies(c mop.Command) []string {
	var deps []string
	if c.SkipCondition != nil && c.SkipCondition.ConditionID != "" {
		deps = append(deps, c.SkipCondition.ConditionID)
	}
	if c.Expand != nil && c.Expand.Source != "" {
		deps = append(deps, c.Expand.Source)
	}
	return deps
}

// visit runs a depth-first search and returns the cycle path when one is found.
func visit(nodes map[string]*node, key string, path []string) []string {
	n := nodes[key]
	switch n.state {
	case 2:
		return nil
	case 1:
		return append(path, key)
	}

	n.state = 1
	path = append(path, key)
	for _, dep := range n.deps {
		if cycle := visit(nodes, dep, path); cycle != nil {
			return cycle
		}
	}
	n.state = 2
	return nil
}
