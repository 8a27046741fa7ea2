package worker

import (
	"errors"
	"fmt"
	"regexp"

	"mopplane/internal/assess/skip"
	"mopplane/pkg/mop"
)

var (
	// ErrInvalidInput means the MOP or server list was rejected before any connection attempt.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDependencyCycle means skip conditions or expansion sources form a cycle.
	ErrDependencyCycle = skip.ErrDependencyCycle
)

// validate rejects a submission synchronously. Everything that can go wrong
// later is captured as result data instead.
func validate(m mop.MOP, servers []mop.Server) error {
	if len(m.Commands) == 0 {
		return fmt.Errorf("%w: MOP %q has no commands", ErrInvalidInput, m.Name)
	}
	if len(servers) == 0 {
		return fmt.Errorf("%w: no target servers", ErrInvalidInput)
	}

	ids := make(map[string]bool, len(m.Commands))
	orders := make(map[int]string, len(m.Commands))
	for _, c := range m.Commands {
		if c.ID == "" {
			return fmt.Errorf("%w: command at order %d has no id", ErrInvalidInput, c.OrderIndex)
		}
		if ids[c.ID] {
			return fmt.Errorf("%w: duplicate command id %q", ErrInvalidInput, c.ID)
		}
		ids[c.ID] = true

		if other, dup := orders[c.OrderIndex]; dup {
			return fmt.Errorf("%w: commands %q and %q share order_index %d", ErrInvalidInput, other, c.ID, c.OrderIndex)
		}
		orders[c.OrderIndex] = c.ID

		if c.Command == "" {
			return fmt.Errorf("%w: command %q has no command text", ErrInvalidInput, c.ID)
		}
		if c.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: command %q has a negative timeout", ErrInvalidInput, c.ID)
		}
		if sc := c.SkipCondition; sc != nil && !sc.ConditionType.Valid() {
			return fmt.Errorf("%w: command %q has unknown condition type %q", ErrInvalidInput, c.ID, sc.ConditionType)
		}
		if e := c.Expand; e != nil {
			if e.Source == "" {
				return fmt.Errorf("%w: command %q expands without a source", ErrInvalidInput, c.ID)
			}
			if e.Pattern != "" {
				if _, err := regexp.Compile(e.Pattern); err != nil {
					return fmt.Errorf("%w: command %q has an invalid expansion pattern: %v", ErrInvalidInput, c.ID, err)
				}
			}
		}
	}

	if err := skip.Validate(m.Commands); err != nil {
		if errors.Is(err, skip.ErrDependencyCycle) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	for i, s := range servers {
		if s.Host == "" {
			return fmt.Errorf("%w: server %d has no host", ErrInvalidInput, i)
		}
	}
	return nil
}
