package workflow

import (
	"slices"
	"sort"

	"github.com/phrazzld/conductor/internal/domain"
)

// ValidateGraph checks that step ids are unique and non-empty, that every
// dependency names another step of the same list, and that the dependency
// relation is acyclic.
func ValidateGraph(steps []*Step) error {
	if len(steps) == 0 {
		return domain.NewValidationError("steps", "workflow must have at least one step")
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return domain.NewValidationError("steps", "step id must not be empty")
		}
		if ids[s.ID] {
			return domain.NewValidationError("steps", "duplicate step id %q", s.ID)
		}
		if s.AssignedAgent == "" {
			return domain.NewValidationError("steps", "step %q has no assigned agent", s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			switch {
			case dep == s.ID:
				return domain.NewValidationError("dependencies", "step %q depends on itself", s.ID)
			case !ids[dep]:
				return domain.NewValidationError("dependencies", "step %q depends on unknown step %q", s.ID, dep)
			case seen[dep]:
				return domain.NewValidationError("dependencies", "step %q lists dependency %q twice", s.ID, dep)
			}
			seen[dep] = true
		}
	}

	if _, err := TopologicalOrder(steps); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns step ids so that every step follows its
// dependencies, using Kahn's algorithm. Ties keep declaration order. A cycle
// yields a validation error naming the steps that could not be ordered.
func TopologicalOrder(steps []*Step) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	position := make(map[string]int, len(steps))

	for i, s := range steps {
		position[s.ID] = i
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := position[dep]; !ok {
				continue
			}
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Find all steps with no dependencies
	var queue []string
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		for _, depID := range next {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(order) != len(steps) {
		var stuck []string
		for _, s := range steps {
			if !slices.Contains(order, s.ID) {
				stuck = append(stuck, s.ID)
			}
		}
		return nil, domain.NewValidationError("dependencies",
			"circular dependency detected: steps %v could not be ordered", stuck)
	}
	return order, nil
}

// CriticalPathLength returns the number of steps on the longest dependency
// chain. The graph must be valid.
func CriticalPathLength(steps []*Step) int {
	order, err := TopologicalOrder(steps)
	if err != nil {
		return 0
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	depth := make(map[string]int, len(steps))
	longest := 0
	for _, id := range order {
		d := 1
		for _, dep := range byID[id].Dependencies {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > longest {
			longest = d
		}
	}
	return longest
}

// Dependents returns the ids of every step that transitively depends on id,
// in declaration order.
func Dependents(steps []*Step, id string) []string {
	affected := map[string]bool{id: true}
	changed := true
	for changed {
		changed = false
		for _, s := range steps {
			if affected[s.ID] {
				continue
			}
			for _, dep := range s.Dependencies {
				if affected[dep] {
					affected[s.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, s := range steps {
		if s.ID != id && affected[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}
