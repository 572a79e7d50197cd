package choreography

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
)

// graph is the validated adjacency view of a workflow. Steps are referenced by id.
type graph struct {
	steps      map[string]*models.WorkflowStep
	order      []string // topological: dependencies before dependents
	position   map[string]int
	dependents map[string][]string
}

// buildGraph checks ids and references and orders the steps with Kahn's
// algorithm. A cycle is reported with its path, e.g. "A -> B -> A".
func buildGraph(wf *models.Workflow) (*graph, error) {
	g := &graph{
		steps:      make(map[string]*models.WorkflowStep, len(wf.Steps)),
		position:   make(map[string]int, len(wf.Steps)),
		dependents: make(map[string][]string, len(wf.Steps)),
	}

	declared := make([]string, 0, len(wf.Steps))

	for _, step := range wf.Steps {
		if _, dup := g.steps[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}

		g.steps[step.ID] = step
		declared = append(declared, step.ID)
	}

	indegree := make(map[string]int, len(wf.Steps))

	for _, step := range wf.Steps {
		seen := make(map[string]bool, len(step.DependsOn))

		for _, dep := range step.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}

			if seen[dep] {
				continue
			}

			seen[dep] = true
			indegree[step.ID]++
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}

		if step.OnError != nil && step.OnError.Action == models.ErrorActionFallback {
			target, ok := g.steps[step.OnError.FallbackStepID]
			if !ok {
				return nil, fmt.Errorf("step %q falls back to unknown step %q", step.ID, step.OnError.FallbackStepID)
			}

			if target.ID == step.ID {
				return nil, fmt.Errorf("step %q cannot fall back to itself", step.ID)
			}
		}
	}

	placed := make(map[string]bool, len(declared))

	for len(g.order) < len(declared) {
		progressed := false

		for _, id := range declared {
			if placed[id] || indegree[id] > 0 {
				continue
			}

			placed[id] = true
			progressed = true
			g.position[id] = len(g.order)
			g.order = append(g.order, id)

			for _, child := range g.dependents[id] {
				indegree[child]--
			}
		}

		if !progressed {
			return nil, fmt.Errorf("dependency cycle %s", strings.Join(g.findCycle(declared, placed), " -> "))
		}
	}

	return g, nil
}

// findCycle walks unresolved dependencies from the first unplaced step until a
// step repeats. Every unplaced step has at least one unplaced dependency.
func (g *graph) findCycle(declared []string, placed map[string]bool) []string {
	var start string

	for _, id := range declared {
		if !placed[id] {
			start = id

			break
		}
	}

	visited := map[string]int{}
	path := []string{}
	current := start

	for {
		if idx, ok := visited[current]; ok {
			return append(slices.Clone(path[idx:]), current)
		}

		visited[current] = len(path)
		path = append(path, current)

		next := ""

		for _, dep := range g.steps[current].DependsOn {
			if !placed[dep] {
				next = dep

				break
			}
		}

		if next == "" {
			return path
		}

		current = next
	}
}

// reverseOrder returns the step ids with dependents before their dependencies.
func (g *graph) reverseOrder() []string {
	out := slices.Clone(g.order)
	slices.Reverse(out)

	return out
}

// downstream returns every step that transitively depends on id.
func (g *graph) downstream(id string) []string {
	seen := map[string]bool{}
	queue := slices.Clone(g.dependents[id])

	var out []string

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if seen[next] {
			continue
		}

		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}

	slices.SortFunc(out, func(a, b string) int { return g.position[a] - g.position[b] })

	return out
}
