package assembly

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// DAG is the dependency graph of a step catalog with its deterministic
// execution order.
type DAG struct {
	// steps maps step IDs to their steps
	steps map[string]*AssemblyStep

	// children maps step IDs to the steps that depend on them, sorted
	children map[string][]string

	// inDegree tracks the number of dependencies of each step
	inDegree map[string]int

	// order is the topological order
	order []string

	// levels groups steps by longest dependency chain, for visualization
	levels [][]string
}

// BuildDAG validates the dependencies of steps and computes their order.
// It fails with a structural error on an unknown dependency or a cycle.
func BuildDAG(steps map[string]*AssemblyStep) (*DAG, error) {
	d := &DAG{
		steps:    steps,
		children: make(map[string][]string, len(steps)),
		inDegree: make(map[string]int, len(steps)),
	}

	if err := d.initialize(); err != nil {
		return nil, err
	}
	if err := d.sort(); err != nil {
		return nil, err
	}
	return d, nil
}

// TopologicalOrder returns the execution order of steps using Kahn's algorithm,
// always taking the lexicographically smallest ready step. Identical input
// yields an identical order.
func TopologicalOrder(steps map[string]*AssemblyStep) ([]string, error) {
	d, err := BuildDAG(steps)
	if err != nil {
		return nil, err
	}
	return d.Order(), nil
}

// initialize builds the adjacency lists and validates dependency targets.
func (d *DAG) initialize() error {
	// Initialize in-degree for all steps
	for id := range d.steps {
		d.inDegree[id] = 0
	}

	for _, id := range sortedKeys(d.steps) {
		step := d.steps[id]
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if _, exists := d.steps[dep]; !exists {
				return engine.NewStructuralError(
					fmt.Sprintf("step %s depends on unknown step %s", id, dep), nil,
				).WithCode(engine.ErrCodeUnknownDependency).WithResource(id)
			}
			// Duplicate dependencies count once
			if seen[dep] {
				continue
			}
			seen[dep] = true
			d.children[dep] = append(d.children[dep], id)
			d.inDegree[id]++
		}
	}

	// Sort children for deterministic traversal
	for id := range d.children {
		sort.Strings(d.children[id])
	}
	return nil
}

// sort runs Kahn's algorithm with a min-heap of ready step IDs.
func (d *DAG) sort() error {
	remaining := make(map[string]int, len(d.inDegree))
	for id, deg := range d.inDegree {
		remaining[id] = deg
	}
	level := make(map[string]int, len(d.steps))

	// Seed the heap with steps that have no dependencies
	ready := &idHeap{}
	for id, deg := range remaining {
		if deg == 0 {
			heap.Push(ready, id)
		}
	}

	d.order = make([]string, 0, len(d.steps))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		d.order = append(d.order, id)

		// Track level for visualization
		for len(d.levels) <= level[id] {
			d.levels = append(d.levels, nil)
		}
		d.levels[level[id]] = append(d.levels[level[id]], id)

		// Release children whose dependencies are all ordered
		for _, child := range d.children[id] {
			if level[id]+1 > level[child] {
				level[child] = level[id] + 1
			}
			remaining[child]--
			if remaining[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}

	// Steps left unordered sit on a cycle
	if len(d.order) != len(d.steps) {
		cycle := d.findCycle(remaining)
		return engine.NewStructuralError(
			fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(engine.ErrCodeDependencyCycle).
			WithDetail("ordered", len(d.order)).
			WithDetail("total", len(d.steps))
	}
	return nil
}

// findCycle returns one cycle among the steps Kahn's algorithm could not order.
func (d *DAG) findCycle(remaining map[string]int) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, child := range d.children[id] {
			if remaining[child] == 0 {
				continue
			}
			// Back edge closes the cycle
			if onStack[child] {
				for i, p := range path {
					if p == child {
						return append(append([]string(nil), path[i:]...), child)
					}
				}
			}
			if !visited[child] {
				if cycle := visit(child); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range sortedKeys(d.steps) {
		if remaining[id] > 0 && !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Order returns the computed execution order.
func (d *DAG) Order() []string {
	return append([]string(nil), d.order...)
}

// Levels returns steps grouped by the length of their longest dependency chain.
func (d *DAG) Levels() [][]string {
	return d.levels
}

// Children returns the steps that directly depend on id.
func (d *DAG) Children(id string) []string {
	return d.children[id]
}

// ToDOT generates a DOT representation of the step graph.
// The output can be rendered with Graphviz tools.
func (d *DAG) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph AssemblySteps {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range d.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			step := d.steps[id]
			label := fmt.Sprintf("%s\\n%s", id, escapeDOT(step.Name))
			fmt.Fprintf(&sb, "    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, handlerColor(step.Handler))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range d.order {
		for _, child := range d.children[id] {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", id, child)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// handlerColor returns a fill color per handler kind.
func handlerColor(h Handler) string {
	switch h {
	case HandlerPrimitive:
		return "lightblue"
	case HandlerPolicy:
		return "lightsalmon"
	default:
		return "white"
	}
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func sortedKeys(steps map[string]*AssemblyStep) []string {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// idHeap is a min-heap of step IDs.
type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(string)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
