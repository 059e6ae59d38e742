package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// ContactPair is an undirected contact between two parts, as reported by
// geometry extraction.
type ContactPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// ParseResult is the output of geometry extraction: a graph holding the part
// catalog and the list of contacts between parts.
type ParseResult struct {
	Graph    *assembly.AssemblyGraph `json:"graph"`
	Contacts []ContactPair           `json:"contacts"`
}

// Planner turns a part catalog and contact list into a step graph.
type Planner struct {
	logger     zerolog.Logger
	maxRetries int
	overrides  *Overrides
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger.With().Str("component", "planner").Logger()
	}
}

// WithMaxRetries sets the retry budget of every generated step.
func WithMaxRetries(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithOverrides installs a classification override script.
func WithOverrides(o *Overrides) Option {
	return func(p *Planner) {
		p.overrides = o
	}
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		logger:     zerolog.Nop(),
		maxRetries: assembly.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan populates the steps and step order of the parsed graph and returns it.
//
// The base part (largest non-cover part) is placed first. Every other part
// gets a pick step followed by an assemble step that depends on it; each pick
// depends on the previous assemble step. Covers come last, the remaining parts
// go bottom-up by Y with larger parts first on ties.
func (p *Planner) Plan(ctx context.Context, pr ParseResult) (*assembly.AssemblyGraph, error) {
	g := pr.Graph
	if g == nil || len(g.Parts) == 0 {
		id := ""
		if g != nil {
			id = g.ID
		}
		return nil, engine.NewStructuralError("cannot plan assembly with no parts", nil).
			WithCode(engine.ErrCodeEmptyCatalog).WithResource(id)
	}

	// Build contact adjacency and assembly order
	adjacency, err := buildAdjacency(g, pr.Contacts)
	if err != nil {
		return nil, err
	}

	order := assemblyOrder(g)

	steps := make(map[string]*assembly.AssemblyStep, 2*len(order)-1)
	num := 0
	nextID := func() string {
		num++
		return fmt.Sprintf("step_%03d", num)
	}

	// Place the base
	base := order[0]
	baseID := nextID()
	steps[baseID] = &assembly.AssemblyStep{
		ID:              baseID,
		Name:            fmt.Sprintf("Place %s as base", base.ID),
		PartIDs:         []string{base.ID},
		Dependencies:    []string{},
		Handler:         assembly.HandlerPrimitive,
		PrimitiveType:   "place",
		PrimitiveParams: map[string]any{"part_id": base.ID},
		SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaPosition},
		MaxRetries:      p.maxRetries,
	}
	prev := baseID

	for _, part := range order[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Pick, verified by grip force
		pickID := nextID()
		pickThreshold := 0.5
		steps[pickID] = &assembly.AssemblyStep{
			ID:              pickID,
			Name:            fmt.Sprintf("Pick %s", part.ID),
			PartIDs:         []string{part.ID},
			Dependencies:    []string{prev},
			Handler:         assembly.HandlerPrimitive,
			PrimitiveType:   "pick",
			PrimitiveParams: map[string]any{"part_id": part.ID},
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaForceThreshold, Threshold: &pickThreshold},
			MaxRetries:      p.maxRetries,
		}

		// Classify the assembly action, then let the script override it
		contacts := adjacency[part.ID]
		class := Classify(part, contacts)
		maxRetries := p.maxRetries
		if p.overrides != nil {
			o, err := p.overrides.Apply(ctx, part, contacts, class)
			if err != nil {
				return nil, engine.NewStructuralError("classification override failed", err).
					WithCode(engine.ErrCodeValidation).WithResource(part.ID)
			}
			class = o.Classification
			if o.MaxRetries > 0 {
				maxRetries = o.MaxRetries
			}
		}

		asmID := nextID()
		step := &assembly.AssemblyStep{
			ID:              asmID,
			Name:            fmt.Sprintf("Assemble %s", part.ID),
			PartIDs:         append([]string{part.ID}, contacts...),
			Dependencies:    []string{pickID},
			Handler:         class.Handler,
			SuccessCriteria: class.Criteria,
			MaxRetries:      maxRetries,
		}
		if class.Handler == assembly.HandlerPrimitive {
			step.PrimitiveType = class.PrimitiveType
			step.PrimitiveParams = map[string]any{"part_id": part.ID}
		}
		steps[asmID] = step

		p.logger.Debug().
			Str("part", part.ID).
			Str("step", asmID).
			Str("rule", class.Rule).
			Str("handler", string(class.Handler)).
			Msg("Classified assembly action")

		prev = asmID
	}

	// The chain is acyclic by construction; the sort also validates dependencies
	stepOrder, err := assembly.TopologicalOrder(steps)
	if err != nil {
		return nil, err
	}

	g.Steps = steps
	g.StepOrder = stepOrder

	p.logger.Info().
		Str("assembly", g.ID).
		Int("steps", len(steps)).
		Int("parts", len(g.Parts)).
		Str("base", base.ID).
		Msg("Planned assembly")

	return g, nil
}

// buildAdjacency turns contact pairs into sorted, de-duplicated neighbour lists.
func buildAdjacency(g *assembly.AssemblyGraph, contacts []ContactPair) (map[string][]string, error) {
	sets := make(map[string]map[string]bool)
	add := func(a, b string) {
		if sets[a] == nil {
			sets[a] = make(map[string]bool)
		}
		sets[a][b] = true
	}

	for _, c := range contacts {
		for _, id := range []string{c.A, c.B} {
			if _, ok := g.Parts[id]; !ok {
				return nil, engine.NewStructuralError(fmt.Sprintf("contact references unknown part %s", id), nil).
					WithCode(engine.ErrCodeUnknownPart).WithResource(id)
			}
		}
		// Self-contacts carry no ordering information
		if c.A == c.B {
			continue
		}
		add(c.A, c.B)
		add(c.B, c.A)
	}

	// Sorted for deterministic PartIDs in the generated steps
	adjacency := make(map[string][]string, len(sets))
	for id, set := range sets {
		neighbours := make([]string, 0, len(set))
		for n := range set {
			neighbours = append(neighbours, n)
		}
		sort.Strings(neighbours)
		adjacency[id] = neighbours
	}
	return adjacency, nil
}

// assemblyOrder returns the parts in assembly order, base first.
func assemblyOrder(g *assembly.AssemblyGraph) []*assembly.Part {
	var interior, covers []*assembly.Part
	for _, id := range g.PartIDs() {
		part := g.Parts[id]
		if IsCover(part) {
			covers = append(covers, part)
		} else {
			interior = append(interior, part)
		}
	}

	// The base is the largest non-cover part, or the largest cover when
	// every part is a cover.
	pool := &interior
	if len(interior) == 0 {
		pool = &covers
	}
	baseIdx := 0
	for i, part := range *pool {
		if Volume(part) > Volume((*pool)[baseIdx]) {
			baseIdx = i
		}
	}
	base := (*pool)[baseIdx]
	*pool = append((*pool)[:baseIdx:baseIdx], (*pool)[baseIdx+1:]...)

	// Interior parts first, covers last
	sortBottomUp(interior)
	sortBottomUp(covers)

	order := make([]*assembly.Part, 0, len(g.Parts))
	order = append(order, base)
	order = append(order, interior...)
	order = append(order, covers...)
	return order
}

// sortBottomUp orders parts by ascending Y, then descending volume, then ID.
func sortBottomUp(parts []*assembly.Part) {
	sort.SliceStable(parts, func(i, j int) bool {
		yi, yj := height(parts[i]), height(parts[j])
		if yi != yj {
			return yi < yj
		}
		vi, vj := Volume(parts[i]), Volume(parts[j])
		if vi != vj {
			return vi > vj
		}
		return parts[i].ID < parts[j].ID
	})
}
