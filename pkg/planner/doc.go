// Package planner turns a part catalog and a list of contact pairs into an
// assembly step graph.
//
// The heuristics aim for a plausible first sequence that an operator reviews,
// not an optimal one. Per-part handling is chosen by Classify; an optional
// Starlark script (Overrides) can adjust it without touching code.
//
//	p := planner.New(planner.WithLogger(log))
//	g, err := p.Plan(ctx, planner.ParseResult{Graph: parsed, Contacts: contacts})
package planner
