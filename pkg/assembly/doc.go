// Package assembly defines the assembly model: the part catalog, the step
// catalog and the execution order that every other component operates on.
//
// # Overview
//
// An AssemblyGraph is built once by the planner, persisted as a versioned JSON
// document, and loaded back for execution. The sequencer never mutates it.
//
//	g, err := assembly.LoadFile("bearing_housing_v1.json")
//	if err != nil {
//	    return err // structural error: fix the document
//	}
//	for _, id := range g.StepOrder {
//	    step := g.Steps[id]
//	    ...
//	}
//
// # Structural Integrity
//
// Validate rejects graphs whose steps reference unknown parts or steps, whose
// dependencies form a cycle, or whose StepOrder is not a topological order.
// TopologicalOrder computes the canonical order with Kahn's algorithm, taking
// the lexicographically smallest ready step each time so identical input gives
// an identical order.
//
// # Document Format
//
// Documents use camelCase field names (id, name, parts, steps, stepOrder,
// partIds, primitiveType, successCriteria, maxRetries, ...) and carry a
// version field. LoadFile checks the raw bytes against a CUE schema before
// decoding.
package assembly
