package planner

import (
	"github.com/FLASH-73/assembler/pkg/assembly"
)

// Primitive types that are plain geometric motions.
var geometricPrimitives = map[string]bool{
	"move_to": true,
	"pick":    true,
	"place":   true,
}

// Primitive types that are contact-rich and benefit from a learned policy.
var contactPrimitives = map[string]bool{
	"linear_insert": true,
	"press_fit":     true,
	"screw":         true,
	"guarded_move":  true,
}

// AssignHandlers re-derives every step's handler from its primitive type,
// independently of the planner:
//
//   - move_to, pick, place force the primitive handler
//   - linear_insert, press_fit, screw, guarded_move force the policy handler
//   - an unset primitive type keeps an existing handler, otherwise policy
//
// The graph is updated in place and returned.
func AssignHandlers(g *assembly.AssemblyGraph) *assembly.AssemblyGraph {
	for _, step := range g.Steps {
		switch {
		case geometricPrimitives[step.PrimitiveType]:
			step.Handler = assembly.HandlerPrimitive
		case contactPrimitives[step.PrimitiveType]:
			step.Handler = assembly.HandlerPolicy
		case step.PrimitiveType == "" && step.Handler == "":
			step.Handler = assembly.HandlerPolicy
		}
	}
	return g
}
