package assembly

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/FLASH-73/assembler/pkg/engine"
)

var (
	validateOnce    sync.Once
	structValidator *validator.Validate
)

// structs returns the shared struct validator.
func structs() *validator.Validate {
	validateOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// Validate checks the structural integrity of the graph: every step references
// known parts and steps, dependencies are acyclic, the execution order is a
// valid topological order and every entity passes its field constraints.
// All failures are structural errors.
func (g *AssemblyGraph) Validate() error {
	if g.ID == "" {
		return engine.NewStructuralError("assembly graph has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}

	// Catalog keys must match entity IDs
	for key, part := range g.Parts {
		if part == nil || part.ID != key {
			return engine.NewStructuralError(fmt.Sprintf("part catalog key %s does not match part ID", key), nil).
				WithCode(engine.ErrCodeValidation).WithResource(key)
		}
	}

	for _, id := range sortedKeys(g.Steps) {
		step := g.Steps[id]
		if step == nil || step.ID != id {
			return engine.NewStructuralError(fmt.Sprintf("step catalog key %s does not match step ID", id), nil).
				WithCode(engine.ErrCodeValidation).WithResource(id)
		}
		// Referenced parts must exist
		for _, pid := range step.PartIDs {
			if _, ok := g.Parts[pid]; !ok {
				return engine.NewStructuralError(fmt.Sprintf("step %s references unknown part %s", id, pid), nil).
					WithCode(engine.ErrCodeUnknownPart).WithResource(id)
			}
		}
	}

	// Unknown dependencies and cycles
	if _, err := BuildDAG(g.Steps); err != nil {
		return err
	}

	if err := g.validateOrder(); err != nil {
		return err
	}

	// Field constraints last, once references are known to resolve
	if err := structs().Struct(g); err != nil {
		return engine.NewStructuralError("assembly graph failed field validation", flattenValidation(err)).
			WithCode(engine.ErrCodeValidation).WithResource(g.ID)
	}
	return nil
}

// validateOrder checks that StepOrder lists every step exactly once with
// dependencies first.
func (g *AssemblyGraph) validateOrder() error {
	if len(g.StepOrder) != len(g.Steps) {
		return engine.NewStructuralError(
			fmt.Sprintf("step order has %d entries for %d steps", len(g.StepOrder), len(g.Steps)), nil,
		).WithCode(engine.ErrCodeInvalidOrder)
	}

	// Every entry is a known step, listed once
	position := make(map[string]int, len(g.StepOrder))
	for i, id := range g.StepOrder {
		if _, ok := g.Steps[id]; !ok {
			return engine.NewStructuralError(fmt.Sprintf("step order references unknown step %s", id), nil).
				WithCode(engine.ErrCodeInvalidOrder).WithResource(id)
		}
		if _, dup := position[id]; dup {
			return engine.NewStructuralError(fmt.Sprintf("step %s appears more than once in step order", id), nil).
				WithCode(engine.ErrCodeInvalidOrder).WithResource(id)
		}
		position[id] = i
	}

	// Dependencies come first
	for _, id := range g.StepOrder {
		for _, dep := range g.Steps[id].Dependencies {
			if position[dep] >= position[id] {
				return engine.NewStructuralError(
					fmt.Sprintf("step %s is ordered before its dependency %s", id, dep), nil,
				).WithCode(engine.ErrCodeInvalidOrder).WithResource(id)
			}
		}
	}
	return nil
}

// flattenValidation turns validator field errors into a single readable error.
func flattenValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
