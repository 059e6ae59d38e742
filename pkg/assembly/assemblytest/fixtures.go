// Package assemblytest provides assembly graphs for tests.
package assemblytest

import (
	"fmt"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

// BearingHousingID is the assembly ID of BearingHousing.
const BearingHousingID = "bearing_housing_v1"

// PolicyStepID is the contact-rich step of BearingHousing that needs a trained policy.
const PolicyStepID = "step_004"

// BearingHousing returns a five-step chain: place the housing, pick the
// bearing, move it over the bore, insert it with a learned policy, then place
// the cover.
func BearingHousing() *assembly.AssemblyGraph {
	g := assembly.NewGraph(BearingHousingID, "Bearing Housing")

	parts := []*assembly.Part{
		{ID: "housing", Geometry: assembly.GeometryBox, Dimensions: []float64{0.08, 0.04, 0.08}, Position: []float64{0, 0, 0}},
		{ID: "bearing", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.011, 0.007}, Position: []float64{0, 0.02, 0}},
		{ID: "cover", Geometry: assembly.GeometryBox, Dimensions: []float64{0.08, 0.004, 0.08}, Position: []float64{0, 0.042, 0}},
	}
	for _, p := range parts {
		mustAdd(g.AddPart(p))
	}

	// Pick verified by grip force, insertion by a snap-fit signature
	threshold := 0.5
	steps := []*assembly.AssemblyStep{
		{
			ID: "step_001", Name: "Place housing as base", PartIDs: []string{"housing"},
			Handler: assembly.HandlerPrimitive, PrimitiveType: "place",
			PrimitiveParams: map[string]any{"part_id": "housing"},
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaPosition},
		},
		{
			ID: "step_002", Name: "Pick bearing", PartIDs: []string{"bearing"}, Dependencies: []string{"step_001"},
			Handler: assembly.HandlerPrimitive, PrimitiveType: "pick",
			PrimitiveParams: map[string]any{"part_id": "bearing"},
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaForceThreshold, Threshold: &threshold},
		},
		{
			ID: "step_003", Name: "Move bearing over bore", PartIDs: []string{"bearing"}, Dependencies: []string{"step_002"},
			Handler: assembly.HandlerPrimitive, PrimitiveType: "move_to",
			PrimitiveParams: map[string]any{"target_pose": []any{0.0, 20.0, 0.0, 0.0, 0.0, 0.0}},
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaPosition},
		},
		{
			ID: PolicyStepID, Name: "Insert bearing", PartIDs: []string{"bearing", "housing"}, Dependencies: []string{"step_003"},
			Handler:         assembly.HandlerPolicy,
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaForceSignature, Pattern: assembly.PatternSnapFit},
		},
		{
			ID: "step_005", Name: "Place cover", PartIDs: []string{"cover", "housing"}, Dependencies: []string{PolicyStepID},
			Handler: assembly.HandlerPrimitive, PrimitiveType: "place",
			PrimitiveParams: map[string]any{"part_id": "cover"},
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaPosition},
		},
	}
	for _, s := range steps {
		s.MaxRetries = assembly.DefaultMaxRetries
		mustAdd(g.AddStep(s))
	}
	mustAdd(g.ComputeOrder())
	return g
}

// Chain returns a graph of n primitive place steps, each depending on the previous one.
func Chain(id string, n int) *assembly.AssemblyGraph {
	g := assembly.NewGraph(id, id)
	mustAdd(g.AddPart(&assembly.Part{ID: "part"}))

	prev := ""
	for i := 1; i <= n; i++ {
		s := &assembly.AssemblyStep{
			ID:              fmt.Sprintf("step_%03d", i),
			Name:            fmt.Sprintf("Step %d", i),
			PartIDs:         []string{"part"},
			Handler:         assembly.HandlerPrimitive,
			PrimitiveType:   "place",
			SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaPosition},
			MaxRetries:      assembly.DefaultMaxRetries,
		}
		if prev != "" {
			s.Dependencies = []string{prev}
		}
		mustAdd(g.AddStep(s))
		prev = s.ID
	}
	mustAdd(g.ComputeOrder())
	return g
}

func mustAdd(err error) {
	if err != nil {
		panic(err)
	}
}
