package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

func graphOf(parts ...*assembly.Part) *assembly.AssemblyGraph {
	g := assembly.NewGraph("test", "Test")
	for _, p := range parts {
		if err := g.AddPart(p); err != nil {
			panic(err)
		}
	}
	return g
}

// assembledParts returns the part IDs in the order their place/assemble steps run.
func assembledParts(g *assembly.AssemblyGraph) []string {
	var ids []string
	for _, id := range g.StepOrder {
		step := g.Steps[id]
		if step.PrimitiveType == "pick" {
			continue
		}
		ids = append(ids, step.PartIDs[0])
	}
	return ids
}

func TestPlan_EmptyCatalog(t *testing.T) {
	_, err := New().Plan(context.Background(), ParseResult{Graph: assembly.NewGraph("empty", "Empty")})
	if err == nil {
		t.Fatal("Expected error for empty catalog")
	}
	if !engine.IsStructural(err) || engine.CodeOf(err) != engine.ErrCodeEmptyCatalog {
		t.Errorf("Expected structural empty catalog error, got: %v", err)
	}

	if _, err := New().Plan(context.Background(), ParseResult{}); engine.CodeOf(err) != engine.ErrCodeEmptyCatalog {
		t.Errorf("Expected empty catalog error for nil graph, got: %v", err)
	}
}

func TestPlan_SinglePart(t *testing.T) {
	g, err := New().Plan(context.Background(), ParseResult{Graph: graphOf(&assembly.Part{ID: "block"})})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(g.Steps) != 1 {
		t.Fatalf("Expected 1 step, got %d", len(g.Steps))
	}
	step := g.Steps["step_001"]
	if step == nil {
		t.Fatal("Expected step_001")
	}
	if step.PrimitiveType != "place" || step.Handler != assembly.HandlerPrimitive {
		t.Errorf("Expected primitive place, got %s %s", step.Handler, step.PrimitiveType)
	}
	if step.Name != "Place block as base" {
		t.Errorf("Unexpected name %q", step.Name)
	}
	if len(step.Dependencies) != 0 {
		t.Errorf("Expected no dependencies, got %v", step.Dependencies)
	}
	if diff := cmp.Diff([]string{"step_001"}, g.StepOrder); diff != "" {
		t.Errorf("Unexpected order (-want +got):\n%s", diff)
	}
}

func TestPlan_StepStructure(t *testing.T) {
	g := graphOf(
		&assembly.Part{ID: "housing", Dimensions: []float64{0.1, 0.05, 0.1}, Position: []float64{0, 0, 0}},
		&assembly.Part{ID: "bracket", Dimensions: []float64{0.03, 0.02, 0.03}, Position: []float64{0, 0.05, 0}},
	)
	contacts := []ContactPair{{A: "housing", B: "bracket"}}

	g, err := New(WithMaxRetries(5)).Plan(context.Background(), ParseResult{Graph: g, Contacts: contacts})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if diff := cmp.Diff([]string{"step_001", "step_002", "step_003"}, g.StepOrder); diff != "" {
		t.Fatalf("Unexpected order (-want +got):\n%s", diff)
	}

	pick := g.Steps["step_002"]
	if pick.Name != "Pick bracket" || pick.PrimitiveType != "pick" {
		t.Errorf("Unexpected pick step %+v", pick)
	}
	if pick.SuccessCriteria.Type != assembly.CriteriaForceThreshold || *pick.SuccessCriteria.Threshold != 0.5 {
		t.Errorf("Unexpected pick criteria %+v", pick.SuccessCriteria)
	}
	if diff := cmp.Diff([]string{"step_001"}, pick.Dependencies); diff != "" {
		t.Errorf("Unexpected pick dependencies (-want +got):\n%s", diff)
	}

	asm := g.Steps["step_003"]
	if asm.Name != "Assemble bracket" {
		t.Errorf("Unexpected assemble name %q", asm.Name)
	}
	if diff := cmp.Diff([]string{"bracket", "housing"}, asm.PartIDs); diff != "" {
		t.Errorf("Unexpected assemble parts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"step_002"}, asm.Dependencies); diff != "" {
		t.Errorf("Unexpected assemble dependencies (-want +got):\n%s", diff)
	}
	if asm.PrimitiveParams["part_id"] != "bracket" {
		t.Errorf("Expected part_id param, got %v", asm.PrimitiveParams)
	}
	for id, step := range g.Steps {
		if step.MaxRetries != 5 {
			t.Errorf("%s: expected max retries 5, got %d", id, step.MaxRetries)
		}
	}

	if err := g.Validate(); err != nil {
		t.Errorf("Expected planned graph to validate, got: %v", err)
	}
}

func TestPlan_PolicyStepHasNoPrimitive(t *testing.T) {
	g := graphOf(
		&assembly.Part{ID: "housing", Dimensions: []float64{0.1, 0.05, 0.1}},
		&assembly.Part{ID: "pin", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.003, 0.02}, Position: []float64{0, 0.01, 0}},
	)
	g, err := New().Plan(context.Background(), ParseResult{Graph: g, Contacts: []ContactPair{{A: "pin", B: "housing"}}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	asm := g.Steps["step_003"]
	if asm.Handler != assembly.HandlerPolicy {
		t.Fatalf("Expected policy handler, got %s", asm.Handler)
	}
	if asm.PrimitiveType != "" || asm.PrimitiveParams != nil {
		t.Errorf("Expected no primitive on policy step, got %q %v", asm.PrimitiveType, asm.PrimitiveParams)
	}
	if asm.SuccessCriteria.Type != assembly.CriteriaClassifier {
		t.Errorf("Expected classifier criteria, got %s", asm.SuccessCriteria.Type)
	}
}

func TestPlan_OrderHeuristics(t *testing.T) {
	g := graphOf(
		// Largest non-cover part: base.
		&assembly.Part{ID: "frame", Dimensions: []float64{0.2, 0.1, 0.2}, Position: []float64{0, 0, 0}},
		// Larger than the frame but flat: still assembled last.
		&assembly.Part{ID: "lid", Dimensions: []float64{0.3, 0.01, 0.3}, Position: []float64{0, 0.1, 0}},
		// Flat but internal: not a cover.
		&assembly.Part{ID: "thrust_ring", Dimensions: []float64{0.05, 0.002, 0.05}, Position: []float64{0, 0.04, 0}},
		&assembly.Part{ID: "upper", Dimensions: []float64{0.02, 0.02, 0.02}, Position: []float64{0, 0.08, 0}},
		// Same height, tie broken by descending volume.
		&assembly.Part{ID: "small", Dimensions: []float64{0.01, 0.01, 0.01}, Position: []float64{0, 0.02, 0}},
		&assembly.Part{ID: "large", Dimensions: []float64{0.04, 0.04, 0.04}, Position: []float64{0, 0.02, 0}},
	)

	g, err := New().Plan(context.Background(), ParseResult{Graph: g})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"frame", "large", "small", "thrust_ring", "upper", "lid"}
	if diff := cmp.Diff(want, assembledParts(g)); diff != "" {
		t.Errorf("Unexpected assembly order (-want +got):\n%s", diff)
	}
}

func TestPlan_AllCovers(t *testing.T) {
	g := graphOf(
		&assembly.Part{ID: "sheet_a", Dimensions: []float64{0.1, 0.001, 0.1}, Position: []float64{0, 0.01, 0}},
		&assembly.Part{ID: "sheet_b", Dimensions: []float64{0.2, 0.001, 0.2}, Position: []float64{0, 0.02, 0}},
	)

	g, err := New().Plan(context.Background(), ParseResult{Graph: g})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]string{"sheet_b", "sheet_a"}, assembledParts(g)); diff != "" {
		t.Errorf("Expected largest cover as base (-want +got):\n%s", diff)
	}
}

func TestPlan_UnknownContact(t *testing.T) {
	g := graphOf(&assembly.Part{ID: "a"})
	_, err := New().Plan(context.Background(), ParseResult{Graph: g, Contacts: []ContactPair{{A: "a", B: "ghost"}}})
	if engine.CodeOf(err) != engine.ErrCodeUnknownPart {
		t.Errorf("Expected unknown part error, got: %v", err)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	build := func() *assembly.AssemblyGraph {
		return graphOf(
			&assembly.Part{ID: "base", Dimensions: []float64{0.2, 0.1, 0.2}},
			&assembly.Part{ID: "gear_a", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.02, 0.01}, Position: []float64{0, 0.05, 0}},
			&assembly.Part{ID: "gear_b", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.02, 0.01}, Position: []float64{0, 0.05, 0}},
			&assembly.Part{ID: "cap", Dimensions: []float64{0.1, 0.005, 0.1}, Position: []float64{0, 0.1, 0}},
		)
	}
	contacts := []ContactPair{{A: "base", B: "gear_a"}, {A: "gear_a", B: "gear_b"}, {A: "cap", B: "base"}}

	first, err := New().Plan(context.Background(), ParseResult{Graph: build(), Contacts: contacts})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := New().Plan(context.Background(), ParseResult{Graph: build(), Contacts: contacts})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff(first.StepOrder, second.StepOrder); diff != "" {
		t.Errorf("Order is not deterministic (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(assembledParts(first), assembledParts(second)); diff != "" {
		t.Errorf("Part order is not deterministic (-first +second):\n%s", diff)
	}
}

func TestPlan_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "parts")
		g := assembly.NewGraph("prop", "Prop")
		for i := 0; i < n; i++ {
			dims := rapid.SliceOfN(rapid.Float64Range(0.001, 0.2), 0, 3).Draw(t, fmt.Sprintf("dims_%d", i))
			y := rapid.Float64Range(0, 0.5).Draw(t, fmt.Sprintf("y_%d", i))
			_ = g.AddPart(&assembly.Part{ID: fmt.Sprintf("p%02d", i), Dimensions: dims, Position: []float64{0, y, 0}})
		}

		var contacts []ContactPair
		ids := g.PartIDs()
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("contact_%d_%d", i, j)) {
					contacts = append(contacts, ContactPair{A: ids[i], B: ids[j]})
				}
			}
		}

		planned, err := New().Plan(context.Background(), ParseResult{Graph: g, Contacts: contacts})
		if err != nil {
			t.Fatalf("planning failed: %v", err)
		}
		if len(planned.Steps) != 2*n-1 {
			t.Fatalf("expected %d steps, got %d", 2*n-1, len(planned.Steps))
		}
		if err := planned.Validate(); err != nil {
			t.Fatalf("planned graph invalid: %v", err)
		}

		// Covers are always assembled after every non-cover part except
		// when all parts are covers.
		order := assembledParts(planned)
		seenCover := false
		for i, id := range order {
			cover := IsCover(planned.Parts[id])
			if i == 0 {
				continue
			}
			if cover {
				seenCover = true
			} else if seenCover {
				t.Fatalf("non-cover %s assembled after a cover: %v", id, order)
			}
		}

		// Among interior parts, Y never decreases.
		prevY := -1.0
		for _, id := range order[1:] {
			p := planned.Parts[id]
			if IsCover(p) {
				break
			}
			if height(p) < prevY {
				t.Fatalf("part %s assembled below its predecessor: %v", id, order)
			}
			prevY = height(p)
		}
	})
}
