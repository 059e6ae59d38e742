package planner

import (
	"math"
	"testing"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		part      *assembly.Part
		contacts  []string
		rule      string
		handler   assembly.Handler
		primitive string
		criteria  assembly.CriteriaType
		pattern   string
	}{
		{
			name:     "thin cylinder touching",
			part:     &assembly.Part{ID: "dowel", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.004, 0.03}},
			contacts: []string{"housing"},
			rule:     "thin-cylinder",
			handler:  assembly.HandlerPolicy,
			criteria: assembly.CriteriaClassifier,
		},
		{
			name:      "wide cylinder touching",
			part:      &assembly.Part{ID: "bearing", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.011, 0.007}},
			contacts:  []string{"housing"},
			rule:      "cylinder-insert",
			handler:   assembly.HandlerPrimitive,
			primitive: "linear_insert",
			criteria:  assembly.CriteriaForceSignature,
			pattern:   assembly.PatternSnapFit,
		},
		{
			name:     "many contacts",
			part:     &assembly.Part{ID: "bracket", Dimensions: []float64{0.05, 0.05, 0.05}},
			contacts: []string{"a", "b", "c"},
			rule:     "many-contacts",
			handler:  assembly.HandlerPolicy,
			criteria: assembly.CriteriaClassifier,
		},
		{
			name:     "keyword with contact",
			part:     &assembly.Part{ID: "Snap_Clip_2", Dimensions: []float64{0.03, 0.03, 0.03}},
			contacts: []string{"frame"},
			rule:     "meshing-keyword",
			handler:  assembly.HandlerPolicy,
			criteria: assembly.CriteriaForceSignature,
			pattern:  assembly.PatternMeshing,
		},
		{
			name:      "keyword without contact",
			part:      &assembly.Part{ID: "gear_blank", Dimensions: []float64{0.03, 0.03, 0.03}},
			rule:      "default",
			handler:   assembly.HandlerPrimitive,
			primitive: "place",
			criteria:  assembly.CriteriaPosition,
		},
		{
			name:      "small part",
			part:      &assembly.Part{ID: "nut", Dimensions: []float64{0.005, 0.005, 0.005}},
			rule:      "small-part",
			handler:   assembly.HandlerPrimitive,
			primitive: "press_fit",
			criteria:  assembly.CriteriaForceThreshold,
		},
		{
			name:     "loose pin",
			part:     &assembly.Part{ID: "spindle", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.004, 0.1}},
			rule:     "loose-pin",
			handler:  assembly.HandlerPolicy,
			criteria: assembly.CriteriaClassifier,
		},
		{
			name:      "no dimensions",
			part:      &assembly.Part{ID: "blob"},
			rule:      "default",
			handler:   assembly.HandlerPrimitive,
			primitive: "place",
			criteria:  assembly.CriteriaPosition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.part, tt.contacts)
			if c.Rule != tt.rule {
				t.Errorf("Expected rule %s, got %s", tt.rule, c.Rule)
			}
			if c.Handler != tt.handler {
				t.Errorf("Expected handler %s, got %s", tt.handler, c.Handler)
			}
			if c.PrimitiveType != tt.primitive {
				t.Errorf("Expected primitive %q, got %q", tt.primitive, c.PrimitiveType)
			}
			if c.Criteria.Type != tt.criteria {
				t.Errorf("Expected criteria %s, got %s", tt.criteria, c.Criteria.Type)
			}
			if c.Criteria.Pattern != tt.pattern {
				t.Errorf("Expected pattern %q, got %q", tt.pattern, c.Criteria.Pattern)
			}
		})
	}
}

func TestClassify_SmallPartThreshold(t *testing.T) {
	c := Classify(&assembly.Part{ID: "washer", Dimensions: []float64{0.009, 0.009, 0.009}}, nil)
	if c.Criteria.Threshold == nil || *c.Criteria.Threshold != 15 {
		t.Errorf("Expected threshold 15, got %v", c.Criteria.Threshold)
	}
}

func TestGeometryHelpers(t *testing.T) {
	box := &assembly.Part{ID: "box", Dimensions: []float64{0.1, 0.2, 0.3}}
	if v := Volume(box); math.Abs(v-0.006) > 1e-12 {
		t.Errorf("Expected box volume 0.006, got %v", v)
	}
	if f := Flatness(box); math.Abs(f-1.0/3.0) > 1e-12 {
		t.Errorf("Expected flatness 1/3, got %v", f)
	}

	cyl := &assembly.Part{ID: "cyl", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.1, 0.01}}
	if v := Volume(cyl); math.Abs(v-math.Pi*0.0001) > 1e-12 {
		t.Errorf("Unexpected cylinder volume %v", v)
	}
	if !IsCover(cyl) {
		t.Error("Expected flat disc to be a cover")
	}

	ring := &assembly.Part{ID: "retaining_ring", Geometry: assembly.GeometryCylinder, Dimensions: []float64{0.1, 0.01}}
	if IsCover(ring) {
		t.Error("Expected ring to never be a cover")
	}

	sphere := &assembly.Part{ID: "ball", Geometry: assembly.GeometrySphere, Dimensions: []float64{0.01}}
	if Flatness(sphere) != 1 || IsCover(sphere) {
		t.Error("Expected sphere to never be flat")
	}

	// Missing dimensions default to 5 cm.
	if v := Volume(&assembly.Part{ID: "unknown"}); math.Abs(v-0.000125) > 1e-12 {
		t.Errorf("Expected default volume 1.25e-4, got %v", v)
	}
}

func TestAssignHandlers(t *testing.T) {
	g := assembly.NewGraph("h", "Handlers")
	steps := []*assembly.AssemblyStep{
		{ID: "s1", Handler: assembly.HandlerPolicy, PrimitiveType: "move_to"},
		{ID: "s2", Handler: assembly.HandlerPolicy, PrimitiveType: "pick"},
		{ID: "s3", Handler: assembly.HandlerPrimitive, PrimitiveType: "place"},
		{ID: "s4", Handler: assembly.HandlerPrimitive, PrimitiveType: "linear_insert"},
		{ID: "s5", Handler: assembly.HandlerPrimitive, PrimitiveType: "screw"},
		{ID: "s6", Handler: assembly.HandlerPrimitive, PrimitiveType: "press_fit"},
		{ID: "s7", Handler: assembly.HandlerPrimitive, PrimitiveType: "guarded_move"},
		{ID: "s8", Handler: assembly.HandlerPrimitive},
		{ID: "s9"},
	}
	for _, s := range steps {
		g.Steps[s.ID] = s
	}

	AssignHandlers(g)

	want := map[string]assembly.Handler{
		"s1": assembly.HandlerPrimitive,
		"s2": assembly.HandlerPrimitive,
		"s3": assembly.HandlerPrimitive,
		"s4": assembly.HandlerPolicy,
		"s5": assembly.HandlerPolicy,
		"s6": assembly.HandlerPolicy,
		"s7": assembly.HandlerPolicy,
		"s8": assembly.HandlerPrimitive,
		"s9": assembly.HandlerPolicy,
	}
	for id, h := range want {
		if got := g.Steps[id].Handler; got != h {
			t.Errorf("%s: expected handler %s, got %s", id, h, got)
		}
	}
}
