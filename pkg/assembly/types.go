package assembly

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// DefaultMaxRetries is the retry budget of a step that does not declare one.
const DefaultMaxRetries = 3

// DefaultDimension is used for every missing shape dimension (metres).
const DefaultDimension = 0.05

// Geometry is the placeholder shape of a part.
type Geometry string

const (
	// GeometryBox is a box with dimensions [w, h, d].
	GeometryBox Geometry = "box"

	// GeometryCylinder is a cylinder with dimensions [r, h].
	GeometryCylinder Geometry = "cylinder"

	// GeometrySphere is a sphere with dimensions [r].
	GeometrySphere Geometry = "sphere"
)

// Validate checks if the geometry tag is valid. The empty tag is accepted.
func (g Geometry) Validate() error {
	switch g {
	case "", GeometryBox, GeometryCylinder, GeometrySphere:
		return nil
	default:
		return fmt.Errorf("invalid geometry: %s", g)
	}
}

// Handler selects the execution path of a step.
type Handler string

const (
	// HandlerPrimitive executes a deterministic motion primitive.
	HandlerPrimitive Handler = "primitive"

	// HandlerPolicy executes a trained policy.
	HandlerPolicy Handler = "policy"
)

// CriteriaType tags the SuccessCriteria variant.
type CriteriaType string

const (
	// CriteriaPosition compares the final position with the step's target pose.
	CriteriaPosition CriteriaType = "position"

	// CriteriaForceThreshold requires the peak force to reach a threshold.
	CriteriaForceThreshold CriteriaType = "force_threshold"

	// CriteriaForceSignature matches a named pattern in the force history.
	CriteriaForceSignature CriteriaType = "force_signature"

	// CriteriaClassifier runs an image classifier on the camera frame.
	CriteriaClassifier CriteriaType = "classifier"
)

// Force signature pattern names.
const (
	PatternSnapFit  = "snap_fit"
	PatternMeshing  = "meshing"
	PatternPressFit = "press_fit"
)

// GraspPoint is a grasp pose with its approach vector.
type GraspPoint struct {
	Pose     []float64 `json:"pose"`
	Approach []float64 `json:"approach"`
}

// Part is a physical part of an assembly.
type Part struct {
	// ID is the unique, stable identifier of the part.
	ID string `json:"id" validate:"required"`

	// CADFile is the STEP/IGES source file, if any.
	CADFile string `json:"cadFile,omitempty"`

	// MeshFile is the tessellated mesh used by viewers, if any.
	MeshFile string `json:"meshFile,omitempty"`

	// GraspPoints lists the grasp poses of the part.
	GraspPoints []GraspPoint `json:"graspPoints"`

	// Position is the assembled [x, y, z] position in metres.
	Position []float64 `json:"position,omitempty" validate:"omitempty,len=3"`

	// Rotation is the assembled [rx, ry, rz] orientation in radians.
	Rotation []float64 `json:"rotation,omitempty" validate:"omitempty,len=3"`

	// Geometry is the placeholder shape.
	Geometry Geometry `json:"geometry,omitempty" validate:"omitempty,oneof=box cylinder sphere"`

	// Dimensions are shape-specific: box=[w,h,d], cylinder=[r,h], sphere=[r].
	Dimensions []float64 `json:"dimensions,omitempty" validate:"omitempty,dive,gte=0"`

	// Color is a hex colour used for placeholder rendering.
	Color string `json:"color,omitempty"`
}

// Dim returns dimension i, or DefaultDimension when the part does not declare it.
func (p *Part) Dim(i int) float64 {
	if i < len(p.Dimensions) {
		return p.Dimensions[i]
	}
	return DefaultDimension
}

// Shape returns the declared geometry. Untagged parts are inferred from the
// number of dimensions: one is a sphere, two a cylinder, otherwise a box.
func (p *Part) Shape() Geometry {
	if p.Geometry != "" {
		return p.Geometry
	}
	switch len(p.Dimensions) {
	case 1:
		return GeometrySphere
	case 2:
		return GeometryCylinder
	default:
		return GeometryBox
	}
}

// SuccessCriteria declares how to verify that a step completed.
type SuccessCriteria struct {
	// Type selects the checker.
	Type CriteriaType `json:"type" validate:"required,oneof=position force_threshold force_signature classifier"`

	// Threshold is the numeric limit: tolerance in mm, force in N, or press-fit target.
	Threshold *float64 `json:"threshold,omitempty"`

	// Model is the classifier model path.
	Model string `json:"model,omitempty"`

	// Pattern is the force signature name.
	Pattern string `json:"pattern,omitempty" validate:"omitempty,oneof=snap_fit meshing press_fit"`
}

// AssemblyStep is one unit of assembly work.
type AssemblyStep struct {
	// ID is the unique step identifier (e.g. "step_001").
	ID string `json:"id" validate:"required"`

	// Name is a human-readable description.
	Name string `json:"name"`

	// PartIDs lists the parts involved in the step.
	PartIDs []string `json:"partIds"`

	// Dependencies lists step IDs that must complete first.
	Dependencies []string `json:"dependencies"`

	// Handler selects primitive or policy execution.
	Handler Handler `json:"handler" validate:"required,oneof=primitive policy"`

	// PrimitiveType is the primitive name when Handler is primitive.
	PrimitiveType string `json:"primitiveType,omitempty"`

	// PrimitiveParams are forwarded to the primitive (part_id, target_pose, ...).
	PrimitiveParams map[string]any `json:"primitiveParams,omitempty"`

	// PolicyID references the checkpoint when Handler is policy.
	PolicyID string `json:"policyId,omitempty"`

	// SuccessCriteria declares how the step is verified.
	SuccessCriteria SuccessCriteria `json:"successCriteria"`

	// MaxRetries is the number of attempts before escalating to a human.
	MaxRetries int `json:"maxRetries" validate:"gte=1"`
}

// UnmarshalJSON applies the document defaults for fields a step omits.
func (s *AssemblyStep) UnmarshalJSON(data []byte) error {
	type plain AssemblyStep
	aux := plain{
		Handler:         HandlerPrimitive,
		SuccessCriteria: SuccessCriteria{Type: CriteriaPosition},
		MaxRetries:      DefaultMaxRetries,
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = AssemblyStep(aux)
	return nil
}

// MarshalJSON writes empty lists instead of null so the document stays
// readable by strict consumers.
func (s AssemblyStep) MarshalJSON() ([]byte, error) {
	type plain AssemblyStep
	if s.PartIDs == nil {
		s.PartIDs = []string{}
	}
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
	return json.Marshal(plain(s))
}

// MarshalJSON writes an empty grasp point list instead of null.
func (p Part) MarshalJSON() ([]byte, error) {
	type plain Part
	if p.GraspPoints == nil {
		p.GraspPoints = []GraspPoint{}
	}
	return json.Marshal(plain(p))
}

// Clone returns a deep copy of the step.
func (s *AssemblyStep) Clone() *AssemblyStep {
	c := *s
	c.PartIDs = append([]string(nil), s.PartIDs...)
	c.Dependencies = append([]string(nil), s.Dependencies...)
	if s.PrimitiveParams != nil {
		c.PrimitiveParams = make(map[string]any, len(s.PrimitiveParams))
		for k, v := range s.PrimitiveParams {
			c.PrimitiveParams[k] = v
		}
	}
	if s.SuccessCriteria.Threshold != nil {
		t := *s.SuccessCriteria.Threshold
		c.SuccessCriteria.Threshold = &t
	}
	return &c
}

// AssemblyGraph is a complete assembly: part catalog, step catalog and execution order.
type AssemblyGraph struct {
	// ID is the unique assembly identifier.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable assembly name.
	Name string `json:"name"`

	// Parts is the part catalog keyed by part ID.
	Parts map[string]*Part `json:"parts" validate:"dive"`

	// Steps is the step catalog keyed by step ID.
	Steps map[string]*AssemblyStep `json:"steps" validate:"dive"`

	// StepOrder is the topologically sorted execution order.
	StepOrder []string `json:"stepOrder"`
}

// NewGraph creates an empty graph.
func NewGraph(id, name string) *AssemblyGraph {
	return &AssemblyGraph{
		ID:        id,
		Name:      name,
		Parts:     make(map[string]*Part),
		Steps:     make(map[string]*AssemblyStep),
		StepOrder: make([]string, 0),
	}
}

// AddPart adds a part to the catalog. Duplicate IDs are rejected.
func (g *AssemblyGraph) AddPart(p *Part) error {
	if p == nil || p.ID == "" {
		return engine.NewStructuralError("part has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if g.Parts == nil {
		g.Parts = make(map[string]*Part)
	}
	if _, exists := g.Parts[p.ID]; exists {
		return engine.NewStructuralError(fmt.Sprintf("duplicate part ID: %s", p.ID), nil).
			WithCode(engine.ErrCodeDuplicateID).WithResource(p.ID)
	}
	g.Parts[p.ID] = p
	return nil
}

// AddStep adds a step to the catalog. Duplicate IDs are rejected.
// The execution order is not touched; see ComputeOrder.
func (g *AssemblyGraph) AddStep(s *AssemblyStep) error {
	if s == nil || s.ID == "" {
		return engine.NewStructuralError("step has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if g.Steps == nil {
		g.Steps = make(map[string]*AssemblyStep)
	}
	if _, exists := g.Steps[s.ID]; exists {
		return engine.NewStructuralError(fmt.Sprintf("duplicate step ID: %s", s.ID), nil).
			WithCode(engine.ErrCodeDuplicateID).WithResource(s.ID)
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	g.Steps[s.ID] = s
	return nil
}

// Step returns the step with the given ID.
func (g *AssemblyGraph) Step(id string) (*AssemblyStep, bool) {
	s, ok := g.Steps[id]
	return s, ok
}

// PartIDs returns the sorted part IDs of the catalog.
func (g *AssemblyGraph) PartIDs() []string {
	ids := make([]string, 0, len(g.Parts))
	for id := range g.Parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StepIDs returns the sorted step IDs of the catalog.
func (g *AssemblyGraph) StepIDs() []string {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComputeOrder replaces StepOrder with the deterministic topological order of the steps.
func (g *AssemblyGraph) ComputeOrder() error {
	order, err := TopologicalOrder(g.Steps)
	if err != nil {
		return err
	}
	g.StepOrder = order
	return nil
}

// Clone returns a deep copy of the graph.
func (g *AssemblyGraph) Clone() *AssemblyGraph {
	c := NewGraph(g.ID, g.Name)
	for id, p := range g.Parts {
		cp := *p
		cp.GraspPoints = append([]GraspPoint(nil), p.GraspPoints...)
		cp.Position = append([]float64(nil), p.Position...)
		cp.Rotation = append([]float64(nil), p.Rotation...)
		cp.Dimensions = append([]float64(nil), p.Dimensions...)
		c.Parts[id] = &cp
	}
	for id, s := range g.Steps {
		c.Steps[id] = s.Clone()
	}
	c.StepOrder = append(c.StepOrder, g.StepOrder...)
	return c
}
