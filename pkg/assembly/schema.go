package assembly

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// documentSchema is the CUE schema of the persisted assembly document.
const documentSchema = `
#GraspPoint: {
	pose:     [...number]
	approach: [...number]
}

#Part: {
	id:           string & !=""
	cadFile?:     string | null
	meshFile?:    string | null
	graspPoints?: [...#GraspPoint]
	position?:    [number, number, number] | null
	rotation?:    [number, number, number] | null
	geometry?:    "box" | "cylinder" | "sphere" | null
	dimensions?:  [...number & >=0] | null
	color?:       string | null
}

#SuccessCriteria: {
	type:       "position" | "force_threshold" | "force_signature" | "classifier"
	threshold?: number | null
	model?:     string | null
	pattern?:   "snap_fit" | "meshing" | "press_fit" | null
}

#Step: {
	id:               string & !=""
	name:             string
	partIds?:         [...string]
	dependencies?:    [...string]
	handler?:         "primitive" | "policy"
	primitiveType?:   string | null
	primitiveParams?: {...} | null
	policyId?:        string | null
	successCriteria?: #SuccessCriteria
	maxRetries?:      int & >=1
}

#AssemblyGraph: {
	version?: int & >=1
	id:       string & !=""
	name:     string
	parts?: {[ID=string]: #Part & {id: ID}}
	steps?: {[ID=string]: #Step & {id: ID}}
	stepOrder?: [...string]
}
`

// SchemaValidator checks raw documents against the CUE schema before decoding.
type SchemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *SchemaValidator
	defaultSchemaErr  error
)

// NewSchemaValidator compiles the document schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	// Compile schema
	ctx := cuecontext.New()
	val := ctx.CompileString(documentSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile document schema: %w", err)
	}

	// Documents are checked against the top-level definition
	def := val.LookupPath(cue.ParsePath("#AssemblyGraph"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("document schema has no #AssemblyGraph: %w", err)
	}

	return &SchemaValidator{ctx: ctx, schema: def}, nil
}

// DefaultSchemaValidator returns a process-wide compiled validator.
func DefaultSchemaValidator() (*SchemaValidator, error) {
	defaultSchemaOnce.Do(func() {
		defaultSchema, defaultSchemaErr = NewSchemaValidator()
	})
	return defaultSchema, defaultSchemaErr
}

// Validate checks a JSON document against the schema.
// Violations are reported as structural errors.
func (sv *SchemaValidator) Validate(data []byte) error {
	// cue.Context is not safe for concurrent use.
	sv.mu.Lock()
	defer sv.mu.Unlock()

	doc := sv.ctx.CompileBytes(data)
	if err := doc.Err(); err != nil {
		return engine.NewStructuralError("assembly document is not valid JSON", err).
			WithCode(engine.ErrCodeValidation)
	}

	// Unify with the schema and require concrete values
	unified := sv.schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewStructuralError("assembly document violates schema", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
