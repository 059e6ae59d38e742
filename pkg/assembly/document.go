package assembly

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// DocumentVersion is the version written by SaveFile and MarshalDocument.
const DocumentVersion = 1

// document is the persisted form of a graph. Field names are the external
// camelCase ones and must not change.
type document struct {
	Version int `json:"version"`
	*AssemblyGraph
}

// MarshalDocument encodes the graph as an indented, versioned JSON document.
func MarshalDocument(g *AssemblyGraph) ([]byte, error) {
	if g == nil {
		return nil, engine.NewStructuralError("cannot marshal nil assembly graph", nil).
			WithCode(engine.ErrCodeValidation)
	}

	out := g
	if g.Parts == nil || g.Steps == nil || g.StepOrder == nil {
		out = g.Clone()
	}

	data, err := json.MarshalIndent(document{Version: DocumentVersion, AssemblyGraph: out}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assembly %s: %w", g.ID, err)
	}
	return append(data, '\n'), nil
}

// ParseDocument decodes a document and validates the resulting graph.
// Documents without a version field are read as version 1.
func ParseDocument(data []byte) (*AssemblyGraph, error) {
	doc := document{AssemblyGraph: &AssemblyGraph{}}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewStructuralError("failed to decode assembly document", err).
			WithCode(engine.ErrCodeValidation)
	}

	if doc.Version > DocumentVersion {
		return nil, engine.NewStructuralError(
			fmt.Sprintf("unsupported assembly document version %d", doc.Version), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(doc.ID)
	}

	g := doc.AssemblyGraph
	if g.Parts == nil {
		g.Parts = make(map[string]*Part)
	}
	if g.Steps == nil {
		g.Steps = make(map[string]*AssemblyStep)
	}
	if g.StepOrder == nil {
		g.StepOrder = make([]string, 0)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadFile reads a document from disk, checks it against the CUE schema and
// parses it.
func LoadFile(path string) (*AssemblyGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly document %s: %w", path, err)
	}

	sv, err := DefaultSchemaValidator()
	if err != nil {
		return nil, err
	}
	if err := sv.Validate(data); err != nil {
		return nil, err
	}

	return ParseDocument(data)
}

// SaveFile writes the graph as a versioned document.
func SaveFile(g *AssemblyGraph, path string) error {
	data, err := MarshalDocument(g)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write assembly document %s: %w", path, err)
	}
	return nil
}
