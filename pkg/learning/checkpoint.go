package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// CheckpointFile is the file name of a policy checkpoint inside its step directory.
const CheckpointFile = "policy.json"

// LinearPolicy is a linear action-chunking policy. Given an observation x
// aligned to JointKeys it predicts a target y = Wx + b and returns ChunkSize
// actions interpolating from x to y.
type LinearPolicy struct {
	// Keys are the observation and action fields, in vector order. Empty
	// means the sorted observation keys.
	Keys []string `json:"jointKeys,omitempty"`

	// Chunk is the number of actions per prediction.
	Chunk int `json:"chunkSize"`

	// Weights is an n x n matrix, n = number of joints.
	Weights [][]float64 `json:"weights"`

	// Bias has one entry per joint.
	Bias []float64 `json:"bias"`
}

// Validate checks the checkpoint dimensions.
func (p *LinearPolicy) Validate() error {
	if p.Chunk < 1 {
		return fmt.Errorf("chunkSize must be at least 1, got %d", p.Chunk)
	}
	n := len(p.Bias)
	if n == 0 {
		return fmt.Errorf("bias must not be empty")
	}
	if len(p.Keys) > 0 && len(p.Keys) != n {
		return fmt.Errorf("jointKeys has %d entries, bias has %d", len(p.Keys), n)
	}
	if len(p.Weights) != n {
		return fmt.Errorf("weights has %d rows, want %d", len(p.Weights), n)
	}
	for i, row := range p.Weights {
		if len(row) != n {
			return fmt.Errorf("weights row %d has %d columns, want %d", i, len(row), n)
		}
	}
	return nil
}

// ChunkSize implements engine.Policy.
func (p *LinearPolicy) ChunkSize() int {
	return p.Chunk
}

// JointKeys implements engine.Policy.
func (p *LinearPolicy) JointKeys() []string {
	if len(p.Keys) == 0 {
		return nil
	}
	return append([]string(nil), p.Keys...)
}

// Predict implements engine.Policy.
func (p *LinearPolicy) Predict(ctx context.Context, obs engine.Observation) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Align the observation to the joint order
	keys := p.Keys
	if len(keys) == 0 {
		keys = make([]string, 0, len(obs))
		for k := range obs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	if len(keys) != len(p.Bias) {
		return nil, fmt.Errorf("observation has %d joints, policy expects %d", len(keys), len(p.Bias))
	}

	x := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := obs[k]
		if !ok {
			return nil, fmt.Errorf("observation missing joint %q", k)
		}
		x[i] = v
	}

	// Target pose y = Wx + b
	y := make([]float64, len(x))
	for i, row := range p.Weights {
		sum := p.Bias[i]
		for j, w := range row {
			sum += w * x[j]
		}
		y[i] = sum
	}

	// Interpolate from x to y, ending exactly at y
	actions := make([][]float64, p.Chunk)
	for k := range actions {
		frac := float64(k+1) / float64(p.Chunk)
		a := make([]float64, len(x))
		for i := range a {
			a[i] = x[i] + frac*(y[i]-x[i])
		}
		actions[k] = a
	}
	return actions, nil
}

// ReadCheckpoint loads and validates a checkpoint file.
func ReadCheckpoint(path string) (*LinearPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p LinearPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}
	return &p, nil
}

// WriteCheckpoint validates p and writes it to the step directory under dir,
// replacing any previous checkpoint atomically.
func WriteCheckpoint(dir, assemblyID, stepID string, p *LinearPolicy) error {
	if err := checkIDs(assemblyID, stepID); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	stepDir := filepath.Join(dir, assemblyID, stepID)
	if err := os.MkdirAll(stepDir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	// Write to a temp file and rename so watchers never see a partial file
	tmp, err := os.CreateTemp(stepDir, ".policy-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(stepDir, CheckpointFile))
}

// Identity returns a policy holding the current pose: y = x.
func Identity(keys []string, chunk int) *LinearPolicy {
	n := len(keys)
	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, n)
		w[i][i] = 1
	}
	return &LinearPolicy{
		Keys:    append([]string(nil), keys...),
		Chunk:   chunk,
		Weights: w,
		Bias:    make([]float64, n),
	}
}

var _ engine.Policy = (*LinearPolicy)(nil)

// ErrInvalidID is returned for assembly or step ids that are not a single
// local path segment.
var ErrInvalidID = errors.New("invalid checkpoint id")

// checkIDs rejects empty ids, ".", "..", absolute paths and separators.
func checkIDs(ids ...string) error {
	for _, id := range ids {
		if !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) || id == "." {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}
