package planner

import (
	"context"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

// maxOverrideSteps bounds the work a single classify call may do.
const maxOverrideSteps = 1_000_000

// Overrides lets an operator adjust the planner's classification with a
// Starlark script. The script must define
//
//	def classify(part, contacts, default):
//	    ...
//
// where part is a struct (id, geometry, dimensions, position, volume,
// flatness), contacts is a list of part IDs and default is a struct describing
// the built-in choice (handler, primitive_type, criteria). Returning None keeps
// the default; returning a dict overrides any of the keys handler,
// primitive_type, criteria (dict with type, threshold, pattern, model) and
// max_retries.
type Overrides struct {
	classify starlark.Callable
	name     string
}

// OverrideResult is the classification after the script ran.
type OverrideResult struct {
	Classification
	// MaxRetries is non-zero when the script set a retry budget.
	MaxRetries int
}

// LoadOverrides reads and compiles an override script from disk.
func LoadOverrides(path string) (*Overrides, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read override script %s: %w", path, err)
	}
	return CompileOverrides(path, string(src))
}

// CompileOverrides executes the script top level and resolves classify.
func CompileOverrides(name, src string) (*Overrides, error) {
	thread := newThread(name)
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("override script failed: %w", err)
	}

	fn, ok := globals["classify"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("override script %s does not define classify", name)
	}
	return &Overrides{classify: fn, name: name}, nil
}

// Apply calls classify for one part and merges its answer into def.
func (o *Overrides) Apply(ctx context.Context, part *assembly.Part, contacts []string, def Classification) (OverrideResult, error) {
	result := OverrideResult{Classification: def}

	// Cancel the script with ctx
	thread := newThread(o.name)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("context cancelled") })
	defer stop()

	args := starlark.Tuple{partValue(part), stringList(contacts), classificationValue(def)}
	out, err := starlark.Call(thread, o.classify, args, nil)
	if err != nil {
		return result, fmt.Errorf("classify(%s) failed: %w", part.ID, err)
	}

	// None keeps the default classification
	if out == starlark.None {
		return result, nil
	}
	dict, ok := out.(*starlark.Dict)
	if !ok {
		return result, fmt.Errorf("classify(%s) must return a dict or None, got %s", part.ID, out.Type())
	}

	// Merge the keys the script returned
	if v, found, _ := dict.Get(starlark.String("handler")); found {
		h, ok := starlark.AsString(v)
		if !ok || (h != string(assembly.HandlerPrimitive) && h != string(assembly.HandlerPolicy)) {
			return result, fmt.Errorf("classify(%s): invalid handler %s", part.ID, v)
		}
		result.Handler = assembly.Handler(h)
	}
	if v, found, _ := dict.Get(starlark.String("primitive_type")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return result, fmt.Errorf("classify(%s): primitive_type must be a string", part.ID)
		}
		result.PrimitiveType = s
	}
	if v, found, _ := dict.Get(starlark.String("criteria")); found {
		c, err := criteriaFrom(v)
		if err != nil {
			return result, fmt.Errorf("classify(%s): %w", part.ID, err)
		}
		result.Criteria = c
	}
	if v, found, _ := dict.Get(starlark.String("max_retries")); found {
		n, err := starlark.AsInt32(v)
		if err != nil || n < 1 {
			return result, fmt.Errorf("classify(%s): max_retries must be a positive int", part.ID)
		}
		result.MaxRetries = n
	}

	// The merged answer must still be executable
	if result.Handler == assembly.HandlerPrimitive && result.PrimitiveType == "" {
		return result, fmt.Errorf("classify(%s): primitive handler needs a primitive_type", part.ID)
	}
	result.Rule = "override"
	return result, nil
}

// newThread returns a step-limited thread with print disabled.
func newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxOverrideSteps)
	return thread
}

// partValue exposes a part and its derived geometry to the script.
func partValue(p *assembly.Part) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":         starlark.String(p.ID),
		"geometry":   starlark.String(p.Shape()),
		"dimensions": floatList(p.Dimensions),
		"position":   floatList(p.Position),
		"volume":     starlark.Float(Volume(p)),
		"flatness":   starlark.Float(Flatness(p)),
	})
}

// classificationValue exposes the default classification to the script.
func classificationValue(c Classification) starlark.Value {
	criteria := starlark.StringDict{
		"type":    starlark.String(c.Criteria.Type),
		"pattern": starlark.String(c.Criteria.Pattern),
		"model":   starlark.String(c.Criteria.Model),
	}
	if c.Criteria.Threshold != nil {
		criteria["threshold"] = starlark.Float(*c.Criteria.Threshold)
	} else {
		criteria["threshold"] = starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"handler":        starlark.String(c.Handler),
		"primitive_type": starlark.String(c.PrimitiveType),
		"rule":           starlark.String(c.Rule),
		"criteria":       starlarkstruct.FromStringDict(starlarkstruct.Default, criteria),
	})
}

// criteriaFrom decodes a criteria dict returned by the script.
func criteriaFrom(v starlark.Value) (assembly.SuccessCriteria, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return assembly.SuccessCriteria{}, fmt.Errorf("criteria must be a dict, got %s", v.Type())
	}

	var c assembly.SuccessCriteria
	if t, found, _ := dict.Get(starlark.String("type")); found {
		s, _ := starlark.AsString(t)
		c.Type = assembly.CriteriaType(s)
	}
	switch c.Type {
	case assembly.CriteriaPosition, assembly.CriteriaForceThreshold, assembly.CriteriaForceSignature, assembly.CriteriaClassifier:
	default:
		return c, fmt.Errorf("invalid criteria type %q", c.Type)
	}

	if p, found, _ := dict.Get(starlark.String("pattern")); found {
		c.Pattern, _ = starlark.AsString(p)
	}
	if m, found, _ := dict.Get(starlark.String("model")); found {
		c.Model, _ = starlark.AsString(m)
	}
	if t, found, _ := dict.Get(starlark.String("threshold")); found && t != starlark.None {
		f, ok := starlark.AsFloat(t)
		if !ok {
			return c, fmt.Errorf("criteria threshold must be a number")
		}
		c.Threshold = &f
	}
	return c, nil
}

func floatList(values []float64) *starlark.List {
	elems := make([]starlark.Value, len(values))
	for i, v := range values {
		elems[i] = starlark.Float(v)
	}
	return starlark.NewList(elems)
}

func stringList(values []string) *starlark.List {
	elems := make([]starlark.Value, len(values))
	for i, v := range values {
		elems[i] = starlark.String(v)
	}
	return starlark.NewList(elems)
}
