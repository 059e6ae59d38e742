package verify

import (
	"fmt"
	"math"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// DefaultPositionTolerance is the allowed distance (mm) to the target when the
// criteria declare no threshold.
const DefaultPositionTolerance = 2.0

// Parameter keys that may carry a target pose, in lookup order.
var poseKeys = []string{"target_pose", "pose", "target"}

// CheckPosition compares the final position with the target pose from the
// step's primitive parameters.
func CheckPosition(step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	target, ok := targetPosition(step.PrimitiveParams)
	if !ok {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceUnknown,
			Detail:     "no target pose in step parameters, skipping position check",
		}
	}
	if len(data.FinalPosition) < 3 {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     "no final position reported, skipping position check",
		}
	}

	// Euclidean distance over x, y, z
	tolerance := DefaultPositionTolerance
	if step.SuccessCriteria.Threshold != nil {
		tolerance = *step.SuccessCriteria.Threshold
	}

	var sum float64
	for i := 0; i < 3; i++ {
		d := data.FinalPosition[i] - target[i]
		sum += d * d
	}
	distance := math.Sqrt(sum)

	passed := distance <= tolerance
	confidence := 0.85
	if passed {
		confidence = 0.9
	}
	return engine.VerificationResult{
		Passed:        passed,
		Confidence:    confidence,
		Detail:        fmt.Sprintf("position error %.2fmm (tolerance %.2fmm)", distance, tolerance),
		MeasuredValue: engine.Float(distance),
		Threshold:     engine.Float(tolerance),
	}
}

// targetPosition extracts the first three components of a pose parameter.
func targetPosition(params map[string]any) ([]float64, bool) {
	for _, key := range poseKeys {
		raw, ok := params[key]
		if !ok {
			continue
		}
		pose, ok := toFloats(raw)
		if ok && len(pose) >= 3 {
			return pose[:3], true
		}
	}
	return nil, false
}

// toFloats accepts the numeric slice shapes produced by Go callers and by JSON
// decoding.
func toFloats(v any) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		return s, true
	case []int:
		out := make([]float64, len(s))
		for i, n := range s {
			out[i] = float64(n)
		}
		return out, true
	case []any:
		out := make([]float64, len(s))
		for i, e := range s {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

// toFloat converts a single numeric value.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
