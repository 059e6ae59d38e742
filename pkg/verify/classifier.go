package verify

import (
	"context"
	"fmt"
	"image"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// InputSize is the square edge, in pixels, that frames are resized to.
const InputSize = 224

// classifierPassProbability is the positive-class probability needed to pass.
const classifierPassProbability = 0.5

// Model is a loaded binary image classifier.
type Model interface {
	// Predict returns the positive-class probability for an InputSize x
	// InputSize RGB image laid out row-major with values in [0,1].
	Predict(ctx context.Context, input []float32) (float64, error)
}

// ModelLoader resolves the model path declared in success criteria.
type ModelLoader interface {
	Load(ctx context.Context, path string) (Model, error)
}

// CheckClassifier runs the criteria's model on the captured frame. A missing
// loader, model, or frame yields a low-confidence pass.
func CheckClassifier(ctx context.Context, loader ModelLoader, step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	path := step.SuccessCriteria.Model
	switch {
	case path == "":
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceUnknown,
			Detail:     "no classifier model declared, skipping classifier check",
		}
	case loader == nil:
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     "classifier runtime not configured, skipping classifier check",
		}
	case data.Frame == nil:
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     "no camera frame captured, skipping classifier check",
		}
	}

	model, err := loader.Load(ctx, path)
	if err != nil {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     fmt.Sprintf("classifier model %s unavailable: %v", path, err),
		}
	}

	p, err := model.Predict(ctx, Preprocess(data.Frame))
	if err != nil {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     fmt.Sprintf("classifier inference failed: %v", err),
		}
	}
	p = min(max(p, 0), 1)

	passed := p >= classifierPassProbability
	confidence := p
	if !passed {
		confidence = 1 - p
	}
	return engine.VerificationResult{
		Passed:        passed,
		Confidence:    confidence,
		Detail:        fmt.Sprintf("classifier p(success)=%.3f", p),
		MeasuredValue: engine.Float(p),
		Threshold:     engine.Float(classifierPassProbability),
	}
}

// Preprocess resizes img to InputSize x InputSize with nearest-neighbour
// sampling and returns interleaved RGB values scaled to [0,1].
func Preprocess(img image.Image) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float32, InputSize*InputSize*3)
	if w == 0 || h == 0 {
		return out
	}

	i := 0
	for y := 0; y < InputSize; y++ {
		sy := bounds.Min.Y + y*h/InputSize
		for x := 0; x < InputSize; x++ {
			sx := bounds.Min.X + x*w/InputSize
			r, g, b, _ := img.At(sx, sy).RGBA()
			out[i] = float32(r>>8) / 255
			out[i+1] = float32(g>>8) / 255
			out[i+2] = float32(b>>8) / 255
			i += 3
		}
	}
	return out
}
