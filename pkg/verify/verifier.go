package verify

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// Confidence reported when a verdict rests on missing information.
const (
	confidenceUnknown = 0.5
	confidenceMissing = 0.3
)

// Camera captures a frame for classifier checks when the execution telemetry
// does not carry one.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Verifier checks execution telemetry against a step's success criteria.
// It is safe for concurrent use.
type Verifier struct {
	logger zerolog.Logger
	models ModelLoader
	camera Camera
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger.With().Str("component", "verifier").Logger()
	}
}

// WithModelLoader sets the loader used for classifier criteria.
func WithModelLoader(loader ModelLoader) Option {
	return func(v *Verifier) {
		v.models = loader
	}
}

// WithCamera sets the frame source used when telemetry has no frame.
func WithCamera(camera Camera) Option {
	return func(v *Verifier) {
		v.camera = camera
	}
}

// New creates a verifier. Without a model loader classifier criteria pass
// with low confidence.
func New(opts ...Option) *Verifier {
	v := &Verifier{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the checker selected by the step's criteria type.
func (v *Verifier) Verify(ctx context.Context, step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	var result engine.VerificationResult

	switch step.SuccessCriteria.Type {
	case assembly.CriteriaPosition:
		result = CheckPosition(step, data)
	case assembly.CriteriaForceThreshold:
		result = CheckForceThreshold(step, data)
	case assembly.CriteriaForceSignature:
		result = CheckForceSignature(step, data)
	case assembly.CriteriaClassifier:
		result = v.checkClassifier(ctx, step, data)
	default:
		result = engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceUnknown,
			Detail:     fmt.Sprintf("unknown criteria type %q, skipping verification", step.SuccessCriteria.Type),
		}
	}

	v.logger.Debug().
		Str("step", step.ID).
		Str("criteria", string(step.SuccessCriteria.Type)).
		Bool("passed", result.Passed).
		Float64("confidence", result.Confidence).
		Msg(result.Detail)

	return result
}

func (v *Verifier) checkClassifier(ctx context.Context, step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	if data.Frame == nil && v.camera != nil {
		frame, err := v.camera.Capture(ctx)
		if err != nil {
			v.logger.Warn().Err(err).Str("step", step.ID).Msg("Failed to capture verification frame")
		} else {
			data.Frame = frame
		}
	}
	return CheckClassifier(ctx, v.models, step, data)
}
