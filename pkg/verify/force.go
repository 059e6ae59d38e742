package verify

import (
	"fmt"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// Minimum series lengths for the signature detectors.
const (
	minSnapFitSamples  = 10
	minMeshingSamples  = 10
	minPressFitSamples = 5
)

const (
	snapWindow        = 5
	snapDropRatio     = 0.5
	snapMinPeak       = 0.1
	meshPeakRatio     = 0.1
	meshMinPeaks      = 3
	pressMinDelta     = -0.1
	pressMonotonicity = 0.7
)

// CheckForceThreshold passes when the peak force reached the declared threshold.
// The check is skipped only when no force telemetry was collected; a sensed
// peak of zero is a measurement and fails any positive threshold.
func CheckForceThreshold(step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	if step.SuccessCriteria.Threshold == nil {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceUnknown,
			Detail:     "no force threshold declared, skipping force check",
		}
	}
	threshold := *step.SuccessCriteria.Threshold

	// Not collected, e.g. a replayed policy without a force sensor
	if !data.HasForce() {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     "no force telemetry collected, skipping force check",
			Threshold:  engine.Float(threshold),
		}
	}

	peak := max(data.PeakForce, data.FinalForce)
	for _, f := range data.ForceHistory {
		peak = max(peak, f)
	}

	passed := peak >= threshold
	confidence := 0.90
	if passed {
		confidence = 0.95
	}
	return engine.VerificationResult{
		Passed:        passed,
		Confidence:    confidence,
		Detail:        fmt.Sprintf("peak force %.2fN (threshold %.2fN)", peak, threshold),
		MeasuredValue: engine.Float(peak),
		Threshold:     engine.Float(threshold),
	}
}

// CheckForceSignature matches the force history against the declared pattern.
// A history that was collected but is too short for the pattern fails.
func CheckForceSignature(step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult {
	if !data.HasForce() {
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     "no force telemetry collected, skipping signature check",
		}
	}
	series := data.ForceHistory

	// Dispatch to the pattern detector
	switch step.SuccessCriteria.Pattern {
	case assembly.PatternSnapFit:
		return detectSnapFit(series)
	case assembly.PatternMeshing:
		return detectMeshing(series)
	case assembly.PatternPressFit:
		return detectPressFit(series, step.SuccessCriteria.Threshold)
	default:
		return engine.VerificationResult{
			Passed:     true,
			Confidence: confidenceMissing,
			Detail:     fmt.Sprintf("unknown force pattern %q, skipping signature check", step.SuccessCriteria.Pattern),
		}
	}
}

func tooShort(pattern string, n, min int) engine.VerificationResult {
	return engine.VerificationResult{
		Passed:     false,
		Confidence: confidenceMissing,
		Detail:     fmt.Sprintf("%s needs at least %d force samples, got %d", pattern, min, n),
	}
}

// detectSnapFit looks for a force peak followed by a sharp drop.
func detectSnapFit(series []float64) engine.VerificationResult {
	if len(series) < minSnapFitSamples {
		return tooShort("snap_fit", len(series), minSnapFitSamples)
	}

	// Find the peak
	peakIdx := 0
	for i, f := range series {
		if f > series[peakIdx] {
			peakIdx = i
		}
	}
	peak := series[peakIdx]
	if peak <= snapMinPeak {
		return engine.VerificationResult{
			Passed:        false,
			Confidence:    0.8,
			Detail:        fmt.Sprintf("no snap peak: max force %.3fN", peak),
			MeasuredValue: engine.Float(peak),
			Threshold:     engine.Float(snapMinPeak),
		}
	}

	// Largest relative drop within the window after the peak
	end := min(peakIdx+1+snapWindow, len(series))
	lowest := peak
	for _, f := range series[peakIdx+1 : end] {
		lowest = min(lowest, f)
	}
	drop := (peak - lowest) / peak

	if drop > snapDropRatio {
		return engine.VerificationResult{
			Passed:        true,
			Confidence:    0.85,
			Detail:        fmt.Sprintf("snap detected: %.0f%% drop after %.2fN peak", drop*100, peak),
			MeasuredValue: engine.Float(drop),
			Threshold:     engine.Float(snapDropRatio),
		}
	}
	return engine.VerificationResult{
		Passed:        false,
		Confidence:    0.75,
		Detail:        fmt.Sprintf("no snap: only %.0f%% drop after %.2fN peak", drop*100, peak),
		MeasuredValue: engine.Float(drop),
		Threshold:     engine.Float(snapDropRatio),
	}
}

// detectMeshing counts significant local maxima, one per engaged tooth.
func detectMeshing(series []float64) engine.VerificationResult {
	if len(series) < minMeshingSamples {
		return tooShort("meshing", len(series), minMeshingSamples)
	}

	top := series[0]
	for _, f := range series {
		top = max(top, f)
	}
	floor := meshPeakRatio * top

	// Count local maxima above the noise floor
	peaks := 0
	for i := 1; i < len(series)-1; i++ {
		if series[i] > series[i-1] && series[i] > series[i+1] && series[i] > floor {
			peaks++
		}
	}

	passed := peaks >= meshMinPeaks
	confidence := 0.7
	if passed {
		confidence = 0.8
	}
	return engine.VerificationResult{
		Passed:        passed,
		Confidence:    confidence,
		Detail:        fmt.Sprintf("%d meshing peaks (need %d)", peaks, meshMinPeaks),
		MeasuredValue: engine.Float(float64(peaks)),
		Threshold:     engine.Float(meshMinPeaks),
	}
}

// detectPressFit requires a near-monotonic rise and, with a target, a final
// force at or above it.
func detectPressFit(series []float64, target *float64) engine.VerificationResult {
	if len(series) < minPressFitSamples {
		return tooShort("press_fit", len(series), minPressFitSamples)
	}

	// Fraction of steps that do not fall by more than pressMinDelta
	rising := 0
	for i := 1; i < len(series); i++ {
		if series[i]-series[i-1] >= pressMinDelta {
			rising++
		}
	}
	ratio := float64(rising) / float64(len(series)-1)
	final := series[len(series)-1]

	if ratio < pressMonotonicity {
		return engine.VerificationResult{
			Passed:        false,
			Confidence:    0.75,
			Detail:        fmt.Sprintf("force not rising: %.0f%% monotonic samples", ratio*100),
			MeasuredValue: engine.Float(ratio),
			Threshold:     engine.Float(pressMonotonicity),
		}
	}
	if target != nil && final < *target {
		return engine.VerificationResult{
			Passed:        false,
			Confidence:    0.8,
			Detail:        fmt.Sprintf("final force %.2fN below target %.2fN", final, *target),
			MeasuredValue: engine.Float(final),
			Threshold:     engine.Float(*target),
		}
	}
	result := engine.VerificationResult{
		Passed:        true,
		Confidence:    0.85,
		Detail:        fmt.Sprintf("press fit seated: final force %.2fN, %.0f%% monotonic", final, ratio*100),
		MeasuredValue: engine.Float(final),
	}
	if target != nil {
		result.Threshold = engine.Float(*target)
	}
	return result
}
