package primitives

import (
	"context"
	"time"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// MoveTo moves the end effector to target_pose.
func MoveTo(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	d, err := call.Wait(ctx, time.Second, 10*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:        true,
		ActualPosition: call.Params.Floats("target_pose"),
		Duration:       d,
	}, nil
}

// Pick grasps a part at grasp_pose until the grip force reaches force_threshold.
func Pick(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	threshold := call.Params.Float("force_threshold", 0.5)
	d, err := call.Wait(ctx, 1500*time.Millisecond, 15*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:        true,
		ActualForce:    threshold,
		ActualPosition: call.Params.Floats("grasp_pose"),
		ForceHistory:   ramp(threshold, 6),
		Duration:       d,
	}, nil
}

// Place sets a part down at target_pose and releases it.
func Place(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	d, err := call.Wait(ctx, 1500*time.Millisecond, 15*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:        true,
		ActualPosition: call.Params.Floats("target_pose"),
		Duration:       d,
	}, nil
}

// GuardedMove moves along direction until contact at force_threshold.
func GuardedMove(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	threshold := call.Params.Float("force_threshold", 5.0)
	d, err := call.Wait(ctx, time.Second, 10*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:      true,
		ActualForce:  threshold,
		ForceHistory: ramp(threshold, 8),
		Duration:     d,
	}, nil
}

// LinearInsert pushes a part along a straight path, limited by force_limit.
// The reported profile rises to 60% of the limit and drops as the part seats.
func LinearInsert(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	peak := call.Params.Float("force_limit", 10.0) * 0.6
	d, err := call.Wait(ctx, 2*time.Second, 15*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}

	// Rise, then settle once seated
	history := ramp(peak, 8)
	for i := 0; i < 4; i++ {
		history = append(history, peak*0.2)
	}
	return engine.PrimitiveResult{
		Success:        true,
		ActualForce:    peak,
		ActualPosition: call.Params.Floats("target_pose"),
		ForceHistory:   history,
		Duration:       d,
	}, nil
}

// Screw turns a fastener until torque reaches 80% of torque_limit.
func Screw(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	torque := call.Params.Float("torque_limit", 2.0) * 0.8
	d, err := call.Wait(ctx, 2*time.Second, 20*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:     true,
		ActualForce: torque,
		Duration:    d,
	}, nil
}

// PressFit presses along direction until force_target is reached.
func PressFit(ctx context.Context, call Call) (engine.PrimitiveResult, error) {
	target := call.Params.Float("force_target", 15.0)
	d, err := call.Wait(ctx, 1500*time.Millisecond, 15*time.Second)
	if err != nil {
		return engine.PrimitiveResult{Duration: d}, err
	}
	return engine.PrimitiveResult{
		Success:      true,
		ActualForce:  target,
		ForceHistory: ramp(target, 10),
		Duration:     d,
	}, nil
}

// ramp returns n samples rising linearly to peak.
func ramp(peak float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = peak * float64(i+1) / float64(n)
	}
	return out
}
