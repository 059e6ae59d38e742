package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/primitives"
	"github.com/FLASH-73/assembler/pkg/robot"
	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// DefaultPolicyRate is the replay rate of policy actions in Hz.
const DefaultPolicyRate = 50.0

// Router dispatches steps to primitives or trained policies. It is safe for
// concurrent use when its collaborators are.
type Router struct {
	executor   engine.PrimitiveExecutor
	loader     engine.PolicyLoader
	robot      engine.Robot
	assemblyID string
	policyRate float64

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithExecutor sets the primitive executor. Defaults to primitives.NewLibrary().
func WithExecutor(executor engine.PrimitiveExecutor) Option {
	return func(r *Router) {
		r.executor = executor
	}
}

// WithPolicyLoader sets the checkpoint loader. Without one every policy step
// fails as untrained.
func WithPolicyLoader(loader engine.PolicyLoader) Option {
	return func(r *Router) {
		r.loader = loader
	}
}

// WithRobot sets the robot handle passed to primitives and driven by policies.
func WithRobot(rb engine.Robot) Option {
	return func(r *Router) {
		r.robot = rb
	}
}

// WithAssemblyID sets the assembly whose checkpoints policy steps load.
func WithAssemblyID(id string) Option {
	return func(r *Router) {
		r.assemblyID = id
	}
}

// WithPolicyRate sets the policy replay rate in Hz. Zero or less disables pacing.
func WithPolicyRate(hz float64) Option {
	return func(r *Router) {
		r.policyRate = hz
	}
}

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger.With().Str("component", "router").Logger()
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{
		policyRate: DefaultPolicyRate,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		r.executor = primitives.NewLibrary(primitives.WithLogger(r.logger))
	}
	return r
}

// ForAssembly returns a copy of r that loads checkpoints for assemblyID.
func (r *Router) ForAssembly(assemblyID string) *Router {
	c := *r
	c.assemblyID = assemblyID
	return &c
}

// AssemblyID returns the assembly whose checkpoints are loaded.
func (r *Router) AssemblyID() string {
	return r.assemblyID
}

// Dispatch executes step and returns its result. Every failure, including
// the ones DispatchE reports as errors, is rendered as a failed result.
func (r *Router) Dispatch(ctx context.Context, step *assembly.AssemblyStep) engine.StepResult {
	result, _ := r.DispatchE(ctx, step)
	return result
}

// DispatchE executes step. The returned result is always populated; the
// error is non-nil only for an unregistered primitive (matching
// engine.ErrUnknownPrimitive) or a safety fault.
func (r *Router) DispatchE(ctx context.Context, step *assembly.AssemblyStep) (engine.StepResult, error) {
	started := time.Now()
	handler := string(step.Handler)

	ctx, span := r.tracer.StartDispatchSpan(ctx, step.ID, handler)
	defer span.End()

	var (
		result engine.StepResult
		err    error
	)
	switch step.Handler {
	case assembly.HandlerPrimitive:
		span.SetAttributes(telemetry.AttrPrimitive.String(step.PrimitiveType))
		result, err = r.runPrimitive(ctx, step, started)
	case assembly.HandlerPolicy:
		result, err = r.runPolicy(ctx, step, started)
	default:
		r.logger.Error().Str("step_id", step.ID).Str("handler", handler).Msg("Unknown handler")
		result = engine.FailedResult(handler, started, fmt.Sprintf("Unknown handler: %s", handler))
	}

	// Record metrics and span status
	r.metrics.RecordDispatch(result.HandlerUsed, result.Success, result.Duration)
	switch {
	case err != nil:
		r.metrics.RecordError(string(engine.ClassOf(err)))
		telemetry.RecordError(span, err)
	case !result.Success:
		telemetry.RecordFailure(span, result.ErrorMessage)
	default:
		telemetry.RecordSuccess(span)
	}

	if !result.Success {
		r.logger.Warn().
			Str("step_id", step.ID).
			Str("handler", result.HandlerUsed).
			Str("error", result.ErrorMessage).
			Dur("duration", result.Duration).
			Msg("Step dispatch failed")
	}
	return result, err
}

func (r *Router) runPrimitive(ctx context.Context, step *assembly.AssemblyStep, started time.Time) (engine.StepResult, error) {
	if step.PrimitiveType == "" {
		return engine.FailedResult(engine.HandlerPrimitive, started,
			fmt.Sprintf("Step %s has no primitive_type set", step.ID)), nil
	}

	// Only unknown primitives and safety faults propagate as errors
	pr, err := r.executor.Execute(ctx, step.PrimitiveType, r.robot, step.PrimitiveParams)
	if err != nil {
		failed := engine.FailedResult(engine.HandlerPrimitive, started, err.Error())
		if errors.Is(err, engine.ErrUnknownPrimitive) || engine.IsSafety(err) {
			return failed, err
		}
		return failed, nil
	}

	now := time.Now()
	duration := pr.Duration
	if duration <= 0 {
		duration = now.Sub(started)
	}

	// Peak over the final reading and the whole history
	peak := pr.ActualForce
	for _, f := range pr.ForceHistory {
		peak = max(peak, f)
	}

	return engine.StepResult{
		Success:       pr.Success,
		Duration:      duration,
		HandlerUsed:   engine.HandlerPrimitive,
		ErrorMessage:  pr.ErrorMessage,
		FinalPosition: append([]float64(nil), pr.ActualPosition...),
		PeakForce:     peak,
		ForceHistory:  append([]float64(nil), pr.ForceHistory...),
		ForceSensed:   true,
		CompletedAt:   now,
	}, nil
}

func (r *Router) runPolicy(ctx context.Context, step *assembly.AssemblyStep, started time.Time) (engine.StepResult, error) {
	fail := func(format string, args ...any) engine.StepResult {
		return engine.FailedResult(engine.HandlerPolicy, started, fmt.Sprintf(format, args...))
	}

	if r.loader == nil {
		r.metrics.RecordPolicyLoad("miss")
		return fail("no trained policy for step %s", step.ID), nil
	}

	// Look up the checkpoint
	policy, err := r.loader.Load(ctx, r.assemblyID, step.ID)
	if err != nil {
		r.metrics.RecordPolicyLoad("error")
		return fail("failed to load policy for step %s: %v", step.ID, err), nil
	}
	if policy == nil {
		r.metrics.RecordPolicyLoad("miss")
		return fail("no trained policy for step %s", step.ID), nil
	}
	r.metrics.RecordPolicyLoad("hit")

	rb := r.robot
	if rb == nil {
		rb = robot.NewMock()
	}

	// Replay one chunk; policies carry no force sensing
	sent, err := r.replay(ctx, policy, rb)
	if err != nil {
		failed := fail("policy replay failed after %d actions: %v", sent, err)
		if engine.IsSafety(err) {
			return failed, err
		}
		return failed, nil
	}

	r.logger.Debug().
		Str("step_id", step.ID).
		Int("actions", sent).
		Msg("Policy chunk replayed")

	now := time.Now()
	return engine.StepResult{
		Success:     true,
		Duration:    now.Sub(started),
		HandlerUsed: engine.HandlerPolicy,
		CompletedAt: now,
	}, nil
}

// replay predicts one action chunk and sends it to rb, paced by the policy rate.
func (r *Router) replay(ctx context.Context, policy engine.Policy, rb engine.Robot) (int, error) {
	obs, err := rb.GetObservation(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read observation: %w", err)
	}

	actions, err := policy.Predict(ctx, obs)
	if err != nil {
		return 0, fmt.Errorf("prediction failed: %w", err)
	}

	// Joint order comes from the policy, or sorted observation keys
	keys := policy.JointKeys()
	if keys == nil {
		keys = make([]string, 0, len(obs))
		for k := range obs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	// Pace actions at the policy rate; zero means unpaced
	limit := rate.Inf
	if r.policyRate > 0 {
		limit = rate.Limit(r.policyRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	for i, action := range actions {
		if len(action) != len(keys) {
			return i, fmt.Errorf("action %d has %d values, expected %d", i, len(action), len(keys))
		}
		if err := limiter.Wait(ctx); err != nil {
			return i, err
		}
		cmd := make(map[string]float64, len(keys))
		for j, k := range keys {
			cmd[k] = action[j]
		}
		if err := rb.SendAction(ctx, cmd); err != nil {
			return i, err
		}
	}
	return len(actions), nil
}
