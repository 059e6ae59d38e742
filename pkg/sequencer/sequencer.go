package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/router"
	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// ErrCodeNotWaiting is the code of ErrNotWaiting.
const ErrCodeNotWaiting = "NOT_WAITING"

var (
	// ErrInvalidTransition is returned by Start when the sequencer is not idle.
	ErrInvalidTransition = &engine.EngineError{
		Class:   engine.ErrorClassStructural,
		Code:    engine.ErrCodeInvalidTransition,
		Message: "invalid phase transition",
	}

	// ErrNotWaiting is returned by CompleteHumanStep outside the teaching phase.
	ErrNotWaiting = &engine.EngineError{
		Class:   engine.ErrorClassStructural,
		Code:    ErrCodeNotWaiting,
		Message: "sequencer is not waiting for a human",
	}
)

// Dispatcher executes one step. *router.Router implements it.
type Dispatcher interface {
	DispatchE(ctx context.Context, step *assembly.AssemblyStep) (engine.StepResult, error)
}

// Verifier checks a successful dispatch against the step's success criteria.
// *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, step *assembly.AssemblyStep, data engine.ExecutionData) engine.VerificationResult
}

type humanReply struct {
	success bool
	applied chan struct{}
}

// Sequencer runs one assembly graph. Create a new one per run.
type Sequencer struct {
	graph       *assembly.AssemblyGraph
	router      Dispatcher
	verifier    Verifier
	analytics   engine.AnalyticsRecorder
	events      engine.EventPublisher
	listener    Listener
	stepTimeout time.Duration

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu       sync.RWMutex
	snap     Snapshot
	awaiting bool
	results  []engine.StepResult
	cancel   context.CancelFunc

	human chan humanReply
	done  chan struct{}
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithVerifier enables verification of successful dispatches.
func WithVerifier(v Verifier) Option {
	return func(s *Sequencer) {
		s.verifier = v
	}
}

// WithAnalytics sets the recorder receiving every attempt result.
func WithAnalytics(a engine.AnalyticsRecorder) Option {
	return func(s *Sequencer) {
		s.analytics = a
	}
}

// WithEventPublisher sets the publisher receiving timeline events.
func WithEventPublisher(p engine.EventPublisher) Option {
	return func(s *Sequencer) {
		s.events = p
	}
}

// WithListener registers the snapshot listener.
func WithListener(l Listener) Option {
	return func(s *Sequencer) {
		s.listener = l
	}
}

// WithStepTimeout bounds each dispatch. A timed out dispatch is a failed attempt.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		s.stepTimeout = d
	}
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(s *Sequencer) {
		s.snap.RunID = id
	}
}

// WithLogger sets the sequencer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for the run span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Sequencer) {
		s.tracer = t
	}
}

// New creates an idle sequencer for graph. A *router.Router without an
// assembly ID is scoped to graph.ID so policy steps load the right checkpoints.
func New(graph *assembly.AssemblyGraph, d Dispatcher, opts ...Option) *Sequencer {
	s := &Sequencer{
		graph:  graph,
		router: d,
		logger: zerolog.Nop(),
		snap: Snapshot{
			RunID:      uuid.NewString(),
			Phase:      engine.PhaseIdle,
			StepStates: make(map[string]StepState),
			UpdatedAt:  time.Now().UTC(),
		},
		human: make(chan humanReply),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Bind the router to this assembly so policy lookups resolve
	if graph != nil {
		s.snap.AssemblyID = graph.ID
		if r, ok := d.(*router.Router); ok && r.AssemblyID() == "" {
			s.router = r.ForAssembly(graph.ID)
		}
	}
	s.logger = s.logger.With().
		Str("component", "sequencer").
		Str("run_id", s.snap.RunID).
		Str("assembly_id", s.snap.AssemblyID).
		Logger()
	return s
}

// RunID returns the run identifier.
func (s *Sequencer) RunID() string {
	return s.snap.RunID
}

// Phase returns the current phase.
func (s *Sequencer) Phase() engine.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Phase
}

// Snapshot returns a consistent copy of the run state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Results returns every attempt result recorded so far, in order.
func (s *Sequencer) Results() []engine.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]engine.StepResult(nil), s.results...)
}

// Done is closed when the run reaches complete or error.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Start validates the graph and launches the run. It only succeeds from idle;
// the run stops when ctx is cancelled.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Phase != engine.PhaseIdle {
		return engine.NewStructuralError(fmt.Sprintf("cannot start a run in phase %s", s.snap.Phase), nil).
			WithCode(engine.ErrCodeInvalidTransition)
	}
	// Validate before leaving idle
	if s.graph == nil {
		return engine.NewStructuralError("no assembly graph", nil).WithCode(engine.ErrCodeValidation)
	}
	if s.router == nil {
		return engine.NewStructuralError("no dispatcher", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := s.graph.Validate(); err != nil {
		return err
	}

	// Initialize step states
	now := time.Now().UTC()
	for _, id := range s.graph.StepOrder {
		s.snap.StepStates[id] = StepState{Status: engine.StepStatusPending}
	}
	s.snap.Phase = engine.PhaseRunning
	s.snap.StartedAt = now
	s.snap.UpdatedAt = now

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.metrics.RecordRunStarted(s.snap.AssemblyID)
	go s.run(runCtx)
	return nil
}

// Stop cancels the run and waits for it to end in the error phase. It is a
// no-op before Start or after the run ended. Must not be called from a Listener.
func (s *Sequencer) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// CompleteHumanStep resolves the step blocked in the teaching phase. On
// success the run resumes at the next step; otherwise it ends in error.
// Outside the teaching phase it returns ErrNotWaiting. Concurrent calls are
// serialized and only the first is accepted.
func (s *Sequencer) CompleteHumanStep(ctx context.Context, success bool) error {
	s.mu.Lock()
	if s.snap.Phase != engine.PhaseTeaching || !s.awaiting {
		phase := s.snap.Phase
		s.mu.Unlock()
		return notWaiting(phase)
	}
	// Claim the reply slot
	s.awaiting = false
	s.mu.Unlock()

	reply := humanReply{success: success, applied: make(chan struct{})}
	select {
	case s.human <- reply:
	case <-s.done:
		return notWaiting(s.Phase())
	case <-ctx.Done():
		// Give the slot back
		s.mu.Lock()
		if s.snap.Phase == engine.PhaseTeaching {
			s.awaiting = true
		}
		s.mu.Unlock()
		return ctx.Err()
	}

	<-reply.applied
	return nil
}

func notWaiting(phase engine.Phase) error {
	return engine.NewStructuralError(fmt.Sprintf("cannot complete a human step in phase %s", phase), nil).
		WithCode(ErrCodeNotWaiting)
}

func (s *Sequencer) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	ctx, span := s.tracer.StartRunSpan(ctx, s.snap.RunID, s.snap.AssemblyID)
	defer span.End()

	// Record the outcome however the run ends
	defer func() {
		if r := recover(); r != nil {
			s.terminate(ctx, "", fmt.Sprintf("internal fault: %v", r))
			s.metrics.RecordError(string(engine.ErrorClassInternal))
		}

		snap := s.Snapshot()
		span.SetAttributes(telemetry.AttrPhase.String(string(snap.Phase)))
		if snap.Phase == engine.PhaseComplete {
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordFailure(span, snap.ErrorMessage)
		}
		s.metrics.RecordRunCompleted(string(snap.Phase), time.Since(snap.StartedAt))
	}()

	s.logger.Info().Int("steps", len(s.graph.StepOrder)).Msg("Run started")
	s.notify()
	s.emit(ctx, engine.EventRunStarted, "", "info", "Run started", map[string]interface{}{
		"steps": len(s.graph.StepOrder),
	})

	// Steps run strictly in order
	for _, id := range s.graph.StepOrder {
		if !s.runStep(ctx, s.graph.Steps[id]) {
			return
		}
	}
	s.finish(ctx)
}

// runStep drives one step to success, escalation or termination. It reports
// whether the run should continue.
func (s *Sequencer) runStep(ctx context.Context, step *assembly.AssemblyStep) bool {
	maxRetries := max(step.MaxRetries, 1)

	for {
		if ctx.Err() != nil {
			s.terminate(ctx, "", "run cancelled")
			return false
		}

		n := s.beginAttempt(ctx, step)
		result, err := s.attempt(ctx, step, n)
		s.record(ctx, step, result)

		if ctx.Err() != nil {
			s.terminate(ctx, step.ID, "run cancelled")
			return false
		}
		// Safety, structural and internal errors end the run
		if err != nil && !engine.IsRetryable(err) {
			s.metrics.RecordError(string(engine.ClassOf(err)))
			s.terminate(ctx, step.ID, err.Error())
			return false
		}
		if result.Success {
			s.succeed(ctx, step, result)
			return true
		}
		// Retry within budget, then hand over to the operator
		if n < maxRetries {
			s.retry(ctx, step, result, n, maxRetries)
			continue
		}

		s.escalate(ctx, step, result)
		return s.awaitHuman(ctx, step)
	}
}

// attempt dispatches and verifies once. Panics in collaborators become
// internal errors.
func (s *Sequencer) attempt(ctx context.Context, step *assembly.AssemblyStep, n int) (result engine.StepResult, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = engine.FailedResult(string(step.Handler), started, fmt.Sprintf("panic: %v", r))
			err = engine.NewInternalError(fmt.Sprintf("panic while executing step %s: %v", step.ID, r), nil).
				WithResource(step.ID)
		}
		result = result.WithAttempt(n)
	}()

	// Apply the per-attempt timeout
	stepCtx := ctx
	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}

	// Dispatch, then verify attempts the handler reported as successful
	result, err = s.router.DispatchE(stepCtx, step)
	if err == nil && result.Success && s.verifier != nil {
		v := s.verifier.Verify(stepCtx, step, result.ExecutionData())
		s.metrics.RecordVerification(string(step.SuccessCriteria.Type), v.Passed)
		result = result.WithVerification(v)
	}

	// A timeout is an ordinary failed attempt
	if !result.Success && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		result.ErrorMessage = fmt.Sprintf("step timed out after %s: %s", s.stepTimeout, result.ErrorMessage)
	}
	return result, err
}

func (s *Sequencer) beginAttempt(ctx context.Context, step *assembly.AssemblyStep) int {
	s.mu.Lock()
	st := s.snap.StepStates[step.ID]
	st.Attempts++
	st.Status = engine.StepStatusRunning
	s.snap.StepStates[step.ID] = st
	s.snap.CurrentStepID = step.ID
	s.snap.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Debug().Str("step_id", step.ID).Int("attempt", st.Attempts).Msg("Dispatching step")
	s.notify()
	s.emit(ctx, engine.EventStepStarted, step.ID, "info", fmt.Sprintf("Step %s started", step.ID), map[string]interface{}{
		"attempt": st.Attempts,
		"handler": string(step.Handler),
	})
	return st.Attempts
}

func (s *Sequencer) succeed(ctx context.Context, step *assembly.AssemblyStep, result engine.StepResult) {
	s.mu.Lock()
	st := s.snap.StepStates[step.ID]
	st.Status = engine.StepStatusSuccess
	st.Duration = result.Duration
	st.ErrorMessage = ""
	s.snap.StepStates[step.ID] = st
	s.snap.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info().
		Str("step_id", step.ID).
		Str("handler", result.HandlerUsed).
		Int("attempt", st.Attempts).
		Dur("duration", result.Duration).
		Msg("Step succeeded")
	s.notify()
	s.emit(ctx, engine.EventStepSucceeded, step.ID, "info", fmt.Sprintf("Step %s succeeded", step.ID), nil)
}

func (s *Sequencer) retry(ctx context.Context, step *assembly.AssemblyStep, result engine.StepResult, n, maxRetries int) {
	s.mu.Lock()
	st := s.snap.StepStates[step.ID]
	st.Duration = result.Duration
	st.ErrorMessage = result.ErrorMessage
	s.snap.StepStates[step.ID] = st
	s.snap.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.metrics.RecordRetry(result.HandlerUsed)
	s.logger.Warn().
		Str("step_id", step.ID).
		Int("attempt", n).
		Int("max_retries", maxRetries).
		Str("error", result.ErrorMessage).
		Msg("Step failed, retrying")
	s.notify()
	s.emit(ctx, engine.EventStepRetrying, step.ID, "warning", fmt.Sprintf("Step %s failed, retrying", step.ID), map[string]interface{}{
		"attempt": n,
		"error":   result.ErrorMessage,
	})
}

func (s *Sequencer) escalate(ctx context.Context, step *assembly.AssemblyStep, result engine.StepResult) {
	s.mu.Lock()
	st := s.snap.StepStates[step.ID]
	st.Status = engine.StepStatusHuman
	st.Duration = result.Duration
	st.ErrorMessage = result.ErrorMessage
	s.snap.StepStates[step.ID] = st
	s.setPhaseLocked(engine.PhaseTeaching)
	s.awaiting = true
	s.mu.Unlock()

	s.metrics.RecordEscalation(result.HandlerUsed)
	s.logger.Warn().
		Str("step_id", step.ID).
		Int("attempts", st.Attempts).
		Str("error", result.ErrorMessage).
		Msg("Retries exhausted, waiting for human")
	s.notify()
	s.emit(ctx, engine.EventStepEscalated, step.ID, "warning", fmt.Sprintf("Step %s needs a human operator", step.ID), map[string]interface{}{
		"attempts": st.Attempts,
		"error":    result.ErrorMessage,
	})
}

func (s *Sequencer) awaitHuman(ctx context.Context, step *assembly.AssemblyStep) bool {
	var reply humanReply
	select {
	case <-ctx.Done():
		s.terminate(ctx, step.ID, "run cancelled")
		return false
	case reply = <-s.human:
	}
	defer close(reply.applied)

	// The operator's verdict counts as an attempt
	s.metrics.RecordHumanCompletion(reply.success)
	now := time.Now().UTC()
	s.record(ctx, step, engine.StepResult{
		Success:     reply.success,
		HandlerUsed: engine.HandlerHuman,
		CompletedAt: now,
	})
	s.emit(ctx, engine.EventHumanCompleted, step.ID, "info", fmt.Sprintf("Operator completed step %s", step.ID), map[string]interface{}{
		"success": reply.success,
	})

	if !reply.success {
		s.terminate(ctx, step.ID, fmt.Sprintf("operator reported step %s failed", step.ID))
		return false
	}

	// Resume at the next step
	s.mu.Lock()
	st := s.snap.StepStates[step.ID]
	st.Status = engine.StepStatusSuccess
	st.ErrorMessage = ""
	s.snap.StepStates[step.ID] = st
	s.setPhaseLocked(engine.PhaseRunning)
	s.mu.Unlock()

	s.logger.Info().Str("step_id", step.ID).Msg("Operator completed step, resuming")
	s.notify()
	return true
}

func (s *Sequencer) finish(ctx context.Context) {
	s.mu.Lock()
	s.setPhaseLocked(engine.PhaseComplete)
	s.snap.CurrentStepID = ""
	started := s.snap.StartedAt
	s.mu.Unlock()

	s.logger.Info().Dur("duration", time.Since(started)).Msg("Run complete")
	s.notify()
	s.emit(ctx, engine.EventRunCompleted, "", "info", "Run complete", nil)
}

// terminate ends the run in the error phase. A non-empty stepID marks that
// step failed.
func (s *Sequencer) terminate(ctx context.Context, stepID, msg string) {
	s.mu.Lock()
	if stepID != "" {
		st := s.snap.StepStates[stepID]
		st.Status = engine.StepStatusFailure
		st.ErrorMessage = msg
		s.snap.StepStates[stepID] = st
	}
	s.snap.ErrorMessage = msg
	s.awaiting = false
	s.setPhaseLocked(engine.PhaseError)
	s.mu.Unlock()

	s.logger.Error().Str("step_id", stepID).Str("error", msg).Msg("Run failed")
	s.notify()
	s.emit(ctx, engine.EventRunFailed, stepID, "error", msg, nil)
}

func (s *Sequencer) setPhaseLocked(next engine.Phase) {
	if !s.snap.Phase.CanTransitionTo(next) {
		s.logger.Error().
			Str("from", string(s.snap.Phase)).
			Str("to", string(next)).
			Msg("Unexpected phase transition")
	}
	s.snap.Phase = next
	s.snap.UpdatedAt = time.Now().UTC()
}

func (s *Sequencer) record(ctx context.Context, step *assembly.AssemblyStep, result engine.StepResult) {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()

	if s.analytics == nil {
		return
	}
	if err := s.analytics.RecordStep(context.WithoutCancel(ctx), s.snap.AssemblyID, step.ID, result); err != nil {
		s.logger.Warn().Err(err).Str("step_id", step.ID).Msg("Failed to record step result")
	}
}

func (s *Sequencer) notify() {
	if s.listener == nil {
		return
	}
	s.listener(s.Snapshot())
}

func (s *Sequencer) emit(ctx context.Context, typ engine.EventType, stepID, level, msg string, details map[string]interface{}) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(context.WithoutCancel(ctx), &engine.Event{
		Type:       typ,
		RunID:      s.snap.RunID,
		AssemblyID: s.snap.AssemblyID,
		StepID:     stepID,
		Message:    msg,
		Details:    details,
		Level:      level,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}
