package sequencer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/assembly/assemblytest"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/learning"
	"github.com/FLASH-73/assembler/pkg/primitives"
	"github.com/FLASH-73/assembler/pkg/robot"
	"github.com/FLASH-73/assembler/pkg/router"
	"github.com/FLASH-73/assembler/pkg/telemetry"
	"github.com/FLASH-73/assembler/pkg/verify"
)

// dispatchFunc adapts a function to Dispatcher.
type dispatchFunc func(ctx context.Context, step *assembly.AssemblyStep) (engine.StepResult, error)

func (f dispatchFunc) DispatchE(ctx context.Context, step *assembly.AssemblyStep) (engine.StepResult, error) {
	return f(ctx, step)
}

type recordedStep struct {
	stepID string
	result engine.StepResult
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []recordedStep
}

func (r *memoryRecorder) RecordStep(_ context.Context, _, stepID string, result engine.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedStep{stepID, result})
	return nil
}

func (r *memoryRecorder) count(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.stepID == stepID {
			n++
		}
	}
	return n
}

func ok() engine.StepResult {
	return engine.StepResult{Success: true, HandlerUsed: engine.HandlerPrimitive, CompletedAt: time.Now()}
}

func newRouter(opts ...router.Option) *router.Router {
	opts = append([]router.Option{
		router.WithExecutor(primitives.NewLibrary(primitives.WithSpeedFactor(0))),
		router.WithPolicyRate(0),
	}, opts...)
	return router.New(opts...)
}

func waitForPhase(t *testing.T, s *Sequencer, phase engine.Phase) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if snap.Phase == phase {
			return snap
		}
		if snap.Phase.IsTerminal() {
			t.Fatalf("Run ended in %s (%s) while waiting for %s", snap.Phase, snap.ErrorMessage, phase)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for phase %s, at %s", phase, s.Phase())
	return Snapshot{}
}

func waitDone(t *testing.T, s *Sequencer) Snapshot {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for run to end, at %s", s.Phase())
	}
	return s.Snapshot()
}

func statuses(snap Snapshot) map[string]engine.StepStatus {
	out := make(map[string]engine.StepStatus, len(snap.StepStates))
	for id, st := range snap.StepStates {
		out[id] = st.Status
	}
	return out
}

func TestSequencer_CompletesChain(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []engine.Phase
	)
	s := New(assemblytest.Chain("chain", 3), newRouter(), WithListener(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != snap.Phase {
			phases = append(phases, snap.Phase)
		}
	}))

	if s.Phase() != engine.PhaseIdle {
		t.Fatalf("Expected idle, got %s", s.Phase())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitDone(t, s)
	if snap.Phase != engine.PhaseComplete {
		t.Fatalf("Expected complete, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	for id, st := range snap.StepStates {
		if st.Status != engine.StepStatusSuccess || st.Attempts != 1 {
			t.Errorf("Step %s: expected success in one attempt, got %+v", id, st)
		}
	}
	if snap.CurrentStepID != "" {
		t.Errorf("Expected no current step, got %s", snap.CurrentStepID)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]engine.Phase{engine.PhaseRunning, engine.PhaseComplete}, phases); diff != "" {
		t.Errorf("Unexpected phase sequence (-want +got):\n%s", diff)
	}
}

func TestSequencer_EscalatesAndResumes(t *testing.T) {
	recorder := &memoryRecorder{}
	s := New(assemblytest.BearingHousing(), newRouter(),
		WithVerifier(verify.New()),
		WithAnalytics(recorder),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitForPhase(t, s, engine.PhaseTeaching)
	want := map[string]engine.StepStatus{
		"step_001": engine.StepStatusSuccess,
		"step_002": engine.StepStatusSuccess,
		"step_003": engine.StepStatusSuccess,
		"step_004": engine.StepStatusHuman,
		"step_005": engine.StepStatusPending,
	}
	if diff := cmp.Diff(want, statuses(snap)); diff != "" {
		t.Fatalf("Unexpected statuses (-want +got):\n%s", diff)
	}

	blocked := snap.StepStates[assemblytest.PolicyStepID]
	if blocked.Attempts != assembly.DefaultMaxRetries {
		t.Errorf("Expected %d attempts, got %d", assembly.DefaultMaxRetries, blocked.Attempts)
	}
	if blocked.ErrorMessage != "no trained policy for step step_004" {
		t.Errorf("Unexpected error message: %s", blocked.ErrorMessage)
	}
	if snap.CurrentStepID != assemblytest.PolicyStepID {
		t.Errorf("Expected current step step_004, got %s", snap.CurrentStepID)
	}

	if err := s.CompleteHumanStep(context.Background(), true); err != nil {
		t.Fatalf("CompleteHumanStep failed: %v", err)
	}

	snap = waitDone(t, s)
	if snap.Phase != engine.PhaseComplete {
		t.Fatalf("Expected complete, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	for id, st := range snap.StepStates {
		if st.Status != engine.StepStatusSuccess {
			t.Errorf("Step %s: expected success, got %s", id, st.Status)
		}
	}

	// Three failed attempts plus the operator's result.
	if got := recorder.count(assemblytest.PolicyStepID); got != assembly.DefaultMaxRetries+1 {
		t.Errorf("Expected %d recorded results for step_004, got %d", assembly.DefaultMaxRetries+1, got)
	}
	if got := recorder.count("step_005"); got != 1 {
		t.Errorf("Expected 1 recorded result for step_005, got %d", got)
	}

	results := s.Results()
	if results[len(results)-2].HandlerUsed != engine.HandlerHuman {
		t.Errorf("Expected operator result before step_005, got %s", results[len(results)-2].HandlerUsed)
	}
}

func TestSequencer_TrainedPolicyCompletes(t *testing.T) {
	dir := t.TempDir()
	rb := robot.NewMock()
	policy := learning.Identity(rb.Joints(), 5)
	if err := learning.WriteCheckpoint(dir, assemblytest.BearingHousingID, assemblytest.PolicyStepID, policy); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}

	r := newRouter(router.WithPolicyLoader(learning.NewFileLoader(dir)), router.WithRobot(rb))
	s := New(assemblytest.BearingHousing(), r, WithVerifier(verify.New()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitDone(t, s)
	if snap.Phase != engine.PhaseComplete {
		t.Fatalf("Expected complete, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	for id, st := range snap.StepStates {
		if st.Status != engine.StepStatusSuccess || st.Attempts != 1 {
			t.Errorf("Step %s: expected success in one attempt, got %+v", id, st)
		}
	}
	if rb.Actions() != 5 {
		t.Errorf("Expected the policy chunk to be replayed, got %d actions", rb.Actions())
	}
}

func TestSequencer_OperatorReportsFailure(t *testing.T) {
	s := New(assemblytest.BearingHousing(), newRouter())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForPhase(t, s, engine.PhaseTeaching)

	if err := s.CompleteHumanStep(context.Background(), false); err != nil {
		t.Fatalf("CompleteHumanStep failed: %v", err)
	}

	snap := waitDone(t, s)
	if snap.Phase != engine.PhaseError {
		t.Fatalf("Expected error, got %s", snap.Phase)
	}
	if snap.ErrorMessage != "operator reported step step_004 failed" {
		t.Errorf("Unexpected error message: %s", snap.ErrorMessage)
	}
	if st := snap.StepStates["step_004"]; st.Status != engine.StepStatusFailure {
		t.Errorf("Expected step_004 failure, got %s", st.Status)
	}
	if st := snap.StepStates["step_005"]; st.Status != engine.StepStatusPending {
		t.Errorf("Expected step_005 pending, got %s", st.Status)
	}
}

func TestSequencer_CompleteHumanStepOutsideTeaching(t *testing.T) {
	s := New(assemblytest.Chain("chain", 1), newRouter())

	err := s.CompleteHumanStep(context.Background(), true)
	if !errors.Is(err, ErrNotWaiting) {
		t.Errorf("Expected ErrNotWaiting before start, got: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	before := waitDone(t, s)

	if err := s.CompleteHumanStep(context.Background(), true); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("Expected ErrNotWaiting after completion, got: %v", err)
	}
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("Rejected call mutated the snapshot (-before +after):\n%s", diff)
	}
}

func TestSequencer_ConcurrentHumanCompletion(t *testing.T) {
	s := New(assemblytest.BearingHousing(), newRouter())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForPhase(t, s, engine.PhaseTeaching)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.CompleteHumanStep(context.Background(), true)
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, ErrNotWaiting):
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("Expected exactly one accepted call, got %d", accepted)
	}

	if snap := waitDone(t, s); snap.Phase != engine.PhaseComplete {
		t.Errorf("Expected complete, got %s", snap.Phase)
	}
}

func TestSequencer_StartTwice(t *testing.T) {
	s := New(assemblytest.Chain("chain", 1), newRouter())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err := s.Start(context.Background())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got: %v", err)
	}
	waitDone(t, s)
}

func TestSequencer_StartInvalidGraph(t *testing.T) {
	g := assemblytest.Chain("broken", 2)
	g.StepOrder = []string{"step_002", "step_001"}

	s := New(g, newRouter())
	err := s.Start(context.Background())
	if !engine.IsStructural(err) {
		t.Fatalf("Expected structural error, got: %v", err)
	}
	if s.Phase() != engine.PhaseIdle {
		t.Errorf("Expected to stay idle, got %s", s.Phase())
	}

	if err := New(nil, newRouter()).Start(context.Background()); !engine.IsStructural(err) {
		t.Errorf("Expected structural error for nil graph, got: %v", err)
	}
}

func TestSequencer_StopMidDispatch(t *testing.T) {
	entered := make(chan struct{})
	blocking := dispatchFunc(func(ctx context.Context, step *assembly.AssemblyStep) (engine.StepResult, error) {
		if step.ID == "step_002" {
			close(entered)
			<-ctx.Done()
			return engine.FailedResult(engine.HandlerPrimitive, time.Now(), ctx.Err().Error()), nil
		}
		return ok(), nil
	})

	s := New(assemblytest.Chain("chain", 3), blocking)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-entered
	s.Stop()

	snap := s.Snapshot()
	if snap.Phase != engine.PhaseError || snap.ErrorMessage != "run cancelled" {
		t.Fatalf("Expected cancelled error phase, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	want := map[string]engine.StepStatus{
		"step_001": engine.StepStatusSuccess,
		"step_002": engine.StepStatusFailure,
		"step_003": engine.StepStatusPending,
	}
	if diff := cmp.Diff(want, statuses(snap)); diff != "" {
		t.Errorf("Unexpected statuses (-want +got):\n%s", diff)
	}

	// Stop after the end is a no-op.
	s.Stop()
}

func TestSequencer_CancelWhileTeaching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(assemblytest.BearingHousing(), newRouter())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForPhase(t, s, engine.PhaseTeaching)
	cancel()

	snap := waitDone(t, s)
	if snap.Phase != engine.PhaseError || snap.ErrorMessage != "run cancelled" {
		t.Fatalf("Expected cancelled error phase, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	if st := snap.StepStates[assemblytest.PolicyStepID]; st.Status != engine.StepStatusFailure {
		t.Errorf("Expected blocked step failure, got %s", st.Status)
	}
	if err := s.CompleteHumanStep(context.Background(), true); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("Expected ErrNotWaiting, got: %v", err)
	}
}

func TestSequencer_FatalErrors(t *testing.T) {
	tests := []struct {
		name     string
		dispatch dispatchFunc
		contains string
	}{
		{
			name: "safety fault",
			dispatch: func(context.Context, *assembly.AssemblyStep) (engine.StepResult, error) {
				return engine.FailedResult(engine.HandlerPrimitive, time.Now(), "e-stop"), engine.NewSafetyError("e-stop pressed", nil)
			},
			contains: "e-stop pressed",
		},
		{
			name: "unknown primitive",
			dispatch: func(context.Context, *assembly.AssemblyStep) (engine.StepResult, error) {
				return engine.FailedResult(engine.HandlerPrimitive, time.Now(), "weld"),
					engine.NewStructuralError("Unknown primitive: weld", nil).WithCode(engine.ErrCodeUnknownPrimitive)
			},
			contains: "Unknown primitive: weld",
		},
		{
			name: "panic",
			dispatch: func(context.Context, *assembly.AssemblyStep) (engine.StepResult, error) {
				panic("driver crashed")
			},
			contains: "driver crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(assemblytest.Chain("chain", 2), tt.dispatch)
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			snap := waitDone(t, s)
			if snap.Phase != engine.PhaseError {
				t.Fatalf("Expected error phase, got %s", snap.Phase)
			}
			if !strings.Contains(snap.ErrorMessage, tt.contains) {
				t.Errorf("Expected error containing %q, got %q", tt.contains, snap.ErrorMessage)
			}
			st := snap.StepStates["step_001"]
			if st.Status != engine.StepStatusFailure || st.Attempts != 1 {
				t.Errorf("Expected one failed attempt without retry, got %+v", st)
			}
		})
	}
}

func TestSequencer_PlainErrorsAreRetried(t *testing.T) {
	var calls int
	flaky := dispatchFunc(func(context.Context, *assembly.AssemblyStep) (engine.StepResult, error) {
		calls++
		if calls == 1 {
			return engine.FailedResult(engine.HandlerPrimitive, time.Now(), "bus timeout"), errors.New("bus timeout")
		}
		return ok(), nil
	})

	s := New(assemblytest.Chain("chain", 1), flaky)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitDone(t, s)
	if snap.Phase != engine.PhaseComplete {
		t.Fatalf("Expected complete, got %s (%s)", snap.Phase, snap.ErrorMessage)
	}
	if st := snap.StepStates["step_001"]; st.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", st.Attempts)
	}
}

func TestSequencer_StepTimeout(t *testing.T) {
	hang := dispatchFunc(func(ctx context.Context, _ *assembly.AssemblyStep) (engine.StepResult, error) {
		<-ctx.Done()
		return engine.FailedResult(engine.HandlerPrimitive, time.Now(), "interrupted"), nil
	})

	g := assemblytest.Chain("chain", 1)
	g.Steps["step_001"].MaxRetries = 2
	s := New(g, hang, WithStepTimeout(5*time.Millisecond))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitForPhase(t, s, engine.PhaseTeaching)
	st := snap.StepStates["step_001"]
	if st.Attempts != 2 {
		t.Errorf("Expected timeouts to count as attempts, got %d", st.Attempts)
	}
	if !strings.Contains(st.ErrorMessage, "timed out") {
		t.Errorf("Expected timeout message, got %q", st.ErrorMessage)
	}
	s.Stop()
}

type failingVerifier struct{}

func (failingVerifier) Verify(context.Context, *assembly.AssemblyStep, engine.ExecutionData) engine.VerificationResult {
	return engine.VerificationResult{Passed: false, Confidence: 0.85, Detail: "position error 4.00mm"}
}

func TestSequencer_VerificationFailureRetries(t *testing.T) {
	s := New(assemblytest.Chain("chain", 1), newRouter(), WithVerifier(failingVerifier{}))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := waitForPhase(t, s, engine.PhaseTeaching)
	st := snap.StepStates["step_001"]
	if st.Attempts != assembly.DefaultMaxRetries {
		t.Errorf("Expected %d attempts, got %d", assembly.DefaultMaxRetries, st.Attempts)
	}
	if st.ErrorMessage != "verification failed: position error 4.00mm" {
		t.Errorf("Unexpected message: %s", st.ErrorMessage)
	}

	results := s.Results()
	if len(results) != assembly.DefaultMaxRetries || results[0].Verification == nil {
		t.Fatalf("Expected verified attempt results, got %+v", results)
	}
	for i, r := range results {
		if r.Attempt != i+1 {
			t.Errorf("Result %d: expected attempt %d, got %d", i, i+1, r.Attempt)
		}
	}
	s.Stop()
}

func TestSequencer_SnapshotIsACopy(t *testing.T) {
	s := New(assemblytest.Chain("chain", 1), newRouter())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitDone(t, s)

	snap.StepStates["step_001"] = StepState{Status: engine.StepStatusFailure}
	if s.Snapshot().StepStates["step_001"].Status != engine.StepStatusSuccess {
		t.Error("Mutating a snapshot must not affect the sequencer")
	}
}

func TestSequencer_Events(t *testing.T) {
	publisher := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	var (
		mu    sync.Mutex
		types []engine.EventType
	)
	publisher.Subscribe(func(_ context.Context, e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
	}, nil)

	s := New(assemblytest.Chain("chain", 1), newRouter(), WithEventPublisher(publisher), WithRunID("run-1"))
	if s.RunID() != "run-1" {
		t.Fatalf("Expected run-1, got %s", s.RunID())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := []engine.EventType{
		engine.EventRunStarted,
		engine.EventStepStarted,
		engine.EventStepSucceeded,
		engine.EventRunCompleted,
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}
}
