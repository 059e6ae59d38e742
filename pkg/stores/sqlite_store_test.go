package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/FLASH-73/assembler/pkg/assembly/assemblytest"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/primitives"
	"github.com/FLASH-73/assembler/pkg/router"
	"github.com/FLASH-73/assembler/pkg/sequencer"
	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// setupTestStore creates a migrated in-memory store.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "step_results", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestSaveSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Second)

	snap := sequencer.Snapshot{
		RunID:         "run-001",
		AssemblyID:    "bearing_housing_v1",
		Phase:         engine.PhaseRunning,
		CurrentStepID: "step_002",
		StepStates: map[string]sequencer.StepState{
			"step_001": {Status: engine.StepStatusSuccess, Attempts: 1, Duration: 40 * time.Millisecond},
			"step_002": {Status: engine.StepStatusRunning, Attempts: 1},
		},
		StartedAt: started,
		UpdatedAt: time.Now(),
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Phase != engine.PhaseRunning {
		t.Errorf("expected phase running, got %s", run.Phase)
	}
	if run.CurrentStep != "step_002" {
		t.Errorf("expected current step step_002, got %q", run.CurrentStep)
	}
	if run.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset while running")
	}
	if run.StartedAt == nil || !run.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt %v, got %v", started, run.StartedAt)
	}

	// Terminal update.
	snap.Phase = engine.PhaseError
	snap.CurrentStepID = "step_002"
	snap.ErrorMessage = "run cancelled"
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("failed to update snapshot: %v", err)
	}

	run, err = store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Phase != engine.PhaseError {
		t.Errorf("expected phase error, got %s", run.Phase)
	}
	if run.Error == nil || *run.Error != "run cancelled" {
		t.Errorf("expected error message, got %v", run.Error)
	}
	if run.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	decoded, err := run.Decode()
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if diff := cmp.Diff(snap.StepStates, decoded.StepStates); diff != "" {
		t.Errorf("step states mismatch (-want +got):\n%s", diff)
	}

	runs, err := store.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestSaveSnapshot_RequiresRunID(t *testing.T) {
	store := setupTestStore(t)
	if err := store.SaveSnapshot(context.Background(), sequencer.Snapshot{}); err == nil {
		t.Fatal("expected error for snapshot without run ID")
	}
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, s := range []sequencer.Snapshot{
		{RunID: "a-1", AssemblyID: "a", Phase: engine.PhaseComplete},
		{RunID: "b-1", AssemblyID: "b", Phase: engine.PhaseComplete},
		{RunID: "a-2", AssemblyID: "a", Phase: engine.PhaseRunning},
	} {
		if err := store.SaveSnapshot(ctx, s); err != nil {
			t.Fatalf("failed to save %s: %v", s.RunID, err)
		}
	}

	runs, err := store.ListRuns(ctx, "a", 0, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"a-2", "a-1"}, ids); diff != "" {
		t.Errorf("run IDs mismatch (-want +got):\n%s", diff)
	}

	page, err := store.ListRuns(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b-1" {
		t.Errorf("expected second page to hold b-1, got %v", page)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordStep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	measured := 0.4

	results := []engine.StepResult{
		{Success: false, HandlerUsed: engine.HandlerPolicy, ErrorMessage: "no trained policy for step step_004", Attempt: 1, Duration: 5 * time.Millisecond},
		{
			Success: true, HandlerUsed: engine.HandlerHuman, Attempt: 2, Duration: 15 * time.Millisecond, PeakForce: 7.5,
			Verification: &engine.VerificationResult{Passed: true, Confidence: 0.9, Detail: "ok", MeasuredValue: &measured},
		},
	}
	rec := store.Recorder("run-001")
	for _, r := range results {
		if err := rec.RecordStep(ctx, "bearing_housing_v1", "step_004", r); err != nil {
			t.Fatalf("failed to record step: %v", err)
		}
	}
	if err := store.RecordStep(ctx, "bearing_housing_v1", "step_001", engine.StepResult{Success: true, HandlerUsed: engine.HandlerPrimitive}); err != nil {
		t.Fatalf("failed to record step: %v", err)
	}

	got, err := store.ListStepResults(ctx, StepFilter{RunID: "run-001"})
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results for run, got %d", len(got))
	}
	if got[0].Success || got[0].ErrorMessage == "" || got[0].Confidence != nil {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if !got[1].Success || got[1].HandlerUsed != engine.HandlerHuman || got[1].DurationMS != 15 {
		t.Errorf("unexpected second record: %+v", got[1])
	}
	if got[1].Confidence == nil || *got[1].Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", got[1].Confidence)
	}
	if got[1].Verification == nil {
		t.Error("expected verification blob")
	}
	if got[1].RunID == nil || *got[1].RunID != "run-001" {
		t.Errorf("expected run ID run-001, got %v", got[1].RunID)
	}

	all, err := store.ListStepResults(ctx, StepFilter{AssemblyID: "bearing_housing_v1"})
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 results, got %d", len(all))
	}
	if all[2].RunID != nil {
		t.Errorf("expected unassociated record, got run %s", *all[2].RunID)
	}
}

func TestStepStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := func(step string, ok bool, d time.Duration, force float64) {
		t.Helper()
		err := store.RecordStep(ctx, "asm", step, engine.StepResult{
			Success: ok, HandlerUsed: engine.HandlerPrimitive, Duration: d, PeakForce: force,
		})
		if err != nil {
			t.Fatalf("failed to record step: %v", err)
		}
	}
	record("step_001", true, 10*time.Millisecond, 1)
	record("step_002", false, 10*time.Millisecond, 4)
	record("step_002", false, 20*time.Millisecond, 9)
	record("step_002", true, 30*time.Millisecond, 2)

	stats, err := store.StepStats(ctx, "asm")
	if err != nil {
		t.Fatalf("failed to get step stats: %v", err)
	}

	want := []StepStats{
		{AssemblyID: "asm", StepID: "step_001", Attempts: 1, Successes: 1, AvgDurationMS: 10, MaxPeakForce: 1},
		{AssemblyID: "asm", StepID: "step_002", Attempts: 3, Successes: 1, AvgDurationMS: 20, MaxPeakForce: 9},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if rate := stats[1].SuccessRate(); rate < 0.33 || rate > 0.34 {
		t.Errorf("expected success rate 1/3, got %f", rate)
	}
	if (StepStats{}).SuccessRate() != 0 {
		t.Error("expected zero success rate without attempts")
	}

	empty, err := store.StepStats(ctx, "other")
	if err != nil {
		t.Fatalf("failed to get step stats: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no stats, got %v", empty)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []engine.Event{
		{RunID: "run-001", AssemblyID: "asm", Type: engine.EventRunStarted, Level: "info", Message: "Run started", Details: map[string]interface{}{"steps": 2}},
		{ID: "fixed", RunID: "run-001", AssemblyID: "asm", StepID: "step_001", Type: engine.EventStepStarted, Level: "info", Message: "Step started"},
		{RunID: "run-002", AssemblyID: "asm", Type: engine.EventRunStarted, Level: "info", Message: "Run started"},
	}
	for _, e := range events {
		store.HandleEvent(ctx, e)
	}

	got, err := store.ListEvents(ctx, "run-001", 0, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != engine.EventRunStarted || got[0].ID == "" || got[0].Details == nil {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].ID != "fixed" || got[1].StepID != "step_001" {
		t.Errorf("unexpected second event: %+v", got[1])
	}

	// Duplicate IDs are rejected.
	if err := store.AppendEvent(ctx, events[1]); err == nil {
		t.Error("expected duplicate event ID to fail")
	}
}

func TestDeleteRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, sequencer.Snapshot{RunID: "run-001", AssemblyID: "asm", Phase: engine.PhaseComplete}); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	if err := store.Recorder("run-001").RecordStep(ctx, "asm", "step_001", engine.StepResult{Success: true}); err != nil {
		t.Fatalf("failed to record step: %v", err)
	}
	store.HandleEvent(ctx, engine.Event{RunID: "run-001", AssemblyID: "asm", Type: engine.EventRunCompleted})

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected run to be gone, got %v", err)
	}
	steps, _ := store.ListStepResults(ctx, StepFilter{RunID: "run-001"})
	events, _ := store.ListEvents(ctx, "run-001", 0, 0)
	if len(steps) != 0 || len(events) != 0 {
		t.Errorf("expected cascading delete, got %d steps and %d events", len(steps), len(events))
	}

	if err := store.DeleteRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// TestSequencerRunIsPersisted wires the store as analytics sink, event
// subscriber and snapshot listener of a real run.
func TestSequencerRunIsPersisted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	graph := assemblytest.Chain("chain", 3)
	pub := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	pub.Subscribe(store.HandleEvent, nil)

	const runID = "run-chain"
	r := router.New(router.WithExecutor(primitives.NewLibrary(primitives.WithSpeedFactor(0))))
	seq := sequencer.New(graph, r,
		sequencer.WithRunID(runID),
		sequencer.WithAnalytics(store.Recorder(runID)),
		sequencer.WithEventPublisher(pub),
		sequencer.WithListener(func(s sequencer.Snapshot) {
			if err := store.SaveSnapshot(ctx, s); err != nil {
				t.Errorf("failed to save snapshot: %v", err)
			}
		}),
	)
	if err := seq.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	select {
	case <-seq.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Phase != engine.PhaseComplete {
		t.Errorf("expected persisted phase complete, got %s", run.Phase)
	}

	steps, err := store.ListStepResults(ctx, StepFilter{RunID: runID})
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("expected 3 step results, got %d", len(steps))
	}

	events, err := store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) == 0 || events[0].Type != engine.EventRunStarted || events[len(events)-1].Type != engine.EventRunCompleted {
		t.Errorf("unexpected event log: %+v", events)
	}
}
