package primitives

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/FLASH-73/assembler/pkg/engine"
)

func instant() *Library {
	return NewLibrary(WithSpeedFactor(0))
}

func TestLibrary_Available(t *testing.T) {
	want := []string{"guarded_move", "linear_insert", "move_to", "pick", "place", "press_fit", "screw"}
	if diff := cmp.Diff(want, instant().Available()); diff != "" {
		t.Errorf("Unexpected primitives (-want +got):\n%s", diff)
	}
}

func TestLibrary_UnknownPrimitive(t *testing.T) {
	_, err := instant().Execute(context.Background(), "teleport", nil, nil)
	if !errors.Is(err, engine.ErrUnknownPrimitive) {
		t.Fatalf("Expected ErrUnknownPrimitive, got: %v", err)
	}
	if !engine.IsStructural(err) {
		t.Errorf("Expected structural error, got: %v", err)
	}
}

func TestLibrary_Defaults(t *testing.T) {
	lib := instant()
	ctx := context.Background()

	tests := []struct {
		name     string
		params   map[string]any
		force    float64
		position []float64
	}{
		{"move_to", map[string]any{"target_pose": []any{0.0, 20.0, 0.0, 0.0, 0.0, 0.0}}, 0, []float64{0, 20, 0, 0, 0, 0}},
		{"pick", nil, 0.5, nil},
		{"pick", map[string]any{"force_threshold": 2}, 2, nil},
		{"place", map[string]any{"target_pose": []float64{1, 2, 3}}, 0, []float64{1, 2, 3}},
		{"guarded_move", nil, 5, nil},
		{"linear_insert", nil, 6, nil},
		{"screw", map[string]any{"torque_limit": 5.0}, 4, nil},
		{"press_fit", nil, 15, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := lib.Execute(ctx, tt.name, nil, tt.params)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !res.Success {
				t.Errorf("Expected success, got %+v", res)
			}
			if res.ActualForce != tt.force {
				t.Errorf("Expected force %v, got %v", tt.force, res.ActualForce)
			}
			if diff := cmp.Diff(tt.position, res.ActualPosition); diff != "" {
				t.Errorf("Unexpected position (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLinearInsert_SnapProfile(t *testing.T) {
	res, err := instant().Execute(context.Background(), "linear_insert", nil, map[string]any{"force_limit": 20.0})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.ForceHistory) != 12 {
		t.Fatalf("Expected 12 samples, got %d", len(res.ForceHistory))
	}
	if res.ForceHistory[7] != 12 || res.ForceHistory[11] >= 6 {
		t.Errorf("Expected peak then drop, got %v", res.ForceHistory)
	}
}

func TestPressFit_FinalForce(t *testing.T) {
	res, _ := instant().Execute(context.Background(), "press_fit", nil, map[string]any{"force_target": json.Number("12")})
	if n := len(res.ForceHistory); n == 0 || res.ForceHistory[n-1] != 12 {
		t.Errorf("Expected final force 12, got %v", res.ForceHistory)
	}
}

func TestLibrary_SpeedAndTimeout(t *testing.T) {
	lib := NewLibrary(WithSpeedFactor(0.01))

	res, err := lib.Execute(context.Background(), "move_to", nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Duration < 5*time.Millisecond || res.Duration > time.Second {
		t.Errorf("Expected ~10ms scaled duration, got %v", res.Duration)
	}

	// A zero timeout caps the wait.
	res, err = lib.Execute(context.Background(), "screw", nil, map[string]any{"timeout": 0})
	if err != nil || res.Duration > 5*time.Millisecond {
		t.Errorf("Expected instant completion, got %v, %v", res.Duration, err)
	}
}

func TestLibrary_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLibrary().Execute(ctx, "pick", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestLibrary_Register(t *testing.T) {
	lib := instant()
	lib.Register("wiggle", func(_ context.Context, call Call) (engine.PrimitiveResult, error) {
		return engine.PrimitiveResult{Success: call.Params.String("mode") == "fast"}, nil
	})

	res, err := lib.Execute(context.Background(), "wiggle", nil, map[string]any{"mode": "fast"})
	if err != nil || !res.Success {
		t.Errorf("Expected custom primitive to succeed, got %+v, %v", res, err)
	}
}
