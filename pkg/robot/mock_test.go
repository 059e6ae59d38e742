package robot

import (
	"context"
	"errors"
	"testing"
)

func TestMock_ObservationKeys(t *testing.T) {
	m := NewMock()
	obs, err := m.GetObservation(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(obs) != 7 {
		t.Fatalf("Expected 7 joints, got %d", len(obs))
	}
	if _, ok := obs["gripper.pos"]; !ok {
		t.Errorf("Expected gripper.pos in %v", obs)
	}

	// Mutating the copy leaves the robot untouched.
	obs["gripper.pos"] = 42
	again, _ := m.GetObservation(context.Background())
	if again["gripper.pos"] != 0 {
		t.Error("Expected observation to be a copy")
	}
}

func TestMock_SendAction(t *testing.T) {
	ctx := context.Background()
	m := NewMock("a", "b")

	if err := m.SendAction(ctx, map[string]float64{"a": 1, "b.pos": 2}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	obs, _ := m.GetObservation(ctx)
	if obs["a.pos"] != 1 || obs["b.pos"] != 2 {
		t.Errorf("Unexpected state %v", obs)
	}

	if err := m.SendAction(ctx, map[string]float64{"a": 5, "c": 1}); err == nil {
		t.Error("Expected error for unknown joint")
	}
	obs, _ = m.GetObservation(ctx)
	if obs["a.pos"] != 1 {
		t.Error("Expected rejected action to leave state unchanged")
	}
	if m.Actions() != 1 {
		t.Errorf("Expected 1 applied action, got %d", m.Actions())
	}
}

func TestMock_Failures(t *testing.T) {
	m := NewMock()
	boom := errors.New("estop")
	m.FailWith(boom)

	if _, err := m.GetObservation(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got: %v", err)
	}

	m.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.SendAction(ctx, map[string]float64{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got: %v", err)
	}
}

func TestMock_Capture(t *testing.T) {
	img, err := NewMock().Capture(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("Unexpected frame size %v", b)
	}
}
