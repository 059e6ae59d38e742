package verify

import (
	"context"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// constantModel is a minimal module exporting memory (10 pages),
// alloc(i32) i32 returning 0 and predict(i32, i32) f32 returning 0.8.
var constantModel = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: (i32) -> i32, (i32, i32) -> f32
	0x01, 0x0c, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7d,
	// function section
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory section
	0x05, 0x03, 0x01, 0x00, 0x0a,
	// export section
	0x07, 0x1c, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x07, 'p', 'r', 'e', 'd', 'i', 'c', 't', 0x00, 0x01,
	// code section
	0x0a, 0x0e, 0x02,
	0x04, 0x00, 0x41, 0x00, 0x0b,
	0x07, 0x00, 0x43, 0xcd, 0xcc, 0x4c, 0x3f, 0x0b,
}

func writeModel(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.wasm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
	return path
}

func newTestLoader(t *testing.T) *WASMModelLoader {
	t.Helper()
	ctx := context.Background()
	loader, err := NewWASMModelLoader(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	t.Cleanup(func() { loader.Close(ctx) })
	return loader
}

func TestWASMModelLoader_Predict(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader(t)
	path := writeModel(t, constantModel)

	model, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("Failed to load model: %v", err)
	}

	p, err := model.Predict(ctx, Preprocess(solidFrame(16, 16, color.White)))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if math.Abs(p-0.8) > 1e-6 {
		t.Errorf("Expected 0.8, got %v", p)
	}

	again, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("Failed to reload model: %v", err)
	}
	if again != model {
		t.Error("Expected cached model instance")
	}

	loader.Evict(ctx, path)
	fresh, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("Failed to load after evict: %v", err)
	}
	if fresh == model {
		t.Error("Expected a new instance after evict")
	}
}

func TestWASMModelLoader_Errors(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader(t)

	if _, err := loader.Load(ctx, filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := loader.Load(ctx, writeModel(t, []byte("not wasm"))); err == nil {
		t.Error("Expected error for invalid module")
	}

	// Header only: valid module without the required exports.
	if _, err := loader.Load(ctx, writeModel(t, constantModel[:8])); err == nil {
		t.Error("Expected error for module without exports")
	}
}

func TestVerifier_WASMClassifier(t *testing.T) {
	ctx := context.Background()
	loader := newTestLoader(t)
	v := New(WithModelLoader(loader))

	step := &assembly.AssemblyStep{
		ID:              "step_004",
		Handler:         assembly.HandlerPolicy,
		SuccessCriteria: assembly.SuccessCriteria{Type: assembly.CriteriaClassifier, Model: writeModel(t, constantModel)},
		MaxRetries:      3,
	}
	got := v.Verify(ctx, step, engine.ExecutionData{Frame: solidFrame(320, 240, color.Gray{Y: 128})})
	if !got.Passed {
		t.Fatalf("Expected pass, got %+v", got)
	}
	if math.Abs(got.Confidence-0.8) > 1e-6 {
		t.Errorf("Expected confidence 0.8, got %v", got.Confidence)
	}
}
