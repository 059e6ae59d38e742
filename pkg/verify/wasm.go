package verify

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// DefaultMemoryLimitPages bounds classifier memory (64 KiB pages, 64 MiB).
const DefaultMemoryLimitPages = 1024

// WASMModelLoader loads classifier models compiled to WebAssembly.
//
// A model module must export:
//
//	memory                      linear memory
//	alloc(size i32) i32         returns a pointer to size bytes
//	predict(ptr i32, n i32) f32 reads n little-endian float32 values at ptr
//	                            and returns the positive-class probability
//
// Instances are cached per path and reused; calls into one instance are
// serialized.
type WASMModelLoader struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	models  map[string]*wasmModel
	logger  zerolog.Logger
}

// NewWASMModelLoader creates a loader with its own wazero runtime.
func NewWASMModelLoader(ctx context.Context, memoryLimitPages uint32, logger zerolog.Logger) (*WASMModelLoader, error) {
	if memoryLimitPages == 0 {
		memoryLimitPages = DefaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	// Models built with standard toolchains import WASI for allocation and logging.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WASMModelLoader{
		runtime: runtime,
		models:  make(map[string]*wasmModel),
		logger:  logger.With().Str("component", "classifier").Logger(),
	}, nil
}

// Load returns the model at path, compiling it on first use.
func (l *WASMModelLoader) Load(ctx context.Context, path string) (Model, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}

	// Check cache
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.models[key]; ok {
		return m, nil
	}

	// Read and instantiate the module
	wasmBytes, err := os.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	// Anonymous instances so one runtime can host many models.
	module, err := l.runtime.InstantiateWithConfig(ctx, wasmBytes, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate model %s: %w", path, err)
	}

	m, err := newWASMModel(module)
	if err != nil {
		module.Close(ctx)
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}

	l.models[key] = m
	l.logger.Info().Str("path", key).Msg("Loaded classifier model")
	return m, nil
}

// Evict drops a cached model so the next Load reads it from disk again.
func (l *WASMModelLoader) Evict(ctx context.Context, path string) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}

	l.mu.Lock()
	m, ok := l.models[key]
	delete(l.models, key)
	l.mu.Unlock()

	if ok {
		m.close(ctx)
	}
}

// Close releases every model and the runtime.
func (l *WASMModelLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.models = make(map[string]*wasmModel)
	return l.runtime.Close(ctx)
}

// wasmModel is one instantiated classifier module.
type wasmModel struct {
	mu      sync.Mutex
	module  api.Module
	memory  api.Memory
	alloc   api.Function
	predict api.Function
}

// newWASMModel resolves the required exports.
func newWASMModel(module api.Module) (*wasmModel, error) {
	m := &wasmModel{module: module}

	m.memory = module.Memory()
	if m.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}
	m.alloc = module.ExportedFunction("alloc")
	if m.alloc == nil {
		return nil, fmt.Errorf("module does not export alloc")
	}
	m.predict = module.ExportedFunction("predict")
	if m.predict == nil {
		return nil, fmt.Errorf("module does not export predict")
	}
	return m, nil
}

// Predict copies input into module memory and calls predict.
func (m *wasmModel) Predict(ctx context.Context, input []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Encode input as little-endian float32
	buf := make([]byte, 4*len(input))
	for i, v := range input {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}

	// Allocate in module memory and copy the input
	results, err := m.alloc.Call(ctx, uint64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("alloc returned no results")
	}
	ptr := uint32(results[0])

	if !m.memory.Write(ptr, buf) {
		return 0, fmt.Errorf("input of %d bytes does not fit in model memory at %d", len(buf), ptr)
	}

	// Run inference
	results, err = m.predict.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("predict failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("predict returned no results")
	}
	return float64(api.DecodeF32(results[0])), nil
}

func (m *wasmModel) close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.module.Close(ctx)
}
