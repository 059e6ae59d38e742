// Package primitives implements the simulated motion primitive library.
//
// Primitives are deterministic stand-ins for impedance-controlled motions:
// each waits a nominal duration scaled by the library speed factor and
// reports the force and position a successful motion would measure. They do
// not command the robot.
package primitives

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// Call is the input of one primitive invocation.
type Call struct {
	Robot  engine.Robot
	Params Params

	speed float64
}

// Wait blocks for nominal, capped by the "timeout" parameter (seconds, or
// defaultTimeout) and scaled by the speed factor. It returns the time waited.
func (c Call) Wait(ctx context.Context, nominal, defaultTimeout time.Duration) (time.Duration, error) {
	timeout := time.Duration(c.Params.Float("timeout", defaultTimeout.Seconds()) * float64(time.Second))
	d := time.Duration(float64(min(nominal, timeout)) * c.speed)

	start := time.Now()
	if d <= 0 {
		return 0, ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return time.Since(start), nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

// Func implements one primitive.
type Func func(ctx context.Context, call Call) (engine.PrimitiveResult, error)

// Library is a registry of named primitives. It implements
// engine.PrimitiveExecutor and is safe for concurrent use.
type Library struct {
	mu         sync.RWMutex
	primitives map[string]Func
	speed      float64
	logger     zerolog.Logger
}

// Option configures a Library.
type Option func(*Library)

// WithSpeedFactor scales every primitive's duration. 0 makes them instant.
func WithSpeedFactor(f float64) Option {
	return func(l *Library) {
		if f >= 0 {
			l.speed = f
		}
	}
}

// WithLogger sets the library logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Library) {
		l.logger = logger.With().Str("component", "primitives").Logger()
	}
}

// NewLibrary creates a library with the built-in primitives registered.
func NewLibrary(opts ...Option) *Library {
	l := &Library{
		primitives: make(map[string]Func),
		speed:      1.0,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.Register("move_to", MoveTo)
	l.Register("pick", Pick)
	l.Register("place", Place)
	l.Register("guarded_move", GuardedMove)
	l.Register("linear_insert", LinearInsert)
	l.Register("screw", Screw)
	l.Register("press_fit", PressFit)
	return l
}

// Register adds or replaces a primitive.
func (l *Library) Register(name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.primitives[name] = fn
	l.logger.Debug().Str("primitive", name).Msg("Registered primitive")
}

// Available lists registered primitive names in sorted order.
func (l *Library) Available() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.primitives))
	for name := range l.primitives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named primitive. An unregistered name returns an error
// matching engine.ErrUnknownPrimitive.
func (l *Library) Execute(ctx context.Context, name string, robot engine.Robot, params map[string]any) (engine.PrimitiveResult, error) {
	l.mu.RLock()
	fn, ok := l.primitives[name]
	l.mu.RUnlock()

	if !ok {
		return engine.PrimitiveResult{}, engine.NewStructuralError(fmt.Sprintf("Unknown primitive: %s", name), nil).
			WithCode(engine.ErrCodeUnknownPrimitive).
			WithResource(name)
	}

	l.logger.Info().Str("primitive", name).Interface("params", params).Msg("Dispatching primitive")

	result, err := fn(ctx, Call{Robot: robot, Params: Params(params), speed: l.speed})
	if err != nil {
		return result, err
	}

	l.logger.Info().
		Str("primitive", name).
		Bool("success", result.Success).
		Dur("duration", result.Duration).
		Float64("force", result.ActualForce).
		Msg("Primitive complete")
	return result, nil
}

var _ engine.PrimitiveExecutor = (*Library)(nil)
