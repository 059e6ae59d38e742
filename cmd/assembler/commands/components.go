package commands

import (
	"context"
	"fmt"

	"github.com/FLASH-73/assembler/pkg/learning"
	"github.com/FLASH-73/assembler/pkg/primitives"
	"github.com/FLASH-73/assembler/pkg/robot"
	"github.com/FLASH-73/assembler/pkg/router"
	"github.com/FLASH-73/assembler/pkg/telemetry"
	"github.com/FLASH-73/assembler/pkg/verify"
)

// components are the execution collaborators built from configuration.
type components struct {
	robot    *robot.Mock
	loader   *learning.FileLoader
	models   *verify.WASMModelLoader
	router   *router.Router
	verifier *verify.Verifier
}

// buildComponents wires the primitive library, policy loader, router and
// verifier. tel may be nil.
func (a *app) buildComponents(ctx context.Context, tel *telemetry.Telemetry, assemblyID string) (*components, error) {
	logger := a.log()
	rb := robot.NewMock()

	// Policy checkpoints
	loader := learning.NewFileLoader(a.cfg.Policies.Dir,
		learning.WithLoaderLogger(logger),
		learning.WithReloadHook(func(assemblyID, stepID string) {
			logger.Info().Str("assembly_id", assemblyID).Str("step_id", stepID).Msg("Policy checkpoint changed")
		}),
	)

	// Classifier models run in a shared wazero runtime
	models, err := verify.NewWASMModelLoader(ctx, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier runtime: %w", err)
	}

	// Router over the primitive library and the loader
	opts := []router.Option{
		router.WithExecutor(primitives.NewLibrary(
			primitives.WithSpeedFactor(a.cfg.Primitives.SpeedFactor),
			primitives.WithLogger(logger),
		)),
		router.WithPolicyLoader(loader),
		router.WithRobot(rb),
		router.WithAssemblyID(assemblyID),
		router.WithPolicyRate(a.cfg.Policies.RateHz),
		router.WithLogger(logger),
	}
	if tel != nil {
		opts = append(opts, router.WithMetrics(tel.Metrics), router.WithTracer(tel.Tracer))
	}

	return &components{
		robot:  rb,
		loader: loader,
		models: models,
		router: router.New(opts...),
		verifier: verify.New(
			verify.WithLogger(logger),
			verify.WithModelLoader(models),
			verify.WithCamera(rb),
		),
	}, nil
}

// Close stops the checkpoint watcher and the classifier runtime.
func (c *components) Close(ctx context.Context) error {
	c.loader.StopWatching()
	return c.models.Close(ctx)
}
