package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

func newDispatchCommand(a *app) *cobra.Command {
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "dispatch <assembly.json> <step-id>",
		Short: "Execute a single step once",
		Long: `Dispatch routes one step to its primitive or trained policy against the
mock robot, verifies the outcome and prints the result. No retries are made
and nothing is escalated.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}
			step, ok := g.Step(args[1])
			if !ok {
				return engine.NewStructuralError(fmt.Sprintf("step %s not found in %s", args[1], g.ID), nil).
					WithCode(engine.ErrCodeNotFound).WithResource(args[1])
			}

			// No telemetry for a one-off dispatch
			c, err := a.buildComponents(ctx, nil, g.ID)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(ctx) }()

			result, err := c.router.DispatchE(ctx, step)
			if err != nil {
				return err
			}
			// Only successful attempts are verified, as in a run
			if result.Success && !noVerify && a.cfg.Sequencer.Verify {
				result = result.WithVerification(c.verifier.Verify(ctx, step, result.ExecutionData()))
			}

			if err := printResult(cmd.OutOrStdout(), a, step, result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("step %s failed", step.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip success-criteria verification")
	return cmd
}

func printResult(w io.Writer, a *app, step *assembly.AssemblyStep, r engine.StepResult) error {
	if a.jsonOutput {
		return writeJSON(w, r)
	}

	// Optional rows are left out when the handler did not report them
	t := newTable(w, "Field", "Value")
	t.AppendRow([]any{"step", step.ID})
	t.AppendRow([]any{"handler", r.HandlerUsed})
	t.AppendRow([]any{"result", okString(r.Success)})
	t.AppendRow([]any{"duration", ms(r.Duration)})
	if r.ErrorMessage != "" {
		t.AppendRow([]any{"error", r.ErrorMessage})
	}
	if len(r.FinalPosition) > 0 {
		t.AppendRow([]any{"final position", formatFloats(r.FinalPosition)})
	}
	if r.PeakForce != 0 {
		t.AppendRow([]any{"peak force", fmt.Sprintf("%.2f N", r.PeakForce)})
	}
	if v := r.Verification; v != nil {
		t.AppendRow([]any{"verification", fmt.Sprintf("%s (confidence %.2f)", okString(v.Passed), v.Confidence)})
		t.AppendRow([]any{"detail", v.Detail})
	}
	t.Render()
	return nil
}

func formatFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%.2f", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
