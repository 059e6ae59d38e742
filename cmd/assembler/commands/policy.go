package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/learning"
	"github.com/FLASH-73/assembler/pkg/robot"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage trained policy checkpoints",
	}
	cmd.AddCommand(newPolicyListCommand(a))
	cmd.AddCommand(newPolicyInitCommand(a))
	return cmd
}

func newPolicyListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <assembly.json>",
		Short: "Show which policy steps have a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}
			loader := learning.NewFileLoader(a.cfg.Policies.Dir, learning.WithLoaderLogger(a.log()))

			t := newTable(cmd.OutOrStdout(), "Step", "Name", "Checkpoint", "Path")
			// Only policy steps load checkpoints
			for _, id := range g.StepOrder {
				s := g.Steps[id]
				if s.Handler != assembly.HandlerPolicy {
					continue
				}
				t.AppendRow([]any{s.ID, truncate(s.Name, 32), okString(loader.Has(g.ID, s.ID)), loader.Path(g.ID, s.ID)})
			}
			t.Render()
			return nil
		},
	}
}

func newPolicyInitCommand(a *app) *cobra.Command {
	var chunk int

	cmd := &cobra.Command{
		Use:   "init <assembly.json> <step-id>",
		Short: "Write an identity checkpoint for a policy step",
		Long: `Init writes a checkpoint that holds every joint in place. It gives a policy
step something to replay until a trained checkpoint replaces it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}
			step, ok := g.Step(args[1])
			if !ok {
				return engine.NewStructuralError(fmt.Sprintf("step %s not found in %s", args[1], g.ID), nil).
					WithCode(engine.ErrCodeNotFound).WithResource(args[1])
			}
			if step.Handler != assembly.HandlerPolicy {
				return fmt.Errorf("step %s uses the %s handler, not policy", step.ID, step.Handler)
			}

			// Joint keys follow the mock robot the CLI drives
			policy := learning.Identity(robot.NewMock().Joints(), chunk)
			if err := learning.WriteCheckpoint(a.cfg.Policies.Dir, g.ID, step.ID, policy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", learning.NewFileLoader(a.cfg.Policies.Dir).Path(g.ID, step.ID))
			return nil
		},
	}

	cmd.Flags().IntVar(&chunk, "chunk", 10, "actions per prediction")
	return cmd
}
