package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/planner"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		outFile   string
		dotFile   string
		overrides string
	)

	cmd := &cobra.Command{
		Use:   "plan <parse-result.json>",
		Short: "Plan an assembly sequence from a part catalog",
		Long: `Plan reads a part catalog and the contacts between parts and writes an
assembly graph.

Parts are assembled largest first. Every part after the base gets a pick
step and an assembly step whose handler and success criteria follow from its
geometry. A Starlark overrides script can adjust the classification.`,
		Example: `  # Plan and write the graph
  assembler plan parts.json --out assembly.json

  # Plan with overrides and a Graphviz rendering
  assembler plan parts.json --out assembly.json --overrides cell.star --dot assembly.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Read the part catalog
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read parse result: %w", err)
			}
			var pr planner.ParseResult
			if err := json.Unmarshal(data, &pr); err != nil {
				return fmt.Errorf("failed to decode parse result: %w", err)
			}

			opts := []planner.Option{
				planner.WithLogger(a.log()),
				planner.WithMaxRetries(a.cfg.Planner.MaxRetries),
			}
			// The flag wins over the configured script
			script := overrides
			if script == "" {
				script = a.cfg.Planner.OverridesScript
			}
			if script != "" {
				o, err := planner.LoadOverrides(script)
				if err != nil {
					return err
				}
				opts = append(opts, planner.WithOverrides(o))
			}

			g, err := planner.New(opts...).Plan(cmd.Context(), pr)
			if err != nil {
				return err
			}

			// Optional Graphviz rendering
			if dotFile != "" {
				dag, err := assembly.BuildDAG(g.Steps)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(dag.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			// Write the graph
			if outFile == "" || outFile == "-" {
				doc, err := assembly.MarshalDocument(g)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(doc)
				return err
			}
			if err := assembly.SaveFile(g, outFile); err != nil {
				return err
			}

			logger := a.log()
			logger.Info().
				Str("assembly_id", g.ID).
				Int("steps", len(g.StepOrder)).
				Str("out", outFile).
				Msg("Plan written")
			return printSteps(cmd.OutOrStdout(), a, g)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "-", "output assembly graph path (- for stdout)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the step graph in DOT format")
	cmd.Flags().StringVar(&overrides, "overrides", "", "Starlark overrides script (defaults to planner.overrides_script)")

	return cmd
}
