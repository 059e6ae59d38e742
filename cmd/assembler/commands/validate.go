package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

// newValidateCommand loads a graph, which runs schema and graph validation.
func newValidateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <assembly.json>",
		Short: "Check an assembly graph document",
		Long: `Validate checks a document against the assembly schema and the graph
invariants: unique IDs, known parts and dependencies, no cycles, and an
execution order that respects every dependency.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// LoadFile fails on the first schema or graph error
			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}
			logger := a.log()
			logger.Info().Str("assembly_id", g.ID).Msg("Assembly graph is valid")
			return printSteps(cmd.OutOrStdout(), a, g)
		},
	}
	return cmd
}

// printSteps lists the steps of g in execution order.
func printSteps(w io.Writer, a *app, g *assembly.AssemblyGraph) error {
	if a.jsonOutput {
		return writeJSON(w, g)
	}

	fmt.Fprintf(w, "%s (%s): %d parts, %d steps\n", g.Name, g.ID, len(g.Parts), len(g.StepOrder))
	t := newTable(w, "#", "Step", "Name", "Handler", "Primitive", "Criteria", "Retries", "Depends on")
	for i, id := range g.StepOrder {
		s := g.Steps[id]
		t.AppendRow([]any{
			i + 1, s.ID, truncate(s.Name, 40), s.Handler, s.PrimitiveType,
			s.SuccessCriteria.Type, s.MaxRetries, strings.Join(s.Dependencies, ","),
		})
	}
	t.Render()
	return nil
}
