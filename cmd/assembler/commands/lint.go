package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/primitives"
	"github.com/FLASH-73/assembler/pkg/rules"
)

func newLintCommand(a *app) *cobra.Command {
	var (
		ruleDirs []string
		disabled []string
	)

	cmd := &cobra.Command{
		Use:   "lint <assembly.json>",
		Short: "Evaluate lint rules against an assembly graph",
		Long: `Lint evaluates the built-in Rego rules plus any rules found in the
configured rule directories. Violations with error severity make the command
fail; warnings are reported only.`,
		Example: `  assembler lint assembly.json
  assembler lint assembly.json --rules ./rules --disable part-coverage`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}

			// Configured rule directories plus --rules
			paths := append(append([]string(nil), a.cfg.Rules.Dirs...), ruleDirs...)
			linter, err := a.rulesEngine(cmd, paths)
			if err != nil {
				return err
			}
			for _, name := range disabled {
				if err := linter.DisableRule(name); err != nil {
					return err
				}
			}

			report, err := linter.Lint(cmd.Context(), g)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), a, report); err != nil {
				return err
			}
			// Warnings alone do not fail the command
			if !report.Allowed {
				return fmt.Errorf("assembly %s has %d blocking violations", g.ID, len(report.BySeverity(rules.SeverityError)))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ruleDirs, "rules", nil, "extra rule files or directories")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "rules to skip")

	return cmd
}

// rulesEngine builds a rules engine with the built-in rules and those under paths.
func (a *app) rulesEngine(cmd *cobra.Command, paths []string) (*rules.Engine, error) {
	linter, err := rules.NewEngine(a.log(),
		rules.WithMaxRetries(a.cfg.Rules.MaxRetries),
		rules.WithPrimitives(primitives.NewLibrary().Available()),
	)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := linter.LoadRules(cmd.Context(), paths); err != nil {
			return nil, err
		}
	}
	return linter, nil
}

func printReport(w io.Writer, a *app, report *rules.Report) error {
	if a.jsonOutput {
		return writeJSON(w, report)
	}

	if len(report.Violations) == 0 {
		fmt.Fprintf(w, "%s: no violations (%d rules, %s)\n", report.AssemblyID, len(report.EvaluatedRules), ms(report.Duration))
	} else {
		t := newTable(w, "Severity", "Rule", "Resource", "Message")
		for _, v := range report.Violations {
			sev := string(v.Severity)
			if v.Severity == rules.SeverityError {
				sev = statusColor(false).Sprint(sev)
			}
			t.AppendRow([]any{sev, v.Rule, v.Resource, v.Message})
		}
		t.Render()
	}
	// Rule files that failed to load
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}
