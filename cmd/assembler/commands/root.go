package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/config"
	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// app carries state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	version    string
	configPath string
	verbose    bool
	jsonOutput bool

	cfg    *config.Config
	logger *telemetry.Logger
}

// log returns the configured logger, or a no-op one before init.
func (a *app) log() zerolog.Logger {
	if a.logger == nil {
		return zerolog.Nop()
	}
	return a.logger.Zerolog()
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{version: version}

	rootCmd := &cobra.Command{
		Use:   "assembler",
		Short: "Assembly execution engine",
		Long: `assembler plans, checks and executes robotic assembly sequences.

An assembly graph lists parts and steps. Each step is executed by a motion
primitive or a trained policy, checked against its success criteria, retried,
and handed to an operator when it keeps failing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newLintCommand(a))
	rootCmd.AddCommand(newDispatchCommand(a))
	rootCmd.AddCommand(newVerifyCommand(a))
	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newRunsCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// init loads configuration and creates the logger.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	// --verbose overrides the configured level
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry(a.version).Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}
