package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
	"github.com/FLASH-73/assembler/pkg/rules"
	"github.com/FLASH-73/assembler/pkg/sequencer"
	"github.com/FLASH-73/assembler/pkg/stores"
	"github.com/FLASH-73/assembler/pkg/telemetry"
)

// Operator answers for steps escalated to a human.
const (
	humanPrompt  = "prompt"
	humanSuccess = "success"
	humanFail    = "fail"
)

const pollInterval = 20 * time.Millisecond

type runOptions struct {
	human       string
	metricsAddr string
	skipLint    bool
	noStore     bool
	stepTimeout time.Duration
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <assembly.json>",
		Short: "Execute an assembly graph",
		Long: `Run executes every step of an assembly graph in order against the mock
robot. Failed attempts are retried up to the step's budget, then the step is
handed to the operator. The run ends when every step succeeded, the operator
reports a failure, or it is interrupted.

Snapshots, attempts and events are persisted to the run store unless
--no-store is given.`,
		Example: `  # Interactive: prompt when a step is escalated
  assembler run assembly.json

  # Unattended: treat every escalated step as completed by the operator
  assembler run assembly.json --human success --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.human {
			case humanPrompt, humanSuccess, humanFail:
			default:
				return fmt.Errorf("invalid --human %q (want %s, %s or %s)", opts.human, humanPrompt, humanSuccess, humanFail)
			}

			g, err := assembly.LoadFile(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.human, "human", humanPrompt, "operator answer for escalated steps: prompt, success or fail")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&opts.skipLint, "skip-lint", false, "run even if lint rules report blocking violations")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "do not persist the run")
	cmd.Flags().DurationVar(&opts.stepTimeout, "step-timeout", 0, "per-attempt timeout (defaults to sequencer.step_timeout)")

	return cmd
}

func (a *app) run(cmd *cobra.Command, g *assembly.AssemblyGraph, opts runOptions) error {
	ctx := cmd.Context()
	logger := a.log()
	out := cmd.OutOrStdout()

	// Refuse to run graphs with blocking lint violations
	if !opts.skipLint {
		linter, err := a.rulesEngine(cmd, a.cfg.Rules.Dirs)
		if err != nil {
			return err
		}
		report, err := linter.Lint(ctx, g)
		if err != nil {
			return err
		}
		if !report.Allowed {
			if err := printReport(out, a, report); err != nil {
				return err
			}
			return fmt.Errorf("assembly %s has %d blocking violations, use --skip-lint to run anyway",
				g.ID, len(report.BySeverity(rules.SeverityError)))
		}
	}

	// Set up telemetry
	tcfg := a.cfg.Telemetry(a.version)
	if opts.metricsAddr != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = opts.metricsAddr
	}
	// Synchronous delivery keeps the persisted event log in emission order.
	tcfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if a.verbose {
		tel.Events.Subscribe(telemetry.LogSubscriber(a.logger), nil)
	}

	// Build sequencer options
	runID := uuid.New().String()
	seqOpts := []sequencer.Option{
		sequencer.WithRunID(runID),
		sequencer.WithLogger(logger),
		sequencer.WithMetrics(tel.Metrics),
		sequencer.WithTracer(tel.Tracer),
		sequencer.WithEventPublisher(tel.Events),
	}

	timeout := a.cfg.Sequencer.StepTimeout
	if opts.stepTimeout > 0 {
		timeout = opts.stepTimeout
	}
	seqOpts = append(seqOpts, sequencer.WithStepTimeout(timeout))

	// Persist events, attempts and snapshots
	var store *stores.SQLiteStore
	if a.cfg.Store.Enabled && !opts.noStore {
		store, err = openStore(ctx, a)
		if err != nil {
			return err
		}
		defer store.Close()

		tel.Events.Subscribe(store.HandleEvent, telemetry.FilterByRunID(runID))
		seqOpts = append(seqOpts, sequencer.WithAnalytics(store.Recorder(runID)))
	}

	seqOpts = append(seqOpts, sequencer.WithListener(func(s sequencer.Snapshot) {
		if store != nil {
			if err := store.SaveSnapshot(context.WithoutCancel(ctx), s); err != nil {
				logger.Warn().Err(err).Msg("Failed to persist snapshot")
			}
		}
	}))

	// Wire router, loader and verifier
	c, err := a.buildComponents(ctx, tel, g.ID)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()

	if a.cfg.Policies.Watch {
		if err := c.loader.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	if a.cfg.Sequencer.Verify {
		seqOpts = append(seqOpts, sequencer.WithVerifier(c.verifier))
	}

	seq := sequencer.New(g, c.router, seqOpts...)

	// The metrics server and the supervisor share one lifetime

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	eg, egCtx := errgroup.WithContext(runCtx)

	if tcfg.Metrics.Enabled {
		eg.Go(func() error {
			logger.Info().Str("addr", tcfg.Metrics.ListenAddress).Msg("Serving metrics")
			return tel.Metrics.Serve(egCtx, tcfg.Metrics.ListenAddress)
		})
	}

	if err := seq.Start(egCtx); err != nil {
		stop()
		_ = eg.Wait()
		return err
	}
	fmt.Fprintf(out, "Run %s started: %s, %d steps\n", runID, g.ID, len(g.StepOrder))

	// Stopping the supervisor also stops the metrics server

	op := newOperator(cmd.InOrStdin(), out, opts.human)
	eg.Go(func() error {
		defer stop()
		return supervise(egCtx, seq, g, op)
	})

	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	// Report the final state
	snap := seq.Snapshot()
	if err := printSnapshot(out, a, g, snap); err != nil {
		return err
	}
	if snap.Phase != engine.PhaseComplete {
		return fmt.Errorf("run %s ended in %s: %s", runID, snap.Phase, snap.ErrorMessage)
	}
	return nil
}

func openStore(ctx context.Context, a *app) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:   a.cfg.Store.Path,
		Logger: a.log(),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	// Bring the schema up to date before first use
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// supervise waits for the run to end, answering escalations through op.
func supervise(ctx context.Context, seq *sequencer.Sequencer, g *assembly.AssemblyGraph, op *operator) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-seq.Done():
			return nil
		case <-ctx.Done():
			seq.Stop()
			return ctx.Err()
		case <-ticker.C:
		}

		// Only a step waiting on the operator needs an answer
		snap := seq.Snapshot()
		if snap.Phase != engine.PhaseTeaching {
			continue
		}

		step := g.Steps[snap.CurrentStepID]
		ok, err := op.ask(ctx, step, snap.StepStates[snap.CurrentStepID])
		if err != nil {
			seq.Stop()
			return err
		}
		// ErrNotWaiting after a cancel is reported as the cancel
		if err := seq.CompleteHumanStep(ctx, ok); err != nil {
			if ctx.Err() != nil {
				seq.Stop()
				return ctx.Err()
			}
			return err
		}
	}
}

// operator answers escalations, either with a fixed answer or by asking on
// the terminal.
type operator struct {
	mode  string
	out   io.Writer
	lines <-chan string
}

func newOperator(in io.Reader, out io.Writer, mode string) *operator {
	op := &operator{mode: mode, out: out}
	// Read stdin in the background so ask can honour cancellation
	if mode == humanPrompt {
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()
		op.lines = lines
	}
	return op
}

func (o *operator) ask(ctx context.Context, step *assembly.AssemblyStep, st sequencer.StepState) (bool, error) {
	// Fixed answers
	switch o.mode {
	case humanSuccess:
		fmt.Fprintf(o.out, "Step %s escalated after %d attempts, marked completed by operator\n", step.ID, st.Attempts)
		return true, nil
	case humanFail:
		fmt.Fprintf(o.out, "Step %s escalated after %d attempts, marked failed by operator\n", step.ID, st.Attempts)
		return false, nil
	}

	// Interactive prompt
	fmt.Fprintf(o.out, "\nStep %s (%s) needs the operator after %d attempts", step.ID, step.Name, st.Attempts)
	if st.ErrorMessage != "" {
		fmt.Fprintf(o.out, ": %s", st.ErrorMessage)
	}
	fmt.Fprint(o.out, "\nComplete it by hand, then answer. Succeeded? [y/n]: ")

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line, ok := <-o.lines:
			if !ok {
				return false, fmt.Errorf("input closed while waiting for operator")
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			case "n", "no":
				return false, nil
			}
			fmt.Fprint(o.out, "Please answer y or n: ")
		}
	}
}

func printSnapshot(w io.Writer, a *app, g *assembly.AssemblyGraph, snap sequencer.Snapshot) error {
	if a.jsonOutput {
		return writeJSON(w, snap)
	}

	t := newTable(w, "Step", "Name", "Status", "Attempts", "Duration", "Error")
	// Graph order, or sorted ids for an unordered graph
	ids := append([]string(nil), g.StepOrder...)
	if len(ids) == 0 {
		for id := range snap.StepStates {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	for _, id := range ids {
		st := snap.StepStates[id]
		name := ""
		if s, ok := g.Steps[id]; ok {
			name = truncate(s.Name, 32)
		}
		status := string(st.Status)
		switch st.Status {
		case engine.StepStatusSuccess:
			status = statusColor(true).Sprint(status)
		case engine.StepStatusFailure:
			status = statusColor(false).Sprint(status)
		}
		t.AppendRow([]any{id, name, status, st.Attempts, ms(st.Duration), truncate(st.ErrorMessage, 60)})
	}
	counts := snap.Counts()
	t.AppendFooter([]any{"", string(snap.Phase), fmt.Sprintf("%d/%d ok", counts[engine.StepStatusSuccess], len(snap.StepStates)), "", "", ""})
	t.Render()
	return nil
}
