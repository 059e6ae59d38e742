package commands

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FLASH-73/assembler/pkg/assembly"
	"github.com/FLASH-73/assembler/pkg/engine"
)

// executionInput is the on-disk form of engine.ExecutionData.
type executionInput struct {
	FinalPosition []float64 `json:"final_position"`
	ForceHistory  []float64 `json:"force_history"`
	PeakForce     float64   `json:"peak_force"`
	FinalForce    float64   `json:"final_force"`
	DurationMS    int64     `json:"duration_ms"`
	Frame         string    `json:"frame,omitempty"`
}

// toData converts the input. An explicit empty force_history marks force
// telemetry as collected with no samples.
func (in executionInput) toData() (engine.ExecutionData, error) {
	data := engine.ExecutionData{
		FinalPosition: in.FinalPosition,
		ForceHistory:  in.ForceHistory,
		PeakForce:     in.PeakForce,
		FinalForce:    in.FinalForce,
		ForceSensed:   in.ForceHistory != nil,
		Duration:      time.Duration(in.DurationMS) * time.Millisecond,
	}
	if in.Frame != "" {
		f, err := os.Open(in.Frame)
		if err != nil {
			return data, fmt.Errorf("failed to open frame: %w", err)
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return data, fmt.Errorf("failed to decode frame %s: %w", in.Frame, err)
		}
		data.Frame = img
	}
	return data, nil
}

// newVerifyCommand replays recorded telemetry through the verifier.
func newVerifyCommand(a *app) *cobra.Command {
	var dataFile string

	cmd := &cobra.Command{
		Use:   "verify <assembly.json> <step-id>",
		Short: "Check recorded execution data against a step's success criteria",
		Example: `  assembler verify assembly.json step_004 --data attempt.json

  # attempt.json
  {"final_position": [0, 20, 0], "force_history": [0.5, 1.2, 8.9, 2.1], "frame": "after.png"}`,
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

			// Without --data every checker sees missing telemetry
			var in executionInput
			if dataFile != "" {
				raw, err := os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("failed to read execution data: %w", err)
				}
				if err := json.Unmarshal(raw, &in); err != nil {
					return fmt.Errorf("failed to decode execution data: %w", err)
				}
			}
			data, err := in.toData()
			if err != nil {
				return err
			}

			c, err := a.buildComponents(ctx, nil, g.ID)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(ctx) }()

			// Run the step's checker and report its verdict
			v := c.verifier.Verify(ctx, step, data)
			w := cmd.OutOrStdout()
			if a.jsonOutput {
				if err := writeJSON(w, v); err != nil {
					return err
				}
			} else {
				t := newTable(w, "Step", "Criteria", "Result", "Confidence", "Detail")
				t.AppendRow([]any{step.ID, step.SuccessCriteria.Type, okString(v.Passed), fmt.Sprintf("%.2f", v.Confidence), v.Detail})
				t.Render()
			}
			if !v.Passed {
				return fmt.Errorf("step %s did not meet its success criteria", step.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataFile, "data", "d", "", "execution data JSON file")
	return cmd
}
