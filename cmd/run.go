package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/onboard/internal/execution"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/output"
)

var (
	runBrief  string
	runTopic  string
	runInput  []string
	runFollow bool
	runWatch  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and follow content generation runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a content generation run for a brief",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return runStartRun(cmd.Context(), a)
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show run progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return runStatusRun(cmd.Context(), a, args[0], runWatch)
	},
}

var runStreamCmd = &cobra.Command{
	Use:   "stream <run-id>",
	Short: "Follow a run's live event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return runStreamRun(cmd.Context(), a, args[0])
	},
}

func init() {
	runStartCmd.Flags().StringVar(&runBrief, "brief", "", "Brief id (required)")
	runStartCmd.Flags().StringVar(&runTopic, "topic", "", "Topic of the content (required)")
	runStartCmd.Flags().StringArrayVar(&runInput, "input", nil, "Extra input as key=value (repeatable)")
	runStartCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Stream events until the run ends")
	_ = runStartCmd.MarkFlagRequired("brief")
	_ = runStartCmd.MarkFlagRequired("topic")

	runStatusCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Poll until the run ends")

	runCmd.AddCommand(runStartCmd, runStatusCmd, runStreamCmd)
	rootCmd.AddCommand(runCmd)
}

func parseInputData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid input %q (want key=value)", p)
		}
		data[strings.TrimSpace(k)] = v
	}
	return data, nil
}

func runStartRun(ctx context.Context, a *app) error {
	input, err := parseInputData(runInput)
	if err != nil {
		return err
	}
	id, err := a.runs.Start(ctx, models.StartExecutionRequest{
		BriefID:   runBrief,
		Topic:     runTopic,
		InputData: input,
	})
	if err != nil {
		return err
	}
	ui.Success("Started run %s", id)
	if runFollow {
		return runStreamRun(ctx, a, id)
	}
	ui.Info("Follow with: onboard run stream %s", id)
	return nil
}

func printRun(r *models.Run) {
	ui.KeyValue("Run", r.ID)
	ui.KeyValue("Topic", r.Topic)
	ui.KeyValue("Status", output.State(string(r.Status)))
	ui.KeyValue("Progress", fmt.Sprintf("%.0f%%", r.Progress))
	if r.CurrentStep != "" {
		ui.KeyValue("Step", r.CurrentStep)
	}
	if r.TotalTokens > 0 {
		ui.KeyValue("Tokens", fmt.Sprintf("%d", r.TotalTokens))
		ui.KeyValue("Cost", fmt.Sprintf("$%.4f", r.TotalCostUSD))
	}
	if r.DurationSeconds > 0 {
		ui.KeyValue("Duration", fmt.Sprintf("%.1fs", r.DurationSeconds))
	}
	if r.ErrorMessage != "" {
		ui.KeyValue("Error", output.Alert(r.ErrorMessage))
	}
}

func runStatusRun(ctx context.Context, a *app, id string, watch bool) error {
	if !watch {
		r, err := a.runs.Status(ctx, id)
		if err != nil {
			return err
		}
		printRun(r)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	sub := a.runs.Watch(ctx, id, func(u execution.RunUpdate) {
		if u.Run != nil && u.Run.Status.Active() {
			ui.RunProgress(id, u.Run.Status, u.Run.Progress, u.Run.CurrentStep)
		}
	})
	defer sub.Close()

	r, err := a.runs.Wait(ctx, id)
	ui.EndProgress()
	if err != nil {
		if ctx.Err() != nil {
			ui.Warning("Stopped watching %s", id)
			return nil
		}
		return err
	}
	printRun(r)
	if r.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s %s", id, r.Status)
	}
	return nil
}

func runStreamRun(ctx context.Context, a *app, id string) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	return a.runs.Stream(ctx, id, execution.StreamHandlers{
		OnEvent: printStreamEvent,
	})
}

func printStreamEvent(ev models.StreamEvent) {
	d := ev.Data
	switch ev.Type {
	case models.StreamEventStatus:
		ui.Info("status: %s", output.State(d.Status))
	case models.StreamEventProgress:
		ui.RunProgress("", "", d.Progress, d.Step)
	case models.StreamEventAgentComplete:
		ui.EndProgress()
		ui.Info("%s finished (%d tokens)", d.Agent, d.Tokens)
	case models.StreamEventCompleted:
		ui.EndProgress()
		ui.Success("Completed: output %s, %d tokens, $%.4f", d.OutputID, d.TotalTokens, d.TotalCostUSD)
	case models.StreamEventError:
		ui.EndProgress()
		ui.Error("%s", d.Error)
	default:
		ui.VerboseLog("event %s", ev.Type)
	}
}
