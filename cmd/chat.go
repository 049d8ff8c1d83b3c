package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/output"
)

var (
	outputsBrief   string
	outputsContext string
	outputLatest   bool

	reviewApprove    bool
	reviewReject     bool
	reviewFeedback   string
	reviewCategories []string
	reviewReference  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant about a generated output",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <output-id> <message...>",
	Short: "Send a message; the assistant may edit the output",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return chatSendRun(cmd.Context(), a, args[0], strings.Join(args[1:], " "))
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <output-id>",
	Short: "Show the conversation about an output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return chatHistoryRun(cmd.Context(), a, args[0])
	},
}

var outputsCmd = &cobra.Command{
	Use:     "outputs",
	Aliases: []string{"out"},
	Short:   "List and manage generated outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return outputsListRun(cmd.Context(), a)
	},
}

var outputsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List outputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return outputsListRun(cmd.Context(), a)
	},
}

var outputsShowCmd = &cobra.Command{
	Use:   "show <output-id>",
	Short: "Show an output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return outputsShowRun(cmd.Context(), a, args[0])
	},
}

var outputsSeenCmd = &cobra.Command{
	Use:   "seen <output-id>",
	Short: "Mark an output as seen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := a.chat.MarkSeen(cmd.Context(), args[0]); err != nil {
			return err
		}
		ui.Success("Marked %s as seen", args[0])
		return nil
	},
}

var outputsDeleteCmd = &cobra.Command{
	Use:     "delete <output-id>",
	Aliases: []string{"rm"},
	Short:   "Delete an output",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := a.chat.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		ui.Success("Deleted %s", args[0])
		return nil
	},
}

var outputsReviewCmd = &cobra.Command{
	Use:   "review <output-id>",
	Short: "Approve or reject an output",
	Long: `Approve or reject a generated output. A rejection needs --feedback
explaining what to change.

  onboard outputs review out_0003 --approve --reference
  onboard outputs review out_0003 --reject --feedback "too formal" --category tone`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return outputsReviewRun(cmd.Context(), a, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{outputsCmd, outputsListCmd} {
		c.Flags().StringVar(&outputsBrief, "brief", "", "Filter by brief id")
		c.Flags().StringVar(&outputsContext, "context", "", "Filter by company context id")
	}
	outputsShowCmd.Flags().BoolVar(&outputLatest, "latest", false, "Show the newest version")
	outputsReviewCmd.Flags().BoolVar(&reviewApprove, "approve", false, "Approve the output")
	outputsReviewCmd.Flags().BoolVar(&reviewReject, "reject", false, "Reject the output")
	outputsReviewCmd.Flags().StringVar(&reviewFeedback, "feedback", "", "What to change (required with --reject)")
	outputsReviewCmd.Flags().StringArrayVar(&reviewCategories, "category", nil, "Feedback category (repeatable)")
	outputsReviewCmd.Flags().BoolVar(&reviewReference, "reference", false, "Keep as a reference example")
	outputsReviewCmd.MarkFlagsMutuallyExclusive("approve", "reject")
	outputsReviewCmd.MarkFlagsOneRequired("approve", "reject")

	chatCmd.AddCommand(chatSendCmd, chatHistoryCmd)
	outputsCmd.AddCommand(outputsListCmd, outputsShowCmd, outputsSeenCmd, outputsReviewCmd, outputsDeleteCmd)
	rootCmd.AddCommand(chatCmd, outputsCmd)
}

func chatSendRun(ctx context.Context, a *app, outputID, message string) error {
	resp, err := a.chat.Send(ctx, outputID, message)
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "%s %s\n", output.Role("assistant"), resp.Message.Content)
	if o, ok := resp.EditedOutput(); ok {
		ui.Success("Output %s updated to version %d", o.ID, o.Version)
	}
	if resp.ContextChanges.Present() {
		ui.Info("Company context updated")
	}
	if resp.BriefChanges.Present() {
		ui.Info("Brief updated")
	}
	return nil
}

func chatHistoryRun(ctx context.Context, a *app, outputID string) error {
	msgs, err := a.chat.History(ctx, outputID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		ui.Info("No messages yet for %s", outputID)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(ui.Out, "%s %s\n", output.Role(m.Role), m.Content)
	}
	return nil
}

func outputsListRun(ctx context.Context, a *app) error {
	list, err := a.chat.Outputs(ctx, models.OutputFilter{BriefID: outputsBrief, ContextID: outputsContext})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No outputs found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Type", "Version", "New", "Created"})
	for _, o := range list {
		_ = table.Append([]string{
			o.ID,
			o.Title,
			o.OutputType,
			fmt.Sprintf("v%d", o.Version),
			output.NewBadge(o.IsNew),
			o.CreatedAt,
		})
	}
	_ = table.Render()
	return nil
}

func outputsShowRun(ctx context.Context, a *app, id string) error {
	var (
		o   *models.Output
		err error
	)
	if outputLatest {
		o, err = a.chat.Latest(ctx, id)
	} else {
		o, err = a.chat.Output(ctx, id)
	}
	if err != nil {
		return err
	}

	ui.KeyValue("Output", o.ID)
	ui.KeyValue("Title", o.Title)
	ui.KeyValue("Version", fmt.Sprintf("%d", o.Version))
	if o.OutputType != "" {
		ui.KeyValue("Type", o.OutputType)
	}
	if o.BriefID != "" {
		ui.KeyValue("Brief", o.BriefID)
	}
	if o.Status != "" {
		ui.KeyValue("Status", output.State(o.Status))
	}
	body := o.TextContent
	if body == "" {
		body = o.Preview
	}
	if body != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, body)
	}
	return nil
}

func outputsReviewRun(ctx context.Context, a *app, id string) error {
	req := models.ReviewRequest{
		Feedback:           strings.TrimSpace(reviewFeedback),
		FeedbackCategories: reviewCategories,
		IsReference:        reviewReference,
	}
	switch {
	case reviewApprove && !reviewReject:
		req.Status = models.ReviewApproved
	case reviewReject && !reviewApprove:
		req.Status = models.ReviewRejected
	default:
		return fmt.Errorf("pass exactly one of --approve or --reject")
	}

	resp, err := a.chat.Review(ctx, id, req)
	if err != nil {
		return err
	}
	if resp.Status == models.ReviewRejected {
		ui.Warning("Rejected %s", id)
	} else {
		ui.Success("Approved %s", id)
	}
	return nil
}
