package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/onboard/internal/apiclient"
	"github.com/joescharf/onboard/internal/health"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/output"
	"github.com/joescharf/onboard/internal/sessions"
)

var (
	startBrand   string
	startEmail   string
	startWebsite string
	startGoal    string
	startContext string
	startWatch   bool

	answersFile  string
	answersSet   []string
	answersWatch bool

	statusWatch  bool
	historyLimit int
	forgetPurge  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start onboarding research for a brand",
	Long: `Start a new onboarding session. Research runs on the backend and can
take a minute; the clarifying questions are printed when it returns.

Any previously active session is forgotten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return startRun(cmd.Context(), a)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer [session-id]",
	Short: "Answer the clarifying questions",
	Long: `Submit answers for a session (default: the active session).

Answers come from --answers-file (YAML or JSON object keyed by question id),
from repeated --set id=value flags, or, when neither is given, from an
interactive prompt for each question.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return answerRun(cmd.Context(), a, argOr(args, ""), cmd.InOrStdin())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session state",
	Long: `Show the state of a session (default: the active session).

With --watch the status is polled while the backend works, until the
session needs input or finishes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return statusRun(cmd.Context(), a, argOr(args, ""), statusWatch)
	},
}

var detailsCmd = &cobra.Command{
	Use:   "details [session-id]",
	Short: "Show research snapshot, questions, and answers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return detailsRun(cmd.Context(), a, argOr(args, ""))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Reload the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		s, err := a.sessions.Resume(cmd.Context())
		if err != nil {
			return err
		}
		ui.Success("Resumed session %s", s.ID)
		ui.Session(s)
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget [session-id]",
	Short: "Forget the active session",
	Long: `Forget the active session. The session keeps running on the backend.

With --purge the session (default: the active one) is also removed from the
local history along with its recorded state changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return forgetRun(cmd.Context(), a, argOr(args, ""), forgetPurge)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List sessions started here, or one session's state changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return transitionsRun(cmd.Context(), a, args[0])
		}
		return historyRun(cmd.Context(), a)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the onboarding backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp(cmd.Context())
		if err != nil {
			return err
		}
		return healthRun(cmd.Context(), a)
	},
}

func init() {
	startCmd.Flags().StringVar(&startBrand, "brand", "", "Brand name (required)")
	startCmd.Flags().StringVar(&startEmail, "email", "", "Email for delivery (required)")
	startCmd.Flags().StringVar(&startWebsite, "website", "", "Brand website")
	startCmd.Flags().StringVar(&startGoal, "goal", "", "Content goal, e.g. linkedin_post")
	startCmd.Flags().StringVar(&startContext, "context", "", "Additional context for research")
	startCmd.Flags().BoolVarP(&startWatch, "watch", "w", false, "Poll until research finishes")
	_ = startCmd.MarkFlagRequired("brand")
	_ = startCmd.MarkFlagRequired("email")

	answerCmd.Flags().StringVarP(&answersFile, "answers-file", "f", "", "YAML or JSON file of answers keyed by question id")
	answerCmd.Flags().StringArrayVar(&answersSet, "set", nil, "Answer as id=value (repeatable)")
	answerCmd.Flags().BoolVarP(&answersWatch, "watch", "w", false, "Poll until content is delivered")

	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Poll while the backend works")
	forgetCmd.Flags().BoolVar(&forgetPurge, "purge", false, "Also delete the session from local history")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum sessions to list")

	rootCmd.AddCommand(startCmd, answerCmd, statusCmd, detailsCmd, resumeCmd, forgetCmd, historyCmd, healthCmd)
}

func argOr(args []string, def string) string {
	if len(args) > 0 {
		return args[0]
	}
	return def
}

// resolveSession returns id, or the active session when id is empty.
func resolveSession(ctx context.Context, a *app, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	active, ok := a.sessions.ActiveSessionID(ctx)
	if !ok {
		return "", fmt.Errorf("%w (run 'onboard start' or pass a session id)", sessions.ErrNoActiveSession)
	}
	return active, nil
}

// sessionErr drops the active session when the backend no longer knows it.
func sessionErr(ctx context.Context, a *app, id string, err error) error {
	if a.sessions.ForgetIfGone(ctx, id, err) {
		return fmt.Errorf("%w (forgot the active session; run 'onboard start')", err)
	}
	return err
}

func startRun(ctx context.Context, a *app) error {
	ui.Info("Researching %s, this can take a minute...", startBrand)
	resp, err := a.sessions.Start(ctx, models.StartRequest{
		BrandName:         startBrand,
		Email:             startEmail,
		Website:           startWebsite,
		Goal:              startGoal,
		AdditionalContext: startContext,
	})
	if err != nil {
		return err
	}

	ui.Success("Started session %s", resp.SessionID)
	if resp.State != "" {
		ui.KeyValue("State", output.State(string(resp.State)))
	}
	if sum := resp.SnapshotSummary; sum != nil {
		ui.KeyValue("Company", sum.CompanyName)
		if sum.Industry != "" {
			ui.KeyValue("Industry", sum.Industry)
		}
		if sum.Description != "" {
			ui.KeyValue("Summary", sum.Description)
		}
	}
	if resp.Message != "" {
		ui.KeyValue("Message", resp.Message)
	}
	ui.Questions(resp.ClarifyingQuestions)

	if startWatch {
		return statusRun(ctx, a, resp.SessionID, true)
	}
	if len(resp.ClarifyingQuestions) > 0 {
		ui.Info("Answer with: onboard answer")
	}
	return nil
}

func answerRun(ctx context.Context, a *app, id string, in io.Reader) error {
	id, err := resolveSession(ctx, a, id)
	if err != nil {
		return err
	}

	answers := map[string]any{}
	if answersFile != "" {
		fromFile, err := readAnswersFile(answersFile)
		if err != nil {
			return err
		}
		for k, v := range fromFile {
			answers[k] = v
		}
	}
	set, err := parseAnswerFlags(answersSet)
	if err != nil {
		return err
	}
	for k, v := range set {
		answers[k] = v
	}

	if answersFile == "" && len(answersSet) == 0 {
		d, err := a.sessions.Details(ctx, id)
		if err != nil {
			return sessionErr(ctx, a, id, err)
		}
		if len(d.Questions) == 0 {
			return fmt.Errorf("session %s has no questions to answer", id)
		}
		answers, err = promptAnswers(d.Questions, in)
		if err != nil {
			return err
		}
	}

	resp, err := a.sessions.SubmitAnswers(ctx, id, answers)
	if err != nil {
		return sessionErr(ctx, a, id, err)
	}
	ui.Success("Submitted %d answer(s) for %s", len(answers), id)
	if resp.State != "" {
		ui.KeyValue("State", output.State(string(resp.State)))
	}
	if n := resp.CreatedCards(); n > 0 {
		ui.KeyValue("Cards", fmt.Sprintf("%d", n))
	}
	if resp.Message != "" {
		ui.KeyValue("Message", resp.Message)
	}
	if answersWatch {
		return statusRun(ctx, a, id, true)
	}
	return nil
}

// readAnswersFile parses a YAML (or JSON) mapping of question id to answer.
func readAnswersFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	var answers map[string]any
	if err := yaml.Unmarshal(data, &answers); err != nil {
		return nil, fmt.Errorf("parse answers %s: %w", path, err)
	}
	if answers == nil {
		return nil, fmt.Errorf("answers file %s is empty", path)
	}
	return answers, nil
}

// parseAnswerFlags turns id=value pairs into answers. Repeated ids collect
// their values into a list.
func parseAnswerFlags(pairs []string) (map[string]any, error) {
	answers := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid answer %q (want id=value)", p)
		}
		switch prev := answers[k].(type) {
		case nil:
			answers[k] = v
		case string:
			answers[k] = []string{prev, v}
		case []string:
			answers[k] = append(prev, v)
		}
	}
	return answers, nil
}

// promptAnswers asks each question on ui.Out and reads one line per answer.
// Blank answers to optional questions are skipped.
func promptAnswers(qs []models.Question, in io.Reader) (map[string]any, error) {
	r := bufio.NewReader(in)
	answers := map[string]any{}
	for _, q := range qs {
		for {
			fmt.Fprintf(ui.Out, "%s\n", q.Question)
			if len(q.Options) > 0 {
				fmt.Fprintf(ui.Out, "  (%s)\n", strings.Join(q.Options, " / "))
			}
			fmt.Fprint(ui.Out, "> ")
			line, err := r.ReadString('\n')
			line = strings.TrimSpace(line)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			if line != "" {
				answers[q.ID] = line
				break
			}
			if !q.Required {
				break
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("question %s requires an answer", q.ID)
			}
			ui.Warning("An answer is required")
		}
	}
	return answers, nil
}

// statusRun prints a session's status. With watch it follows the session
// until polling stops or the user interrupts.
func statusRun(ctx context.Context, a *app, id string, watch bool) error {
	id, err := resolveSession(ctx, a, id)
	if err != nil {
		return err
	}
	if !watch {
		s, err := a.sessions.Status(ctx, id)
		if err != nil {
			return sessionErr(ctx, a, id, err)
		}
		ui.Session(s)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	type result struct {
		session *models.Session
		err     error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	sub, err := a.sessions.WatchStatus(ctx, id, func(u sessions.StatusUpdate) {
		switch {
		case u.Err != nil && u.Session != nil && u.NextPoll > 0 && transient(u.Err):
			ui.PollFailed(id, string(u.Session.State), u.NextPoll, u.Err)
		case u.Err != nil:
			finish(result{err: u.Err})
		case u.Session == nil:
		case u.NextPoll > 0:
			ui.Polling(id, string(u.Session.State), u.NextPoll)
		default:
			finish(result{session: u.Session})
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	select {
	case r := <-done:
		ui.EndProgress()
		if r.err != nil {
			return sessionErr(ctx, a, id, r.err)
		}
		ui.Session(r.session)
		if r.session.State.Failed() {
			return fmt.Errorf("session %s %s", id, r.session.State)
		}
		return nil
	case <-ctx.Done():
		ui.EndProgress()
		ui.Warning("Stopped watching %s", id)
		return nil
	}
}

// transient reports whether a failed status check is worth waiting out.
func transient(err error) bool {
	return errors.Is(err, apiclient.ErrNetwork) ||
		errors.Is(err, apiclient.ErrServer) ||
		errors.Is(err, apiclient.ErrRateLimited)
}

func detailsRun(ctx context.Context, a *app, id string) error {
	id, err := resolveSession(ctx, a, id)
	if err != nil {
		return err
	}
	d, err := a.sessions.Details(ctx, id)
	if err != nil {
		return sessionErr(ctx, a, id, err)
	}
	ui.Session(&d.Session)
	if d.Website != "" {
		ui.KeyValue("Website", d.Website)
	}
	if d.UserEmail != "" {
		ui.KeyValue("Email", d.UserEmail)
	}
	if snap := d.Snapshot; snap != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "Snapshot:")
		ui.KeyValue("Company", snap.Company.Name)
		if snap.Company.Industry != "" {
			ui.KeyValue("Industry", snap.Company.Industry)
		}
		if snap.Company.Description != "" {
			ui.KeyValue("Description", snap.Company.Description)
		}
		if len(snap.Company.KeyOfferings) > 0 {
			ui.KeyValue("Offerings", strings.Join(snap.Company.KeyOfferings, ", "))
		}
	}
	ui.Questions(d.Questions)
	if len(d.Answers) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "Answers:")
		keys := make([]string, 0, len(d.Answers))
		for k := range d.Answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ui.KeyValue(k, fmt.Sprintf("%v", d.Answers[k]))
		}
	}
	return nil
}

func historyRun(ctx context.Context, a *app) error {
	records, err := a.sessions.History(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		ui.Info("No sessions yet. Use 'onboard start' to begin.")
		return nil
	}

	active, _ := a.sessions.ActiveSessionID(ctx)
	table := ui.Table([]string{"", "Session", "Brand", "State", "Started", "Updated"})
	for _, r := range records {
		mark := ""
		if r.ID == active {
			mark = "*"
		}
		_ = table.Append([]string{
			mark,
			r.ID,
			r.BrandName,
			output.State(string(r.LastState)),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			output.Ago(r.UpdatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func forgetRun(ctx context.Context, a *app, id string, purge bool) error {
	active, ok := a.sessions.ActiveSessionID(ctx)
	if !purge {
		if id != "" && id != active {
			return fmt.Errorf("%s is not the active session (use --purge to drop it from history)", id)
		}
		a.sessions.Forget(ctx)
		if ok {
			ui.Success("Forgot session %s", active)
		} else {
			ui.Info("No active session")
		}
		return nil
	}

	if id == "" {
		if !ok {
			return fmt.Errorf("%w (pass a session id to purge)", sessions.ErrNoActiveSession)
		}
		id = active
	}
	if err := a.sessions.Purge(ctx, id); err != nil {
		return err
	}
	ui.Success("Purged session %s from local history", id)
	return nil
}

func transitionsRun(ctx context.Context, a *app, id string) error {
	ts, err := a.sessions.Transitions(ctx, id)
	if err != nil {
		return err
	}
	if rec, err := a.sessions.Record(ctx, id); err == nil {
		ui.KeyValue("Session", rec.ID)
		ui.KeyValue("Brand", rec.BrandName)
		ui.KeyValue("Started", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintln(ui.Out)
	}
	if len(ts) == 0 {
		ui.Info("No state changes recorded for %s", id)
		return nil
	}
	table := ui.Table([]string{"Recorded", "State", "Error"})
	for _, t := range ts {
		_ = table.Append([]string{
			t.RecordedAt.Local().Format("2006-01-02 15:04:05"),
			output.State(string(t.State)),
			t.ErrorMessage,
		})
	}
	_ = table.Render()
	return nil
}

func healthRun(ctx context.Context, a *app) error {
	resp, err := a.sessions.Health(ctx)
	if err != nil {
		return err
	}
	r := health.NewScorer().Score(resp)

	ui.KeyValue("Status", resp.Status)
	if r.Version != "" {
		ui.KeyValue("Version", r.Version)
	}
	ui.KeyValue("Score", output.Score(r.Total))
	ui.KeyValue("Backend", fmt.Sprintf("%d/40", r.BackendStatus))
	ui.KeyValue("Services", fmt.Sprintf("%d/40", r.Services))
	ui.KeyValue("Content", fmt.Sprintf("%d/20", r.ContentService))
	if len(r.Down) > 0 {
		ui.KeyValue("Down", output.Alert(strings.Join(r.Down, ", ")))
	}
	return nil
}
