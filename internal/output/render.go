package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/joescharf/onboard/internal/models"
)

// Tone groups session states, run statuses, and output statuses by what
// they ask of the user.
type Tone int

const (
	ToneUnknown Tone = iota
	// ToneWorking: the backend is busy and polling continues.
	ToneWorking
	// ToneNeedsInput: the user has to act.
	ToneNeedsInput
	ToneFinished
	ToneFailed
)

var tones = map[string]Tone{
	"researching":      ToneWorking,
	"synthesizing":     ToneWorking,
	"executing":        ToneWorking,
	"generating_cards": ToneWorking,
	"delivering":       ToneWorking,
	"pending":          ToneWorking,
	"running":          ToneWorking,
	"questions_ready":  ToneNeedsInput,
	"awaiting_user":    ToneNeedsInput,
	"payload_ready":    ToneNeedsInput,
	"draft":            ToneNeedsInput,
	"done":             ToneFinished,
	"completed":        ToneFinished,
	"approved":         ToneFinished,
	"failed":           ToneFailed,
	"error":            ToneFailed,
	"cancelled":        ToneFailed,
	"rejected":         ToneFailed,
}

var toneColors = map[Tone]*color.Color{
	ToneWorking:    color.New(color.FgHiYellow),
	ToneNeedsInput: color.New(color.FgHiGreen),
	ToneFinished:   color.New(color.FgHiCyan),
	ToneFailed:     color.New(color.FgHiRed),
}

// ToneOf classifies a state name case-insensitively.
func ToneOf(state string) Tone {
	return tones[strings.ToLower(state)]
}

// State colors a state name by its tone. Unknown states print plain.
func State(state string) string {
	if c, ok := toneColors[ToneOf(state)]; ok {
		return c.Sprint(state)
	}
	return state
}

// Score renders a 0-100 health score, green from 80 and yellow from 50.
func Score(score int) string {
	s := fmt.Sprintf("%d/100", score)
	switch {
	case score >= 80:
		return toneColors[ToneNeedsInput].Sprint(s)
	case score >= 50:
		return toneColors[ToneWorking].Sprint(s)
	default:
		return toneColors[ToneFailed].Sprint(s)
	}
}

// Role labels a chat speaker.
func Role(role string) string {
	if role == "assistant" {
		return accent(role + ":")
	}
	return toneColors[ToneNeedsInput].Sprint(role + ":")
}

// NewBadge marks an output the user has not opened yet.
func NewBadge(isNew bool) string {
	if !isNew {
		return ""
	}
	return toneColors[ToneNeedsInput].Sprint("new")
}

// Ago formats t relative to now.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Polling shows the state of a polled session or run and when it is
// checked next.
func (u *UI) Polling(id, state string, next time.Duration) {
	u.Progress("%s: %s (next check in %s)", id, State(state), next.Round(time.Second))
}

// PollFailed shows a failed check that will be retried after next. The
// last good state stays on the line.
func (u *UI) PollFailed(id, state string, next time.Duration, err error) {
	u.Progress("%s: %s, check failed (%v), retrying in %s", id, State(state), err, next.Round(time.Second))
}

// RunProgress shows a content run's completion and current step.
func (u *UI) RunProgress(id string, status models.RunStatus, pct float64, step string) {
	prefix := ""
	if id != "" {
		prefix = id + ": "
	}
	if status != "" {
		prefix += State(string(status)) + " "
	}
	u.Progress("%s%.0f%% %s", prefix, pct, step)
}

// Session prints the status fields of a session that are set.
func (u *UI) Session(s *models.Session) {
	u.KeyValue("Session", s.ID)
	if s.BrandName != "" {
		u.KeyValue("Brand", s.BrandName)
	}
	u.KeyValue("State", State(string(s.State)))
	if s.Goal != "" {
		u.KeyValue("Goal", s.Goal)
	}
	if s.ContextID != "" {
		u.KeyValue("Context", s.ContextID)
	}
	if s.RunID != "" {
		u.KeyValue("Run", s.RunID)
	}
	if s.DeliveryStatus != "" {
		u.KeyValue("Delivery", s.DeliveryStatus)
	}
	if s.ErrorMessage != "" {
		u.KeyValue("Error", Alert(s.ErrorMessage))
	}
}

// Questions lists clarifying questions, marking required ones with "*".
func (u *UI) Questions(qs []models.Question) {
	if len(qs) == 0 {
		return
	}
	fmt.Fprintln(u.Out)
	fmt.Fprintf(u.Out, "Questions (%d):\n", len(qs))
	for _, q := range qs {
		req := ""
		if q.Required {
			req = toneColors[ToneWorking].Sprint(" *")
		}
		fmt.Fprintf(u.Out, "  [%s]%s %s\n", accent(q.ID), req, q.Question)
		if len(q.Options) > 0 {
			fmt.Fprintf(u.Out, "        options: %s\n", strings.Join(q.Options, ", "))
		}
	}
}
