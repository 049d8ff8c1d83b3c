// Package output renders onboarding sessions, runs, and outputs for the
// terminal.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI writes user-facing messages. Quiet drops informational lines and the
// in-place poll line; warnings and errors always go to ErrOut.
type UI struct {
	Verbose bool
	Quiet   bool
	Out     io.Writer
	ErrOut  io.Writer

	// progress is set while a poll line is open on Out.
	progress bool
}

// New creates a UI on stdout and stderr.
func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	pollPrefix    = color.New(color.FgHiBlue).Sprint("  →")
	accent        = color.New(color.FgHiCyan).SprintFunc()
	alert         = color.New(color.FgHiRed).SprintFunc()
)

// Accent highlights an identifier.
func Accent(s string) string { return accent(s) }

// Alert highlights an error message.
func Alert(s string) string { return alert(s) }

// line closes an open poll line before a regular message is printed on Out.
func (u *UI) line(w io.Writer, prefix, format string, a []any) {
	if u.progress && w == u.Out {
		fmt.Fprintln(u.Out)
		u.progress = false
	}
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any) {
	if u.Quiet {
		return
	}
	u.line(u.Out, infoPrefix, format, a)
}

func (u *UI) Success(format string, a ...any) {
	u.line(u.Out, successPrefix, format, a)
}

func (u *UI) Warning(format string, a ...any) {
	u.line(u.ErrOut, warningPrefix, format, a)
}

func (u *UI) Error(format string, a ...any) {
	u.line(u.ErrOut, errorPrefix, format, a)
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		u.line(u.Out, pollPrefix, format, a)
	}
}

// Progress rewrites the current poll line in place.
func (u *UI) Progress(format string, a ...any) {
	if u.Quiet {
		return
	}
	fmt.Fprintf(u.Out, "\r\033[K%s %s", pollPrefix, fmt.Sprintf(format, a...))
	u.progress = true
}

// EndProgress terminates an open poll line. It is a no-op when none is open.
func (u *UI) EndProgress() {
	if u.progress {
		fmt.Fprintln(u.Out)
		u.progress = false
	}
}

// KeyValue prints an aligned "key: value" pair.
func (u *UI) KeyValue(key, value string) {
	fmt.Fprintf(u.Out, "  %-14s %s\n", key+":", value)
}

// Table creates a borderless, left-aligned table on Out.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
