package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Iron-Ham/wpflow/internal/merge"
)

var (
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray
)

// printer writes command output, styled only when w is a terminal.
type printer struct {
	w     io.Writer
	width int // terminal columns; 0 when not a terminal
	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	muted lipgloss.Style
	code  lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	if !isTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	width := 0
	if f, ok := w.(*os.File); ok && isTerminal(w) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = cols
		}
	}
	return &printer{
		w:     w,
		width: width,
		title: r.NewStyle().Bold(true).Foreground(primaryColor),
		ok:    r.NewStyle().Foreground(secondaryColor),
		warn:  r.NewStyle().Foreground(warningColor),
		bad:   r.NewStyle().Foreground(errorColor).Bold(true),
		muted: r.NewStyle().Foreground(mutedColor),
		code:  r.NewStyle().Foreground(mutedColor).PaddingLeft(2),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) println(s string) {
	fmt.Fprintln(p.w, s)
}

// fit truncates a styled line to the terminal width. Escape sequences do
// not count toward the width.
func (p *printer) fit(s string) string {
	if p.width <= 3 || lipgloss.Width(s) <= p.width {
		return s
	}
	return ansi.Truncate(s, p.width, "...")
}

func (p *printer) heading(s string) {
	p.println(p.title.Render(s))
}

// label turns identifiers such as "merge_loop" into "Merge Loop".
func label(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

func (p *printer) preflight(res *merge.PreflightResult) {
	if res == nil {
		return
	}
	p.heading("Preflight")
	for _, b := range res.Branches {
		if b.OK() {
			p.printf("  %s %s %s\n", p.ok.Render("✓"), b.WPID, p.muted.Render(b.Branch))
			continue
		}
		p.println(p.fit(fmt.Sprintf("  %s %s %s: %s", p.bad.Render("✗"), b.WPID, label(string(b.Problem)), b.Error)))
	}
	if !res.TargetClean {
		p.printf("  %s %s\n", p.bad.Render("✗"), res.TargetMessage)
	}
	if res.TargetDiverged {
		mark := p.bad.Render("✗")
		if res.Passed {
			mark = p.warn.Render("!")
		}
		p.printf("  %s %s\n", mark, res.TargetDivergenceMessage)
	}
	p.println("")
}

func (p *printer) forecast(predictions []merge.ConflictPrediction) {
	p.heading("Conflict forecast")
	if len(predictions) == 0 {
		p.println("  No overlapping changes between work packages.")
		p.println("")
		return
	}
	for _, c := range predictions {
		kind := p.warn.Render("code")
		if c.IsReconcilableMetadata {
			kind = p.muted.Render("metadata, reconciled")
		}
		p.println(p.fit(fmt.Sprintf("  %s (%s): %s", c.FilePath, kind, strings.Join(c.ConflictingWPs, " → "))))
	}
	p.println("")
}

func (p *printer) result(res *merge.Result) {
	if res == nil {
		return
	}
	p.preflight(res.Preflight)

	if len(res.Order) > 0 {
		p.printf("%s %s\n", p.title.Render("Merge order:"), strings.Join(res.Order, ", "))
	}
	if res.DryRun && res.Success {
		p.forecast(res.Forecast)
		p.heading("Commands")
		for _, c := range res.Commands {
			p.println(p.code.Render(c))
		}
		p.println("")
		p.println(p.muted.Render("Dry run - no changes made."))
	}

	for _, w := range res.Warnings {
		p.printf("%s %s\n", p.warn.Render("Warning:"), w)
	}

	switch {
	case res.Success && !res.DryRun:
		p.printf("%s merged %d work package(s) into %s\n", p.ok.Render("Done:"), len(res.Merged), res.Target)
	case !res.Success:
		p.printf("%s at stage %s\n", p.bad.Render("Failed"), label(string(res.FailedAt)))
		if len(res.Merged) > 0 {
			p.printf("  Already merged: %s\n", strings.Join(res.Merged, ", "))
		}
		if len(res.ConflictFiles) > 0 {
			p.printf("  %s conflicts in:\n", res.FailedWP)
			for _, f := range res.ConflictFiles {
				p.println(p.code.Render(f))
			}
		}
	}
}

func (p *printer) state(st *merge.MergeState) {
	p.heading(fmt.Sprintf("Merge %s", st.RunID))
	p.printf("  Feature:   %s\n", st.FeatureSlug)
	p.printf("  Target:    %s\n", st.TargetBranch)
	p.printf("  Strategy:  %s\n", st.Strategy)
	p.printf("  Progress:  %d/%d\n", len(st.CompletedWPs), len(st.WPOrder))
	for _, id := range st.WPOrder {
		switch {
		case st.IsCompleted(id):
			p.printf("    %s %s\n", p.ok.Render("✓"), id)
		case id == st.CurrentWP && st.HasPendingConflicts:
			p.printf("    %s %s %s\n", p.bad.Render("✗"), id, p.bad.Render("conflicts pending"))
		case id == st.CurrentWP:
			p.printf("    %s %s %s\n", p.warn.Render("…"), id, p.muted.Render("in progress"))
		default:
			p.printf("    %s %s\n", p.muted.Render("·"), id)
		}
	}
	p.printf("  Updated:   %s\n", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}
