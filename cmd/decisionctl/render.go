package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/state"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// confidenceStyle colors a confidence by the router's acceptance bands
func confidenceStyle(c float64) lipgloss.Style {
	switch {
	case c >= 0.7:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	case c >= 0.5:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	}
}

func formatConfidence(c float64) string {
	return confidenceStyle(c).Render(fmt.Sprintf("%.0f%%", c*100))
}

func stageLine(snap state.Snapshot) string {
	return fmt.Sprintf("%s %s %s",
		labelStyle.Render(fmt.Sprintf("[attempt %d]", snap.Attempt)),
		snap.Stage,
		formatConfidence(snap.Confidence),
	)
}

func renderDecision(snap state.Snapshot) string {
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render("Decision"),
		"  ",
		formatConfidence(snap.Confidence),
		labelStyle.Render(fmt.Sprintf("  after %d attempt(s)", snap.Attempt)),
	)
	body := []string{header, "", snap.Decision}
	if snap.ReportFile != "" {
		body = append(body, "", labelStyle.Render("report: ")+snap.ReportFile)
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

func renderHistory(records []memory.Record) string {
	if len(records) == 0 {
		return labelStyle.Render("no decisions recorded")
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s  %s  %s\n    %s",
			labelStyle.Render(r.CreatedAt.Format("2006-01-02 15:04")),
			formatConfidence(r.Confidence),
			titleStyle.Render(oneLine(r.Question, 80)),
			oneLine(r.Decision, 100),
		))
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
