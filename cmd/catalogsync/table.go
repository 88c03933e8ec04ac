package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	colorPrimary   = lipgloss.Color("#7D56F4")
	colorSecondary = lipgloss.Color("#6C757D")
	colorSuccess   = lipgloss.Color("#28A745")
	colorInfo      = lipgloss.Color("#17A2B8")
)

const (
	symbolReady   = "✓"
	symbolSyncing = "⟳"
)

// tableStyles holds the styles used by CLI tables.
type tableStyles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Success lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
}

func defaultTableStyles() tableStyles {
	return tableStyles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			MarginBottom(1),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary),

		Cell: lipgloss.NewStyle(),

		Success: lipgloss.NewStyle().
			Foreground(colorSuccess),

		Info: lipgloss.NewStyle().
			Foreground(colorInfo),

		Muted: lipgloss.NewStyle().
			Foreground(colorSecondary),
	}
}

type column struct {
	Title string
	Width int
}

// releaseRow is one line of the releases table.
type releaseRow struct {
	ID        int64
	Client    string
	Content   string
	Ready     bool
	Entries   int
	Files     int
	Size      int64
	CreatedAt time.Time
}

func (r releaseRow) progress() string {
	if r.Ready {
		return fmt.Sprintf("%d/%d", r.Files, r.Files)
	}
	return fmt.Sprintf("%d/%d", r.Entries, r.Files)
}

// renderReleasesTable renders rows newest first as given, with an optional
// footer line.
func renderReleasesTable(rows []releaseRow, footer string) string {
	styles := defaultTableStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Releases") + "\n")

	if len(rows) == 0 {
		b.WriteString(styles.Muted.Render("  No releases recorded") + "\n")
		return b.String()
	}

	columns := []column{
		{Title: "", Width: 2},
		{Title: "ID", Width: 6},
		{Title: "CLIENT", Width: 12},
		{Title: "CONTENT", Width: 20},
		{Title: "FILES", Width: 13},
		{Title: "SIZE", Width: 10},
		{Title: "CREATED", Width: 20},
	}

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = styles.Header.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headers, " ") + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	ready := 0
	for _, r := range rows {
		icon := styles.Info.Render(symbolSyncing)
		if r.Ready {
			icon = styles.Success.Render(symbolReady)
			ready++
		}

		cells := []string{
			icon,
			fmt.Sprintf("%d", r.ID),
			truncate(r.Client, columns[2].Width),
			truncate(r.Content, columns[3].Width),
			r.progress(),
			humanize.IBytes(uint64(r.Size)),
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		for i, col := range columns {
			b.WriteString(styles.Cell.Width(col.Width).Render(cells[i]) + " ")
		}
		b.WriteString("\n")
	}

	summary := fmt.Sprintf("%d releases, %d ready", len(rows), ready)
	if footer != "" {
		summary += "; " + footer
	}
	b.WriteString(fmt.Sprintf("\n%s %s\n", styles.Muted.Render("Total:"), summary))

	return b.String()
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-2] + ".."
}
