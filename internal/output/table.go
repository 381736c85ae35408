package output

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
)

type Table struct {
	Headers []string
	Rows    [][]string
	table   *table.Table
}

func NewTable(headers []string) *Table {
	t := &Table{
		Headers: headers,
		Rows:    [][]string{},
	}
	t.table = table.New().Headers(headers...)
	t.table = t.table.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	return t
}

func (t *Table) ReconcileRows() {
	for _, row := range t.Rows {
		t.table.Row(row...)
	}
	t.Rows = [][]string{}
}

func (t *Table) FormatTable(useMarkdown bool) string {
	t.ReconcileRows()
	if useMarkdown {
		return t.table.Border(lipgloss.MarkdownBorder()).String()
	}
	return t.table.String()
}

func statusCell(status store.Status) string {
	text := string(status)
	switch status {
	case store.StatusCompleted:
		return FSuccess(text)
	case store.StatusError:
		return FError(text)
	case store.StatusPaused, store.StatusStopped:
		return FWarning(text)
	default:
		return FPending(text)
	}
}

func HistoryTable(records []store.Download, markdown bool) string {
	t := NewTable([]string{"ID", "File", "Status", "Progress", "Avg Speed", "Added", "Completed"})
	for _, rec := range records {
		completed := "-"
		if rec.CompletedAt != nil {
			completed = FormatTime(rec.CompletedAt)
		}
		t.Rows = append(t.Rows, []string{
			strconv.FormatUint(rec.ID, 10),
			utils.Truncate(rec.Filename, 40),
			statusCell(rec.Status),
			FormatProgress(rec.Downloaded, rec.TotalSize),
			FormatSpeed(rec.AverageSpeed),
			FormatTime(&rec.AddedAt),
			completed,
		})
	}
	return t.FormatTable(markdown)
}

func SessionsTable(sessions []store.Session, markdown bool) string {
	t := NewTable([]string{"Session", "Started", "Ended", "Start Offset", "Transferred", "Avg Speed"})
	for _, s := range sessions {
		t.Rows = append(t.Rows, []string{
			utils.Truncate(s.ID, 8),
			FormatTime(&s.StartTime),
			FormatTime(s.EndTime),
			FormatBytes(s.StartBytes),
			FormatBytes(s.DownloadedBytes),
			FormatSpeed(s.AverageSpeed),
		})
	}
	return t.FormatTable(markdown)
}

func ActiveTable(infos []engine.Info, markdown bool) string {
	t := NewTable([]string{"File", "Status", "Progress", "Segments", "Speed", "URL"})
	for _, info := range infos {
		done := 0
		for _, seg := range info.Segments {
			if seg.Completed {
				done++
			}
		}
		t.Rows = append(t.Rows, []string{
			utils.Truncate(info.Filename, 40),
			statusCell(info.Status),
			FormatProgress(info.Downloaded, info.TotalSize),
			fmt.Sprintf("%d/%d", done, len(info.Segments)),
			FormatSpeed(info.Speed),
			utils.Truncate(info.URL, 60),
		})
	}
	return t.FormatTable(markdown)
}

func StatsTable(stats store.Stats, markdown bool) string {
	t := NewTable([]string{"Downloads", "Transferred", "Avg Speed", "Updated"})
	t.Rows = append(t.Rows, []string{
		strconv.FormatInt(stats.TotalDownloads, 10),
		FormatBytes(stats.TotalDownloadedBytes),
		FormatSpeed(stats.AverageSpeed),
		FormatTime(&stats.LastUpdated),
	})
	return t.FormatTable(markdown)
}
