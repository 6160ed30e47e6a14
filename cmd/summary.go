package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/JakeFAU/aardwiki/internal/pipeline"
	"github.com/JakeFAU/aardwiki/internal/store"
)

// renderSummary formats a run summary as a two-column table.
func renderSummary(sum pipeline.Summary, colorize bool) string {
	tw := table.NewWriter()
	if colorize {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	tw.AppendHeader(table.Row{"Run", sum.RunID.String()})

	status := string(sum.Status)
	if colorize {
		status = statusColor(sum.Status).Sprint(status)
	}
	tw.AppendRows([]table.Row{
		{"Language", sum.Lang},
		{"Status", status},
		{"Processed", count(sum.Counters.Processed)},
		{"Errors", count(sum.Counters.Errors)},
		{"Timed out", count(sum.Counters.TimedOut)},
		{"Skipped", count(sum.Counters.Skipped)},
	})
	if sum.Generations > 0 {
		tw.AppendRows([]table.Row{
			{"Pool generations", strconv.Itoa(sum.Generations)},
			{"Pool resets", strconv.Itoa(sum.Resets)},
			{"Retired titles", strconv.Itoa(sum.Retired)},
			{"Lost workers", strconv.Itoa(sum.Lost)},
		})
	}
	if !sum.StartedAt.IsZero() && !sum.FinishedAt.IsZero() {
		tw.AppendRow(table.Row{"Duration", sum.Duration().Round(time.Millisecond).String()})
	}
	for i, a := range sum.Artifacts {
		label := ""
		if i == 0 {
			label = "Artifacts"
		}
		tw.AppendRow(table.Row{label, a})
	}
	if sum.Error != "" {
		tw.AppendRow(table.Row{"Error", sum.Error})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft, WidthMax: 100},
	})
	return tw.Render()
}

func printSummary(w io.Writer, sum pipeline.Summary, colorize bool) {
	if sum.Status == "" {
		return
	}
	_, _ = fmt.Fprintln(w, renderSummary(sum, colorize))
}

func statusColor(s store.RunStatus) text.Colors {
	switch s {
	case store.RunSuccess:
		return text.Colors{text.FgGreen}
	case store.RunCanceled:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgRed}
	}
}

func count(n int64) string {
	return strconv.FormatInt(n, 10)
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
