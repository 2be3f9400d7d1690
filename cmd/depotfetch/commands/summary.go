package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/depotfetch/pkg/changelist"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4/replay"
	"github.com/Sumatoshi-tech/depotfetch/pkg/stopwatch"
)

const (
	statusOK     = "ok"
	statusFailed = "failed"
	timeRounding = time.Millisecond
)

type summaryRow struct {
	change   string
	user     string
	files    int
	included int
	bytes    uint64
	ok       bool
}

// summary collects one row per consumed changelist for the final report.
type summary struct {
	rows []summaryRow
	sw   stopwatch.Stopwatch
}

func newSummary() *summary {
	return &summary{sw: stopwatch.Start()}
}

func (s *summary) add(row summaryRow) {
	s.rows = append(s.rows, row)
}

// markFailure records the changelist that halted the run when its consumer
// never produced a row.
func (s *summary) markFailure(headers []changelist.Header) {
	if n := len(s.rows); n > 0 && !s.rows[n-1].ok {
		return
	}

	if len(s.rows) < len(headers) {
		h := headers[len(s.rows)]
		s.rows = append(s.rows, summaryRow{change: h.Number, user: h.User})
	}
}

func (s *summary) render(w io.Writer, colorize bool, calls replay.Calls) {
	okColor := color.New(color.FgGreen)
	failColor := color.New(color.FgRed)

	if !colorize {
		okColor.DisableColor()
		failColor.DisableColor()
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateColumns = false

	tbl.AppendHeader(table.Row{"Change", "User", "Files", "Included", "Size", "Status"})

	var (
		files, included int
		bytes           uint64
	)

	for _, row := range s.rows {
		status := okColor.Sprint(statusOK)
		if !row.ok {
			status = failColor.Sprint(statusFailed)
		}

		tbl.AppendRow(table.Row{
			row.change,
			row.user,
			strconv.Itoa(row.files),
			strconv.Itoa(row.included),
			humanize.Bytes(row.bytes),
			status,
		})

		files += row.files
		included += row.included
		bytes += row.bytes
	}

	tbl.AppendFooter(table.Row{
		fmt.Sprintf("Total: %d", len(s.rows)),
		"",
		strconv.Itoa(files),
		strconv.Itoa(included),
		humanize.Bytes(bytes),
		s.sw.Elapsed().Round(timeRounding).String(),
	})

	tbl.Render()

	fmt.Fprintf(w, "\n%d describe and %d print calls\n", calls.Describes, calls.Prints)
}
