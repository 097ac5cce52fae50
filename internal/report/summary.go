package report

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// summaryColumns are shown in the terminal table when present.
var summaryColumns = []string{
	ColSymbol, ColAlphaBeta, "profit_pct", ColDurationYears, ColCAGR, "win_rate_pct", "profit_factor",
}

// RenderSummary prints a compact table of t to w.
func RenderSummary(w io.Writer, t Table) {
	present := map[string]bool{}
	for _, c := range t.Columns {
		present[c] = true
	}
	var cols []string
	for _, c := range summaryColumns {
		if present[c] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateRows = false

	hdr := make(table.Row, len(cols))
	cfgs := make([]table.ColumnConfig, 0, len(cols))
	for i, c := range cols {
		hdr[i] = Header(c)
		cfg := table.ColumnConfig{Number: i + 1, WidthMax: 32}
		if c != ColSymbol && c != ColAlphaBeta {
			cfg.Align = text.AlignRight
			cfg.AlignHeader = text.AlignRight
		}
		cfgs = append(cfgs, cfg)
	}
	tw.AppendHeader(hdr)
	tw.SetColumnConfigs(cfgs)

	for _, r := range t.Rows {
		row := make(table.Row, len(cols))
		for i, c := range cols {
			row[i] = r[c]
		}
		tw.AppendRow(row)
	}
	tw.AppendFooter(table.Row{"rows", len(t.Rows)})
	tw.Render()
}
