package main

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignAuto columnAlignment = iota
	alignLeft
	alignRight
)

// maxCellWidth bounds free-form cells such as errors and message ids.
const maxCellWidth = 60

// renderTable lays out rows under headers. Columns without an explicit
// alignment are right-aligned when every non-empty cell is numeric.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(toRow(headers, len(headers)))
	for _, row := range rows {
		tw.AppendRow(toRow(row, len(headers)))
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		align := text.AlignLeft
		if columnAlign(aligns, i, rows) == alignRight {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{
			Number:           i + 1,
			Align:            align,
			AlignHeader:      text.AlignLeft,
			WidthMax:         maxCellWidth,
			WidthMaxEnforcer: truncateCell,
		}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func toRow(cells []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range width {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	return row
}

func columnAlign(aligns []columnAlignment, col int, rows [][]string) columnAlignment {
	if col < len(aligns) && aligns[col] != alignAuto {
		return aligns[col]
	}
	numeric := false
	for _, row := range rows {
		if col >= len(row) || row[col] == "" || row[col] == "-" {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSuffix(row[col], "%"), 64); err != nil {
			return alignLeft
		}
		numeric = true
	}
	if numeric {
		return alignRight
	}
	return alignLeft
}

func truncateCell(s string, maxLen int) string {
	if text.RuneWidthWithoutEscSequences(s) <= maxLen || maxLen < 2 {
		return s
	}
	return text.Trim(s, maxLen-1) + "…"
}
