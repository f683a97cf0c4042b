// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools to report overlapped steps on the command line.
package commandline

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cosma/pkg/core/overlap"
	"github.com/muesli/termenv"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// SetPlain disables colors and other terminal escape sequences in tables and titles, e.g. when the
// output is redirected to a file.
func SetPlain(plain bool) {
	if plain {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}
}

// Title renders a section title.
func Title(title string) string {
	return titleStyle.Render(title)
}

// NewTable returns a table with alternating row styles, the first column aligned to the right.
func NewTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// ReportStats writes a table with the stats of one step, one row per rank.
func ReportStats(w io.Writer, stats []overlap.Stats) error {
	table := NewTable("Rank", "Pattern", "Chunks", "Remote", "Pushes", "Fetched", "Pushed", "Folds", "Elapsed")
	for _, s := range stats {
		table.Row(
			fmt.Sprint(s.Rank), s.Pattern.String(),
			humanize.Comma(int64(s.Chunks)), humanize.Comma(int64(s.RemoteChunks)), humanize.Comma(int64(s.Pushes)),
			humanize.IBytes(uint64(s.BytesFetched)), humanize.IBytes(uint64(s.BytesPushed)),
			humanize.Comma(int64(s.Folds)), FormatDuration(s.Elapsed))
	}
	_, err := fmt.Fprintln(w, table.Render())
	return err
}

// Slowest returns the longest elapsed time among the stats of the ranks: the duration of the step.
func Slowest(stats []overlap.Stats) time.Duration {
	var slowest time.Duration
	for _, s := range stats {
		slowest = max(slowest, s.Elapsed)
	}
	return slowest
}
