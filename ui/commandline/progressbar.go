// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cosma/pkg/core/overlap"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

// numStatsRows is the number of rows of the stats table displayed above the bar.
const numStatsRows = 4

// Progress displays a progress bar over repeated runs of a step. Unless plain, a table with the running stats
// (median step duration, bytes moved) is redrawn above the bar asynchronously, so slow terminals don't slow
// down the runs.
type Progress struct {
	numRuns int
	bar     *progressbar.ProgressBar
	plain   bool

	mu        sync.Mutex
	durations []time.Duration
	moved     int64
	folds     int

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgress creates and displays a progress bar for numRuns runs.
func NewProgress(numRuns int, plain bool) *Progress {
	p := &Progress{numRuns: numRuns, plain: plain}
	p.bar = progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!plain),
		progressbar.OptionEnableColorCodes(!plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	if plain {
		return p
	}
	p.isFirstOutput = true
	p.termenv = termenv.NewOutput(os.Stdout)
	p.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.updates = make(chan progressUpdate, 100)
	p.asyncUpdatesDone.Add(1)
	go p.drawUpdates()
	return p
}

// drawUpdates redraws the stats table and the bar, collapsing pending updates into the last one.
func (p *Progress) drawUpdates() {
	defer p.asyncUpdatesDone.Done()
	for update := range p.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		p.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			p.statsTable.Row(row[0], row[1])
		}
		p.termenv.HideCursor()
		if !p.isFirstOutput {
			// Table rows, its borders, the bar and the empty line after it.
			p.termenv.CursorPrevLine(numStatsRows + 2 + 2)
		}
		p.isFirstOutput = false
		fmt.Println(p.statsStyle.Render(p.statsTable.String()))
		_ = p.bar.Add(amount)
		fmt.Println()
		p.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Update reports one more run, with the stats of every rank.
func (p *Progress) Update(stats []overlap.Stats) {
	p.mu.Lock()
	p.durations = append(p.durations, Slowest(stats))
	for _, s := range stats {
		p.moved += s.BytesFetched + s.BytesPushed
		p.folds += s.Folds
	}
	run := len(p.durations)
	rows := [][2]string{
		{"Run", fmt.Sprintf("%s of %s", humanize.Comma(int64(run)), humanize.Comma(int64(p.numRuns)))},
		{"Median step duration", FormatDuration(Median(p.durations))},
		{"Moved", humanize.IBytes(uint64(p.moved))},
		{"Folds", humanize.Comma(int64(p.folds))},
	}
	p.mu.Unlock()

	if p.plain {
		_ = p.bar.Add(1)
		return
	}
	p.updates <- progressUpdate{amount: 1, rows: rows}
}

// MedianDuration returns the median of the step durations reported so far.
func (p *Progress) MedianDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Median(p.durations)
}

// Done waits for pending updates to be displayed and finishes the bar.
func (p *Progress) Done() {
	if p.updates != nil {
		close(p.updates)
	}
	p.asyncUpdatesDone.Wait()
	if p.termenv != nil {
		p.termenv.ShowCursor()
	}
	fmt.Println()
}
