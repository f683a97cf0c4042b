// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cosma/ui/commandline"
	"github.com/janpfeifer/must"
)

// reportConfig prints the problem and the groups running the step.
func reportConfig(cfg config) {
	m, n, k := cfg.strat.Dims()
	st := must.M1(cfg.strat.Step(cfg.stepIndex))
	fmt.Println(commandline.Title("Problem"))
	table := commandline.NewTable("", "")
	table.Row("C = beta*C + A·B", fmt.Sprintf("m=%s, n=%s, k=%s, beta=%g",
		humanize.Comma(int64(m)), humanize.Comma(int64(n)), humanize.Comma(int64(k)), cfg.beta))
	table.Row("strategy", cfg.strat.String())
	table.Row("step", fmt.Sprintf("#%d %s (%s)", cfg.stepIndex, st, st.Pattern()))
	table.Row("ranks", fmt.Sprint(cfg.strat.NumRanks()))
	if cfg.kernel != "" {
		table.Row("kernel", cfg.kernel)
	}
	if cfg.overlap != "" {
		table.Row("engine", cfg.overlap)
	}
	if cfg.latency > 0 {
		table.Row("latency", commandline.FormatDuration(cfg.latency))
	}
	table.Row("repeat", humanize.Comma(int64(cfg.repeat)))
	fmt.Println(table.Render())
}

// reportResult prints the groups, the stats of the last run and the verification.
func reportResult(cfg config, res *result) {
	fmt.Println(commandline.Title("Groups"))
	groups := commandline.NewTable("P", "Communication groups", "m", "n", "k")
	for _, g := range res.groups {
		comms := make([]string, len(g.comms))
		for i, comm := range g.comms {
			ranks := make([]string, len(comm))
			for j, rank := range comm {
				ranks[j] = fmt.Sprint(rank)
			}
			comms[i] = "{" + strings.Join(ranks, ",") + "}"
		}
		groups.Row(g.sp.p.String(), strings.Join(comms, " "), g.sp.m.String(), g.sp.n.String(), g.sp.k.String())
	}
	fmt.Println(groups.Render())

	fmt.Println(commandline.Title("Stats of the last run"))
	must.M(commandline.ReportStats(os.Stdout, res.stats))

	summary := commandline.NewTable("", "")
	var moved int64
	for _, s := range res.stats {
		moved += s.BytesFetched + s.BytesPushed
	}
	summary.Row("moved per step", humanize.IBytes(uint64(moved)))
	summary.Row("slowest rank", commandline.FormatDuration(commandline.Slowest(res.stats)))
	if res.progress != nil {
		summary.Row("median step", commandline.FormatDuration(res.progress.MedianDuration()))
	}
	switch {
	case !cfg.verify:
		summary.Row("verification", "skipped")
	case res.mismatches == 0:
		summary.Row("verification", "ok")
	default:
		summary.Row("verification", fmt.Sprintf("%s mismatches", humanize.Comma(int64(res.mismatches))))
	}
	fmt.Println(summary.Render())
}
