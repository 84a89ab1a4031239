// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LoadReport loads weights into a model built from cfg and prints what happened to each weight:
// skipped weights (shape mismatch) are highlighted in red.
func LoadReport(backend backends.Backend, cfg *deeplab.Config, weights deeplab.Weights) error {
	ctx := context.New()
	cfg.SetParams(ctx)
	report, err := deeplab.LoadWeights(backend, ctx.In(deeplab.Name), cfg, weights)
	if err != nil {
		return err
	}
	printLoadReport(cfg, report)
	return nil
}

func printLoadReport(cfg *deeplab.Config, report *deeplab.LoadReport) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Loading weights: output stride %d, %d classes",
		cfg.OutputStride, cfg.Classes)))
	summary := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	summary.Row("loaded", humanize.Comma(int64(len(report.Loaded))))
	summary.Row("skipped", humanize.Comma(int64(len(report.Skipped))))
	summary.Row("missing", humanize.Comma(int64(len(report.Missing))))
	summary.Row("unused", humanize.Comma(int64(len(report.Unused))))
	fmt.Println(summary.Render())

	if len(report.Skipped)+len(report.Missing)+len(report.Unused) == 0 {
		return
	}
	table := newTableWithReds(true, lipgloss.Left)
	table.Table.Headers("Weight", "Status", "Model Shape", "Available Shape")
	for _, skipped := range report.Skipped {
		table.Row(true, skipped.Key, "skipped", skipped.Model.String(), skipped.Available.String())
	}
	for _, key := range report.Missing {
		table.Row(false, key, "missing", "", "")
	}
	for _, key := range report.Unused {
		table.Row(false, key, "unused", "", "")
	}
	fmt.Println(table.Table.Render())
}
