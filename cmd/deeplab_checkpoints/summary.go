// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/deeplab/pkg/models/deeplab"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"golang.org/x/exp/maps"
)

// variablesSize returns the number of variables, parameters and bytes under the scope of ctx.
func variablesSize(ctx *context.Context) (numVars, numParams int, memory uintptr) {
	for v := range ctx.IterVariablesInScope() {
		numVars++
		numParams += v.Shape().Size()
		memory += v.Shape().Memory()
	}
	return
}

// Summary prints the model configuration stored in the checkpoint and the size of its variables.
func Summary(ctx, scopedCtx *context.Context, checkpointPath string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	table.Row("scope", scopedCtx.Scope())
	table.Row("model", deeplab.Name)
	outputStride := context.GetParamOr(ctx, deeplab.ParamOutputStride, 0)
	classes := context.GetParamOr(ctx, deeplab.ParamClasses, 0)
	if outputStride > 0 {
		table.Row("output stride", fmt.Sprintf("%d", outputStride))
	}
	if classes > 0 {
		table.Row("classes", fmt.Sprintf("%d", classes))
	}

	numVars, numParams, memory := variablesSize(scopedCtx)
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes", humanize.IBytes(uint64(memory)))
	fmt.Println(table.Render())
}

// Params prints the hyperparameters stored in the checkpoint.
func Params(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newPlainTable(true, lipgloss.Left)
	table.Headers("Scope", "Name", "Type", "Value")

	type scopeKey struct{ Scope, Key string }
	values := make(map[scopeKey]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		values[scopeKey{Scope: scope, Key: key}] = value
	})
	keys := maps.Keys(values)
	slices.SortFunc(keys, func(a, b scopeKey) int {
		if cmp := strings.Compare(a.Scope, b.Scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Key, b.Key)
	})
	for _, key := range keys {
		value := values[key]
		table.Row(key.Scope, key.Key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	fmt.Println(table.Render())
}
