// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// variableStats holds the MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value)
// of a variable.
type variableStats struct {
	MAV, RMS, MaxAV float64
}

// statsComputer computes variableStats for tensors of any shape: one graph is compiled per shape.
type statsComputer struct {
	exec *Exec
}

func newStatsComputer(backend backends.Backend) (*statsComputer, error) {
	exec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return nil, err
	}
	exec.SetMaxCache(-1)
	return &statsComputer{exec: exec}, nil
}

func (s *statsComputer) Compute(value *tensors.Tensor) (stats variableStats, err error) {
	mav, rms, maxAV, err := s.exec.Exec3(value)
	if err != nil {
		return
	}
	stats.MAV = tensors.ToScalar[float64](mav)
	stats.RMS = tensors.ToScalar[float64](rms)
	stats.MaxAV = tensors.ToScalar[float64](maxAV)
	return
}

// ListVariables lists the variables under the scope of ctx, with their shape and statistics.
// Batch normalization statistics (mean and variance) are listed as any other variable.
func ListVariables(backend backends.Backend, ctx *context.Context) error {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	stats, err := newStatsComputer(backend)
	if err != nil {
		return err
	}
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", value.Value())
		} else if shape.DType.IsFloat() {
			s, err := stats.Compute(value)
			if err != nil {
				return errors.WithMessagef(err, "computing statistics of variable %q", v.ScopeAndName())
			}
			mav = fmt.Sprintf("%.3g", s.MAV)
			rms = fmt.Sprintf("%.3g", s.RMS)
			maxAV = fmt.Sprintf("%.3g", s.MaxAV)
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	return nil
}
