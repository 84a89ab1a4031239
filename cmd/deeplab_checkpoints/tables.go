// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// setColorProfile configures lipgloss rendering: "auto" detects the terminal capabilities.
func setColorProfile(name string) error {
	var profile termenv.Profile
	switch name {
	case "auto", "":
		profile = termenv.EnvColorProfile()
	case "truecolor":
		profile = termenv.TrueColor
	case "ansi256":
		profile = termenv.ANSI256
	case "ansi":
		profile = termenv.ANSI
	case "none", "ascii":
		profile = termenv.Ascii
	default:
		return errors.Errorf("unknown color profile %q, valid values are auto, truecolor, ansi256, ansi or none", name)
	}
	lipgloss.SetColorProfile(profile)
	return nil
}

// tableWithReds is a table where selected rows are highlighted in red.
type tableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

// Row appends a row, highlighted if isRed.
func (t *tableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return newTableWithReds(withHeader, alignments...).Table
}

// newTableWithReds creates a table, where the columns are aligned with the given alignments. The last alignment
// is used for any remaining columns.
func newTableWithReds(withHeader bool, alignments ...lipgloss.Position) *tableWithReds {
	t := &tableWithReds{Reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}
