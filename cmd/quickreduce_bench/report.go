// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// renderResults as a table, one row per configuration.
func renderResults(results []result) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 3 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		}).
		Headers("World", "Size", "Algorithm", "Profile", "Latency", "Bus bandwidth", "Max error")
	for _, r := range results {
		table.Row(
			fmt.Sprint(r.WorldSize),
			humanize.IBytes(uint64(r.Bytes)),
			r.Algorithm.String(),
			r.Profile.String(),
			r.Latency.String(),
			humanize.Bytes(uint64(r.BusBandwidth()))+"/s",
			fmt.Sprintf("%.3g", r.MaxError))
	}
	return table.Render()
}

// plotResults plots the latency per problem size, one line per world size and profile.
func plotResults(results []result, filePath string) error {
	p := plot.New()
	p.Title.Text = "AllReduce latency"
	p.X.Label.Text = "problem size (bytes, log2)"
	p.Y.Label.Text = "latency (µs)"

	type key struct {
		worldSize int
		profile   codec.Profile
	}
	lines := make(map[key]plotter.XYs)
	var keys []key
	for _, r := range results {
		k := key{r.WorldSize, r.Profile}
		if _, found := lines[k]; !found {
			keys = append(keys, k)
		}
		lines[k] = append(lines[k], plotter.XY{
			X: log2(float64(r.Bytes)),
			Y: float64(r.Latency.Microseconds()),
		})
	}
	slices.SortFunc(keys, func(a, b key) int {
		if a.worldSize != b.worldSize {
			return a.worldSize - b.worldSize
		}
		return int(a.profile - b.profile)
	})
	var args []any
	for _, k := range keys {
		args = append(args, fmt.Sprintf("W=%d %s", k.worldSize, k.profile), lines[k])
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return errors.Wrap(err, "failed to plot results")
	}
	if strings.TrimPrefix(path.Ext(filePath), ".") == "" {
		return errors.Errorf("plot file %q needs an extension, e.g. .png", filePath)
	}
	if err := p.Save(10*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}

func log2(x float64) float64 {
	var e int
	for x >= 2 {
		x /= 2
		e++
	}
	return float64(e) + x - 1
}
