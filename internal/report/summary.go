// Package report summarizes pyramid occupancy as text statistics, an
// interactive go-echarts HTML page and a gonum/plot PNG.
package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/trajpipe/pyramid/internal/pyramid"
)

// TokenStats describes the token counts of occupied cells.
type TokenStats struct {
	Count  int
	Total  float64
	Mean   float64
	StdDev float64
	Min    float64
	Median float64
	P90    float64
	Max    float64
}

// Summary is the occupancy overview of a pyramid.
type Summary struct {
	Height int
	Levels []pyramid.LevelStats
	Tokens TokenStats
}

// Summarize computes per-height occupancy and token statistics.
func Summarize(p *pyramid.Pyramid) Summary {
	occupied := p.Occupied()
	tokens := make([]float64, len(occupied))
	for i, c := range occupied {
		tokens[i] = float64(c.TokenCount)
	}
	return Summary{
		Height: p.Height(),
		Levels: p.Stats(),
		Tokens: tokenStats(tokens),
	}
}

func tokenStats(x []float64) TokenStats {
	if len(x) == 0 {
		return TokenStats{}
	}
	sort.Float64s(x)
	ts := TokenStats{
		Count:  len(x),
		Total:  floats.Sum(x),
		Mean:   stat.Mean(x, nil),
		Min:    x[0],
		Max:    x[len(x)-1],
		Median: stat.Quantile(0.5, stat.Empirical, x, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, x, nil),
	}
	if len(x) > 1 {
		ts.StdDev = stat.StdDev(x, nil)
	}
	return ts
}

// WriteText prints the summary as an aligned table.
func (s Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "height\tcells\toccupied\ttokens\n")
	for _, l := range s.Levels {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", l.Height, l.Cells, l.Occupied, l.Tokens)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	t := s.Tokens
	if t.Count == 0 {
		_, err := fmt.Fprintln(w, "no occupied cells")
		return err
	}
	_, err := fmt.Fprintf(w, "occupied=%d tokens: total=%.0f mean=%.1f stddev=%.1f min=%.0f median=%.0f p90=%.0f max=%.0f\n",
		t.Count, t.Total, t.Mean, t.StdDev, t.Min, t.Median, t.P90, t.Max)
	return err
}
