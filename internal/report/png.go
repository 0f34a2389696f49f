package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/trajpipe/pyramid/internal/pyramid"
)

// levelsPlot builds a bar chart of occupied cells per height.
func levelsPlot(p *pyramid.Pyramid) (*plot.Plot, error) {
	stats := p.Stats()
	occupied := make(plotter.Values, len(stats))
	names := make([]string, len(stats))
	for i, s := range stats {
		occupied[i] = float64(s.Occupied)
		names[i] = fmt.Sprintf("h=%d", s.Height)
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Occupied cells per height (H=%d)", p.Height())
	pl.X.Label.Text = "Height"
	pl.Y.Label.Text = "Occupied cells"

	bars, err := plotter.NewBarChart(occupied, vg.Points(20))
	if err != nil {
		return nil, err
	}
	bars.Color = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
	bars.LineStyle.Width = vg.Length(0)
	pl.Add(bars)
	pl.NominalX(names...)
	pl.Y.Min = 0
	return pl, nil
}

// SavePNG writes the per-height occupancy chart to path. The format follows
// the file extension.
func SavePNG(p *pyramid.Pyramid, path string) error {
	pl, err := levelsPlot(p)
	if err != nil {
		return err
	}
	if err := pl.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
