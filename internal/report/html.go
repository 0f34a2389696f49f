package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/trajpipe/pyramid/internal/pyramid"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// occupancyScatter plots the centre of every cell at height h; occupied cells
// are coloured by token count.
func occupancyScatter(p *pyramid.Pyramid, h int) (*charts.Scatter, error) {
	cells := p.Cells(h)
	if cells == nil {
		return nil, fmt.Errorf("height %d outside [0, %d]", h, p.Height())
	}

	empty := make([]opts.ScatterData, 0, len(cells))
	occupied := make([]opts.ScatterData, 0)
	var maxTokens uint64
	for _, c := range cells {
		ctr := c.Bounds.Center()
		if !c.Occupied {
			empty = append(empty, opts.ScatterData{Value: []interface{}{ctr.Lon, ctr.Lat, 0}, Name: c.Ref().StorageKey()})
			continue
		}
		occupied = append(occupied, opts.ScatterData{Value: []interface{}{ctr.Lon, ctr.Lat, c.TokenCount}, Name: c.ModelRef})
		maxTokens = max(maxTokens, c.TokenCount)
	}
	if maxTokens == 0 {
		maxTokens = 1
	}

	// Symbols shrink as the grid gets finer so neighbours don't overlap.
	symbol := max(2, 640/int(pyramid.Side(h)))

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pyramid occupancy", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Occupancy at height %d", h), Subtitle: fmt.Sprintf("H=%d cells=%d occupied=%d", p.Height(), len(cells), len(occupied))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: 1, Name: "lon (normalized)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "lat (normalized)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxTokens),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("empty", empty, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: symbol}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#424242"}))
	scatter.AddSeries("occupied", occupied, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: symbol}))
	return scatter, nil
}

// levelsBar plots occupied cells per height.
func levelsBar(p *pyramid.Pyramid) *charts.Bar {
	stats := p.Stats()
	x := make([]string, len(stats))
	y := make([]opts.BarData, len(stats))
	for i, s := range stats {
		x[i] = fmt.Sprintf("h=%d", s.Height)
		y[i] = opts.BarData{Value: s.Occupied}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Occupied cells per height"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("occupied", y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

// RenderHTML writes a page with the occupancy scatter at height h and the
// per-height bar chart.
func RenderHTML(w io.Writer, p *pyramid.Pyramid, h int) error {
	scatter, err := occupancyScatter(p, h)
	if err != nil {
		return err
	}
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix).SetPageTitle("Pyramid report")
	page.AddCharts(scatter, levelsBar(p))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
