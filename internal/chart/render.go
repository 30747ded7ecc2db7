package chart

import (
	"errors"
	"fmt"
	"io"
	"math"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrNotEnoughData is returned when no dataset has two points to draw.
var ErrNotEnoughData = errors.New("NOT_ENOUGH_DATA")

const (
	DefaultWidth  = 800
	DefaultHeight = 400
)

// RenderOptions controls the PNG output.
type RenderOptions struct {
	Width  int
	Height int
	Title  string
	YName  string
}

func lineStyle(c Color) gochart.Style {
	return gochart.Style{
		StrokeColor: drawing.Color{R: c.R, G: c.G, B: c.B, A: 255},
		StrokeWidth: 2,
	}
}

// RenderPNG draws the datasets as a line chart. X is seconds relative to the
// newest point. Datasets with fewer than two points are skipped.
func RenderPNG(w io.Writer, datasets []Dataset, opts RenderOptions) error {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}

	var newest int64 = math.MinInt64
	for _, ds := range datasets {
		if len(ds.Data) >= 2 && ds.Data[len(ds.Data)-1].X > newest {
			newest = ds.Data[len(ds.Data)-1].X
		}
	}
	if newest == math.MinInt64 {
		return ErrNotEnoughData
	}

	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	var lines []gochart.Series
	for i, ds := range datasets {
		if len(ds.Data) < 2 {
			continue
		}
		xs := make([]float64, len(ds.Data))
		ys := make([]float64, len(ds.Data))
		for k, p := range ds.Data {
			xs[k] = float64(p.X-newest) / 1000
			ys[k] = p.Y
			xMin, xMax = math.Min(xMin, xs[k]), math.Max(xMax, xs[k])
			yMin, yMax = math.Min(yMin, ys[k]), math.Max(yMax, ys[k])
		}
		c := MotorColors[i%len(MotorColors)]
		lines = append(lines, gochart.ContinuousSeries{
			Name:    ds.Label,
			XValues: xs,
			YValues: ys,
			Style:   lineStyle(c),
		})
	}

	// go-chart refuses zero-width ranges.
	if xMax == xMin {
		xMin--
	}
	if yMax == yMin {
		yMin, yMax = yMin-1, yMax+1
	}

	ch := gochart.Chart{
		Title:      opts.Title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: gochart.Style{Padding: gochart.Box{Top: 20, Left: 16, Right: 12, Bottom: 12}},
		XAxis: gochart.XAxis{
			Name:  "s",
			Range: &gochart.ContinuousRange{Min: xMin, Max: xMax},
		},
		YAxis: gochart.YAxis{
			Name:  opts.YName,
			Range: &gochart.ContinuousRange{Min: yMin, Max: yMax},
		},
		Series: lines,
	}
	ch.Elements = []gochart.Renderable{gochart.Legend(&ch)}

	if err := ch.Render(gochart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
