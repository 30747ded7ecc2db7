package chart

import (
	"fmt"
	"strings"

	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/series"
)

// XY is one plotted point.
type XY struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// Dataset is one motor line.
type Dataset struct {
	Label       string `json:"label"`
	BorderColor string `json:"borderColor"`
	Data        []XY   `json:"data"`
}

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}

// CSS returns the rgb() form used by browser charts.
func (c Color) CSS() string {
	return fmt.Sprintf("rgb(%d, %d, %d)", c.R, c.G, c.B)
}

// MotorColors are the line colours for motors 1..3.
var MotorColors = [device.MotorCount]Color{
	{R: 255, G: 99, B: 132},
	{R: 99, G: 255, B: 132},
	{R: 99, G: 132, B: 255},
}

// MotorLabel returns the legend label of motor index i (zero based).
func MotorLabel(i int) string {
	return fmt.Sprintf("Motor %d", i+1)
}

// ParseMetric accepts "position" or "torque", case-insensitively.
func ParseMetric(s string) (series.Metric, error) {
	m := series.Metric(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", series.ErrInvalidMetric, s)
	}
	return m, nil
}

// Project maps the three motor series to datasets, picking position or
// torque as Y. Order and length of every series are preserved.
func Project(ser [device.MotorCount][]series.Point, metric series.Metric) []Dataset {
	out := make([]Dataset, 0, device.MotorCount)
	for i, points := range ser {
		data := make([]XY, 0, len(points))
		for _, p := range points {
			y := p.Position
			if metric == series.MetricTorque {
				y = p.Torque
			}
			data = append(data, XY{X: p.X, Y: y})
		}
		out = append(out, Dataset{
			Label:       MotorLabel(i),
			BorderColor: MotorColors[i].CSS(),
			Data:        data,
		})
	}
	return out
}
