package chart

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/series"
)

func buildSeries(n int) [device.MotorCount][]series.Point {
	var out [device.MotorCount][]series.Point
	for m := range out {
		out[m] = []series.Point{}
		for i := 0; i < n; i++ {
			out[m] = append(out[m], series.Point{
				X:        int64(1000 + 50*i),
				Position: float64(10*m + i),
				Torque:   float64(-10*m - i),
			})
		}
	}
	return out
}

func TestProjectPreservesOrderAndValues(t *testing.T) {
	ser := buildSeries(5)

	for _, metric := range []series.Metric{series.MetricPosition, series.MetricTorque} {
		t.Run(string(metric), func(t *testing.T) {
			ds := Project(ser, metric)
			if len(ds) != device.MotorCount {
				t.Fatalf("Expected %d datasets, got %d", device.MotorCount, len(ds))
			}
			for m, d := range ds {
				if d.Label != MotorLabel(m) {
					t.Errorf("Expected label %q, got %q", MotorLabel(m), d.Label)
				}
				if len(d.Data) != len(ser[m]) {
					t.Fatalf("Motor %d: expected %d points, got %d", m, len(ser[m]), len(d.Data))
				}
				for k, p := range d.Data {
					want := ser[m][k].Position
					if metric == series.MetricTorque {
						want = ser[m][k].Torque
					}
					if p.X != ser[m][k].X || p.Y != want {
						t.Errorf("Motor %d point %d: expected (%d,%v), got (%d,%v)",
							m, k, ser[m][k].X, want, p.X, p.Y)
					}
				}
			}
		})
	}
}

func TestProjectEmptySeries(t *testing.T) {
	var empty [device.MotorCount][]series.Point
	ds := Project(empty, series.MetricPosition)
	for m, d := range ds {
		if d.Data == nil || len(d.Data) != 0 {
			t.Errorf("Motor %d: expected empty non-nil data, got %v", m, d.Data)
		}
	}
}

func TestProjectColours(t *testing.T) {
	ds := Project(buildSeries(1), series.MetricPosition)
	want := []string{"rgb(255, 99, 132)", "rgb(99, 255, 132)", "rgb(99, 132, 255)"}
	for i, d := range ds {
		if d.BorderColor != want[i] {
			t.Errorf("Motor %d: expected %s, got %s", i+1, want[i], d.BorderColor)
		}
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    series.Metric
		wantErr bool
	}{
		{"position", series.MetricPosition, false},
		{"Torque", series.MetricTorque, false},
		{" torque ", series.MetricTorque, false},
		{"speed", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		if tt.wantErr {
			if !errors.Is(err, series.ErrInvalidMetric) {
				t.Errorf("ParseMetric(%q): expected ErrInvalidMetric, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMetric(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRenderPNG(t *testing.T) {
	var buf bytes.Buffer
	ds := Project(buildSeries(20), series.MetricPosition)
	if err := RenderPNG(&buf, ds, RenderOptions{Width: 320, Height: 200, YName: "position"}); err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Output is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 200 {
		t.Errorf("Expected 320x200, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderPNGFlatSeries(t *testing.T) {
	ser := buildSeries(3)
	for m := range ser {
		for k := range ser[m] {
			ser[m][k].Position = 5
		}
	}
	var buf bytes.Buffer
	if err := RenderPNG(&buf, Project(ser, series.MetricPosition), RenderOptions{}); err != nil {
		t.Fatalf("RenderPNG with flat data: %v", err)
	}
}

func TestRenderPNGNotEnoughData(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderPNG(&buf, Project(buildSeries(1), series.MetricTorque), RenderOptions{}); !errors.Is(err, ErrNotEnoughData) {
		t.Fatalf("Expected ErrNotEnoughData, got %v", err)
	}
	if buf.Len() != 0 {
		t.Error("Expected no output")
	}
}
