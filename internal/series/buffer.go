package series

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
)

// DefaultMaxDataPoints is the window length of each motor series.
const DefaultMaxDataPoints = 100

var (
	// ErrMalformedSample is returned when a sample lacks a full reading for
	// every motor.
	ErrMalformedSample = errors.New("MALFORMED_SAMPLE")

	// ErrPaused is returned by Append while the buffer is paused.
	ErrPaused = errors.New("PAUSED")

	// ErrInvalidMetric is returned by SetMetric for unknown metrics.
	ErrInvalidMetric = errors.New("INVALID_METRIC")
)

// Metric selects which value the chart plots.
type Metric string

const (
	MetricPosition Metric = "position"
	MetricTorque   Metric = "torque"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m == MetricPosition || m == MetricTorque
}

// Point is one chart sample for a single motor.
type Point struct {
	X        int64   `json:"x"`
	Position float64 `json:"position"`
	Torque   float64 `json:"torque"`
}

// GraphState is the UI-controlled state of the chart.
type GraphState struct {
	Paused bool   `json:"paused"`
	Metric Metric `json:"metric"`
}

// Snapshot is a point-in-time copy of the buffer.
type Snapshot struct {
	Series [device.MotorCount][]Point `json:"series"`
	State  GraphState                 `json:"state"`
}

// Buffer is the rolling three-motor buffer.
type Buffer struct {
	mu        sync.RWMutex
	maxPoints int
	series    [device.MotorCount][]Point
	state     GraphState
}

// NewBuffer creates an empty, unpaused buffer plotting positions.
func NewBuffer(maxPoints int) *Buffer {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxDataPoints
	}
	b := &Buffer{
		maxPoints: maxPoints,
		state:     GraphState{Metric: MetricPosition},
	}
	b.reset()
	return b
}

// reset empties every series. Caller must hold b.mu.
func (b *Buffer) reset() {
	for i := range b.series {
		b.series[i] = make([]Point, 0, b.maxPoints)
	}
}

// MaxPoints returns the window length.
func (b *Buffer) MaxPoints() int {
	return b.maxPoints
}

// SetPaused changes the pause state and reports whether it changed.
// Resuming clears all series.
func (b *Buffer) SetPaused(paused bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Paused == paused {
		return false
	}
	b.state.Paused = paused
	if !paused {
		b.reset()
	}
	return true
}

// Paused reports the pause state.
func (b *Buffer) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Paused
}

// SetMetric selects the plotted value.
func (b *Buffer) SetMetric(m Metric) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMetric, m)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Metric = m
	return nil
}

// Append pushes one point per motor stamped with now, evicting the oldest
// points beyond the window. Nothing is appended when the sample is
// incomplete or the buffer is paused.
func (b *Buffer) Append(s device.Sample, now time.Time) error {
	if !s.HasMotion() {
		return fmt.Errorf("%w: %d positions, %d torques",
			ErrMalformedSample, len(s.Positions), len(s.Torques))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Paused {
		return ErrPaused
	}

	x := now.UnixMilli()
	for i := range b.series {
		ser := append(b.series[i], Point{X: x, Position: s.Positions[i], Torque: s.Torques[i]})
		if over := len(ser) - b.maxPoints; over > 0 {
			// Shift in place so the backing array does not grow without bound.
			n := copy(ser, ser[over:])
			ser = ser[:n]
		}
		b.series[i] = ser
	}
	return nil
}

// Snapshot returns deep copies of the series and the graph state.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var snap Snapshot
	for i := range b.series {
		snap.Series[i] = append(make([]Point, 0, len(b.series[i])), b.series[i]...)
	}
	snap.State = b.state
	return snap
}

// Len returns the number of points held per motor.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.series[0])
}

// Clear empties the buffer without touching the pause state.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}
