package ingest

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/fault"
	"github.com/exo-hmi/hmi/internal/metrics"
	"github.com/exo-hmi/hmi/internal/series"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

// Publisher fans session events out to clients.
type Publisher interface {
	PublishDevice(deviceID string, event telemetry.Event) error
}

// Recorder counts session activity.
type Recorder interface {
	SampleReceived()
	SampleMalformed()
	SampleAppended()
	SamplePaused()
	SetFaults(all, active []string)
	LinkState(state string, up bool)
}

var (
	_ Publisher = (*telemetry.Hub)(nil)
	_ Recorder  = (*metrics.Collector)(nil)
)

// Options configures a Session. Zero values are usable.
type Options struct {
	Device    string
	MaxPoints int
	Publisher Publisher
	Metrics   Recorder
	Now       func() time.Time
}

// Status is the device view served to the dashboard.
type Status struct {
	Device          string         `json:"device"`
	Link            device.State   `json:"link"`
	Sample          *device.Sample `json:"sample,omitempty"`
	ErrorFromDevice bool           `json:"errorFromDevice"`
	ErrorCode       uint32         `json:"errorCode"`
	Faults          []string       `json:"faults"`
	Description     string         `json:"description"`
}

// Session binds one device link to the chart buffer and the event hub.
type Session struct {
	device string
	link   device.Link
	buffer *series.Buffer
	pub    Publisher
	rec    Recorder
	now    func() time.Time

	mu        sync.RWMutex
	latest    device.Sample
	hasLatest bool
	errorCode uint32

	sampleToken device.Token
	stateToken  device.Token
	closeOnce   sync.Once
	closeErr    error
}

// NewSession takes ownership of link and starts consuming its samples.
func NewSession(link device.Link, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	s := &Session{
		device: opts.Device,
		link:   link,
		buffer: series.NewBuffer(opts.MaxPoints),
		pub:    opts.Publisher,
		rec:    opts.Metrics,
		now:    opts.Now,
	}
	s.rec.SetFaults(fault.Names[:], nil)
	s.stateToken = link.WatchState(s.handleState)
	s.sampleToken = link.Subscribe(s.handleSample)
	return s
}

// Device returns the configured device name.
func (s *Session) Device() string {
	return s.device
}

// Link returns the session's device link.
func (s *Session) Link() device.Link {
	return s.link
}

// Latest returns a copy of the most recent sample.
func (s *Session) Latest() (device.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLatest {
		return device.Sample{}, false
	}
	return s.latest.Copy(), true
}

// ErrorCode returns the fault bitmask currently in force.
func (s *Session) ErrorCode() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorCode
}

// ErrorFromDevice reports whether any fault bit is set.
func (s *Session) ErrorFromDevice() bool {
	return s.ErrorCode() != 0
}

// Faults returns the names of the active faults.
func (s *Session) Faults() []string {
	return fault.Decode(s.ErrorCode())
}

// Status assembles the device view.
func (s *Session) Status() Status {
	s.mu.RLock()
	code := s.errorCode
	var sample *device.Sample
	if s.hasLatest {
		c := s.latest.Copy()
		sample = &c
	}
	s.mu.RUnlock()

	return Status{
		Device:          s.device,
		Link:            s.link.State(),
		Sample:          sample,
		ErrorFromDevice: code != 0,
		ErrorCode:       code,
		Faults:          fault.Decode(code),
		Description:     fault.Description(code),
	}
}

// Graph returns a copy of the chart buffer.
func (s *Session) Graph() series.Snapshot {
	return s.buffer.Snapshot()
}

// GraphState returns the pause flag and selected metric.
func (s *Session) GraphState() series.GraphState {
	return s.buffer.Snapshot().State
}

// SetPaused pauses or resumes the chart. Resuming clears it.
func (s *Session) SetPaused(paused bool) {
	if s.buffer.SetPaused(paused) {
		log.Printf("Session %s: graph paused=%t", s.device, paused)
		s.publishGraph()
	}
}

// SetMetric selects the plotted metric.
func (s *Session) SetMetric(m series.Metric) error {
	before := s.GraphState().Metric
	if err := s.buffer.SetMetric(m); err != nil {
		return err
	}
	if before != m {
		s.publishGraph()
	}
	return nil
}

// Snapshot is the state sent to clients when they connect.
func (s *Session) Snapshot() map[string]interface{} {
	st := s.Status()
	gs := s.GraphState()
	return map[string]interface{}{
		"device":          st.Device,
		"link":            string(st.Link),
		"errorFromDevice": st.ErrorFromDevice,
		"errorCode":       st.ErrorCode,
		"faults":          st.Faults,
		"graph":           gs,
	}
}

// Close detaches from the link and closes it. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.link.Unsubscribe(s.sampleToken)
		s.link.Unsubscribe(s.stateToken)
		s.closeErr = s.link.Close()
		s.rec.LinkState(string(device.StateClosed), false)
		log.Printf("Session %s closed", s.device)
	})
	return s.closeErr
}

// handleSample runs on the link's reader goroutine.
func (s *Session) handleSample(sample device.Sample) {
	s.rec.SampleReceived()

	s.mu.Lock()
	if !sample.HasErrorCode {
		sample.ErrorCode = s.errorCode
	}
	prev := s.errorCode
	s.errorCode = sample.ErrorCode
	s.latest = sample
	s.hasLatest = true
	s.mu.Unlock()

	if sample.ErrorCode != prev {
		s.faultChanged(prev, sample.ErrorCode)
	}

	appended := false
	switch err := s.buffer.Append(sample, s.now()); {
	case err == nil:
		appended = true
		s.rec.SampleAppended()
	case errors.Is(err, series.ErrPaused):
		s.rec.SamplePaused()
	case errors.Is(err, series.ErrMalformedSample):
		s.rec.SampleMalformed()
	}

	s.publish(telemetry.EventTelemetry, map[string]interface{}{
		"positions":   sample.Positions,
		"torques":     sample.Torques,
		"errorCode":   sample.ErrorCode,
		"mode":        sample.Mode,
		"autoState":   sample.AutoState,
		"homingState": sample.HomingState,
		"repetitions": sample.Repetitions,
		"sets":        sample.Sets,
		"appended":    appended,
		"ts":          sample.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Session) faultChanged(prev, code uint32) {
	names := fault.Decode(code)
	s.rec.SetFaults(fault.Names[:], names)
	if code != 0 {
		log.Printf("Session %s: device fault 0x%08x %v", s.device, code, names)
	} else if prev != 0 {
		log.Printf("Session %s: device faults cleared", s.device)
	}
	s.publish(telemetry.EventFault, map[string]interface{}{
		"errorCode":       code,
		"errorFromDevice": code != 0,
		"faults":          names,
		"description":     fault.Description(code),
	})
}

func (s *Session) handleState(state device.State) {
	log.Printf("Session %s: link %s", s.device, state)
	s.rec.LinkState(string(state), state == device.StateConnected)
	s.publish(telemetry.EventLink, map[string]interface{}{
		"state": string(state),
	})
}

func (s *Session) publishGraph() {
	gs := s.GraphState()
	s.publish(telemetry.EventGraph, map[string]interface{}{
		"paused": gs.Paused,
		"metric": string(gs.Metric),
	})
}

func (s *Session) publish(eventType string, data map[string]interface{}) {
	if s.pub == nil {
		return
	}
	_ = s.pub.PublishDevice(s.device, telemetry.Event{Type: eventType, Data: data})
}

type nopRecorder struct{}

func (nopRecorder) SampleReceived()         {}
func (nopRecorder) SampleMalformed()        {}
func (nopRecorder) SampleAppended()         {}
func (nopRecorder) SamplePaused()           {}
func (nopRecorder) SetFaults(_, _ []string) {}
func (nopRecorder) LinkState(string, bool)  {}
