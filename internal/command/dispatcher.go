package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/exo-hmi/hmi/internal/audit"
	"github.com/exo-hmi/hmi/internal/config"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

// Outcomes reported to the metrics recorder and in command events.
const (
	outcomeOK      = "ok"
	outcomeRefused = "refused"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// Dispatcher routes validated operator intents to the device link.
type Dispatcher struct {
	device string
	link   device.Link
	faults FaultSource

	// Telemetry hub for command events
	publisher Publisher

	// Command timeouts
	config *config.TimingConfig

	auditLogger AuditLogger
	metrics     Recorder
}

// Compile-time assertion that Dispatcher implements DispatcherPort
var _ DispatcherPort = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher writing to link, gated on faults.
func NewDispatcher(deviceName string, link device.Link, faults FaultSource, publisher Publisher, timingConfig *config.TimingConfig) *Dispatcher {
	return &Dispatcher{
		device:    deviceName,
		link:      link,
		faults:    faults,
		publisher: publisher,
		config:    timingConfig,
	}
}

// SetAuditLogger sets the audit logger.
func (d *Dispatcher) SetAuditLogger(logger AuditLogger) {
	d.auditLogger = logger
}

// SetMetrics sets the outcome recorder.
func (d *Dispatcher) SetMetrics(r Recorder) {
	d.metrics = r
}

// request is one command ready to be written.
type request struct {
	kind    string
	params  map[string]interface{}
	gated   bool
	timeout time.Duration
	frame   func() (device.Frame, error)
}

// Manual jogs one axis by one step: {Manual;<action>;<token>;}.
func (d *Dispatcher) Manual(ctx context.Context, axis Axis, action Action) error {
	return d.dispatch(ctx, request{
		kind:    "manual",
		params:  map[string]interface{}{"axis": string(axis), "action": string(action)},
		gated:   true,
		timeout: d.config.CommandTimeoutManual,
		frame: func() (device.Frame, error) {
			token, ok := axis.Token()
			if !ok {
				return device.Frame{}, fmt.Errorf("%w: unknown axis %q", ErrInvalidCommand, axis)
			}
			if !action.Valid() {
				return device.Frame{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, action)
			}
			return device.NewFrame("Manual", string(action), token)
		},
	})
}

// Home returns motors to their origin. The controller takes homing through
// the manual increment path: {Manual;Increment;goHomeN;}.
func (d *Dispatcher) Home(ctx context.Context, target HomeTarget) error {
	return d.dispatch(ctx, request{
		kind:    "home",
		params:  map[string]interface{}{"target": string(target)},
		gated:   true,
		timeout: d.config.CommandTimeoutManual,
		frame: func() (device.Frame, error) {
			token, ok := target.Token()
			if !ok {
				return device.Frame{}, fmt.Errorf("%w: unknown home target %q", ErrInvalidCommand, target)
			}
			return device.NewFrame("Manual", string(ActionIncrement), token)
		},
	})
}

// Control drives the automatic sequence: {Auto;Control;<action>;}. Stop is
// accepted while the device is faulted.
func (d *Dispatcher) Control(ctx context.Context, action ControlAction) error {
	return d.dispatch(ctx, request{
		kind:    "control",
		params:  map[string]interface{}{"action": string(action)},
		gated:   action != ControlStop,
		timeout: d.config.CommandTimeoutControl,
		frame: func() (device.Frame, error) {
			if !action.Valid() {
				return device.Frame{}, fmt.Errorf("%w: unknown control action %q", ErrInvalidCommand, action)
			}
			return device.NewFrame("Auto", "Control", string(action))
		},
	})
}

// UploadPlan sends a plan to the controller.
func (d *Dispatcher) UploadPlan(ctx context.Context, p *plan.Plan) error {
	exercises := 0
	if p != nil {
		exercises = len(p.Exercises)
	}
	return d.dispatch(ctx, request{
		kind:    "plan",
		params:  map[string]interface{}{"exercises": exercises},
		gated:   true,
		timeout: d.config.CommandTimeoutPlan,
		frame:   p.EncodeFrame,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, req request) error {
	start := time.Now()

	frame, err := req.frame()
	if err != nil {
		d.finish(ctx, req, "", err, outcomeInvalid, time.Since(start))
		return err
	}

	if req.gated && d.faults != nil && d.faults.ErrorFromDevice() {
		d.finish(ctx, req, frame.String(), ErrFaultActive, outcomeRefused, time.Since(start))
		return ErrFaultActive
	}

	if d.link == nil || d.link.State() != device.StateConnected {
		d.finish(ctx, req, frame.String(), device.ErrDisconnected, outcomeError, time.Since(start))
		return device.ErrDisconnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	err = d.link.Send(sendCtx, frame)
	latency := time.Since(start)
	if err != nil {
		err = normalizeSendError(err)
		log.Printf("Command %s %s failed: %v", req.kind, frame, err)
		d.finish(ctx, req, frame.String(), err, outcomeError, latency)
		return err
	}

	d.finish(ctx, req, frame.String(), nil, outcomeOK, latency)
	return nil
}

func normalizeSendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return device.NormalizeLinkError(err)
}

// finish writes the audit record, the metric and the command event.
func (d *Dispatcher) finish(ctx context.Context, req request, frame string, err error, outcome string, latency time.Duration) {
	refused := outcome == outcomeRefused || outcome == outcomeInvalid
	if d.auditLogger != nil {
		d.auditLogger.LogCommand(ctx, req.kind, d.device, req.params, err, refused, latency)
	}
	if d.metrics != nil {
		d.metrics.Command(req.kind, outcome, latency)
	}
	if d.publisher == nil {
		return
	}

	data := map[string]interface{}{
		"kind":    req.kind,
		"outcome": outcome,
		"code":    audit.CodeOf(err),
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range req.params {
		data[k] = v
	}
	if frame != "" {
		data["frame"] = frame
	}
	_ = d.publisher.PublishDevice(d.device, telemetry.Event{Type: telemetry.EventCommand, Data: data})
}
