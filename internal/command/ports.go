package command

import (
	"context"
	"errors"
	"time"

	"github.com/exo-hmi/hmi/internal/audit"
	"github.com/exo-hmi/hmi/internal/ingest"
	"github.com/exo-hmi/hmi/internal/metrics"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

// DispatcherPort is what the API needs from the dispatcher.
type DispatcherPort interface {
	Manual(ctx context.Context, axis Axis, action Action) error
	Home(ctx context.Context, target HomeTarget) error
	Control(ctx context.Context, action ControlAction) error
	UploadPlan(ctx context.Context, p *plan.Plan) error
}

// FaultSource reports whether the device currently signals a fault.
type FaultSource interface {
	ErrorFromDevice() bool
}

// Publisher receives command events.
type Publisher interface {
	PublishDevice(deviceID string, event telemetry.Event) error
}

// AuditLogger records every command attempt.
type AuditLogger interface {
	LogCommand(ctx context.Context, action, device string, params map[string]interface{}, err error, refused bool, latency time.Duration)
}

// Recorder counts dispatch outcomes.
type Recorder interface {
	Command(kind, outcome string, took time.Duration)
}

var (
	_ FaultSource = (*ingest.Session)(nil)
	_ Publisher   = (*telemetry.Hub)(nil)
	_ AuditLogger = (*audit.Logger)(nil)
	_ Recorder    = (*metrics.Collector)(nil)
)

var (
	// ErrFaultActive is returned when a motion command is refused because
	// the device reports a fault.
	ErrFaultActive = errors.New("FAULT_ACTIVE")

	// ErrInvalidCommand indicates an unknown axis, action or target.
	ErrInvalidCommand = errors.New("INVALID_COMMAND")

	// ErrTimeout indicates the write did not complete within the command
	// timeout.
	ErrTimeout = errors.New("TIMEOUT")
)
