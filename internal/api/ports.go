package api

import (
	"context"
	"net/http"

	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/ingest"
	"github.com/exo-hmi/hmi/internal/metrics"
	"github.com/exo-hmi/hmi/internal/series"
	"github.com/exo-hmi/hmi/internal/session"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

// DevicePort is the read side of the device session.
type DevicePort interface {
	Device() string
	Status() ingest.Status
	Graph() series.Snapshot
	SetPaused(paused bool)
	SetMetric(m series.Metric) error
}

// TelemetryPort defines the minimal interface the API needs from the telemetry hub.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	Attach(ctx context.Context, device string) *telemetry.Client
	Detach(client *telemetry.Client)
	ClientCount() int
}

// SessionPort stores session-restore state.
type SessionPort interface {
	Get(user string) (session.State, error)
	Put(user, route string) (session.State, error)
	Clear(user string) error
}

// MetricsPort exposes the Prometheus handler.
type MetricsPort interface {
	Handler() http.Handler
	SetClients(n int)
}

// Compile-time assertions for port conformance
var _ DevicePort = (*ingest.Session)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)
var _ SessionPort = (*session.Store)(nil)
var _ MetricsPort = (*metrics.Collector)(nil)
var _ command.DispatcherPort = (*command.Dispatcher)(nil)
