package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/config"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/device/fake"
	"github.com/exo-hmi/hmi/internal/ingest"
	"github.com/exo-hmi/hmi/internal/metrics"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/session"
	"github.com/exo-hmi/hmi/internal/telemetry"
)

type testEnv struct {
	link     *fake.Link
	hub      *telemetry.Hub
	sess     *ingest.Session
	plans    *plan.MemoryStore
	sessions *session.Store
	metrics  *metrics.Collector
	server   *Server
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith builds the full stack over a fake link. configure runs
// before the router is built.
func newTestEnvWith(t *testing.T, configure func(*Server)) *testEnv {
	t.Helper()
	timing := config.LoadTimingBaseline()

	env := &testEnv{
		link:     fake.NewLink(),
		hub:      telemetry.NewHub(timing),
		plans:    plan.NewMemoryStore(),
		sessions: session.NewStore(),
		metrics:  metrics.NewCollector(),
	}
	env.sess = ingest.NewSession(env.link, ingest.Options{
		Device:    "exo-01",
		MaxPoints: 10,
		Publisher: env.hub,
		Metrics:   env.metrics,
	})
	env.hub.SetSnapshot(env.sess.Snapshot)

	dispatcher := command.NewDispatcher("exo-01", env.link, env.sess, env.hub, timing)
	dispatcher.SetMetrics(env.metrics)

	env.server = NewServer(env.hub, env.sess, dispatcher, 5*time.Second, 5*time.Second, 30*time.Second)
	env.server.SetPlanStore(env.plans)
	env.server.SetSessionStore(env.sessions)
	env.server.SetMetrics(env.metrics)
	if configure != nil {
		configure(env.server)
	}
	env.handler = env.server.Handler()

	t.Cleanup(func() {
		_ = env.sess.Close()
		env.hub.Stop()
	})
	return env
}

func (e *testEnv) emit(code uint32, positions ...float64) {
	e.link.Emit(device.Sample{
		Positions:    positions,
		Torques:      []float64{0.1, 0.2, 0.3},
		ErrorCode:    code,
		HasErrorCode: true,
	})
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	if resp.CorrelationID == "" {
		t.Error("missing correlationId")
	}
	return resp
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is %T, want object", resp.Data)
	}
	return m
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	data := dataMap(t, decodeEnvelope(t, w))
	if data["status"] != "ok" {
		t.Errorf("status = %v, want ok", data["status"])
	}
	if data["link"] != string(device.StateConnected) {
		t.Errorf("link = %v", data["link"])
	}
}

func TestHealthDegradedWhenLinkDown(t *testing.T) {
	env := newTestEnv(t)
	env.link.SetState(device.StateDisconnected)

	w := env.do(http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decodeEnvelope(t, w)
	if resp.Code != "SERVICE_DEGRADED" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/capabilities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := dataMap(t, decodeEnvelope(t, w))
	axes, _ := data["axes"].([]interface{})
	if len(axes) != len(command.Axes) {
		t.Errorf("axes = %v", data["axes"])
	}
	if data["maxExercises"] != float64(plan.MaxExercises) {
		t.Errorf("maxExercises = %v", data["maxExercises"])
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != "NOT_FOUND" {
		t.Errorf("code = %q", resp.Code)
	}

	w = env.do(http.MethodDelete, "/api/v1/device", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method status = %d, want 405", w.Code)
	}
}

func TestDeviceStatusAndFaults(t *testing.T) {
	env := newTestEnv(t)
	env.emit(0, 1, 2, 3)

	w := env.do(http.MethodGet, "/api/v1/device", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := dataMap(t, decodeEnvelope(t, w))
	if data["device"] != "exo-01" {
		t.Errorf("device = %v", data["device"])
	}
	if data["errorFromDevice"] != false {
		t.Errorf("errorFromDevice = %v", data["errorFromDevice"])
	}

	env.emit(1, 1, 2, 3)
	w = env.do(http.MethodGet, "/api/v1/device/faults", "")
	data = dataMap(t, decodeEnvelope(t, w))
	if data["errorFromDevice"] != true {
		t.Errorf("errorFromDevice = %v, want true", data["errorFromDevice"])
	}
	if data["errorCode"] != float64(1) {
		t.Errorf("errorCode = %v", data["errorCode"])
	}
	faults, _ := data["faults"].([]interface{})
	if len(faults) != 1 {
		t.Errorf("faults = %v, want one entry", data["faults"])
	}
}

func TestGraphJSON(t *testing.T) {
	env := newTestEnv(t)
	env.emit(0, 1, 2, 3)
	env.emit(0, 4, 5, 6)

	w := env.do(http.MethodGet, "/api/v1/graph", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	data := dataMap(t, decodeEnvelope(t, w))
	if data["metric"] != "position" {
		t.Errorf("metric = %v", data["metric"])
	}
	datasets, _ := data["datasets"].([]interface{})
	if len(datasets) != device.MotorCount {
		t.Fatalf("datasets = %d, want %d", len(datasets), device.MotorCount)
	}

	w = env.do(http.MethodGet, "/api/v1/graph?metric=torque", "")
	data = dataMap(t, decodeEnvelope(t, w))
	if data["metric"] != "torque" {
		t.Errorf("metric = %v, want torque", data["metric"])
	}

	w = env.do(http.MethodGet, "/api/v1/graph?metric=speed", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad metric status = %d, want 400", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != "INVALID_METRIC" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestSetGraph(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/api/v1/graph", `{"paused":true,"metric":"torque"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	data := dataMap(t, decodeEnvelope(t, w))
	if data["paused"] != true || data["metric"] != "torque" {
		t.Errorf("state = %v", data)
	}

	// Paused buffers ignore samples.
	env.emit(0, 1, 2, 3)
	if n := len(env.sess.Graph().Series[0]); n != 0 {
		t.Errorf("points while paused = %d, want 0", n)
	}

	w = env.do(http.MethodPut, "/api/v1/graph", `{"paused":false,"extra":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", w.Code)
	}
	w = env.do(http.MethodPut, "/api/v1/graph", `{"paused":false}{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("trailing data status = %d, want 400", w.Code)
	}
}

func TestGraphPNG(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/graph.png", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("empty chart status = %d, want 409", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != "NOT_ENOUGH_DATA" {
		t.Errorf("code = %q", resp.Code)
	}

	env.emit(0, 1, 2, 3)
	env.emit(0, 2, 3, 4)
	env.emit(0, 3, 4, 5)

	w = env.do(http.MethodGet, "/api/v1/graph.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestManualCommand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/commands/manual", `{"axis":"eversionL","action":"increment"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	sent := env.link.Sent()
	if len(sent) != 1 || sent[0].String() != "{Manual;Increment;eversionL;}" {
		t.Errorf("sent = %v", sent)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*testEnv)
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown axis",
			path:       "/api/v1/commands/manual",
			body:       `{"axis":"roll","action":"Increment"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_COMMAND",
		},
		{
			name:       "malformed body",
			path:       "/api/v1/commands/manual",
			body:       `{"axis":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "fault blocks motion",
			setup:      func(e *testEnv) { e.emit(4, 1, 2, 3) },
			path:       "/api/v1/commands/home",
			body:       `{"target":"All"}`,
			wantStatus: http.StatusConflict,
			wantCode:   "FAULT_ACTIVE",
		},
		{
			name:       "stop under fault",
			setup:      func(e *testEnv) { e.emit(4, 1, 2, 3) },
			path:       "/api/v1/commands/control",
			body:       `{"action":"Stop"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "link down",
			setup:      func(e *testEnv) { e.link.SetState(device.StateDisconnected) },
			path:       "/api/v1/commands/control",
			body:       `{"action":"Start"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			w := env.do(http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			resp := decodeEnvelope(t, w)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

const validPlanJSON = `{"limits":{"maxPositions":[10,10,10],"maxTorques":[5,5,5]},` +
	`"exercises":[{"movement":"Dorsiflexion","repetitions":3,"rest":2,"position":8,"torque":1.5,"time":4}]}`

func TestPlanLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/plans", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing plan status = %d, want 404", w.Code)
	}

	w = env.do(http.MethodPut, "/api/v1/plans", `{"plan":`+validPlanJSON+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/plans", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	data := dataMap(t, decodeEnvelope(t, w))
	if data["userId"] != localUser {
		t.Errorf("userId = %v", data["userId"])
	}

	// Empty body uploads the stored plan.
	w = env.do(http.MethodPost, "/api/v1/plans/upload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body.String())
	}
	sent := env.link.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	want := "{Auto;Plan;10;10;10;5;5;5;Dorsiflexion;3;2;8;1.5;4;}"
	if got := sent[0].String(); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestPlanValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/api/v1/plans", `{"plan":{"exercises":[]}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != "INVALID_PLAN" {
		t.Errorf("code = %q", resp.Code)
	}

	w = env.do(http.MethodPost, "/api/v1/plans/upload", `{"plan":{"exercises":[{"movement":"Twist","repetitions":1,"time":1}]}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("upload status = %d, want 400", w.Code)
	}
	if len(env.link.Sent()) != 0 {
		t.Error("invalid plan reached the device")
	}
}

func TestSessionRestore(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/session", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("empty session status = %d, want 404", w.Code)
	}

	w = env.do(http.MethodPut, "/api/v1/session", `{"lastRoute":"/planning"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/session", "")
	data := dataMap(t, decodeEnvelope(t, w))
	if data["lastRoute"] != "/planning" {
		t.Errorf("lastRoute = %v", data["lastRoute"])
	}

	w = env.do(http.MethodPut, "/api/v1/session", `{"lastRoute":"/admin"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid route status = %d, want 400", w.Code)
	}

	w = env.do(http.MethodDelete, "/api/v1/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/v1/session", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("after sign-out status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.emit(0, 1, 2, 3)

	w := env.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hmi_") {
		t.Error("metrics output has no hmi_ series")
	}
}

func TestMissingBackends(t *testing.T) {
	env := newTestEnvWith(t, func(s *Server) {
		s.SetPlanStore(nil)
		s.SetSessionStore(nil)
	})

	w := env.do(http.MethodGet, "/api/v1/plans", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("plans status = %d, want 503", w.Code)
	}
	w = env.do(http.MethodDelete, "/api/v1/session", "")
	if w.Code != http.StatusOK {
		t.Errorf("sign-out status = %d, want 200", w.Code)
	}
}
