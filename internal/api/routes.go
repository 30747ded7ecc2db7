package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/exo-hmi/hmi/internal/auth"
	"github.com/exo-hmi/hmi/internal/chart"
	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/device"
	"github.com/exo-hmi/hmi/internal/plan"
	"github.com/exo-hmi/hmi/internal/series"
)

const apiVersion = "1.0.0"

// localUser owns plans and session state when requests carry no claims.
const localUser = "local-operator"

// Handler builds the router for every endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s is not allowed", r.Method), nil)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Health endpoint (no auth required)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1.HandleFunc("/capabilities", s.protect(auth.ScopeRead, s.handleCapabilities)).Methods(http.MethodGet)

	v1.HandleFunc("/device", s.protect(auth.ScopeRead, s.handleDevice)).Methods(http.MethodGet)
	v1.HandleFunc("/device/faults", s.protect(auth.ScopeRead, s.handleFaults)).Methods(http.MethodGet)

	v1.HandleFunc("/graph", s.protect(auth.ScopeRead, s.handleGraph)).Methods(http.MethodGet)
	v1.HandleFunc("/graph", s.protect(auth.ScopeControl, s.handleSetGraph)).Methods(http.MethodPut)
	v1.HandleFunc("/graph.png", s.protect(auth.ScopeRead, s.handleGraphPNG)).Methods(http.MethodGet)

	v1.HandleFunc("/commands/manual", s.protect(auth.ScopeControl, s.handleManual)).Methods(http.MethodPost)
	v1.HandleFunc("/commands/home", s.protect(auth.ScopeControl, s.handleHome)).Methods(http.MethodPost)
	v1.HandleFunc("/commands/control", s.protect(auth.ScopeControl, s.handleControl)).Methods(http.MethodPost)

	v1.HandleFunc("/plans", s.protect(auth.ScopeRead, s.handleGetPlan)).Methods(http.MethodGet)
	v1.HandleFunc("/plans", s.protect(auth.ScopePlan, s.handlePutPlan)).Methods(http.MethodPut)
	v1.HandleFunc("/plans/upload", s.protect(auth.ScopeControl, s.handleUploadPlan)).Methods(http.MethodPost)

	v1.HandleFunc("/session", s.protect(auth.ScopeRead, s.handleGetSession)).Methods(http.MethodGet)
	v1.HandleFunc("/session", s.protect(auth.ScopeRead, s.handlePutSession)).Methods(http.MethodPut)
	v1.HandleFunc("/session", s.protect(auth.ScopeRead, s.handleDeleteSession)).Methods(http.MethodDelete)

	v1.HandleFunc("/telemetry", s.protect(auth.ScopeTelemetry, s.handleTelemetry)).Methods(http.MethodGet)
	v1.HandleFunc("/ws", s.protect(auth.ScopeTelemetry, s.handleWebSocket)).Methods(http.MethodGet)

	return r
}

// protect wraps h with authentication and a scope check. Without auth
// middleware every route is open.
func (s *Server) protect(scope string, h http.HandlerFunc) http.HandlerFunc {
	if s.authMiddleware == nil {
		return h
	}
	return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(scope)(h))
}

// decodeStrict decodes a single JSON object, rejecting unknown fields and
// trailing data.
func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON or unknown fields: %v", ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}

// userOf returns the token subject, or the local operator without auth.
func userOf(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return localUser
}

// targetUser resolves whose plan a request addresses. Only clinicians may
// address another user.
func targetUser(r *http.Request, requested string) (string, error) {
	self := userOf(r)
	if requested == "" || requested == self {
		return self, nil
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if ok && !auth.HasAnyRole(claims, auth.RoleClinician) {
		return "", ErrForbiddenError
	}
	return requested, nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := 0.0
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Seconds()
	}

	subsystems := s.checkSubsystemHealth()
	overallStatus := "ok"
	for _, healthy := range subsystems {
		if !healthy {
			overallStatus = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"uptimeSec":  uptime,
		"version":    apiVersion,
		"subsystems": subsystems,
	}
	if s.device != nil {
		health["link"] = string(s.device.Status().Link)
	}

	if overallStatus == "ok" {
		WriteSuccess(w, health)
		return
	}
	WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
		"One or more subsystems are unavailable", health)
}

// checkSubsystemHealth checks the health of all subsystems.
func (s *Server) checkSubsystemHealth() map[string]bool {
	subsystems := map[string]bool{
		"telemetry":  s.telemetryHub != nil,
		"dispatcher": s.dispatcher != nil,
		"device":     false,
	}
	if s.device != nil {
		subsystems["device"] = s.device.Status().Link == device.StateConnected
	}
	return subsystems
}

// handleCapabilities handles GET /capabilities
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"telemetry":      []string{"sse", "websocket"},
		"commands":       []string{"http-json", "websocket"},
		"axes":           command.Axes,
		"actions":        []command.Action{command.ActionIncrement, command.ActionDecrement},
		"homeTargets":    []command.HomeTarget{command.HomeMotor1, command.HomeMotor2, command.HomeMotor3, command.HomeAll},
		"controlActions": []command.ControlAction{command.ControlStart, command.ControlNext, command.ControlPause, command.ControlStop},
		"metrics":        []series.Metric{series.MetricPosition, series.MetricTorque},
		"maxDataPoints":  s.graph.MaxDataPoints,
		"maxExercises":   plan.MaxExercises,
		"version":        apiVersion,
	})
}

// handleDevice handles GET /device
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	WriteSuccess(w, s.device.Status())
}

// handleFaults handles GET /device/faults
func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	st := s.device.Status()
	WriteSuccess(w, map[string]interface{}{
		"errorFromDevice": st.ErrorFromDevice,
		"errorCode":       st.ErrorCode,
		"faults":          st.Faults,
		"description":     st.Description,
	})
}

// graphMetric returns the metric in the query, or the selected one.
func (s *Server) graphMetric(r *http.Request, snap series.Snapshot) (series.Metric, error) {
	if q := r.URL.Query().Get("metric"); q != "" {
		return chart.ParseMetric(q)
	}
	return snap.State.Metric, nil
}

// handleGraph handles GET /graph
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	snap := s.device.Graph()
	metric, err := s.graphMetric(r, snap)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"state":    snap.State,
		"metric":   metric,
		"datasets": chart.Project(snap.Series, metric),
	})
}

// handleSetGraph handles PUT /graph
func (s *Server) handleSetGraph(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	var req struct {
		Paused *bool   `json:"paused"`
		Metric *string `json:"metric"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	if req.Metric != nil {
		m, err := chart.ParseMetric(*req.Metric)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if err := s.device.SetMetric(m); err != nil {
			writeAPIError(w, err)
			return
		}
	}
	if req.Paused != nil {
		s.device.SetPaused(*req.Paused)
	}
	WriteSuccess(w, s.device.Graph().State)
}

// handleGraphPNG handles GET /graph.png
func (s *Server) handleGraphPNG(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	snap := s.device.Graph()
	metric, err := s.graphMetric(r, snap)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	title := "Position"
	if metric == series.MetricTorque {
		title = "Torque"
	}

	var buf bytes.Buffer
	err = chart.RenderPNG(&buf, chart.Project(snap.Series, metric), chart.RenderOptions{
		Width:  s.graph.PNGWidth,
		Height: s.graph.PNGHeight,
		Title:  title,
		YName:  title,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleManual handles POST /commands/manual
func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Axis   string `json:"axis"`
		Action string `json:"action"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	axis, err := command.ParseAxis(req.Axis)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	action, err := command.ParseAction(req.Action)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if s.dispatcher == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	if err := s.dispatcher.Manual(r.Context(), axis, action); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"axis": string(axis), "action": string(action)})
}

// handleHome handles POST /commands/home
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	target, err := command.ParseHomeTarget(req.Target)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if s.dispatcher == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	if err := s.dispatcher.Home(r.Context(), target); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"target": string(target)})
}

// handleControl handles POST /commands/control
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	action, err := command.ParseControlAction(req.Action)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if s.dispatcher == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	if err := s.dispatcher.Control(r.Context(), action); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"action": string(action)})
}

// handleGetPlan handles GET /plans
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeAPIError(w, plan.ErrUnavailable)
		return
	}
	user, err := targetUser(r, r.URL.Query().Get("userId"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	p, err := s.plans.GetPlan(r.Context(), user)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"userId": user, "plan": p})
}

// handlePutPlan handles PUT /plans
func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeAPIError(w, plan.ErrUnavailable)
		return
	}
	var req struct {
		UserID string     `json:"userId"`
		Plan   *plan.Plan `json:"plan"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	user, err := targetUser(r, req.UserID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.plans.PushPlan(r.Context(), user, req.Plan); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"userId": user, "plan": req.Plan})
}

// handleUploadPlan handles POST /plans/upload. Without a body the caller's
// stored plan is uploaded.
func (s *Server) handleUploadPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan *plan.Plan `json:"plan"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAPIError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
			writeAPIError(w, err)
			return
		}
	}

	p := req.Plan
	if p == nil {
		if s.plans == nil {
			writeAPIError(w, plan.ErrUnavailable)
			return
		}
		p, err = s.plans.GetPlan(r.Context(), userOf(r))
		if err != nil {
			writeAPIError(w, err)
			return
		}
	}

	if s.dispatcher == nil {
		writeAPIError(w, device.ErrDisconnected)
		return
	}
	if err := s.dispatcher.UploadPlan(r.Context(), p); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"exercises": len(p.Exercises)})
}

// handleGetSession handles GET /session
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeAPIError(w, ErrNotFoundError)
		return
	}
	st, err := s.sessions.Get(userOf(r))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, st)
}

// handlePutSession handles PUT /session
func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeAPIError(w, ErrNotFoundError)
		return
	}
	var req struct {
		LastRoute string `json:"lastRoute"`
	}
	if err := decodeStrict(r.Body, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	st, err := s.sessions.Put(userOf(r), req.LastRoute)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, st)
}

// handleDeleteSession handles DELETE /session (sign-out).
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		WriteSuccess(w, map[string]bool{"cleared": true})
		return
	}
	if err := s.sessions.Clear(userOf(r)); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]bool{"cleared": true})
}

// handleTelemetry handles GET /telemetry (SSE).
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry hub not available", nil)
		return
	}

	s.recordClients(1)
	defer s.recordClients(0)

	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		WriteError(w, http.StatusInternalServerError, "INTERNAL",
			"Failed to subscribe to telemetry stream", nil)
	}
}

// recordClients updates the client gauge; pending counts a client about to
// register.
func (s *Server) recordClients(pending int) {
	if s.metrics != nil && s.telemetryHub != nil {
		s.metrics.SetClients(s.telemetryHub.ClientCount() + pending)
	}
}
