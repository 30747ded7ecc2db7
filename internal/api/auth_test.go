package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/exo-hmi/hmi/internal/auth"
)

const testSecret = "api-test-secret"

func newAuthEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return newTestEnvWith(t, func(s *Server) {
		s.authMiddleware = auth.NewMiddleware(verifier)
	})
}

func token(t *testing.T, sub string, roles, scopes []string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    sub,
		"roles":  roles,
		"scopes": scopes,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (e *testEnv) doAs(tok, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	env := newAuthEnv(t)

	if w := env.doAs("", http.MethodGet, "/api/v1/device", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}
	if w := env.doAs("garbage", http.MethodGet, "/api/v1/device", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
	// Health and metrics stay public.
	if w := env.doAs("", http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
	if w := env.doAs("", http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", w.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	env := newAuthEnv(t)
	reader := token(t, "pat-1", []string{auth.RolePatient}, []string{auth.ScopeRead})

	if w := env.doAs(reader, http.MethodGet, "/api/v1/device", ""); w.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", w.Code)
	}
	w := env.doAs(reader, http.MethodPost, "/api/v1/commands/manual", `{"axis":"EversionL","action":"Increment"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("control without scope status = %d, want 403", w.Code)
	}
	if len(env.link.Sent()) != 0 {
		t.Error("forbidden command reached the device")
	}
	if w := env.doAs(reader, http.MethodGet, "/api/v1/telemetry", ""); w.Code != http.StatusForbidden {
		t.Errorf("telemetry without scope status = %d, want 403", w.Code)
	}

	// Pausing the chart freezes it for every viewer.
	if w := env.doAs(reader, http.MethodPut, "/api/v1/graph", `{"paused":true}`); w.Code != http.StatusForbidden {
		t.Errorf("graph change without control scope status = %d, want 403", w.Code)
	}
	if env.sess.Graph().State.Paused {
		t.Error("viewer paused the shared chart")
	}
	operator := token(t, "dr-lee", []string{auth.RoleClinician}, []string{auth.ScopeRead, auth.ScopeControl})
	if w := env.doAs(operator, http.MethodPut, "/api/v1/graph", `{"paused":true}`); w.Code != http.StatusOK {
		t.Errorf("graph change with control scope status = %d: %s", w.Code, w.Body.String())
	}
	if !env.sess.Graph().State.Paused {
		t.Error("operator pause not applied")
	}
}

func TestPlanOwnership(t *testing.T) {
	env := newAuthEnv(t)
	patient := token(t, "pat-1", []string{auth.RolePatient}, []string{auth.ScopeRead, auth.ScopePlan})
	clinician := token(t, "dr-lee", []string{auth.RoleClinician}, []string{auth.ScopeRead, auth.ScopePlan})

	w := env.doAs(patient, http.MethodPut, "/api/v1/plans", `{"plan":`+validPlanJSON+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("own plan status = %d: %s", w.Code, w.Body.String())
	}

	w = env.doAs(patient, http.MethodPut, "/api/v1/plans", `{"userId":"pat-2","plan":`+validPlanJSON+`}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("patient writing other plan status = %d, want 403", w.Code)
	}

	w = env.doAs(clinician, http.MethodPut, "/api/v1/plans", `{"userId":"pat-2","plan":`+validPlanJSON+`}`)
	if w.Code != http.StatusOK {
		t.Errorf("clinician writing patient plan status = %d, want 200", w.Code)
	}

	w = env.doAs(clinician, http.MethodGet, "/api/v1/plans?userId=pat-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("clinician reading patient plan status = %d, want 200", w.Code)
	}
	w = env.doAs(patient, http.MethodGet, "/api/v1/plans?userId=pat-2", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("patient reading other plan status = %d, want 403", w.Code)
	}
}

func TestSessionPerUser(t *testing.T) {
	env := newAuthEnv(t)
	a := token(t, "pat-1", []string{auth.RolePatient}, []string{auth.ScopeRead})
	b := token(t, "pat-2", []string{auth.RolePatient}, []string{auth.ScopeRead})

	if w := env.doAs(a, http.MethodPut, "/api/v1/session", `{"lastRoute":"/hmi"}`); w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	if w := env.doAs(b, http.MethodGet, "/api/v1/session", ""); w.Code != http.StatusNotFound {
		t.Errorf("other user's session status = %d, want 404", w.Code)
	}
	if _, err := env.sessions.Get("pat-1"); err != nil {
		t.Errorf("session for pat-1: %v", err)
	}
}

func TestDisabledAuthActsAsLocalClinician(t *testing.T) {
	env := newTestEnvWith(t, func(s *Server) {
		s.authMiddleware = auth.NewDisabledMiddleware()
	})

	w := env.do(http.MethodPost, "/api/v1/commands/control", `{"action":"Start"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	w = env.do(http.MethodPut, "/api/v1/plans", `{"userId":"pat-9","plan":`+validPlanJSON+`}`)
	if w.Code != http.StatusOK {
		t.Errorf("plan for other user status = %d, want 200", w.Code)
	}
}
