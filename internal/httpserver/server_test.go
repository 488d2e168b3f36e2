package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chadiek/call-capture/internal/agent"
	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/internal/rtc"
)

func newTestServer(password string) *Server {
	reg := prometheus.NewRegistry()
	m := metrics.NewCallMetrics(reg)
	m.SessionStarted()
	calls := rtc.NewHandler(rtc.Options{AuthPassword: password, Agent: agent.DefaultConfig("agent_1")}, nil, nil, nil, m)
	return New(password, calls, reg, nil)
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "callcapture_session_active 1") {
		t.Fatalf("expected session gauge in output, got:\n%s", w.Body.String())
	}
}

func TestCall_RequiresWebSocket(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/call", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain GET, got %d", w.Code)
	}
}

func TestCall_MethodNotAllowed(t *testing.T) {
	srv := newTestServer("")
	r := httptest.NewRequest(http.MethodPost, "/call", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCall_Unauthorized(t *testing.T) {
	srv := newTestServer("secret")
	r := httptest.NewRequest(http.MethodGet, "/call?password=wrong", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/call", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	w2 := httptest.NewRecorder()
	srv.Router.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w2.Code)
	}
}
