package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"tracecollect/adb"
	"tracecollect/service"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client := adb.NewClient("/nonexistent/adb")
	runner := service.NewTraceRunner(client, nil)
	s := NewServer(client, runner, nil, "tok123", 5544)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestTokenMiddlewareRejectsBadToken(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status/SER1/window_trace")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get(VersionHeader); got != Version {
		t.Errorf("version header = %q, want %q", got, Version)
	}
}

func TestStatusWithoutTraceIsBadRequest(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status/SER1/window_trace", nil)
	req.Header.Set(TokenHeader, "tok123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPreflightCarriesStandardHeaders(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/devices", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := resp.Header.Get(VersionHeader); got != Version {
		t.Errorf("version header = %q", got)
	}
}

func TestAuthorizeOriginAddsToGate(t *testing.T) {
	s, srv := newTestServer(t)

	if s.origins.IsAllowed("http://example.test") {
		t.Fatal("origin must start out rejected")
	}
	resp, err := http.Get(srv.URL + "/authorize-origin?origin=" + "http%3A%2F%2Fexample.test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !s.origins.IsAllowed("http://example.test") {
		t.Error("origin was not allowlisted")
	}
}

func TestOriginGateAdmitsHeaderlessClients(t *testing.T) {
	gate := NewOriginGate()
	if !gate.IsAllowed("") {
		t.Error("clients without an Origin header must pass the gate")
	}
	if gate.IsAllowed("http://evil.test") {
		t.Error("unknown origins must be rejected")
	}
}
