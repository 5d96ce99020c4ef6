package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tillcore/backend/internal/domain"
)

func serve(api *API, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func postLogin(api *API, remote string, username string, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	return serve(api, req)
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	rec := serve(api, httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token: status %d", rec.Code)
	}
	token := decodeBody[map[string]string](t, rec)["csrf_token"]
	if token == "" {
		t.Fatalf("csrf token: empty")
	}
	return token
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()
	rec := postLogin(api, "", username, password)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d", username, rec.Code)
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("login %s: no access token", username)
	}
	return resp.AccessToken
}

func loginAsAdmin(t *testing.T, api *API) string {
	t.Helper()
	return loginAs(t, api, "admin", "admin123")
}

func TestResponsesCarrySecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	rec := serve(api, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Fatalf("%s = %q, want %q", header, got, value)
		}
	}
	if rec.Header().Get("Referrer-Policy") == "" {
		t.Fatalf("expected Referrer-Policy")
	}
}

func TestLoginAttemptsAreLimitedPerClient(t *testing.T) {
	api := newTestAPI(t)
	for i := 1; i <= 5; i++ {
		if rec := postLogin(api, "10.0.0.7:4100", "admin", "wrong-pass"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	if rec := postLogin(api, "10.0.0.7:4100", "admin", "admin123"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the limit is reached, got %d", rec.Code)
	}
	if rec := postLogin(api, "10.0.0.8:4100", "admin", "admin123"); rec.Code != http.StatusOK {
		t.Fatalf("another client should still log in, got %d", rec.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	userID := strings.Repeat("x", (1<<20)+512)
	rec := c.do(http.MethodPost, "/api/v1/drawer/sessions", map[string]any{"opening_amount": "10", "user_id": userID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	for _, csrf := range []string{"", "not-a-token"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/drawer/sessions", strings.NewReader(`{"opening_amount":"100"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		if csrf != "" {
			req.Header.Set("X-CSRF-Token", csrf)
		}
		if rec := serve(api, req); rec.Code != http.StatusForbidden {
			t.Fatalf("csrf %q: expected 403, got %d", csrf, rec.Code)
		}
	}
}

func TestCSRFTokenFromPreviousHourAccepted(t *testing.T) {
	api := newTestAPI(t)
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	if !api.validateCSRFToken(api.csrfTokenForHour(current - 3600)) {
		t.Fatalf("expected token from the previous hour to stay valid")
	}
	stale := api.csrfTokenForHour(current - 7200)
	if api.validateCSRFToken(stale) {
		t.Fatalf("expected token from two hours ago to be rejected")
	}
}

func TestRoleGates(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")

	adminOnly := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/audit-logs"},
		{http.MethodPost, "/api/v1/purchase-orders"},
		{http.MethodPut, "/api/v1/currencies"},
		{http.MethodPost, "/api/v1/products/coffee/stock-adjustments"},
	}
	for _, route := range adminOnly {
		if rec := cashier.do(route.method, route.path, map[string]any{}); rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403 for cashier, got %d", route.method, route.path, rec.Code)
		}
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/api/v1/currencies", nil)
	if rec := serve(api, anonymous); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"9999", 200},
		{"", 50},
		{"invalid", 50},
		{"-3", 50},
		{"25", 25},
	}
	for _, tc := range cases {
		if got := parsePositiveLimit(tc.raw, 50, 200); got != tc.want {
			t.Fatalf("parsePositiveLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
