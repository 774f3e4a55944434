package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"adega/backend/internal/domain"
	"adega/backend/internal/service"
	"adega/backend/internal/store"
	"adega/backend/internal/syncer"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/products", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected allowed origin *, got %q", got)
	}
	if got := res.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("expected Authorization in allowed headers, got %q", got)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api, _ := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", res.Code)
	}
}

func TestUnknownJSONFieldsRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"admin","password":"admin123","role":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestTokenFromAnotherSecretRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	forger, err := NewAuthManager("attacker-secret", 0)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	forged, err := forger.sign(domain.UserIdentity{Username: "admin", Role: RoleAdmin}, forger.now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reset", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", res.Code)
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	res := httptest.NewRecorder()
	writeError(res, http.StatusInternalServerError, errors.New("redis: connection refused at 10.0.0.5:6379"))

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}

	res = httptest.NewRecorder()
	writeError(res, http.StatusBadRequest, errors.New("name is required"))
	if !strings.Contains(res.Body.String(), "name is required") {
		t.Fatalf("expected 4xx message to be returned, got %s", res.Body.String())
	}
}

func TestStatusForMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.Wrap(store.ErrNotFound, "product 9"), http.StatusNotFound},
		{errors.Wrap(store.ErrInvalidInput, "name"), http.StatusBadRequest},
		{errors.Wrap(domain.ErrInvalidInput, "check digit"), http.StatusBadRequest},
		{errors.Wrap(store.ErrConflict, "code"), http.StatusConflict},
		{errors.Wrap(store.ErrInsufficientStock, "V001"), http.StatusUnprocessableEntity},
		{service.ErrForbidden, http.StatusForbidden},
		{errors.Wrap(syncer.ErrRemoteUnavailable, "fetch"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	api, _ := newTestAPI(t)
	api.allowedOrigin = "http://127.0.0.1:3000"

	cases := map[string]bool{
		"":                      true,
		"http://127.0.0.1:3000": true,
		"http://example.com":    true,
		"http://evil.test":      false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/api/v1/events", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := api.checkOrigin(req); got != want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
