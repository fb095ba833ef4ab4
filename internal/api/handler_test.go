package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

func ok(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		opts           []Option
		expectedStatus int
		checkResponse  func(*testing.T, HealthResponse)
	}{
		{
			name:           "no checks",
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp HealthResponse) {
				if resp.Status != "ok" {
					t.Errorf("expected status 'ok', got %q", resp.Status)
				}
			},
		},
		{
			name: "all dependencies up",
			opts: []Option{
				WithCheck("store", ok),
				WithCheck("redis", ok),
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp HealthResponse) {
				if resp.Checks["store"] != "ok" || resp.Checks["redis"] != "ok" {
					t.Errorf("unexpected checks: %v", resp.Checks)
				}
			},
		},
		{
			name: "store down",
			opts: []Option{
				WithCheck("store", func(context.Context) error { return errors.New("connection refused") }),
				WithCheck("redis", ok),
			},
			expectedStatus: http.StatusServiceUnavailable,
			checkResponse: func(t *testing.T, resp HealthResponse) {
				if resp.Status != "unavailable" {
					t.Errorf("expected status 'unavailable', got %q", resp.Status)
				}
				if resp.Checks["store"] != "connection refused" {
					t.Errorf("store check = %q", resp.Checks["store"])
				}
				if resp.Checks["redis"] != "ok" {
					t.Errorf("redis check = %q", resp.Checks["redis"])
				}
			},
		},
		{
			name: "open breaker is reported but healthy",
			opts: func() []Option {
				cb := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), zap.NewNop())
				for i := 0; i < 5; i++ {
					cb.Allow()
					cb.RecordFailure()
				}
				return []Option{
					WithBreaker(cb),
					WithDirectoryBreaker(func() string { return "half-open" }),
				}
			}(),
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp HealthResponse) {
				if len(resp.Breakers) != 1 {
					t.Fatalf("expected 1 breaker, got %d", len(resp.Breakers))
				}
				if resp.Breakers[0].Name != "ses" || resp.Breakers[0].State != "open" {
					t.Errorf("unexpected breaker stats: %+v", resp.Breakers[0])
				}
				if resp.Directory != "half-open" {
					t.Errorf("directory breaker = %q", resp.Directory)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(zap.NewNop(), tt.opts...)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			handler.Router().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			tt.checkResponse(t, resp)
		})
	}
}

func TestHealth_CheckDeadline(t *testing.T) {
	var hadDeadline bool
	handler := NewHandler(nil, WithCheck("store", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}))

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if !hadDeadline {
		t.Error("health checks should run with a deadline")
	}
}

func TestRouter_Metrics(t *testing.T) {
	handler := NewHandler(zap.NewNop())
	router := handler.Router()

	// Generate one request so the ops counters exist.
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "herald_http_requests_total") {
		t.Error("metrics output should include herald_http_requests_total")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	handler := NewHandler(zap.NewNop())
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notifications", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}
