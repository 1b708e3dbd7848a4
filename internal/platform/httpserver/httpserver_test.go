package httpserver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"vigil/pkg/testutil"
)

func TestRouterOperationalEndpoints(t *testing.T) {
	registry := prometheus.NewRegistry()

	testutil.Given(t, "a healthy router", func(t *testing.T) {
		router := NewRouter(registry, func(*http.Request) error { return nil })

		testutil.When(t, "calling GET /healthz", func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			testutil.Then(t, "it should respond ok", func(t *testing.T) {
				if rec.Code != http.StatusOK {
					t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
				}
				if body := rec.Body.String(); body != "ok" {
					t.Fatalf("expected body %q, got %q", "ok", body)
				}
			})
		})

		testutil.When(t, "calling GET /metrics", func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			testutil.Then(t, "it should expose the registry", func(t *testing.T) {
				if rec.Code != http.StatusOK {
					t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
				}
			})
		})
	})

	testutil.Given(t, "a router whose dependency check fails", func(t *testing.T) {
		router := NewRouter(registry, func(*http.Request) error { return errors.New("database unreachable") })

		testutil.When(t, "calling GET /healthz", func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			testutil.Then(t, "it should respond service unavailable", func(t *testing.T) {
				if rec.Code != http.StatusServiceUnavailable {
					t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
				}
				if !strings.Contains(rec.Body.String(), "database unreachable") {
					t.Fatalf("expected failure reason in body, got %q", rec.Body.String())
				}
			})
		})
	})
}
