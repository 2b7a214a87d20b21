package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/auth/login", want: true},
		{path: "/auth/refresh", want: false},
		{path: "/webhooks/whatsapp", want: true},
		{path: "/webhooks/", want: false},
		{path: "/api/webhooks/whatsapp", want: false},
		{path: "/groups", want: false},
		{path: "/live/stream", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

func TestRedactToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/live/stream":                    "/live/stream",
		"/live/stream?token=abc":          "/live/stream?token=REDACTED",
		"/live/ws?token=abc&all=true":     "/live/ws?token=REDACTED&all=true",
		"/live/ws?all=true&token=abc.def": "/live/ws?all=true&token=REDACTED",
	}
	for in, want := range cases {
		if got := redactToken(in); got != want {
			t.Fatalf("redactToken(%q) = %q, want %q", in, got, want)
		}
	}
}

type routeHandler struct {
	method string
	path   string
}

func (h routeHandler) Register(e *echo.Echo) {
	e.Add(h.method, h.path, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
}

func TestServerGuardsRoutes(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", "secret",
		routeHandler{method: http.MethodGet, path: "/ping"},
		routeHandler{method: http.MethodPost, path: "/webhooks/whatsapp"},
		routeHandler{method: http.MethodGet, path: "/groups"},
		nil,
	)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/ping", want: http.StatusNoContent},
		{method: http.MethodPost, path: "/webhooks/whatsapp", want: http.StatusNoContent},
		{method: http.MethodGet, path: "/groups", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: want %d got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}
}
