package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatbridge/internal/auth"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health/checks", want: true},
		{path: "/metrics", want: true},
		{path: "/webhook/facebook", want: true},
		{path: "/events/sns", want: true},
		{path: "/apidocs", want: true},
		{path: "/api", want: false},
		{path: "/api/sessions/c-1", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routeHandler struct{}

func (routeHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/sessions/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })
}

func TestNewServerRoutes(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, "", "secret", routeHandler{}, nil)

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/c-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("api without token: expected 401, got %d", rec.Code)
	}

	token, _, err := auth.GenerateToken("ops", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/c-1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "c-1" {
		t.Fatalf("api with token: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewServerWithoutSecret(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, "", "", routeHandler{})

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/c-1", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d", rec.Code)
	}
}
