package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/auth"
	"github.com/memohai/tgflow/internal/config"
)

type routes struct{}

func (routes) Register(e *echo.Echo) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	e.GET("/ping", ok)
	e.POST(config.DefaultWebhookPath, ok)
	e.GET("/admin/queue", ok)
}

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	public := map[string]struct{}{"/ping": {}, "/telegram/webhook": {}}
	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/telegram/webhook", want: true},
		{path: "/telegram/webhook/extra", want: false},
		{path: "/admin/queue", want: false},
	}
	for _, tc := range cases {
		got := shouldSkipJWT(public, tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

func TestServerGuardsAdminRoutes(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(log, "", "test-secret", []string{config.DefaultWebhookPath}, routes{}, nil)
	if srv.Addr() != config.DefaultHTTPAddr {
		t.Fatalf("Addr() = %q", srv.Addr())
	}

	do := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodGet, "/ping", ""); code != http.StatusOK {
		t.Fatalf("/ping = %d", code)
	}
	if code := do(http.MethodPost, config.DefaultWebhookPath, ""); code != http.StatusOK {
		t.Fatalf("webhook = %d", code)
	}
	if code := do(http.MethodGet, "/admin/queue", ""); code != http.StatusUnauthorized {
		t.Fatalf("admin without token = %d", code)
	}
	token, _, err := auth.GenerateToken("admin", "test-secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if code := do(http.MethodGet, "/admin/queue", token); code != http.StatusOK {
		t.Fatalf("admin with token = %d", code)
	}
}
