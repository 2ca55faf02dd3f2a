package telegram

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/config"
	"github.com/memohai/tgflow/internal/update"
)

const webhookUpdate = `{"update_id":11,"message":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"},"text":"/start"}}`

func newWebhookTestHandler(secret string, handler func(context.Context, *update.Envelope) error) *WebhookHandler {
	a := NewAdapter(config.TelegramConfig{WebhookSecret: secret}, nil)
	return NewWebhookHandler(nil, a, handler)
}

func serveWebhook(h *WebhookHandler, body string, secret string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, config.DefaultWebhookPath, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if secret != "" {
		req.Header.Set(SecretTokenHeader, secret)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, h.Handle(c)
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestWebhookHandlerDeliversUpdate(t *testing.T) {
	t.Parallel()

	var got []string
	h := newWebhookTestHandler("s3cret", func(_ context.Context, env *update.Envelope) error {
		got = append(got, env.Text())
		return nil
	})
	rec, err := serveWebhook(h, webhookUpdate, "s3cret")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(got) != 1 || got[0] != "/start" {
		t.Fatalf("delivered = %v", got)
	}

	// Telegram retries deliveries it considers failed.
	if _, err := serveWebhook(h, webhookUpdate, "s3cret"); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate should be acknowledged, not delivered: %v", got)
	}
}

func TestWebhookHandlerRejectsBadSecret(t *testing.T) {
	t.Parallel()

	called := false
	h := newWebhookTestHandler("s3cret", func(context.Context, *update.Envelope) error {
		called = true
		return nil
	})
	for _, secret := range []string{"", "wrong"} {
		_, err := serveWebhook(h, webhookUpdate, secret)
		if code := httpStatus(t, err); code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d", secret, code)
		}
	}
	if called {
		t.Fatal("handler must not run without a valid secret")
	}
}

func TestWebhookHandlerRejectsBadBody(t *testing.T) {
	t.Parallel()

	h := newWebhookTestHandler("", func(context.Context, *update.Envelope) error { return nil })

	_, err := serveWebhook(h, "{not json", "")
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", code)
	}

	big := `{"update_id":1,"message":{"text":"` + string(bytes.Repeat([]byte("a"), int(webhookMaxBodyBytes))) + `"}}`
	_, err = serveWebhook(h, big, "")
	if code := httpStatus(t, err); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status = %d", code)
	}
}

func TestWebhookHandlerSubmitFailure(t *testing.T) {
	t.Parallel()

	h := newWebhookTestHandler("", func(context.Context, *update.Envelope) error {
		return errors.New("queue closed")
	})
	_, err := serveWebhook(h, webhookUpdate, "")
	if code := httpStatus(t, err); code != http.StatusInternalServerError {
		t.Fatalf("status = %d", code)
	}
}

func TestWebhookHandlerRoutes(t *testing.T) {
	t.Parallel()

	a := NewAdapter(config.TelegramConfig{WebhookURL: "https://bot.example.com/hooks/tg"}, nil)
	h := NewWebhookHandler(nil, a, func(context.Context, *update.Envelope) error { return nil })
	if h.Path() != "/hooks/tg" {
		t.Fatalf("Path() = %q", h.Path())
	}

	e := echo.New()
	h.Register(e)
	req := httptest.NewRequest(http.MethodGet, "/hooks/tg", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("probe = %d %q", rec.Code, rec.Body.String())
	}

	def := NewWebhookHandler(nil, NewAdapter(config.TelegramConfig{}, nil), nil)
	if def.Path() != config.DefaultWebhookPath {
		t.Fatalf("default Path() = %q", def.Path())
	}
}

func TestRegisterWebhookSendsSecret(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t)
	cfg := api.config()
	cfg.WebhookURL = "https://bot.example.com/telegram/webhook"
	cfg.WebhookSecret = "s3cret"
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	a := NewAdapter(cfg, nil)

	if err := a.RegisterWebhook(context.Background()); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	calls := api.methodCalls("setWebhook")
	if len(calls) != 1 {
		t.Fatalf("setWebhook calls = %d", len(calls))
	}
	form := calls[0].Form
	if form["url"] != cfg.WebhookURL || form["secret_token"] != "s3cret" {
		t.Fatalf("unexpected form: %#v", form)
	}
	if form["max_connections"] != "1" {
		t.Fatalf("max_connections = %q", form["max_connections"])
	}
	if form["allowed_updates"] != `["message","callback_query"]` {
		t.Fatalf("allowed_updates = %q", form["allowed_updates"])
	}

	if err := a.DeleteWebhook(context.Background()); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	if len(api.methodCalls("deleteWebhook")) != 1 {
		t.Fatal("expected deleteWebhook call")
	}
}
