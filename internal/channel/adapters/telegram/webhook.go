package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/config"
)

// SecretTokenHeader carries the secret_token registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookHandler receives Bot API webhook deliveries.
type WebhookHandler struct {
	logger  *slog.Logger
	adapter *Adapter
	handler channel.UpdateHandler
	path    string
	secret  string
}

// NewWebhookHandler creates the public webhook endpoint. handler is usually the
// dispatcher's Submit.
func NewWebhookHandler(log *slog.Logger, adapter *Adapter, handler channel.UpdateHandler) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "telegram_webhook")),
		adapter: adapter,
		handler: handler,
		path:    webhookPath(adapter.cfg.WebhookURL),
		secret:  strings.TrimSpace(adapter.cfg.WebhookSecret),
	}
}

// webhookPath derives the route from the public webhook URL so both always
// agree, falling back to the default path.
func webhookPath(raw string) string {
	if u, err := url.Parse(strings.TrimSpace(raw)); err == nil && u.Path != "" && u.Path != "/" {
		return u.Path
	}
	return config.DefaultWebhookPath
}

// Path returns the registered route.
func (h *WebhookHandler) Path() string { return h.path }

// Register registers webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET(h.path, h.HandleProbe)
	e.POST(h.path, h.Handle)
}

// HandleProbe responds to health/probe requests on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle verifies the secret token, decodes one update and submits it.
// Duplicates are acknowledged without being submitted again.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.handler == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "telegram webhook handler not configured")
	}
	if h.secret != "" {
		got := c.Request().Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("webhook secret mismatch", slog.String("remote", c.RealIP()))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		}
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	var u tgbotapi.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode update: %v", err))
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if _, err := h.adapter.deliver(ctx, u, h.handler); err != nil {
		h.logger.Error("handle update failed", slog.Int("update_id", u.UpdateID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "update not accepted")
	}
	return c.NoContent(http.StatusOK)
}

// RegisterWebhook points the bot at the configured webhook URL. The client's
// WebhookConfig has no secret_token field, so the request is built directly.
func (a *Adapter) RegisterWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.Bot()
	if err != nil {
		return err
	}
	link := strings.TrimSpace(a.cfg.WebhookURL)
	if link == "" {
		return fmt.Errorf("telegram webhook url is required")
	}
	// One delivery at a time keeps updates in id order for the sequential queue.
	params := tgbotapi.Params{"url": link, "max_connections": "1"}
	params.AddNonEmpty("secret_token", strings.TrimSpace(a.cfg.WebhookSecret))
	if len(a.cfg.AllowedUpdates) > 0 {
		if err := params.AddInterface("allowed_updates", a.cfg.AllowedUpdates); err != nil {
			return err
		}
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	a.logger.Info("webhook registered", slog.String("url", link))
	return nil
}

// DeleteWebhook removes the webhook so getUpdates can be used again.
func (a *Adapter) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.Bot()
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	a.logger.Info("webhook deleted")
	return nil
}
