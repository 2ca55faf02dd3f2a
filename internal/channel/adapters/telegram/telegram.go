// Package telegram connects the dispatcher to the Telegram Bot API: long-poll
// and webhook transports on the inbound side, an ActionSink on the outbound side.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/config"
	"github.com/memohai/tgflow/internal/update"
)

const telegramMaxMessageLength = 4096

// The client library logger is process-wide.
var botLoggerOnce sync.Once

// Adapter owns the bot client and the inbound dedup and pacing state shared by
// both transports.
type Adapter struct {
	logger  *slog.Logger
	cfg     config.TelegramConfig
	seq     *channel.Sequencer
	limiter *rate.Limiter

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewAdapter creates an Adapter. The bot client is created on first use.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &Adapter{
		logger:  log.With(slog.String("adapter", "telegram")),
		cfg:     cfg,
		seq:     channel.NewSequencer(),
		limiter: newLimiter(cfg.MinSubmitInterval()),
	}
	botLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: log.With(slog.String("source", "tgbotapi"))})
	})
	return adapter
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Bot returns the Bot API client, creating it on first call.
func (a *Adapter) Bot() (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	endpoint := strings.TrimSpace(a.cfg.APIEndpoint)
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	a.logger.Info("bot ready", slog.String("username", bot.Self.UserName), slog.Int64("bot_id", bot.Self.ID))
	a.bot = bot
	return bot, nil
}

// Username returns the configured bot username, falling back to the one
// reported by getMe when a client already exists.
func (a *Adapter) Username() string {
	if name := strings.TrimPrefix(strings.TrimSpace(a.cfg.BotUsername), "@"); name != "" {
		return name
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot.Self.UserName
	}
	return ""
}

// Sequencer exposes the inbound dedup state.
func (a *Adapter) Sequencer() *channel.Sequencer { return a.seq }

// deliver dedups u by update id, waits for the submission pacing and hands the
// envelope to handler. It reports whether u was delivered.
func (a *Adapter) deliver(ctx context.Context, u tgbotapi.Update, handler channel.UpdateHandler) (bool, error) {
	if !a.seq.Accept(u.UpdateID) {
		a.logger.Debug("duplicate update dropped", slog.Int("update_id", u.UpdateID))
		return false, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false, err
	}
	env := update.New(u)
	a.logger.Debug("inbound received", slog.String("update", env.Summary()), slog.Int("update_id", u.UpdateID))
	if err := handler(ctx, env); err != nil {
		return true, err
	}
	return true, nil
}

// apiError extracts a Bot API error. The client returns *tgbotapi.Error.
func apiError(err error) (tgbotapi.Error, bool) {
	if err == nil {
		return tgbotapi.Error{}, false
	}
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func isTelegramMessageNotModified(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Code == 400 && strings.Contains(apiErr.Message, "message is not modified")
}

func isTelegramTooManyRequests(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Code == 429
}

func getTelegramRetryAfter(err error) time.Duration {
	apiErr, ok := apiError(err)
	if ok && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

// slogBotLogger routes the client library's logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
