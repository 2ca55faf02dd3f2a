package telegram

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/config"
	"github.com/memohai/tgflow/internal/update"
)

func TestIsTelegramMessageNotModified(t *testing.T) {
	t.Parallel()

	// Exact production error from Telegram API (editMessageText when content unchanged).
	const productionMessageNotModified = "Bad Request: message is not modified: specified new message content and reply markup are exactly the same as a current content and reply markup of the message"

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("network error"), false},
		{"other api error", tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, false},
		{"production exact", tgbotapi.Error{Code: 400, Message: productionMessageNotModified}, true},
		{"pointer form", &tgbotapi.Error{Code: 400, Message: productionMessageNotModified}, true},
		{"same text but code 500", tgbotapi.Error{Code: 500, Message: "message is not modified"}, false},
		{"wrapped pointer", fmt.Errorf("edit message: %w", &tgbotapi.Error{Code: 400, Message: "Bad Request: message is not modified"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTelegramMessageNotModified(tt.err)
			if got != tt.want {
				t.Fatalf("isTelegramMessageNotModified() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTelegramTooManyRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, true},
		{"429 pointer", &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, true},
		{"400", tgbotapi.Error{Code: 400, Message: "Bad Request"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTelegramTooManyRequests(tt.err)
			if got != tt.want {
				t.Fatalf("isTelegramTooManyRequests() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetTelegramRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"nil", nil, 0},
		{"no retry_after", tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, 0},
		{"retry_after 2", tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 2}}, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getTelegramRetryAfter(tt.err)
			if got != tt.want {
				t.Fatalf("getTelegramRetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := truncateTelegramText(short); got != short {
		t.Fatalf("short text should not be truncated: %q", got)
	}

	exact := strings.Repeat("a", telegramMaxMessageLength)
	if got := truncateTelegramText(exact); got != exact {
		t.Fatalf("exact-limit text should not be truncated, len=%d", len(got))
	}

	over := strings.Repeat("a", telegramMaxMessageLength+100)
	got := truncateTelegramText(over)
	if len(got) > telegramMaxMessageLength {
		t.Fatalf("truncated text should be <= %d bytes: got %d", telegramMaxMessageLength, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated text should end with '...': %q", got[len(got)-10:])
	}

	multi := strings.Repeat("你", telegramMaxMessageLength)
	got = truncateTelegramText(multi)
	if len(got) > telegramMaxMessageLength {
		t.Fatalf("truncated multi-byte text should be <= %d bytes: got %d", telegramMaxMessageLength, len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncated text contains invalid UTF-8")
	}
}

func TestSanitizeTelegramText(t *testing.T) {
	t.Parallel()

	if got := sanitizeTelegramText("hello world"); got != "hello world" {
		t.Fatalf("valid text should not change: %q", got)
	}
	if got := sanitizeTelegramText("hello\xff\xfeworld"); got != "helloworld" {
		t.Fatalf("expected invalid bytes stripped: %q", got)
	}
}

func TestNewLimiter(t *testing.T) {
	t.Parallel()

	if lim := newLimiter(0); !lim.Allow() || !lim.Allow() {
		t.Fatal("zero interval should not limit")
	}
	lim := newLimiter(time.Hour)
	if !lim.Allow() {
		t.Fatal("first submission should pass")
	}
	if lim.Allow() {
		t.Fatal("second submission inside the interval should wait")
	}
}

func TestBotRequiresToken(t *testing.T) {
	t.Parallel()

	a := NewAdapter(config.TelegramConfig{}, nil)
	if _, err := a.Bot(); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestBotCreatedOnce(t *testing.T) {
	t.Parallel()

	api := newFakeBotAPI(t)
	a := api.adapter(t)
	first, err := a.Bot()
	if err != nil {
		t.Fatalf("Bot: %v", err)
	}
	second, err := a.Bot()
	if err != nil {
		t.Fatalf("Bot: %v", err)
	}
	if first != second {
		t.Fatal("expected cached client")
	}
	if n := len(api.methodCalls("getMe")); n != 1 {
		t.Fatalf("getMe calls = %d, want 1", n)
	}
	if got := a.Username(); got != "flowbot" {
		t.Fatalf("Username() = %q", got)
	}
}

func TestUsernamePrefersConfig(t *testing.T) {
	t.Parallel()

	a := NewAdapter(config.TelegramConfig{BotUsername: "@FlowBot"}, nil)
	if got := a.Username(); got != "FlowBot" {
		t.Fatalf("Username() = %q", got)
	}
}

func TestDeliverDropsDuplicates(t *testing.T) {
	t.Parallel()

	a := NewAdapter(config.TelegramConfig{}, nil)
	var seen []int
	handler := func(_ context.Context, env *update.Envelope) error {
		seen = append(seen, env.UpdateID())
		return nil
	}
	for _, id := range []int{5, 5, 4, 4, 6} {
		if _, err := a.deliver(context.Background(), tgbotapi.Update{UpdateID: id}, handler); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if len(seen) != 3 || seen[0] != 5 || seen[1] != 4 || seen[2] != 6 {
		t.Fatalf("delivered = %v, want [5 4 6]", seen)
	}
	if got := a.Sequencer().NextOffset(); got != 7 {
		t.Fatalf("NextOffset() = %d, want 7", got)
	}
}
