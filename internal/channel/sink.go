package channel

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SendOptions customizes an outbound text message.
type SendOptions struct {
	ReplyTo   int
	ParseMode string
	Keyboard  *tgbotapi.InlineKeyboardMarkup
	Silent    bool
}

// SendOption mutates SendOptions.
type SendOption func(*SendOptions)

// WithReplyTo replies to the given message id.
func WithReplyTo(messageID int) SendOption {
	return func(o *SendOptions) { o.ReplyTo = messageID }
}

// WithParseMode sets the Bot API parse mode (Markdown, MarkdownV2, HTML).
func WithParseMode(mode string) SendOption {
	return func(o *SendOptions) { o.ParseMode = mode }
}

// WithKeyboard attaches an inline keyboard.
func WithKeyboard(markup tgbotapi.InlineKeyboardMarkup) SendOption {
	return func(o *SendOptions) { o.Keyboard = &markup }
}

// WithSilent disables the notification sound.
func WithSilent() SendOption {
	return func(o *SendOptions) { o.Silent = true }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var out SendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}

// ActionSink is the set of outbound operations a handler action may invoke.
// Calls are independent; the dispatcher imposes no ordering beyond the caller's
// own sequencing.
type ActionSink interface {
	SendText(ctx context.Context, chatID int64, text string, opts ...SendOption) (tgbotapi.Message, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, opts ...SendOption) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	GetChatMember(ctx context.Context, chatID, userID int64) (tgbotapi.ChatMember, error)
	BanChatMember(ctx context.Context, chatID, userID int64) error
	UnbanChatMember(ctx context.Context, chatID, userID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}
