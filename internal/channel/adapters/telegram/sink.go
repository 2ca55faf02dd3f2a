package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/channel"
)

var _ channel.ActionSink = (*Sink)(nil)

// Sink performs handler actions against the Bot API.
type Sink struct {
	adapter *Adapter
	logger  *slog.Logger
}

// NewSink creates a Sink sharing the adapter's bot client.
func NewSink(adapter *Adapter) *Sink {
	return &Sink{
		adapter: adapter,
		logger:  adapter.logger.With(slog.String("component", "sink")),
	}
}

func (s *Sink) SendText(ctx context.Context, chatID int64, text string, opts ...channel.SendOption) (tgbotapi.Message, error) {
	bot, err := s.adapter.Bot()
	if err != nil {
		return tgbotapi.Message{}, err
	}
	text = truncateTelegramText(sanitizeTelegramText(text))
	if text == "" {
		return tgbotapi.Message{}, errors.New("telegram message text is empty")
	}
	o := channel.ApplySendOptions(opts...)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = o.ParseMode
	msg.ReplyToMessageID = o.ReplyTo
	msg.DisableNotification = o.Silent
	if o.Keyboard != nil {
		msg.ReplyMarkup = *o.Keyboard
	}

	var sent tgbotapi.Message
	err = s.withRetry(ctx, "sendMessage", func() error {
		var sendErr error
		sent, sendErr = bot.Send(msg)
		return sendErr
	})
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("send message: %w", err)
	}
	return sent, nil
}

// EditText replaces the text of an earlier message. Editing to identical
// content is not an error.
func (s *Sink) EditText(ctx context.Context, chatID int64, messageID int, text string, opts ...channel.SendOption) error {
	bot, err := s.adapter.Bot()
	if err != nil {
		return err
	}
	o := channel.ApplySendOptions(opts...)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, truncateTelegramText(sanitizeTelegramText(text)))
	edit.ParseMode = o.ParseMode
	edit.ReplyMarkup = o.Keyboard
	err = s.withRetry(ctx, "editMessageText", func() error {
		_, reqErr := bot.Request(edit)
		return reqErr
	})
	if err != nil {
		if isTelegramMessageNotModified(err) {
			return nil
		}
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (s *Sink) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return s.request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID), "delete message")
}

func (s *Sink) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return s.request(ctx, tgbotapi.NewCallback(callbackID, text), "answer callback")
}

func (s *Sink) GetChatMember(ctx context.Context, chatID, userID int64) (tgbotapi.ChatMember, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.ChatMember{}, err
	}
	bot, err := s.adapter.Bot()
	if err != nil {
		return tgbotapi.ChatMember{}, err
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return tgbotapi.ChatMember{}, fmt.Errorf("get chat member: %w", err)
	}
	return member, nil
}

// BanChatMember bans a user. The client's BanChatMemberConfig sends no
// parameters, so the request is built directly.
func (s *Sink) BanChatMember(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.adapter.Bot()
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id": strconv.FormatInt(chatID, 10),
		"user_id": strconv.FormatInt(userID, 10),
	}
	if _, err := bot.MakeRequest("banChatMember", params); err != nil {
		return fmt.Errorf("ban chat member: %w", err)
	}
	s.logger.Info("member banned", slog.Int64("chat_id", chatID), slog.Int64("user_id", userID))
	return nil
}

func (s *Sink) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	return s.request(ctx, tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     true,
	}, "unban chat member")
}

func (s *Sink) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return s.request(ctx, tgbotapi.NewChatAction(chatID, action), "send chat action")
}

func (s *Sink) request(ctx context.Context, c tgbotapi.Chattable, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.adapter.Bot()
	if err != nil {
		return err
	}
	if _, err := bot.Request(c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// withRetry runs fn and retries once after the server-provided delay when the
// Bot API answers 429.
func (s *Sink) withRetry(ctx context.Context, method string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	if err == nil || !isTelegramTooManyRequests(err) {
		return err
	}
	wait := getTelegramRetryAfter(err)
	s.logger.Warn("rate limited, retrying", slog.String("method", method), slog.Duration("retry_after", wait))
	if wait > 0 {
		sleep(ctx, wait)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fn()
}
