package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/config"
)

const pollRetryDelay = 3 * time.Second

var _ channel.Receiver = (*Adapter)(nil)

// Connect starts long-polling getUpdates and feeds every new update to handler.
// The offset always follows the highest update id accepted so far.
func (a *Adapter) Connect(ctx context.Context, handler channel.UpdateHandler) (channel.Connection, error) {
	bot, err := a.Bot()
	if err != nil {
		return nil, err
	}
	a.logger.Info("start", slog.String("mode", config.ModePoll))

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.poll(connCtx, bot, handler)
	}()

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("mode", config.ModePoll))
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
	return channel.NewConnection(config.ModePoll, stop), nil
}

func (a *Adapter) poll(ctx context.Context, bot *tgbotapi.BotAPI, handler channel.UpdateHandler) {
	timeout := int(a.cfg.PollTimeout() / time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		req := tgbotapi.NewUpdate(a.seq.NextOffset())
		req.Timeout = timeout
		req.AllowedUpdates = a.cfg.AllowedUpdates
		updates, err := bot.GetUpdates(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("get updates failed", slog.Any("error", err))
			if wait := getTelegramRetryAfter(err); wait > 0 {
				sleep(ctx, wait)
			} else {
				sleep(ctx, pollRetryDelay)
			}
			continue
		}
		for _, u := range updates {
			if _, err := a.deliver(ctx, u, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Error("handle update failed", slog.Int("update_id", u.UpdateID), slog.Any("error", err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
