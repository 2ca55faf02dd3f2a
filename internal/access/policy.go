// Package access gates dispatch on chat and user allow-lists.
package access

import (
	"context"
	"log/slog"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/config"
	"github.com/memohai/tgflow/internal/dispatch"
	"github.com/memohai/tgflow/internal/update"
)

// Policy decides which actors may reach the handlers. An empty allow-list
// allows everyone; admins always pass.
type Policy struct {
	chats      map[int64]struct{}
	users      map[int64]struct{}
	admins     map[int64]struct{}
	denialText string
}

// NewPolicy builds a policy from the access config section.
func NewPolicy(cfg config.AccessConfig) *Policy {
	text := cfg.DenialText
	if text == "" {
		text = config.DefaultDenialText
	}
	return &Policy{
		chats:      toSet(cfg.AllowedChatIDs),
		users:      toSet(cfg.AllowedUserIDs),
		admins:     toSet(cfg.AdminUserIDs),
		denialText: text,
	}
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// DenialText is sent to rejected actors.
func (p *Policy) DenialText() string { return p.denialText }

// IsAdmin reports whether userID is a configured bot admin.
func (p *Policy) IsAdmin(userID int64) bool {
	_, ok := p.admins[userID]
	return ok
}

// Allow reports whether env may be dispatched, with a reason when it may not.
func (p *Policy) Allow(env *update.Envelope) (bool, string) {
	if user, ok := env.Actor(); ok && p.IsAdmin(user.ID) {
		return true, ""
	}
	if len(p.chats) > 0 {
		chat, ok := env.Chat()
		if !ok {
			return false, "no chat"
		}
		if _, allowed := p.chats[chat.ID]; !allowed {
			return false, "chat not allowed"
		}
	}
	if len(p.users) > 0 {
		user, ok := env.Actor()
		if !ok {
			return false, "no actor"
		}
		if _, allowed := p.users[user.ID]; !allowed {
			return false, "user not allowed"
		}
	}
	return true, ""
}

// Guard is dispatcher middleware that stops rejected updates and tells the actor.
// Message updates get the denial text in their chat; callback queries get it as
// the callback answer. Other kinds are dropped without a reply.
func Guard(p *Policy, sink channel.ActionSink, log *slog.Logger) dispatch.Middleware {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "access"))
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, env *update.Envelope) dispatch.Outcome {
			ok, reason := p.Allow(env)
			if ok {
				return next(ctx, env)
			}
			out := dispatch.Outcome{UpdateID: env.UpdateID(), Kind: env.Kind(), Denied: true, Reason: reason}
			if err := p.deny(ctx, sink, env); err != nil {
				log.Warn("denial notice failed", slog.String("update", env.Summary()), slog.Any("error", err))
				out.Errors = append(out.Errors, err)
			}
			return out
		}
	}
}

func (p *Policy) deny(ctx context.Context, sink channel.ActionSink, env *update.Envelope) error {
	if sink == nil {
		return nil
	}
	if id, ok := env.CallbackID(); ok {
		return sink.AnswerCallback(ctx, id, p.denialText)
	}
	if env.Kind() != update.KindMessage {
		return nil
	}
	chat, ok := env.Chat()
	if !ok {
		return nil
	}
	_, err := sink.SendText(ctx, chat.ID, p.denialText)
	return err
}
