// Package handler defines the predicate+action pairs the dispatcher routes
// updates to. Handler is a closed sum over variants: command, content filter,
// callback, membership-gated and member-update.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/update"
)

// ErrNotMatched is returned by Handle when the predicate does not hold.
var ErrNotMatched = errors.New("handler predicate does not match update")

// ErrNoChat is returned by Context helpers when the update has no effective chat.
var ErrNoChat = errors.New("update has no effective chat")

// Variant identifies how a handler's predicate is built.
type Variant int

const (
	VariantCommand Variant = iota
	VariantContent
	VariantCallback
	VariantMembership
	VariantMemberUpdate
)

func (v Variant) String() string {
	switch v {
	case VariantCommand:
		return "command"
	case VariantContent:
		return "content"
	case VariantCallback:
		return "callback"
	case VariantMembership:
		return "membership"
	case VariantMemberUpdate:
		return "member_update"
	default:
		return "unknown"
	}
}

// Predicate is a side-effect free match function.
type Predicate func(env *update.Envelope) bool

// Action runs when a handler matches. Outbound failures should be folded into
// the returned error so the dispatcher can record them; the core never retries.
type Action func(ctx context.Context, hc *Context) (Result, error)

// Context is passed to actions.
type Context struct {
	Env    *update.Envelope
	Args   []string
	State  State
	Sink   channel.ActionSink
	Logger *slog.Logger
}

// ChatID returns the effective chat id.
func (c *Context) ChatID() (int64, bool) {
	chat, ok := c.Env.Chat()
	if !ok {
		return 0, false
	}
	return chat.ID, true
}

// Reply sends text to the effective chat.
func (c *Context) Reply(ctx context.Context, text string, opts ...channel.SendOption) (tgbotapi.Message, error) {
	chatID, ok := c.ChatID()
	if !ok {
		return tgbotapi.Message{}, ErrNoChat
	}
	if c.Sink == nil {
		return tgbotapi.Message{}, fmt.Errorf("action sink not configured")
	}
	return c.Sink.SendText(ctx, chatID, text, opts...)
}

// Membership returns the membership fetched while matching, if any.
func (c *Context) Membership() (update.Membership, bool) {
	return c.Env.Membership()
}

// MemberFetcher loads the current membership of a user in a chat.
type MemberFetcher interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (tgbotapi.ChatMember, error)
}

// Transition filters member-update events.
type Transition int

const (
	TransitionAny Transition = iota
	TransitionJoined
	TransitionLeft
)

// Handler is one registered predicate+action pair.
type Handler struct {
	name    string
	variant Variant
	action  Action

	command string
	botName string

	mask  ContentMask
	match Predicate

	callbackPrefix string

	fetcher MemberFetcher
	inner   *Handler

	transition Transition
}

// Option configures a handler at construction.
type Option func(*Handler)

// WithName overrides the handler name used in logs and outcomes.
func WithName(name string) Option {
	return func(h *Handler) { h.name = strings.TrimSpace(name) }
}

// WithBotName also accepts "/command@BotName" addressing.
func WithBotName(username string) Option {
	return func(h *Handler) { h.botName = strings.TrimPrefix(strings.TrimSpace(username), "@") }
}

// WithCallbackPrefix restricts a callback handler to data with the given prefix.
func WithCallbackPrefix(prefix string) Option {
	return func(h *Handler) { h.callbackPrefix = prefix }
}

func build(h *Handler, opts []Option) *Handler {
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// NewCommand matches message updates whose text is "/"+command followed by
// whitespace or the end of the text. Matching is case-sensitive.
func NewCommand(command string, action Action, opts ...Option) *Handler {
	command = strings.TrimPrefix(strings.TrimSpace(command), "/")
	return build(&Handler{
		name:    "/" + command,
		variant: VariantCommand,
		command: command,
		action:  action,
	}, opts)
}

// NewContent matches messages whose observed content shares a bit with mask.
func NewContent(mask ContentMask, action Action, opts ...Option) *Handler {
	return build(&Handler{
		name:    "content:" + mask.String(),
		variant: VariantContent,
		mask:    mask,
		action:  action,
	}, opts)
}

// NewFilter matches with a caller-supplied predicate.
func NewFilter(match Predicate, action Action, opts ...Option) *Handler {
	return build(&Handler{
		name:    "filter",
		variant: VariantContent,
		match:   match,
		action:  action,
	}, opts)
}

// NewCallback matches every callback query. Discrimination by payload is left
// to the action unless WithCallbackPrefix is given.
func NewCallback(action Action, opts ...Option) *Handler {
	return build(&Handler{
		name:    "callback",
		variant: VariantCallback,
		action:  action,
	}, opts)
}

// WithMembership wraps inner so that, once inner's predicate holds, the actor's
// membership in the effective chat is fetched and cached on the envelope before
// the action runs. A failed fetch is cached as unknown membership.
func WithMembership(fetcher MemberFetcher, inner *Handler, opts ...Option) *Handler {
	name := "membership"
	if inner != nil {
		name = "membership:" + inner.name
	}
	return build(&Handler{
		name:    name,
		variant: VariantMembership,
		fetcher: fetcher,
		inner:   inner,
	}, opts)
}

// NewMemberUpdate matches chat_member and my_chat_member updates.
func NewMemberUpdate(transition Transition, action Action, opts ...Option) *Handler {
	return build(&Handler{
		name:       "member_update",
		variant:    VariantMemberUpdate,
		transition: transition,
		action:     action,
	}, opts)
}

// Name returns the handler name.
func (h *Handler) Name() string { return h.name }

// Variant returns the handler variant.
func (h *Handler) Variant() Variant { return h.variant }

// CanHandle reports whether the handler matches env. Only the membership
// variant has a side effect: the membership fetch.
func (h *Handler) CanHandle(ctx context.Context, env *update.Envelope) bool {
	if h == nil || env == nil {
		return false
	}
	switch h.variant {
	case VariantCommand:
		return h.matchCommand(env)
	case VariantContent:
		if h.match != nil {
			return h.match(env)
		}
		return h.mask&Observe(env) != 0
	case VariantCallback:
		data, ok := env.CallbackData()
		return ok && strings.HasPrefix(data, h.callbackPrefix)
	case VariantMembership:
		if !h.inner.CanHandle(ctx, env) {
			return false
		}
		h.ensureMembership(ctx, env)
		return true
	case VariantMemberUpdate:
		change, ok := env.MemberUpdate()
		return ok && matchTransition(h.transition, change)
	}
	return false
}

// Handle runs the action if the predicate holds, returning ErrNotMatched otherwise.
func (h *Handler) Handle(ctx context.Context, hc *Context) (Result, error) {
	if hc == nil || !h.CanHandle(ctx, hc.Env) {
		return Continue(), ErrNotMatched
	}
	action := h.prepare(hc)
	if action == nil {
		return Continue(), nil
	}
	return action(ctx, hc)
}

// prepare fills variant-specific context and returns the action to run.
func (h *Handler) prepare(hc *Context) Action {
	switch h.variant {
	case VariantCommand:
		hc.Args = CommandArgs(hc.Env.Text())
	case VariantMembership:
		return h.inner.prepare(hc)
	}
	return h.action
}

func (h *Handler) matchCommand(env *update.Envelope) bool {
	if env.Kind() != update.KindMessage || h.command == "" {
		return false
	}
	msg, ok := env.Message()
	if !ok {
		return false
	}
	rest, ok := strings.CutPrefix(msg.Text, "/"+h.command)
	if !ok {
		return false
	}
	if atBoundary(rest) {
		return true
	}
	if h.botName == "" || !strings.HasPrefix(rest, "@") {
		return false
	}
	mention := rest[1:]
	if len(mention) < len(h.botName) || !strings.EqualFold(mention[:len(h.botName)], h.botName) {
		return false
	}
	return atBoundary(mention[len(h.botName):])
}

func atBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r)
}

func (h *Handler) ensureMembership(ctx context.Context, env *update.Envelope) {
	if _, ok := env.Membership(); ok {
		return
	}
	m := fetchMembership(ctx, h.fetcher, env)
	// A concurrent fill already won; keep it.
	_ = env.SetMembership(m)
}

func fetchMembership(ctx context.Context, fetcher MemberFetcher, env *update.Envelope) update.Membership {
	if fetcher == nil {
		return update.Membership{Err: errors.New("membership fetcher not configured")}
	}
	chat, ok := env.Chat()
	if !ok {
		return update.Membership{Err: ErrNoChat}
	}
	user, ok := env.Actor()
	if !ok {
		return update.Membership{Err: errors.New("update has no effective actor")}
	}
	member, err := fetcher.GetChatMember(ctx, chat.ID, user.ID)
	if err != nil {
		return update.Membership{Err: fmt.Errorf("get chat member: %w", err)}
	}
	return update.Membership{Member: member, Known: true}
}

func matchTransition(t Transition, change *tgbotapi.ChatMemberUpdated) bool {
	switch t {
	case TransitionJoined:
		return !isPresent(change.OldChatMember) && isPresent(change.NewChatMember)
	case TransitionLeft:
		return isPresent(change.OldChatMember) && !isPresent(change.NewChatMember)
	default:
		return true
	}
}

func isPresent(m tgbotapi.ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	default:
		return false
	}
}
