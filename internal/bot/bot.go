// Package bot is the demo handler set served by tgflow: a /start profile
// conversation plus flat commands covering every handler variant.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/access"
	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/conversation"
	"github.com/memohai/tgflow/internal/dispatch"
	"github.com/memohai/tgflow/internal/event"
	"github.com/memohai/tgflow/internal/handler"
	"github.com/memohai/tgflow/internal/queue"
	"github.com/memohai/tgflow/internal/update"
)

// Conversation states of the /start flow.
const (
	StateName    handler.State = "name"
	StateAge     handler.State = "age"
	StateConfirm handler.State = "confirm"
)

const (
	confirmPrefix = "confirm:"
	confirmYes    = confirmPrefix + "yes"
	confirmNo     = confirmPrefix + "no"
	maxAge        = 150
)

const helpText = `Commands:
/start - create your profile
/cancel - stop the current conversation
/profile - show your saved profile
/echo <args> - echo arguments, quotes group words
/ban - reply to a message to ban its author (chat admins)
/broadcast <text> - queue a message to every known chat (bot admins)
/help - this message`

// Profile is what the /start conversation collects.
type Profile struct {
	Name string
	Age  int
}

type Options struct {
	Logger  *slog.Logger
	Sink    channel.ActionSink
	Policy  *access.Policy
	BotName string
}

// Bot holds the demo handlers and the little state they share.
type Bot struct {
	logger  *slog.Logger
	sink    channel.ActionSink
	policy  *access.Policy
	botName string

	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	drafts   map[conversation.Key]*Profile
	profiles map[int64]Profile
	chats    map[int64]struct{}
}

func New(opts Options) *Bot {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		logger:   log.With(slog.String("component", "bot")),
		sink:     opts.Sink,
		policy:   opts.Policy,
		botName:  opts.BotName,
		drafts:   make(map[conversation.Key]*Profile),
		profiles: make(map[int64]Profile),
		chats:    make(map[int64]struct{}),
	}
}

// Register installs every handler on d.
func (b *Bot) Register(d *dispatch.Dispatcher) {
	b.dispatcher = d
	d.Use(b.trackChats)

	d.RegisterEntryPoints(b.command("start", b.start))
	d.RegisterGlobal(b.command("cancel", b.cancel))
	d.RegisterStates(map[handler.State][]*handler.Handler{
		StateName: {handler.NewFilter(plainText, b.askAge, handler.WithName("name"))},
		StateAge:  {handler.NewFilter(plainText, b.askConfirm, handler.WithName("age"))},
		StateConfirm: {handler.NewCallback(b.confirm,
			handler.WithCallbackPrefix(confirmPrefix), handler.WithName("confirm"))},
	})
	d.RegisterFallbacks(handler.NewFilter(b.inConversation, b.notUnderstood, handler.WithName("not_understood")))

	d.RegisterHandler(
		b.command("help", b.help),
		b.command("echo", b.echo),
		b.command("profile", b.profile),
		b.command("broadcast", b.broadcast),
		handler.WithMembership(b.sink, b.command("ban", b.ban)),
		handler.NewContent(handler.ContentPhoto|handler.ContentVideo, b.media),
		handler.NewMemberUpdate(handler.TransitionJoined, b.welcome, handler.WithName("welcome")),
	)
}

func (b *Bot) command(name string, action handler.Action) *handler.Handler {
	return handler.NewCommand(name, action, handler.WithBotName(b.botName))
}

// Profile returns the saved profile of userID.
func (b *Bot) Profile(userID int64) (Profile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[userID]
	return p, ok
}

// KnownChats lists every chat an update was seen from, sorted.
func (b *Bot) KnownChats() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.chats))
	for id := range b.chats {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Bot) trackChats(next dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, env *update.Envelope) dispatch.Outcome {
		if chat, ok := env.Chat(); ok {
			b.mu.Lock()
			b.chats[chat.ID] = struct{}{}
			b.mu.Unlock()
		}
		return next(ctx, env)
	}
}

func plainText(env *update.Envelope) bool {
	if env.Kind() != update.KindMessage {
		return false
	}
	mask := handler.Observe(env)
	return mask&handler.ContentText != 0 && mask&handler.ContentCommand == 0
}

// inConversation keeps the fallback from swallowing updates outside the flow.
func (b *Bot) inConversation(env *update.Envelope) bool {
	machine := b.dispatcher.Machine()
	if machine == nil {
		return false
	}
	_, _, active := machine.Lookup(env)
	return active && env.Kind() == update.KindMessage
}

func (b *Bot) draftKey(env *update.Envelope) conversation.Key {
	key, _, _ := b.dispatcher.Machine().Lookup(env)
	return key
}

func (b *Bot) resetDraft(env *update.Envelope) {
	key := b.draftKey(env)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drafts[key] = &Profile{}
}

func (b *Bot) dropDraft(env *update.Envelope) {
	key := b.draftKey(env)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.drafts, key)
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.policy != nil && b.policy.IsAdmin(userID)
}

func (b *Bot) start(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	b.resetDraft(hc.Env)
	if _, err := hc.Reply(ctx, "Hi! What's your name?"); err != nil {
		return handler.Continue(), err
	}
	return handler.Next(StateName), nil
}

func (b *Bot) cancel(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	b.dropDraft(hc.Env)
	if _, err := hc.Reply(ctx, "Cancelled."); err != nil {
		return handler.Continue(), err
	}
	return handler.Terminate(), nil
}

func (b *Bot) askAge(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	name := strings.TrimSpace(hc.Env.Text())
	b.mu.Lock()
	b.draftLocked(hc.Env).Name = name
	b.mu.Unlock()
	if _, err := hc.Reply(ctx, fmt.Sprintf("Nice to meet you, %s. How old are you?", name)); err != nil {
		return handler.Continue(), err
	}
	return handler.Next(StateAge), nil
}

// draftLocked returns the draft of env's conversation. b.mu must be held.
func (b *Bot) draftLocked(env *update.Envelope) *Profile {
	key := b.draftKey(env)
	p, ok := b.drafts[key]
	if !ok {
		p = &Profile{}
		b.drafts[key] = p
	}
	return p
}

func (b *Bot) askConfirm(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	age, err := strconv.Atoi(strings.TrimSpace(hc.Env.Text()))
	if err != nil || age < 1 || age > maxAge {
		_, sendErr := hc.Reply(ctx, "Please send your age as a number.")
		return handler.Continue(), sendErr
	}
	b.mu.Lock()
	p := b.draftLocked(hc.Env)
	p.Age = age
	summary := fmt.Sprintf("Save this profile?\nName: %s\nAge: %d", p.Name, p.Age)
	b.mu.Unlock()

	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Yes", confirmYes),
		tgbotapi.NewInlineKeyboardButtonData("No", confirmNo),
	))
	if _, err := hc.Reply(ctx, summary, channel.WithKeyboard(keyboard)); err != nil {
		return handler.Continue(), err
	}
	return handler.Next(StateConfirm), nil
}

func (b *Bot) confirm(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	data, _ := hc.Env.CallbackData()
	callbackID, _ := hc.Env.CallbackID()
	chatID, _ := hc.ChatID()
	msg, hasMsg := hc.Env.Message()

	var errs []error
	if err := hc.Sink.AnswerCallback(ctx, callbackID, ""); err != nil {
		errs = append(errs, err)
	}

	switch data {
	case confirmYes:
		actor, ok := hc.Env.Actor()
		if !ok {
			return handler.Continue(), errors.New("callback without actor")
		}
		b.mu.Lock()
		p := *b.draftLocked(hc.Env)
		b.profiles[actor.ID] = p
		b.mu.Unlock()
		b.dropDraft(hc.Env)
		if hasMsg {
			text := fmt.Sprintf("Saved! %s, %d.", p.Name, p.Age)
			if err := hc.Sink.EditText(ctx, chatID, msg.MessageID, text); err != nil {
				errs = append(errs, err)
			}
		}
		b.logger.Info("profile saved", slog.Int64("user_id", actor.ID))
		return handler.Terminate(), errors.Join(errs...)
	case confirmNo:
		if hasMsg {
			if err := hc.Sink.EditText(ctx, chatID, msg.MessageID, "Discarded."); err != nil {
				errs = append(errs, err)
			}
		}
		b.resetDraft(hc.Env)
		if _, err := hc.Reply(ctx, "OK, let's start over. What's your name?"); err != nil {
			errs = append(errs, err)
		}
		return handler.Next(StateName), errors.Join(errs...)
	}
	return handler.Continue(), errors.Join(errs...)
}

func (b *Bot) notUnderstood(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	_, err := hc.Reply(ctx, "I didn't get that. Send /cancel to stop.")
	return handler.Continue(), err
}

func (b *Bot) help(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	_, err := hc.Reply(ctx, helpText)
	return handler.Continue(), err
}

func (b *Bot) echo(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	if len(hc.Args) == 0 {
		_, err := hc.Reply(ctx, "Usage: /echo <args>")
		return handler.Continue(), err
	}
	quoted := make([]string, len(hc.Args))
	for i, arg := range hc.Args {
		quoted[i] = strconv.Quote(arg)
	}
	_, err := hc.Reply(ctx, fmt.Sprintf("%d args: %s", len(hc.Args), strings.Join(quoted, " ")))
	return handler.Continue(), err
}

func (b *Bot) profile(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	actor, ok := hc.Env.Actor()
	if !ok {
		return handler.Continue(), nil
	}
	text := "No profile yet. Send /start."
	if p, ok := b.Profile(actor.ID); ok {
		text = fmt.Sprintf("Name: %s\nAge: %d", p.Name, p.Age)
	}
	_, err := hc.Reply(ctx, text)
	return handler.Continue(), err
}

func (b *Bot) media(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	kind := "photo"
	if handler.Observe(hc.Env)&handler.ContentVideo != 0 {
		kind = "video"
	}
	_, err := hc.Reply(ctx, fmt.Sprintf("Nice %s!", kind))
	return handler.Continue(), err
}

// ban bans the author of the replied-to message, or the user id given as the
// first argument. The membership wrapper has already fetched the caller's status.
func (b *Bot) ban(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	actor, ok := hc.Env.Actor()
	if !ok {
		return handler.Continue(), nil
	}
	member, _ := hc.Membership()
	if !member.IsAdmin() && !b.isAdmin(actor.ID) {
		_, err := hc.Reply(ctx, "Only chat admins can ban members.")
		return handler.Continue(), err
	}

	var target int64
	if msg, ok := hc.Env.Message(); ok && msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		target = msg.ReplyToMessage.From.ID
	} else if len(hc.Args) > 0 {
		id, err := strconv.ParseInt(hc.Args[0], 10, 64)
		if err == nil {
			target = id
		}
	}
	if target == 0 {
		_, err := hc.Reply(ctx, "Reply to a message or pass a user id: /ban <user_id>")
		return handler.Continue(), err
	}
	if target == actor.ID {
		_, err := hc.Reply(ctx, "You cannot ban yourself.")
		return handler.Continue(), err
	}

	chatID, _ := hc.ChatID()
	if err := hc.Sink.BanChatMember(ctx, chatID, target); err != nil {
		_, _ = hc.Reply(ctx, "Ban failed.")
		return handler.Continue(), fmt.Errorf("ban %d: %w", target, err)
	}
	b.logger.Info("member banned", slog.Int64("chat_id", chatID), slog.Int64("user_id", target), slog.Int64("by", actor.ID))
	_, err := hc.Reply(ctx, fmt.Sprintf("Banned %d.", target))
	return handler.Continue(), err
}

func (b *Bot) welcome(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	change, ok := hc.Env.MemberUpdate()
	if !ok || change.NewChatMember.User == nil || change.NewChatMember.User.IsBot {
		return handler.Continue(), nil
	}
	user := change.NewChatMember.User
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.UserName
	}
	_, err := hc.Reply(ctx, fmt.Sprintf("Welcome, %s! Send /help to see what I can do.", name))
	return handler.Continue(), err
}

// broadcast parks the message on standby. It is sent only after an operator
// promotes it through the admin API. Per-chat failures are logged and published
// but never fail the task, so updates queued behind it still drain.
func (b *Bot) broadcast(ctx context.Context, hc *handler.Context) (handler.Result, error) {
	actor, ok := hc.Env.Actor()
	if !ok || !b.isAdmin(actor.ID) {
		_, err := hc.Reply(ctx, "Only bot admins can broadcast.")
		return handler.Continue(), err
	}
	text := commandRest(hc.Env.Text())
	if text == "" {
		_, err := hc.Reply(ctx, "Usage: /broadcast <text>")
		return handler.Continue(), err
	}

	name := "broadcast:" + truncate(text, 32)
	var task *queue.Task
	task = b.dispatcher.Park(name, func(ctx context.Context) error {
		for _, chatID := range b.KnownChats() {
			if _, err := b.sink.SendText(ctx, chatID, text); err != nil {
				b.logger.Warn("broadcast delivery failed",
					slog.String("task_id", task.ID.String()),
					slog.Int64("chat_id", chatID),
					slog.Any("error", err),
				)
				b.dispatcher.Hub().Publish(event.Event{
					Type:   event.TypeDeliveryFailed,
					TaskID: task.ID.String(),
					Task:   name,
					ChatID: chatID,
					Error:  err.Error(),
				})
			}
		}
		return nil
	})
	b.logger.Info("broadcast parked", slog.String("task_id", task.ID.String()), slog.Int64("by", actor.ID))
	_, err := hc.Reply(ctx, "Broadcast queued for approval.")
	return handler.Continue(), err
}

// commandRest returns the text after the command word, inner spacing and
// quotes kept as typed.
func commandRest(text string) string {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i:])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
