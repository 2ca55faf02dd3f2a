// Package update normalizes inbound Telegram updates into Envelopes: a kind tag
// computed once at construction plus derived conversation, actor and payload
// projections.
package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind discriminates the update variants delivered by the Bot API.
type Kind string

const (
	KindMessage            Kind = "message"
	KindEditedMessage      Kind = "edited_message"
	KindChannelPost        Kind = "channel_post"
	KindEditedChannelPost  Kind = "edited_channel_post"
	KindInlineQuery        Kind = "inline_query"
	KindChosenInlineResult Kind = "chosen_inline_result"
	KindCallbackQuery      Kind = "callback_query"
	KindShippingQuery      Kind = "shipping_query"
	KindPreCheckoutQuery   Kind = "pre_checkout_query"
	KindPoll               Kind = "poll"
	KindPollAnswer         Kind = "poll_answer"
	KindMyChatMember       Kind = "my_chat_member"
	KindChatMember         Kind = "chat_member"
	KindChatJoinRequest    Kind = "chat_join_request"
	KindUnknown            Kind = "unknown"
)

func (k Kind) String() string { return string(k) }

// ErrMembershipSet is returned when the membership slot was already filled in
// the current refresh.
var ErrMembershipSet = errors.New("membership already set for this envelope")

// probes is the fixed classification order. The first present field wins.
var probes = []struct {
	kind    Kind
	present func(u *tgbotapi.Update) bool
}{
	{KindMessage, func(u *tgbotapi.Update) bool { return u.Message != nil }},
	{KindEditedMessage, func(u *tgbotapi.Update) bool { return u.EditedMessage != nil }},
	{KindChannelPost, func(u *tgbotapi.Update) bool { return u.ChannelPost != nil }},
	{KindEditedChannelPost, func(u *tgbotapi.Update) bool { return u.EditedChannelPost != nil }},
	{KindInlineQuery, func(u *tgbotapi.Update) bool { return u.InlineQuery != nil }},
	{KindChosenInlineResult, func(u *tgbotapi.Update) bool { return u.ChosenInlineResult != nil }},
	{KindCallbackQuery, func(u *tgbotapi.Update) bool { return u.CallbackQuery != nil }},
	{KindShippingQuery, func(u *tgbotapi.Update) bool { return u.ShippingQuery != nil }},
	{KindPreCheckoutQuery, func(u *tgbotapi.Update) bool { return u.PreCheckoutQuery != nil }},
	{KindPoll, func(u *tgbotapi.Update) bool { return u.Poll != nil }},
	{KindPollAnswer, func(u *tgbotapi.Update) bool { return u.PollAnswer != nil }},
	{KindMyChatMember, func(u *tgbotapi.Update) bool { return u.MyChatMember != nil }},
	{KindChatMember, func(u *tgbotapi.Update) bool { return u.ChatMember != nil }},
	{KindChatJoinRequest, func(u *tgbotapi.Update) bool { return u.ChatJoinRequest != nil }},
}

// Kinds returns the classification order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(probes))
	for _, p := range probes {
		out = append(out, p.kind)
	}
	return out
}

// Classify returns the kind of the first present field in classification order,
// or KindUnknown. Unknown updates are valid input that matches no handler.
func Classify(u tgbotapi.Update) Kind {
	for _, p := range probes {
		if p.present(&u) {
			return p.kind
		}
	}
	return KindUnknown
}

// Membership is the fetched membership of the acting user in the effective chat.
// Known is false when the fetch failed; Err then carries the cause.
type Membership struct {
	Member tgbotapi.ChatMember
	Known  bool
	Err    error
}

// Status returns the member status, or "unknown" when the fetch failed.
func (m Membership) Status() string {
	if !m.Known {
		return "unknown"
	}
	return m.Member.Status
}

// IsAdmin reports whether the member is the chat creator or an administrator.
func (m Membership) IsAdmin() bool {
	return m.Known && (m.Member.IsCreator() || m.Member.IsAdministrator())
}

// Envelope wraps one update. It is immutable apart from the membership slot.
type Envelope struct {
	raw  tgbotapi.Update
	kind Kind

	mu         sync.Mutex
	membership *Membership
}

// New classifies u and wraps it.
func New(u tgbotapi.Update) *Envelope {
	return &Envelope{raw: u, kind: Classify(u)}
}

// Decode parses a JSON-encoded update as delivered by getUpdates or a webhook.
func Decode(raw []byte) (*Envelope, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return New(u), nil
}

// Kind returns the discriminant computed at construction.
func (e *Envelope) Kind() Kind { return e.kind }

// UpdateID returns the transport sequence identifier.
func (e *Envelope) UpdateID() int { return e.raw.UpdateID }

// Raw returns the wrapped update.
func (e *Envelope) Raw() tgbotapi.Update { return e.raw }

// Message returns the effective message payload: the message itself for message
// kinds, or the message the callback button is attached to.
func (e *Envelope) Message() (*tgbotapi.Message, bool) {
	var msg *tgbotapi.Message
	switch e.kind {
	case KindMessage:
		msg = e.raw.Message
	case KindEditedMessage:
		msg = e.raw.EditedMessage
	case KindChannelPost:
		msg = e.raw.ChannelPost
	case KindEditedChannelPost:
		msg = e.raw.EditedChannelPost
	case KindCallbackQuery:
		msg = e.raw.CallbackQuery.Message
	}
	return msg, msg != nil
}

// Chat returns the effective conversation.
func (e *Envelope) Chat() (*tgbotapi.Chat, bool) {
	switch e.kind {
	case KindMessage, KindEditedMessage, KindChannelPost, KindEditedChannelPost, KindCallbackQuery:
		msg, ok := e.Message()
		if !ok || msg.Chat == nil {
			return nil, false
		}
		return msg.Chat, true
	case KindMyChatMember:
		chat := e.raw.MyChatMember.Chat
		return &chat, true
	case KindChatMember:
		chat := e.raw.ChatMember.Chat
		return &chat, true
	case KindChatJoinRequest:
		chat := e.raw.ChatJoinRequest.Chat
		return &chat, true
	}
	return nil, false
}

// Actor returns the effective user. For callbacks this is the user who pressed
// the button, not the author of the attached message.
func (e *Envelope) Actor() (*tgbotapi.User, bool) {
	var user *tgbotapi.User
	switch e.kind {
	case KindMessage, KindEditedMessage, KindChannelPost, KindEditedChannelPost:
		msg, _ := e.Message()
		user = msg.From
	case KindCallbackQuery:
		user = e.raw.CallbackQuery.From
	case KindInlineQuery:
		user = e.raw.InlineQuery.From
	case KindChosenInlineResult:
		user = e.raw.ChosenInlineResult.From
	case KindShippingQuery:
		user = e.raw.ShippingQuery.From
	case KindPreCheckoutQuery:
		user = e.raw.PreCheckoutQuery.From
	case KindPollAnswer:
		u := e.raw.PollAnswer.User
		user = &u
	case KindMyChatMember:
		u := e.raw.MyChatMember.From
		user = &u
	case KindChatMember:
		u := e.raw.ChatMember.From
		user = &u
	case KindChatJoinRequest:
		u := e.raw.ChatJoinRequest.From
		user = &u
	}
	return user, user != nil
}

// Text returns the message text, falling back to the caption.
func (e *Envelope) Text() string {
	msg, ok := e.Message()
	if !ok || e.kind == KindCallbackQuery {
		return ""
	}
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// CallbackData returns the callback payload for callback updates.
func (e *Envelope) CallbackData() (string, bool) {
	if e.kind != KindCallbackQuery {
		return "", false
	}
	return e.raw.CallbackQuery.Data, true
}

// CallbackID returns the callback query id to answer.
func (e *Envelope) CallbackID() (string, bool) {
	if e.kind != KindCallbackQuery {
		return "", false
	}
	return e.raw.CallbackQuery.ID, true
}

// MemberUpdate returns the membership transition carried by chat_member and
// my_chat_member updates.
func (e *Envelope) MemberUpdate() (*tgbotapi.ChatMemberUpdated, bool) {
	switch e.kind {
	case KindChatMember:
		return e.raw.ChatMember, true
	case KindMyChatMember:
		return e.raw.MyChatMember, true
	}
	return nil, false
}

// Membership returns the cached membership, or false when not yet fetched.
func (e *Envelope) Membership() (Membership, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.membership == nil {
		return Membership{}, false
	}
	return *e.membership, true
}

// SetMembership fills the membership slot. It fails once the slot is filled
// until ResetMembership starts a new refresh.
func (e *Envelope) SetMembership(m Membership) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.membership != nil {
		return ErrMembershipSet
	}
	e.membership = &m
	return nil
}

// ResetMembership clears the slot so the next fetch may store a fresh value.
func (e *Envelope) ResetMembership() {
	e.mu.Lock()
	e.membership = nil
	e.mu.Unlock()
}

// Summary renders a short description for logs.
func (e *Envelope) Summary() string {
	var b strings.Builder
	b.WriteString(e.kind.String())
	if chat, ok := e.Chat(); ok {
		fmt.Fprintf(&b, " chat=%d", chat.ID)
	}
	if user, ok := e.Actor(); ok {
		fmt.Fprintf(&b, " user=%d", user.ID)
	}
	return b.String()
}
