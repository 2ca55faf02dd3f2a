// Package channeltest provides an in-memory ActionSink for tests.
package channeltest

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/tgflow/internal/channel"
)

// Sent is one recorded outbound text.
type Sent struct {
	ChatID    int64
	MessageID int
	Text      string
	Options   channel.SendOptions
}

// Sink records every outbound call. Members maps user ids to
// memberships; MemberErr, when set, fails every lookup. ChatErrs fails
// SendText for single chats.
type Sink struct {
	mu sync.Mutex

	Sent      []Sent
	Edited    []Sent
	Deleted   []int
	Answered  []string
	Banned    []int64
	Unbanned  []int64
	Actions   []string
	Members   map[int64]tgbotapi.ChatMember
	MemberErr error
	SendErr   error
	ChatErrs  map[int64]error

	lookups int
	nextID  int
}

var _ channel.ActionSink = (*Sink)(nil)

// New returns an empty recording sink.
func New() *Sink {
	return &Sink{Members: make(map[int64]tgbotapi.ChatMember)}
}

func (s *Sink) SendText(ctx context.Context, chatID int64, text string, opts ...channel.SendOption) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return tgbotapi.Message{}, s.SendErr
	}
	if err := s.ChatErrs[chatID]; err != nil {
		return tgbotapi.Message{}, err
	}
	s.nextID++
	s.Sent = append(s.Sent, Sent{ChatID: chatID, MessageID: s.nextID, Text: text, Options: channel.ApplySendOptions(opts...)})
	return tgbotapi.Message{MessageID: s.nextID, Chat: &tgbotapi.Chat{ID: chatID}, Text: text}, nil
}

func (s *Sink) EditText(ctx context.Context, chatID int64, messageID int, text string, opts ...channel.SendOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Edited = append(s.Edited, Sent{ChatID: chatID, MessageID: messageID, Text: text, Options: channel.ApplySendOptions(opts...)})
	return nil
}

func (s *Sink) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deleted = append(s.Deleted, messageID)
	return nil
}

func (s *Sink) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Answered = append(s.Answered, callbackID)
	return nil
}

func (s *Sink) GetChatMember(ctx context.Context, chatID, userID int64) (tgbotapi.ChatMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.MemberErr != nil {
		return tgbotapi.ChatMember{}, s.MemberErr
	}
	if m, ok := s.Members[userID]; ok {
		return m, nil
	}
	return tgbotapi.ChatMember{Status: "member", User: &tgbotapi.User{ID: userID}}, nil
}

func (s *Sink) BanChatMember(ctx context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Banned = append(s.Banned, userID)
	return nil
}

func (s *Sink) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unbanned = append(s.Unbanned, userID)
	return nil
}

func (s *Sink) SendChatAction(ctx context.Context, chatID int64, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Actions = append(s.Actions, action)
	return nil
}

// Texts returns the recorded outbound texts in order.
func (s *Sink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.Sent))
	for _, m := range s.Sent {
		out = append(out, m.Text)
	}
	return out
}

// LastSent returns the most recent outbound text.
func (s *Sink) LastSent() (Sent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Sent) == 0 {
		return Sent{}, false
	}
	return s.Sent[len(s.Sent)-1], true
}

// Lookups returns how many membership lookups were made.
func (s *Sink) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}
