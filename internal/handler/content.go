package handler

import (
	"strings"

	"github.com/memohai/tgflow/internal/update"
)

// ContentMask is a set of message content features.
type ContentMask uint32

const (
	ContentText ContentMask = 1 << iota
	ContentPhoto
	ContentVideo
	ContentDocument
	ContentMediaGroup
	ContentForwarded
	ContentCommand

	ContentAll = ContentText | ContentPhoto | ContentVideo | ContentDocument |
		ContentMediaGroup | ContentForwarded | ContentCommand
)

var contentNames = []struct {
	bit  ContentMask
	name string
}{
	{ContentText, "text"},
	{ContentPhoto, "photo"},
	{ContentVideo, "video"},
	{ContentDocument, "document"},
	{ContentMediaGroup, "media_group"},
	{ContentForwarded, "forwarded"},
	{ContentCommand, "command"},
}

func (m ContentMask) String() string {
	if m == 0 {
		return "none"
	}
	parts := make([]string, 0, len(contentNames))
	for _, c := range contentNames {
		if m&c.bit != 0 {
			parts = append(parts, c.name)
		}
	}
	return strings.Join(parts, "|")
}

// Observe returns the content features present in env. Callback queries carry
// the attached bot message, which is not user content, so they observe nothing.
func Observe(env *update.Envelope) ContentMask {
	if env == nil || env.Kind() == update.KindCallbackQuery {
		return 0
	}
	msg, ok := env.Message()
	if !ok {
		return 0
	}
	var m ContentMask
	if msg.Text != "" {
		m |= ContentText
	}
	if len(msg.Photo) > 0 {
		m |= ContentPhoto
	}
	if msg.Video != nil {
		m |= ContentVideo
	}
	if msg.Document != nil {
		m |= ContentDocument
	}
	if msg.MediaGroupID != "" {
		m |= ContentMediaGroup
	}
	if msg.ForwardFrom != nil || msg.ForwardFromChat != nil || msg.ForwardDate != 0 || msg.ForwardSenderName != "" {
		m |= ContentForwarded
	}
	if strings.HasPrefix(msg.Text, "/") {
		m |= ContentCommand
	}
	return m
}
