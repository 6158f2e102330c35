// Package filter decides whether an inbound message is forwarded and builds
// the event that the relay sends to the output channel.
package filter

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/tgrelay/internal/transport"
)

// Rules is a read-only snapshot of the filtering configuration.
type Rules struct {
	Keywords       []string
	IgnoredSenders []int64
	// AllowedChats restricts matching to these chats when non-empty. Entries
	// may be in marked (-100…) or bare form.
	AllowedChats []int64
}

// ForwardEvent is produced for every message that passes the rules. It is
// never persisted.
type ForwardEvent struct {
	SourceIdentity    string
	ChatTitle         string
	ChatLink          string
	SenderID          int64
	SenderDisplayName string
	Text              string
	Timestamp         time.Time
	MatchedKeyword    string
}

// Decide applies rules to msg. The ignore list is consulted before keywords,
// so an ignored sender never produces an event regardless of content.
func Decide(identity string, msg transport.Message, rules Rules) (ForwardEvent, bool) {
	if slices.Contains(rules.IgnoredSenders, msg.SenderID) {
		return ForwardEvent{}, false
	}
	if msg.Text == "" {
		return ForwardEvent{}, false
	}
	if len(rules.AllowedChats) > 0 &&
		!slices.Contains(rules.AllowedChats, msg.ChatID) &&
		!slices.Contains(rules.AllowedChats, msg.PeerID) {
		return ForwardEvent{}, false
	}

	keyword, ok := matchKeyword(msg.Text, rules.Keywords)
	if !ok {
		return ForwardEvent{}, false
	}

	return ForwardEvent{
		SourceIdentity:    identity,
		ChatTitle:         msg.ChatTitle,
		ChatLink:          MessageLink(msg.ChatID, msg.ChatHandle, msg.ID),
		SenderID:          msg.SenderID,
		SenderDisplayName: msg.SenderName,
		Text:              msg.Text,
		Timestamp:         msg.Timestamp,
		MatchedKeyword:    keyword,
	}, true
}

func matchKeyword(text string, keywords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			return k, true
		}
	}
	return "", false
}

// MessageLink returns a deep link to msgID. Chats with a public handle use
// the handle form; everything else uses the private /c/ form with the
// channel marker stripped from the id.
func MessageLink(chatID int64, handle string, msgID int) string {
	if handle != "" {
		return fmt.Sprintf("https://t.me/%s/%d", handle, msgID)
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", PrivateChatID(chatID), msgID)
}

// PrivateChatID strips the fixed "-100" channel marker once. Ids without
// the marker (basic groups) lose only their sign.
func PrivateChatID(chatID int64) string {
	s := strconv.FormatInt(chatID, 10)
	if rest, ok := strings.CutPrefix(s, "-100"); ok {
		return rest
	}
	s, _ = strings.CutPrefix(s, "-")
	return s
}

// Format renders ev as the plain-text body of the forwarded message.
func Format(ev ForwardEvent) string {
	var b strings.Builder
	b.WriteString("📝 New Message\n\n")
	fmt.Fprintf(&b, "👤 From: %s\n", displayName(ev.SenderDisplayName))
	fmt.Fprintf(&b, "🆔 User ID: `%d`\n", ev.SenderID)
	fmt.Fprintf(&b, "💭 Chat: %s\n", displayName(ev.ChatTitle))
	if ev.SourceIdentity != "" {
		fmt.Fprintf(&b, "📱 Account: %s\n", ev.SourceIdentity)
	}
	b.WriteString("\n📜 Message:\n")
	b.WriteString(ev.Text)
	b.WriteString("\n")
	return b.String()
}

func displayName(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
