package telegram

import (
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/zulandar/tgrelay/internal/transport"
)

// channelMarker offsets channel ids in the marked (-100…) form used by bot
// APIs and deep links.
const channelMarker = 1_000_000_000_000

// MarkedChannelID returns the marked form of a channel or supergroup id.
func MarkedChannelID(id int64) int64 { return -(channelMarker + id) }

// MarkedChatID returns the marked form of a basic group id.
func MarkedChatID(id int64) int64 { return -id }

// convertMessage maps an incoming update message to a transport.Message.
// Outgoing and empty messages are skipped.
func convertMessage(ent tg.Entities, m *tg.Message) (transport.Message, bool) {
	if m == nil || m.Out || m.Message == "" {
		return transport.Message{}, false
	}
	out := transport.Message{
		ID:        m.ID,
		Text:      m.Message,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	}

	switch p := m.PeerID.(type) {
	case *tg.PeerChannel:
		out.PeerID = p.ChannelID
		out.ChatID = MarkedChannelID(p.ChannelID)
		if ch, ok := ent.Channels[p.ChannelID]; ok {
			out.ChatTitle = ch.Title
			out.ChatHandle = ch.Username
		}
	case *tg.PeerChat:
		out.PeerID = p.ChatID
		out.ChatID = MarkedChatID(p.ChatID)
		if c, ok := ent.Chats[p.ChatID]; ok {
			out.ChatTitle = c.Title
		}
	case *tg.PeerUser:
		out.PeerID = p.UserID
		out.ChatID = p.UserID
		if u, ok := ent.Users[p.UserID]; ok {
			out.ChatTitle = userName(u)
		}
	default:
		return transport.Message{}, false
	}

	from, ok := m.GetFromID()
	if !ok {
		// Private chats and channel posts carry no sender; the peer is it.
		from = m.PeerID
	}
	switch p := from.(type) {
	case *tg.PeerUser:
		out.SenderID = p.UserID
		if u, ok := ent.Users[p.UserID]; ok {
			out.SenderName = userName(u)
		}
	case *tg.PeerChannel:
		out.SenderID = p.ChannelID
		if ch, ok := ent.Channels[p.ChannelID]; ok {
			out.SenderName = ch.Title
		}
	case *tg.PeerChat:
		out.SenderID = p.ChatID
		if c, ok := ent.Chats[p.ChatID]; ok {
			out.SenderName = c.Title
		}
	}
	return out, true
}

func userName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// describeChat classifies a chat entity. Megagroups and gigagroups count as
// groups; other channels are broadcasts.
func describeChat(c tg.ChatClass) (transport.ChatDescriptor, bool) {
	switch c := c.(type) {
	case *tg.Chat:
		if c.Deactivated {
			return transport.ChatDescriptor{}, false
		}
		return transport.ChatDescriptor{ID: c.ID, Kind: transport.KindGroup, Title: c.Title}, true
	case *tg.Channel:
		kind := transport.KindBroadcast
		if c.Megagroup || c.Gigagroup {
			kind = transport.KindGroup
		}
		return transport.ChatDescriptor{ID: c.ID, Kind: kind, Title: c.Title, Handle: c.Username}, true
	}
	return transport.ChatDescriptor{}, false
}
