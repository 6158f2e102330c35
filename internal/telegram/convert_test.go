package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/zulandar/tgrelay/internal/filter"
	"github.com/zulandar/tgrelay/internal/transport"
)

func TestMarkedIDs(t *testing.T) {
	if got := MarkedChannelID(1234567890); got != -1001234567890 {
		t.Errorf("MarkedChannelID = %d", got)
	}
	if got := MarkedChatID(4567); got != -4567 {
		t.Errorf("MarkedChatID = %d", got)
	}
	// The private link form strips the marker back off.
	if got := filter.PrivateChatID(MarkedChannelID(1234567890)); got != "1234567890" {
		t.Errorf("PrivateChatID(marked) = %q", got)
	}
}

func entities() tg.Entities {
	return tg.Entities{
		Users: map[int64]*tg.User{
			42: {ID: 42, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
			43: {ID: 43, Username: "nobody"},
		},
		Chats: map[int64]*tg.Chat{
			7: {ID: 7, Title: "Basic Group"},
		},
		Channels: map[int64]*tg.Channel{
			1234567890: {ID: 1234567890, Title: "Go Devs", Username: "godevs", Megagroup: true},
		},
	}
}

func TestConvertMessage_Supergroup(t *testing.T) {
	m := &tg.Message{ID: 99, PeerID: &tg.PeerChannel{ChannelID: 1234567890}, Message: "hello", Date: 1700000000}
	m.SetFromID(&tg.PeerUser{UserID: 42})

	got, ok := convertMessage(entities(), m)
	if !ok {
		t.Fatal("message skipped")
	}
	want := transport.Message{
		ID:         99,
		ChatID:     -1001234567890,
		PeerID:     1234567890,
		ChatTitle:  "Go Devs",
		ChatHandle: "godevs",
		SenderID:   42,
		SenderName: "Ada Lovelace",
		Text:       "hello",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}
	if got != want {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestConvertMessage_BasicGroup(t *testing.T) {
	m := &tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 7}, Message: "hi"}
	m.SetFromID(&tg.PeerUser{UserID: 43})

	got, ok := convertMessage(entities(), m)
	if !ok {
		t.Fatal("message skipped")
	}
	if got.ChatID != -7 || got.PeerID != 7 || got.ChatTitle != "Basic Group" {
		t.Errorf("chat fields = %+v", got)
	}
	if got.SenderName != "nobody" {
		t.Errorf("SenderName = %q, want username fallback", got.SenderName)
	}
}

func TestConvertMessage_PrivateUsesPeerAsSender(t *testing.T) {
	m := &tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 42}, Message: "dm"}
	got, ok := convertMessage(entities(), m)
	if !ok {
		t.Fatal("message skipped")
	}
	if got.SenderID != 42 || got.SenderName != "Ada Lovelace" {
		t.Errorf("sender = %d %q", got.SenderID, got.SenderName)
	}
}

func TestConvertMessage_Skips(t *testing.T) {
	tests := map[string]*tg.Message{
		"outgoing": {ID: 1, PeerID: &tg.PeerChat{ChatID: 7}, Message: "x", Out: true},
		"empty":    {ID: 2, PeerID: &tg.PeerChat{ChatID: 7}},
		"no peer":  {ID: 3, Message: "x"},
	}
	for name, m := range tests {
		if _, ok := convertMessage(entities(), m); ok {
			t.Errorf("%s: expected skip", name)
		}
	}
}

func TestDescribeChat(t *testing.T) {
	tests := []struct {
		name string
		in   tg.ChatClass
		kind transport.ChatKind
		ok   bool
	}{
		{"basic group", &tg.Chat{ID: 1, Title: "g"}, transport.KindGroup, true},
		{"deactivated", &tg.Chat{ID: 2, Deactivated: true}, "", false},
		{"megagroup", &tg.Channel{ID: 3, Megagroup: true}, transport.KindGroup, true},
		{"broadcast", &tg.Channel{ID: 4, Broadcast: true}, transport.KindBroadcast, true},
		{"forbidden", &tg.ChatForbidden{ID: 5}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := describeChat(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.kind)
			}
		})
	}
}
