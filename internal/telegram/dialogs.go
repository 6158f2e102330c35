package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/zulandar/tgrelay/internal/transport"
)

// dialogBatch is the page size requested from messages.getDialogs.
const dialogBatch = 100

// dialogsAPI is the slice of tg.Client the iterator needs.
type dialogsAPI interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// dialogIterator pages through the account's dialogs. The offset only moves
// after a page has been fetched successfully, so a flood wait can be waited
// out and Next called again.
type dialogIterator struct {
	api  dialogsAPI
	buf  []transport.ChatDescriptor
	done bool

	offsetDate int
	offsetID   int
	offsetPeer tg.InputPeerClass
}

func newDialogIterator(api dialogsAPI) *dialogIterator {
	return &dialogIterator{api: api, offsetPeer: &tg.InputPeerEmpty{}}
}

// Next returns the next chat, transport.ErrEndOfChats at the end, or a
// *transport.RateLimitError when the server asks to slow down.
func (it *dialogIterator) Next(ctx context.Context) (transport.ChatDescriptor, error) {
	for len(it.buf) == 0 {
		if it.done {
			return transport.ChatDescriptor{}, transport.ErrEndOfChats
		}
		if err := it.fetch(ctx); err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				return transport.ChatDescriptor{}, &transport.RateLimitError{Wait: wait}
			}
			return transport.ChatDescriptor{}, fmt.Errorf("telegram: get dialogs: %w", err)
		}
	}
	d := it.buf[0]
	it.buf = it.buf[1:]
	return d, nil
}

func (it *dialogIterator) fetch(ctx context.Context) error {
	res, err := it.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetDate: it.offsetDate,
		OffsetID:   it.offsetID,
		OffsetPeer: it.offsetPeer,
		Limit:      dialogBatch,
	})
	if err != nil {
		return err
	}

	var p page
	switch r := res.(type) {
	case *tg.MessagesDialogs:
		p = page{dialogs: r.Dialogs, messages: r.Messages, chats: r.Chats, users: r.Users}
		it.done = true
	case *tg.MessagesDialogsSlice:
		p = page{dialogs: r.Dialogs, messages: r.Messages, chats: r.Chats, users: r.Users}
		it.done = len(r.Dialogs) < dialogBatch
	default:
		it.done = true
		return nil
	}

	descs, next, ok := p.parse()
	it.buf = append(it.buf, descs...)
	if !ok {
		it.done = true
		return nil
	}
	it.offsetDate, it.offsetID, it.offsetPeer = next.date, next.id, next.peer
	return nil
}

type page struct {
	dialogs  []tg.DialogClass
	messages []tg.MessageClass
	chats    []tg.ChatClass
	users    []tg.UserClass
}

type offset struct {
	date int
	id   int
	peer tg.InputPeerClass
}

// parse returns the page's chats in dialog order and the offset of the
// next page. ok is false when no offset can be derived.
func (p page) parse() (descs []transport.ChatDescriptor, next offset, ok bool) {
	chats := make(map[int64]tg.ChatClass, len(p.chats))
	for _, c := range p.chats {
		chats[c.GetID()] = c
	}
	users := make(map[int64]*tg.User, len(p.users))
	for _, u := range p.users {
		if u, isUser := u.(*tg.User); isUser {
			users[u.ID] = u
		}
	}

	var last *tg.Dialog
	for _, dc := range p.dialogs {
		d, isDialog := dc.(*tg.Dialog)
		if !isDialog {
			continue
		}
		last = d
		switch peer := d.Peer.(type) {
		case *tg.PeerChat:
			if desc, ok := describeChat(chats[peer.ChatID]); ok {
				descs = append(descs, desc)
			}
		case *tg.PeerChannel:
			if desc, ok := describeChat(chats[peer.ChannelID]); ok {
				descs = append(descs, desc)
			}
		case *tg.PeerUser:
			desc := transport.ChatDescriptor{ID: peer.UserID, Kind: transport.KindPrivate}
			if u, found := users[peer.UserID]; found {
				desc.Title = userName(u)
				desc.Handle = u.Username
			}
			descs = append(descs, desc)
		}
	}
	if last == nil {
		return descs, offset{}, false
	}

	next.id = last.TopMessage
	for _, m := range p.messages {
		if m.GetID() != last.TopMessage {
			continue
		}
		switch m := m.(type) {
		case *tg.Message:
			if samePeer(m.PeerID, last.Peer) {
				next.date = m.Date
			}
		case *tg.MessageService:
			if samePeer(m.PeerID, last.Peer) {
				next.date = m.Date
			}
		}
	}
	next.peer = inputPeer(last.Peer, chats, users)
	return descs, next, next.peer != nil
}

func samePeer(a, b tg.PeerClass) bool {
	switch a := a.(type) {
	case *tg.PeerUser:
		b, ok := b.(*tg.PeerUser)
		return ok && a.UserID == b.UserID
	case *tg.PeerChat:
		b, ok := b.(*tg.PeerChat)
		return ok && a.ChatID == b.ChatID
	case *tg.PeerChannel:
		b, ok := b.(*tg.PeerChannel)
		return ok && a.ChannelID == b.ChannelID
	}
	return false
}

func inputPeer(p tg.PeerClass, chats map[int64]tg.ChatClass, users map[int64]*tg.User) tg.InputPeerClass {
	switch p := p.(type) {
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		if ch, ok := chats[p.ChannelID].(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
	case *tg.PeerUser:
		if u, ok := users[p.UserID]; ok {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	}
	return nil
}
