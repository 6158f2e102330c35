// Package telegram implements the chat Adapter as a Telegram bot. The bot
// logs in over MTProto with its token, posts forwards to a channel, group or
// private chat and turns inline-button presses into chat.ActionEvent.
package telegram

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	tgclient "github.com/zulandar/tgrelay/internal/telegram"
)

const (
	// maxRetries is the max number of retries after a FLOOD_WAIT.
	maxRetries = 3
	// maxWait caps how long a single FLOOD_WAIT is honoured.
	maxWait = 2 * time.Minute
	// maxMessageLen stays under Telegram's 4096 character limit.
	maxMessageLen = 4000
	// maxCallbackData is Telegram's callback data limit in bytes.
	maxCallbackData = 64
	// channelMarker offsets channel ids in their marked (-100…) form.
	channelMarker = 1_000_000_000_000

	platform = "telegram"
)

// botAPI is the part of the MTProto API the adapter calls.
type botAPI interface {
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesSetBotCallbackAnswer(ctx context.Context, req *tg.MessagesSetBotCallbackAnswerRequest) (bool, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
}

// Adapter implements chat.Adapter for a Telegram bot.
type Adapter struct {
	appID       int
	appHash     string
	botToken    string
	sessionPath string
	channelID   string // default chat for messages, marked id
	log         zerolog.Logger

	mu         sync.Mutex
	api        botAPI
	runner     *tgclient.Runner
	botUserID  string
	connected  bool
	closed     bool
	listening  bool
	inbound    chan chat.Event
	done       chan struct{}
	channels   map[int64]int64 // channel id -> access hash
	users      map[int64]int64 // user id -> access hash
	sleep      func(ctx context.Context, d time.Duration) error
	stopWithin time.Duration
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	AppID       int
	AppHash     string
	BotToken    string
	SessionPath string // where the bot's MTProto session is kept
	ChannelID   string // default chat, marked id such as -1001234567890
	Log         zerolog.Logger
	// For testing: inject the API instead of logging in.
	API botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.API == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("telegram: bot token is required")
		}
		if opts.AppID <= 0 || opts.AppHash == "" {
			return nil, fmt.Errorf("telegram: api id and hash are required")
		}
	}
	return &Adapter{
		appID:       opts.AppID,
		appHash:     opts.AppHash,
		botToken:    opts.BotToken,
		sessionPath: opts.SessionPath,
		channelID:   opts.ChannelID,
		log:         opts.Log,
		api:         opts.API,
		inbound:     make(chan chat.Event, 100),
		done:        make(chan struct{}),
		channels:    make(map[int64]int64),
		users:       make(map[int64]int64),
		sleep:       sleepCtx,
		stopWithin:  10 * time.Second,
	}, nil
}

// Connect logs the bot in and resolves the default chat.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.api == nil {
		if err := a.login(ctx); err != nil {
			return err
		}
	}
	a.connected = true

	if err := a.resolveLocked(ctx, a.channelID); err != nil {
		a.log.Warn().Err(err).Str("chat", a.channelID).
			Msg("output chat not resolved yet, waiting for an update from it")
	}
	return nil
}

// login starts the MTProto client and signs in with the bot token unless
// the stored session is still authorized. Called with a.mu held.
func (a *Adapter) login(ctx context.Context) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		a.handleMessage(e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		a.handleMessage(e, u.Message)
		return nil
	})
	dispatcher.OnBotCallbackQuery(func(ctx context.Context, e tg.Entities, u *tg.UpdateBotCallbackQuery) error {
		a.handleCallback(ctx, e, u)
		return nil
	})

	opts := telegram.Options{UpdateHandler: dispatcher}
	if a.sessionPath != "" {
		opts.SessionStorage = &session.FileStorage{Path: a.sessionPath}
	}
	client := telegram.NewClient(a.appID, a.appHash, opts)
	r, err := tgclient.StartClient(ctx, client)
	if err != nil {
		return fmt.Errorf("telegram: start bot client: %w", err)
	}

	status, err := client.Auth().Status(ctx)
	if err == nil && !status.Authorized {
		_, err = client.Auth().Bot(ctx, a.botToken)
	}
	if err != nil {
		r.Stop(context.WithoutCancel(ctx))
		return fmt.Errorf("telegram: bot login: %w", err)
	}
	self, err := client.Self(ctx)
	if err != nil {
		r.Stop(context.WithoutCancel(ctx))
		return fmt.Errorf("telegram: bot identity: %w", err)
	}

	a.runner = r
	a.api = client.API()
	a.botUserID = strconv.FormatInt(self.ID, 10)
	a.log.Info().Str("bot", self.Username).Int64("bot_id", self.ID).Msg("telegram bot connected")
	go a.watchClient(r)
	return nil
}

// watchClient logs when the bot client exits while the adapter is open.
func (a *Adapter) watchClient(r *tgclient.Runner) {
	select {
	case <-r.Done():
		a.log.Error().Msg("telegram bot client stopped")
	case <-a.done:
	}
}

// Listen returns a channel of inbound events. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	a.listening = true
	return a.inbound, nil
}

// Send delivers a message. Long text is split across several messages;
// buttons go on the last one.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("telegram: not connected")
	}
	target := msg.ChannelID
	if target == "" {
		target = a.channelID
	}
	peer, err := a.inputPeerLocked(target)
	api := a.api
	a.mu.Unlock()
	if err != nil {
		return err
	}

	chunks := chat.Chunk(msg.Text, maxMessageLen)
	for i, text := range chunks {
		req := &tg.MessagesSendMessageRequest{
			Peer:      peer,
			Message:   text,
			RandomID:  rand.Int64(),
			NoWebpage: msg.DisableLinkPreview,
		}
		if i == len(chunks)-1 {
			if markup := buildMarkup(msg.Buttons); markup != nil {
				req.ReplyMarkup = markup
			}
		}
		err := a.retryOnFlood(ctx, func() error {
			_, err := api.MessagesSendMessage(ctx, req)
			return err
		})
		if err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

// Close stops the bot client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.done)
	if a.runner == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.stopWithin)
	defer cancel()
	if err := a.runner.Stop(ctx); err != nil {
		return fmt.Errorf("telegram: stop bot client: %w", err)
	}
	return nil
}

// BotUserID returns the bot's Telegram user id.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) emit(ev chat.Event) {
	a.mu.Lock()
	listening := a.listening
	a.mu.Unlock()
	if !listening {
		return
	}
	select {
	case a.inbound <- ev:
	case <-a.done:
	}
}

// remember caches the access hashes an update carried, so replies can be
// addressed to chats and users the bot has seen.
func (a *Adapter) remember(e tg.Entities) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range e.Channels {
		if ch.AccessHash != 0 && !ch.Min {
			a.channels[id] = ch.AccessHash
		}
	}
	for id, u := range e.Users {
		if u.AccessHash != 0 && !u.Min {
			a.users[id] = u.AccessHash
		}
	}
}

// handleMessage converts an incoming message to a chat.MessageEvent.
func (a *Adapter) handleMessage(e tg.Entities, mc tg.MessageClass) {
	a.remember(e)
	m, ok := mc.(*tg.Message)
	if !ok || m.Out || m.Message == "" {
		return
	}
	chatID, ok := markedPeerID(m.PeerID)
	if !ok {
		return
	}
	from, ok := m.GetFromID()
	if !ok {
		from = m.PeerID
	}
	userID, _ := markedPeerID(from)
	uid := strconv.FormatInt(userID, 10)

	a.mu.Lock()
	self := a.botUserID
	a.mu.Unlock()
	if uid == self {
		return
	}
	var name string
	if p, ok := from.(*tg.PeerUser); ok {
		if u, ok := e.Users[p.UserID]; ok {
			if u.Bot {
				return
			}
			name = u.Username
		}
	}

	a.emit(chat.MessageEvent{
		Platform:  platform,
		ChannelID: strconv.FormatInt(chatID, 10),
		UserID:    uid,
		UserName:  name,
		Text:      m.Message,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	})
}

// handleCallback answers an inline-button press and converts it to a
// chat.ActionEvent.
func (a *Adapter) handleCallback(ctx context.Context, e tg.Entities, u *tg.UpdateBotCallbackQuery) {
	a.remember(e)
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()
	if _, err := api.MessagesSetBotCallbackAnswer(ctx, &tg.MessagesSetBotCallbackAnswerRequest{QueryID: u.QueryID}); err != nil {
		a.log.Warn().Err(err).Msg("telegram callback answer failed")
	}

	chatID, ok := markedPeerID(u.Peer)
	if !ok {
		return
	}
	var name string
	if user, ok := e.Users[u.UserID]; ok {
		name = user.Username
	}
	action, value := chat.DecodeAction(string(u.Data))
	a.emit(chat.ActionEvent{
		Platform:  platform,
		ChannelID: strconv.FormatInt(chatID, 10),
		UserID:    strconv.FormatInt(u.UserID, 10),
		UserName:  name,
		Action:    action,
		Value:     value,
		Timestamp: time.Now(),
	})
}

// resolveLocked looks up the access hash of a channel the bot is a member
// of. Other chats need no lookup.
func (a *Adapter) resolveLocked(ctx context.Context, target string) error {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q is not numeric", target)
	}
	if id > -channelMarker {
		return nil
	}
	channelID := -id - channelMarker
	if _, ok := a.channels[channelID]; ok {
		return nil
	}
	res, err := a.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: channelID}})
	if err != nil {
		return fmt.Errorf("telegram: resolve channel %d: %w", channelID, err)
	}
	for _, c := range res.GetChats() {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == channelID {
			a.channels[channelID] = ch.AccessHash
			return nil
		}
	}
	return fmt.Errorf("telegram: channel %d not visible to the bot", channelID)
}

// inputPeerLocked maps a marked chat id to an input peer.
func (a *Adapter) inputPeerLocked(target string) (tg.InputPeerClass, error) {
	if target == "" {
		return nil, fmt.Errorf("telegram: no chat specified")
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: chat id %q is not numeric", target)
	}
	switch {
	case id <= -channelMarker:
		channelID := -id - channelMarker
		hash, ok := a.channels[channelID]
		if !ok {
			return nil, fmt.Errorf("telegram: channel %d not resolved", channelID)
		}
		return &tg.InputPeerChannel{ChannelID: channelID, AccessHash: hash}, nil
	case id < 0:
		return &tg.InputPeerChat{ChatID: -id}, nil
	default:
		return &tg.InputPeerUser{UserID: id, AccessHash: a.users[id]}, nil
	}
}

// markedPeerID returns the marked id of a peer: channels -100…, basic
// groups negative, users positive.
func markedPeerID(p tg.PeerClass) (int64, bool) {
	switch p := p.(type) {
	case *tg.PeerChannel:
		return tgclient.MarkedChannelID(p.ChannelID), true
	case *tg.PeerChat:
		return tgclient.MarkedChatID(p.ChatID), true
	case *tg.PeerUser:
		return p.UserID, true
	}
	return 0, false
}

// buildMarkup converts button rows to an inline keyboard; nil when there
// are no buttons.
func buildMarkup(rows [][]chat.Button) *tg.ReplyInlineMarkup {
	var out []tg.KeyboardButtonRow
	for _, row := range rows {
		var buttons []tg.KeyboardButtonClass
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, &tg.KeyboardButtonURL{Text: b.Label, URL: b.URL})
				continue
			}
			data := chat.EncodeAction(b.Action, b.Value)
			if len(data) > maxCallbackData {
				data = data[:maxCallbackData]
			}
			buttons = append(buttons, &tg.KeyboardButtonCallback{Text: b.Label, Data: []byte(data)})
		}
		if len(buttons) > 0 {
			out = append(out, tg.KeyboardButtonRow{Buttons: buttons})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &tg.ReplyInlineMarkup{Rows: out}
}

// retryOnFlood calls fn and, on FLOOD_WAIT, waits as told and tries again.
func (a *Adapter) retryOnFlood(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok || attempt == maxRetries {
			return err
		}
		if wait > maxWait {
			wait = maxWait
		}
		a.log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("telegram flood wait, retrying")
		if err := a.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ chat.Adapter = (*Adapter)(nil)
