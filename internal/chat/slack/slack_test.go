package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/tgrelay/internal/chat"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErrs []error
	users    map[string]*slackapi.User
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acked  []socketmode.Request
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

type failingSocketClient struct {
	mu        sync.Mutex
	failCount int
	runCalls  int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runCalls <= f.failCount {
		return errors.New("socket closed")
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event {
	return f.events
}

func (f *failingSocketClient) Ack(socketmode.Request, ...interface{}) {}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{
		Client:    client,
		Socket:    socket,
		ChannelID: "C_DEFAULT",
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { close(socket.done) })
	return a, client, socket
}

func receive(t *testing.T, ch <-chan chat.Event) chat.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
	return nil
}

// --- New / Connect tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{AppToken: "xapp"})
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Errorf("err = %v", err)
	}
}

func TestNew_RequiresAppToken(t *testing.T) {
	_, err := New(AdapterOpts{BotToken: "xoxb"})
	if err == nil || !strings.Contains(err.Error(), "app token is required") {
		t.Errorf("err = %v", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient(), Log: zerolog.Nop()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "slack: auth test") {
		t.Errorf("err = %v", err)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient(), Log: zerolog.Nop()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

// --- Inbound tests ---

func TestListen_ReceivesMessages(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{RealName: "Alice"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{
					User:      "U_ALICE",
					Channel:   "C1",
					Text:      "!relay stats",
					TimeStamp: "1700000000.000001",
				},
			},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}

	msg, ok := receive(t, ch).(chat.MessageEvent)
	if !ok {
		t.Fatal("expected MessageEvent")
	}
	if msg.Platform != "slack" || msg.ChannelID != "C1" || msg.UserID != "U_ALICE" {
		t.Errorf("event = %+v", msg)
	}
	if msg.UserName != "Alice" {
		t.Errorf("UserName = %q, want Alice", msg.UserName)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_BlockActionBecomesAction(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	cb := slackapi.InteractionCallback{
		Type:     slackapi.InteractionTypeBlockActions,
		User:     slackapi.User{ID: "U_OP", Name: "operator"},
		ActionTs: "1700000001.000000",
		ActionCallback: slackapi.ActionCallbacks{
			BlockActions: []*slackapi.BlockAction{
				{ActionID: "link:0-0"},
				{ActionID: "ignore:555", Value: "555"},
			},
		},
	}
	cb.Channel.ID = "C_OUT"

	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	}

	ev, ok := receive(t, ch).(chat.ActionEvent)
	if !ok {
		t.Fatal("expected ActionEvent")
	}
	if ev.Action != chat.ActionIgnore || ev.Value != "555" {
		t.Errorf("action = %q value = %q", ev.Action, ev.Value)
	}
	if ev.UserID != "U_OP" || ev.ChannelID != "C_OUT" {
		t.Errorf("event = %+v", ev)
	}

	select {
	case extra := <-ch:
		t.Errorf("link button should not emit an event, got %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.handleMessage(&slackevents.MessageEvent{User: "U_BOT_123", Text: "self"})
	a.handleMessage(&slackevents.MessageEvent{User: "U_X", BotID: "B1", Text: "bot"})
	a.handleMessage(&slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Text: "edit"})

	select {
	case ev := <-a.inbound:
		t.Errorf("unexpected event %#v", ev)
	default:
	}
}

// --- Send tests ---

func TestSend_DefaultChannel(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.Send(context.Background(), chat.OutboundMessage{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postedCount() != 1 {
		t.Fatalf("posted = %d", client.postedCount())
	}
	if client.posted[0].channelID != "C_DEFAULT" {
		t.Errorf("channel = %q", client.posted[0].channelID)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient(), Log: zerolog.Nop()})
	if err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}
	if err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
}

func TestSend_PostError(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErrs = []error{errors.New("channel_not_found")}
	err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "slack: post message") {
		t.Errorf("err = %v", err)
	}
}

// --- Block building tests ---

func TestBuildMessageOptions(t *testing.T) {
	if n := len(buildMessageOptions(chat.OutboundMessage{Text: "x"})); n != 2 {
		t.Errorf("options = %d, want 2", n)
	}
	if n := len(buildMessageOptions(chat.OutboundMessage{Text: "x", DisableLinkPreview: true})); n != 4 {
		t.Errorf("options with preview disabled = %d, want 4", n)
	}
}

func TestBuildBlocks_ButtonsBecomeActions(t *testing.T) {
	blocks := buildBlocks(chat.OutboundMessage{
		Text: "match",
		Buttons: [][]chat.Button{
			{chat.LinkButton("View Message", "https://t.me/x/1")},
			{chat.ActionButton("Ignore ID", chat.ActionIgnore, "555")},
		},
	})
	if len(blocks) != 3 {
		t.Fatalf("len(blocks) = %d, want 3", len(blocks))
	}
	if _, ok := blocks[0].(*slackapi.SectionBlock); !ok {
		t.Errorf("blocks[0] = %T, want section", blocks[0])
	}

	link := blocks[1].(*slackapi.ActionBlock).Elements.ElementSet[0].(*slackapi.ButtonBlockElement)
	if link.URL != "https://t.me/x/1" {
		t.Errorf("link URL = %q", link.URL)
	}
	if !strings.HasPrefix(link.ActionID, linkActionPrefix) {
		t.Errorf("link ActionID = %q", link.ActionID)
	}

	act := blocks[2].(*slackapi.ActionBlock).Elements.ElementSet[0].(*slackapi.ButtonBlockElement)
	if act.ActionID != "ignore:555" || act.Value != "555" {
		t.Errorf("action button = %+v", act)
	}
}

func TestBuildBlocks_LongTextSplitsSections(t *testing.T) {
	blocks := buildBlocks(chat.OutboundMessage{Text: strings.Repeat("a", maxSectionLen+1)})
	if len(blocks) != 2 {
		t.Errorf("len(blocks) = %d, want 2", len(blocks))
	}
}

func TestBuildButton_Danger(t *testing.T) {
	b := chat.ActionButton("Delete", chat.ActionDelete, "acct")
	b.Danger = true
	btn := buildButton(b, 0, 0)
	if btn.Style != slackapi.StyleDanger {
		t.Errorf("Style = %q, want danger", btn.Style)
	}
}

// --- Misc tests ---

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.123456"); got.Unix() != 1700000000 {
		t.Errorf("got %v", got)
	}
	if got := parseSlackTimestamp("garbage"); !got.IsZero() {
		t.Errorf("got %v, want zero", got)
	}
}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 10)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket, Log: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}

	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("runCalls = %d, want 3", socket.runCalls)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
