package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/filter"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/transport"
)

func message(id int, sender int64, text string) transport.Message {
	return transport.Message{
		ID:         id,
		ChatID:     -1001234567890,
		PeerID:     1234567890,
		ChatTitle:  "Dev Chat",
		SenderID:   sender,
		SenderName: "alice",
		Text:       text,
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(RouterOpts{}); err == nil {
		t.Error("expected error for missing store")
	}
	store, _ := newStore(t)
	if _, err := NewRouter(RouterOpts{Store: store}); err == nil {
		t.Error("expected error for missing output")
	}
}

func TestHandle_ForwardsMatch(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "python")

	h.router.Handle(context.Background(), "15550001", message(42, 7, "Anyone know Python?"))

	sent, ok := h.output.LastSent()
	if !ok {
		t.Fatal("nothing sent")
	}
	if sent.ChannelID != "out" {
		t.Errorf("ChannelID = %q", sent.ChannelID)
	}
	if !strings.Contains(sent.Text, "📜 Message:\nAnyone know Python?") {
		t.Errorf("Text = %q", sent.Text)
	}
	if !strings.Contains(sent.Text, "📱 Account: 15550001") {
		t.Errorf("account line missing: %q", sent.Text)
	}
	if !sent.DisableLinkPreview {
		t.Error("link preview not disabled")
	}
	if len(sent.Buttons) != 2 {
		t.Fatalf("button rows = %d, want 2", len(sent.Buttons))
	}
	if got := sent.Buttons[0][0].URL; got != "https://t.me/c/1234567890/42" {
		t.Errorf("link = %q", got)
	}
	ignore := sent.Buttons[1][0]
	if ignore.Action != chat.ActionIgnore || ignore.Value != "7" {
		t.Errorf("ignore button = %+v", ignore)
	}

	st := h.router.Stats()
	if st.Received != 1 || st.Forwarded != 1 || st.SendFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandle_IgnoredSenderDropped(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "python")
	if err := h.store.Merge(context.Background(), state.Patch{IgnoreUsers: []int64{7}}); err != nil {
		t.Fatal(err)
	}

	h.router.Handle(context.Background(), "a", message(1, 7, "python"))

	if h.output.SentCount() != 0 {
		t.Errorf("sent %d, want 0", h.output.SentCount())
	}
	if st := h.router.Stats(); st.Received != 1 || st.Forwarded != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandle_SendFailureDropsMessage(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "python")
	h.output.SetSendError(chat.ErrMockSend)

	h.router.Handle(context.Background(), "a", message(1, 7, "python"))

	if st := h.router.Stats(); st.SendFailures != 1 || st.Forwarded != 0 {
		t.Errorf("stats = %+v", st)
	}

	h.output.SetSendError(nil)
	h.router.Handle(context.Background(), "a", message(2, 7, "python again"))
	if h.output.SentCount() != 1 {
		t.Errorf("sent %d after recovery, want 1", h.output.SentCount())
	}
}

func TestHandle_ScopeOnlyRestrictsChats(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "python")
	h.addIdentity(t, "a", true)
	h.router.scopeOnly = true

	// No targets and an empty scope means nothing restricts the chat.
	h.router.Handle(context.Background(), "a", message(1, 7, "python"))
	if h.output.SentCount() != 1 {
		t.Fatalf("sent %d, want 1", h.output.SentCount())
	}

	if err := h.store.Merge(context.Background(), state.Patch{Scopes: map[string][]int64{"a": {999}}}); err != nil {
		t.Fatal(err)
	}
	h.router.Handle(context.Background(), "a", message(2, 7, "python"))
	if h.output.SentCount() != 1 {
		t.Errorf("message from out-of-scope chat was forwarded")
	}

	if err := h.store.Merge(context.Background(), state.Patch{Scopes: map[string][]int64{"a": {1234567890}}}); err != nil {
		t.Fatal(err)
	}
	h.router.Handle(context.Background(), "a", message(3, 7, "python"))
	if h.output.SentCount() != 2 {
		t.Errorf("message from in-scope chat was not forwarded")
	}
}

func TestAttach_PreservesOrder(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "go")
	sess := newFakeSession("a")

	if err := h.router.Attach(context.Background(), "a", sess); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for i := 1; i <= 5; i++ {
		sess.msgs <- message(i, 7, "go time")
	}
	waitFor(t, "5 forwards", func() bool { return h.output.SentCount() == 5 })

	for i, m := range h.output.AllSent() {
		want := filter.MessageLink(-1001234567890, "", i+1)
		if m.Buttons[0][0].URL != want {
			t.Errorf("message %d link = %q, want %q", i, m.Buttons[0][0].URL, want)
		}
	}
}

func TestAttach_SubscribesOnce(t *testing.T) {
	h := newHarness(t)
	sess := newFakeSession("a")
	ctx := context.Background()

	if err := h.router.Attach(ctx, "a", sess); err != nil {
		t.Fatal(err)
	}
	if err := h.router.Attach(ctx, "a", sess); err != nil {
		t.Fatal(err)
	}
	if sess.listenCount() != 1 {
		t.Errorf("Listen called %d times, want 1", sess.listenCount())
	}
}

func TestAttach_ListenError(t *testing.T) {
	h := newHarness(t)
	sess := newFakeSession("a")
	sess.listenErr = errors.New("offline")

	if err := h.router.Attach(context.Background(), "a", sess); err == nil {
		t.Fatal("expected error")
	}
	if h.router.Attached("a") {
		t.Error("failed attach left a worker behind")
	}
}

func TestAttach_WorkerOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "go")
	sess := newFakeSession("a")

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.router.Attach(ctx, "a", sess); err != nil {
		t.Fatal(err)
	}
	cancel()

	sess.msgs <- message(1, 7, "go")
	waitFor(t, "forward after caller cancel", func() bool { return h.output.SentCount() == 1 })
}

func TestDetach_StopsWorker(t *testing.T) {
	h := newHarness(t)
	h.setKeywords(t, "go")
	sess := newFakeSession("a")
	if err := h.router.Attach(context.Background(), "a", sess); err != nil {
		t.Fatal(err)
	}

	h.router.Detach("a")
	if h.router.Attached("a") {
		t.Fatal("still attached")
	}

	sess.msgs <- message(1, 7, "go")
	time.Sleep(20 * time.Millisecond)
	if h.output.SentCount() != 0 {
		t.Error("detached worker forwarded a message")
	}
}

func TestWorker_StreamEndRemovesWorker(t *testing.T) {
	h := newHarness(t)
	sess := newFakeSession("a")
	if err := h.router.Attach(context.Background(), "a", sess); err != nil {
		t.Fatal(err)
	}
	sess.Disconnect(context.Background())
	waitFor(t, "worker exit", func() bool { return !h.router.Attached("a") })
}

func TestWorker_DroppedSessionReconnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addIdentity(t, "acct1", true)
	h.setKeywords(t, "urgent")
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	first := h.dialer.session("acct1")

	first.drop()
	waitFor(t, "dropped session leaves the pool", func() bool { return !h.pool.Has("acct1") })
	if first.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", first.disconnectCount())
	}
	if ident, _ := h.store.Identity("acct1"); !ident.Enabled {
		t.Error("dropped identity was disabled")
	}

	report := h.ctrl.Reconcile(ctx)
	if len(report.Started) != 1 || report.Started[0] != "acct1" {
		t.Fatalf("Started = %v, want [acct1]", report.Started)
	}
	if h.dialer.callCount() != 2 {
		t.Errorf("dial calls = %d, want 2", h.dialer.callCount())
	}
	second := h.dialer.session("acct1")
	if second == first || !h.router.Attached("acct1") {
		t.Fatal("no fresh session attached")
	}

	second.msgs <- message(1, 7, "urgent: server down")
	waitFor(t, "forward from reconnected session", func() bool { return h.output.SentCount() == 1 })
}

func TestSessionEnded_StaleSessionIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addIdentity(t, "acct1", true)
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	sess := h.dialer.session("acct1")

	// A stale stream end for a session that is no longer the live one is
	// ignored.
	h.ctrl.sessionEnded("acct1", newFakeSession("acct1"))
	if !h.pool.Has("acct1") || sess.disconnectCount() != 0 {
		t.Error("live session removed by a stale stream end")
	}
}

func TestAttach_AfterClose(t *testing.T) {
	h := newHarness(t)
	h.router.Close()
	if err := h.router.Attach(context.Background(), "a", newFakeSession("a")); err == nil {
		t.Fatal("expected error after Close")
	}
}
