package relay

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/zulandar/tgrelay/internal/transport"
)

func TestNewController_Validation(t *testing.T) {
	if _, err := NewController(ControllerOpts{}); err == nil {
		t.Error("expected error for empty opts")
	}
}

func TestStartAll_ConnectsEnabledOnly(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	h.addIdentity(t, "b", false)
	h.addIdentity(t, "c", true)

	report, err := h.ctrl.StartAll(context.Background())
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !slices.Equal(report.Started, []string{"a", "c"}) {
		t.Errorf("Started = %v", report.Started)
	}
	if !slices.Equal(h.pool.IDs(), []string{"a", "c"}) {
		t.Errorf("live = %v", h.pool.IDs())
	}
	if !h.router.Attached("a") || !h.router.Attached("c") {
		t.Error("live sessions not attached to router")
	}
}

func TestStartAll_SkipsLive(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	ctx := context.Background()

	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := h.ctrl.StartAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.AlreadyLive, []string{"a"}) {
		t.Errorf("AlreadyLive = %v", report.AlreadyLive)
	}
	if h.dialer.callCount() != 1 {
		t.Errorf("dial count = %d, want 1", h.dialer.callCount())
	}
}

func TestStartAll_AuthFailureDisables(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	h.addIdentity(t, "b", true)
	h.dialer.results["a"] = transport.ConnectResult{Status: transport.AuthNeedsCode, Reason: "session revoked"}

	report, err := h.ctrl.StartAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(report.Failed["a"], ErrAuthFailure) {
		t.Errorf("Failed[a] = %v", report.Failed["a"])
	}
	if ident, _ := h.store.Identity("a"); ident.Enabled {
		t.Error("a should be disabled after auth failure")
	}
	if !slices.Equal(report.Started, []string{"b"}) {
		t.Errorf("Started = %v", report.Started)
	}
}

func TestStartAll_TransientErrorKeepsEnabled(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	h.dialer.errs["a"] = errors.New("network unreachable")

	report, err := h.ctrl.StartAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed["a"] == nil {
		t.Fatal("expected failure for a")
	}
	if ident, _ := h.store.Identity("a"); !ident.Enabled {
		t.Error("transient failure should leave a enabled")
	}
}

func TestStartAll_Pacing(t *testing.T) {
	h := newHarness(t)
	h.ctrl.pacing = 30 * time.Millisecond
	for _, id := range []string{"a", "b", "c"} {
		h.addIdentity(t, id, true)
	}

	if _, err := h.ctrl.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	times := h.dialer.times
	for i := 1; i < len(times); i++ {
		// Allow some scheduler slack below the nominal gap.
		if gap := times[i].Sub(times[i-1]); gap < 20*time.Millisecond {
			t.Errorf("gap %d = %v, want >= ~30ms", i, gap)
		}
	}
}

func TestStartAll_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.ctrl.pacing = time.Hour
	h.addIdentity(t, "a", true)
	h.addIdentity(t, "b", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.ctrl.StartAll(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestToggle_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	ctx := context.Background()
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	first := h.dialer.session("a")

	enabled, err := h.ctrl.Toggle(ctx, "a")
	if err != nil || enabled {
		t.Fatalf("Toggle #1 = %v, %v; want false, nil", enabled, err)
	}
	if h.pool.Has("a") || h.router.Attached("a") {
		t.Error("a still live after toggle off")
	}
	if first.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", first.disconnectCount())
	}
	if ident, _ := h.store.Identity("a"); ident.Enabled {
		t.Error("a should be disabled")
	}

	enabled, err = h.ctrl.Toggle(ctx, "a")
	if err != nil || !enabled {
		t.Fatalf("Toggle #2 = %v, %v; want true, nil", enabled, err)
	}
	if !h.pool.Has("a") || !h.router.Attached("a") {
		t.Error("a not live after toggle on")
	}
	if ident, _ := h.store.Identity("a"); !ident.Enabled {
		t.Error("a should be enabled")
	}
}

func TestToggle_Unknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.Toggle(context.Background(), "ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("err = %v, want ErrUnknownIdentity", err)
	}
}

func TestToggle_AuthFailureStaysDisabled(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", false)
	h.dialer.results["a"] = transport.ConnectResult{Status: transport.AuthNeedsSecondFactor}

	enabled, err := h.ctrl.Toggle(context.Background(), "a")
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("err = %v, want ErrAuthFailure", err)
	}
	if enabled || h.pool.Has("a") {
		t.Error("a should not be live")
	}
	if ident, _ := h.store.Identity("a"); ident.Enabled {
		t.Error("a should stay disabled")
	}
}

func TestDelete_StopsAndForgets(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	ctx := context.Background()
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.pool.Has("a") {
		t.Error("a still live")
	}
	if _, ok := h.store.Identity("a"); ok {
		t.Error("a still in store")
	}
	if !slices.Equal(h.creds.removed, []string{"a"}) {
		t.Errorf("removed credentials = %v", h.creds.removed)
	}

	if err := h.ctrl.Delete(ctx, "a"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("second Delete = %v, want ErrUnknownIdentity", err)
	}
}

func TestDiscoverUntracked(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	h.creds.ids = []string{"c", "a", "b"}

	added, err := h.ctrl.DiscoverUntracked(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(added, []string{"b", "c"}) {
		t.Errorf("added = %v", added)
	}
	for _, id := range added {
		ident, ok := h.store.Identity(id)
		if !ok || ident.Enabled {
			t.Errorf("%s = %+v, %v; want tracked and disabled", id, ident, ok)
		}
	}
	if ident, _ := h.store.Identity("a"); !ident.Enabled {
		t.Error("existing identity was modified")
	}
}

func TestRegister_EnablesOnceLive(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Register(context.Background(), "new"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ident, ok := h.store.Identity("new")
	if !ok || !ident.Enabled {
		t.Errorf("identity = %+v, %v", ident, ok)
	}
	if !h.pool.Has("new") {
		t.Error("not live")
	}
}

func TestRegister_ConnectFailureLeavesDisabled(t *testing.T) {
	h := newHarness(t)
	h.dialer.errs["new"] = errors.New("dc migrate")
	if err := h.ctrl.Register(context.Background(), "new"); err == nil {
		t.Fatal("expected error")
	}
	ident, ok := h.store.Identity("new")
	if !ok || ident.Enabled {
		t.Errorf("identity = %+v, %v; want tracked and disabled", ident, ok)
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addIdentity(t, "a", true)
	h.addIdentity(t, "b", true)
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate an external edit: b disabled, c added enabled.
	if _, err := h.store.SetEnabled(ctx, "b", false); err != nil {
		t.Fatal(err)
	}
	h.addIdentity(t, "c", true)

	report := h.ctrl.Reconcile(ctx)
	if !slices.Equal(report.Disconnected, []string{"b"}) {
		t.Errorf("Disconnected = %v", report.Disconnected)
	}
	if !slices.Equal(report.Started, []string{"c"}) {
		t.Errorf("Started = %v", report.Started)
	}
	if !slices.Equal(h.pool.IDs(), []string{"a", "c"}) {
		t.Errorf("live = %v", h.pool.IDs())
	}
}

func TestShutdown_DisconnectsAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addIdentity(t, "a", true)
	h.addIdentity(t, "b", true)
	if _, err := h.ctrl.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	a, b := h.dialer.session("a"), h.dialer.session("b")

	if err := h.ctrl.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.disconnectCount() != 1 || b.disconnectCount() != 1 {
		t.Errorf("disconnects a=%d b=%d", a.disconnectCount(), b.disconnectCount())
	}
	if h.ctrl.LiveCount() != 0 {
		t.Errorf("LiveCount = %d", h.ctrl.LiveCount())
	}
	// Shutdown never changes persisted flags.
	if ident, _ := h.store.Identity("a"); !ident.Enabled {
		t.Error("a should stay enabled")
	}
}

func TestShutdown_AlreadyCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.addIdentity(t, "a", true)
	if _, err := h.ctrl.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.ctrl.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.dialer.session("a").disconnectCount() != 1 {
		t.Error("session not disconnected")
	}
}

func TestToggle_LiveIdentityDisables(t *testing.T) {
	h := newHarness(t)
	startLive(t, h, "acct1")

	enabled, err := h.ctrl.Toggle(context.Background(), "acct1")
	if err != nil || enabled {
		t.Fatalf("Toggle = %v, %v", enabled, err)
	}
	if h.pool.Has("acct1") {
		t.Error("acct1 still in pool")
	}
	reloaded := newStoreAt(t, h.path)
	if ident, ok := reloaded.Identity("acct1"); !ok || ident.Enabled {
		t.Errorf("persisted identity = %+v, %v; want enabled=false", ident, ok)
	}
}

func TestDelete_UnknownLeavesStoreAndPool(t *testing.T) {
	h := newHarness(t)
	startLive(t, h, "acct1")
	before := h.store.Snapshot()

	if err := h.ctrl.Delete(context.Background(), "acct-missing"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("err = %v, want ErrUnknownIdentity", err)
	}
	after := h.store.Snapshot()
	if len(after.Accounts) != len(before.Accounts) || !h.pool.Has("acct1") {
		t.Error("store or pool changed")
	}
	if len(h.creds.removed) != 0 {
		t.Errorf("credentials removed: %v", h.creds.removed)
	}
}
