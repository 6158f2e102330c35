package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/transport"
)

// --- Fake transport ---

type chatStep struct {
	desc transport.ChatDescriptor
	err  error
}

func group(id int64) chatStep {
	return chatStep{desc: transport.ChatDescriptor{ID: id, Kind: transport.KindGroup, Title: fmt.Sprintf("group %d", id)}}
}

func broadcast(id int64) chatStep {
	return chatStep{desc: transport.ChatDescriptor{ID: id, Kind: transport.KindBroadcast}}
}

func private(id int64) chatStep {
	return chatStep{desc: transport.ChatDescriptor{ID: id, Kind: transport.KindPrivate}}
}

func rateLimited(wait time.Duration) chatStep {
	return chatStep{err: &transport.RateLimitError{Wait: wait}}
}

type fakeIterator struct {
	steps []chatStep
	i     int
}

func (it *fakeIterator) Next(ctx context.Context) (transport.ChatDescriptor, error) {
	if it.i >= len(it.steps) {
		return transport.ChatDescriptor{}, transport.ErrEndOfChats
	}
	s := it.steps[it.i]
	it.i++
	return s.desc, s.err
}

type fakeSession struct {
	id    string
	chats []chatStep

	mu            sync.Mutex
	msgs          chan transport.Message
	listens       int
	listenErr     error
	disconnects   int
	disconnectErr error
	closed        bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, msgs: make(chan transport.Message, 16)}
}

func (s *fakeSession) Identity() string { return s.id }

func (s *fakeSession) Authorized(ctx context.Context) (bool, error) { return true, nil }

func (s *fakeSession) Listen(ctx context.Context) (<-chan transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listens++
	if s.listenErr != nil {
		return nil, s.listenErr
	}
	return s.msgs, nil
}

func (s *fakeSession) IterChats(ctx context.Context) transport.ChatIterator {
	return &fakeIterator{steps: s.chats}
}

func (s *fakeSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
	return s.disconnectErr
}

// drop closes the message stream the way a lost connection does, without a
// Disconnect call.
func (s *fakeSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
}

func (s *fakeSession) listenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listens
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// fakeDialer hands out a fresh session per Connect. Results and errors
// override that per credential ref.
type fakeDialer struct {
	mu       sync.Mutex
	results  map[string]transport.ConnectResult
	errs     map[string]error
	chats    map[string][]chatStep
	sessions map[string]*fakeSession
	calls    []string
	times    []time.Time
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		results:  map[string]transport.ConnectResult{},
		errs:     map[string]error{},
		chats:    map[string][]chatStep{},
		sessions: map[string]*fakeSession{},
	}
}

func (d *fakeDialer) Connect(ctx context.Context, ref string) (transport.ConnectResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ref)
	d.times = append(d.times, time.Now())
	if err := d.errs[ref]; err != nil {
		return transport.ConnectResult{}, err
	}
	if res, ok := d.results[ref]; ok {
		return res, nil
	}
	s := newFakeSession(ref)
	s.chats = d.chats[ref]
	d.sessions[ref] = s
	return transport.ConnectResult{Status: transport.AuthAuthorized, Session: s}, nil
}

func (d *fakeDialer) session(ref string) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[ref]
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeCreds struct {
	mu      sync.Mutex
	ids     []string
	removed []string
}

func (c *fakeCreds) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ids), nil
}

func (c *fakeCreds) Ref(id string) string { return id }

func (c *fakeCreds) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, id)
	return nil
}

// --- Harness ---

type harness struct {
	store  *state.Store
	path   string
	pool   *Pool
	router *Router
	output *chat.MockAdapter
	dialer *fakeDialer
	creds  *fakeCreds
	ctrl   *Controller
}

func newStore(t *testing.T) (*state.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := state.NewStore(state.StoreOpts{Backend: &state.FileBackend{Path: path}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Load(context.Background())
	return s, path
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, path := newStore(t)
	output := chat.NewMockAdapter()
	if err := output.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter(RouterOpts{Store: store, Output: output, ChannelID: "out", Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(router.Close)

	h := &harness{
		store:  store,
		path:   path,
		pool:   NewPool(),
		router: router,
		output: output,
		dialer: newFakeDialer(),
		creds:  &fakeCreds{},
	}
	h.ctrl, err = NewController(ControllerOpts{
		Store:       store,
		Pool:        h.pool,
		Router:      router,
		Dialer:      h.dialer,
		Credentials: h.creds,
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return h
}

func newStoreAt(t *testing.T, path string) *state.Store {
	t.Helper()
	s, err := state.NewStore(state.StoreOpts{Backend: &state.FileBackend{Path: path}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	s.Load(context.Background())
	return s
}

func (h *harness) addIdentity(t *testing.T, id string, enabled bool) {
	t.Helper()
	if _, err := h.store.AddIdentity(context.Background(), id, enabled); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) setKeywords(t *testing.T, kw ...string) {
	t.Helper()
	if err := h.store.Merge(context.Background(), state.Patch{Keywords: kw}); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
