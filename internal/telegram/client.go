// Package telegram implements the transport interfaces on top of gotd, an
// MTProto client. Each account runs its own client with a file-backed
// session in the configured session directory.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/transport"
)

// messageBuffer is how many inbound messages are queued per session before
// the update handler blocks.
const messageBuffer = 256

// Runner owns a running gotd client. The client's context is detached from
// the caller so the connection outlives the request that opened it.
type Runner struct {
	client *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartClient runs client in the background and returns once it is
// connected or failed to connect.
func StartClient(ctx context.Context, client *telegram.Client) (*Runner, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{client: client, cancel: cancel, done: make(chan struct{})}
	ready := make(chan struct{})

	go func() {
		defer close(r.done)
		r.err = client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case <-ready:
		return r, nil
	case <-r.done:
		cancel()
		if r.err == nil {
			r.err = errors.New("client stopped before connecting")
		}
		return nil, r.err
	case <-ctx.Done():
		cancel()
		<-r.done
		return nil, ctx.Err()
	}
}

// Client returns the running client.
func (r *Runner) Client() *telegram.Client { return r.client }

// Done is closed once the client has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Stop disconnects the client and waits for it, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			return r.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dialer opens account sessions from session files.
type Dialer struct {
	appID   int
	appHash string
	log     zerolog.Logger
}

// DialerOpts configures a Dialer.
type DialerOpts struct {
	AppID   int
	AppHash string
	Log     zerolog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts DialerOpts) (*Dialer, error) {
	if opts.AppID <= 0 || opts.AppHash == "" {
		return nil, fmt.Errorf("telegram: api id and hash are required")
	}
	return &Dialer{appID: opts.AppID, appHash: opts.AppHash, log: opts.Log}, nil
}

// Connect starts a client from the session file at credentialRef. Sessions
// that are no longer authorized are torn down and reported through the
// result status.
func (d *Dialer) Connect(ctx context.Context, credentialRef string) (transport.ConnectResult, error) {
	s := &Session{
		msgs: make(chan transport.Message, messageBuffer),
		log:  d.log.With().Str("session", credentialRef).Logger(),
	}
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.handle(ctx, e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.handle(ctx, e, u.Message)
		return nil
	})

	client := telegram.NewClient(d.appID, d.appHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: credentialRef},
		UpdateHandler:  dispatcher,
	})
	r, err := StartClient(ctx, client)
	if err != nil {
		return transport.ConnectResult{}, fmt.Errorf("telegram: connect %s: %w", credentialRef, err)
	}
	s.runner = r
	go s.closeWhenDone()

	status, err := client.Auth().Status(ctx)
	if err != nil {
		s.Disconnect(ctx)
		return transport.ConnectResult{}, fmt.Errorf("telegram: auth status: %w", err)
	}
	if !status.Authorized || status.User == nil {
		s.Disconnect(ctx)
		return transport.ConnectResult{Status: transport.AuthNeedsCode, Reason: "session is not authorized"}, nil
	}
	s.identity = userName(status.User)
	s.userID = status.User.ID
	s.log.Info().Int64("user_id", s.userID).Msg("telegram session authorized")
	return transport.ConnectResult{Status: transport.AuthAuthorized, Session: s}, nil
}

// Session is a connected, authorized account.
type Session struct {
	runner   *Runner
	identity string
	userID   int64
	log      zerolog.Logger

	listening atomic.Bool
	mu        sync.RWMutex
	closed    bool
	msgs      chan transport.Message
}

// Identity returns the account's display name.
func (s *Session) Identity() string { return s.identity }

// Authorized asks the server whether the session is still logged in.
func (s *Session) Authorized(ctx context.Context) (bool, error) {
	status, err := s.runner.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("telegram: auth status: %w", err)
	}
	return status.Authorized, nil
}

// Listen returns the inbound message stream. Messages that arrive before
// the first Listen are dropped.
func (s *Session) Listen(ctx context.Context) (<-chan transport.Message, error) {
	s.listening.Store(true)
	return s.msgs, nil
}

// IterChats walks the account's dialogs.
func (s *Session) IterChats(ctx context.Context) transport.ChatIterator {
	return newDialogIterator(s.runner.client.API())
}

// Disconnect stops the client. The message stream is closed once the client
// has exited.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.runner.Stop(ctx); err != nil {
		return fmt.Errorf("telegram: disconnect: %w", err)
	}
	return nil
}

func (s *Session) closeWhenDone() {
	<-s.runner.done
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.msgs)
}

func (s *Session) handle(ctx context.Context, e tg.Entities, mc tg.MessageClass) {
	m, ok := mc.(*tg.Message)
	if !ok || !s.listening.Load() {
		return
	}
	msg, ok := convertMessage(e, m)
	if !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	case <-ctx.Done():
	case <-s.runner.done:
	}
}
