package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/filter"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/transport"
)

const (
	viewMessageLabel = "📎 View Message"
	ignoreLabel      = "🚫 Ignore ID"
)

// RouterOpts configures a Router.
type RouterOpts struct {
	Store     *state.Store
	Output    chat.Adapter
	ChannelID string
	// ScopeOnly restricts each identity to the chats discovery found for it.
	ScopeOnly bool
	Log       zerolog.Logger
}

// RouterStats are running counters since the router was created.
type RouterStats struct {
	Received     int64
	Forwarded    int64
	SendFailures int64
}

// Router subscribes to live sessions and forwards matching messages to the
// output channel. Each session gets one worker, so messages from a single
// identity are handled in arrival order.
type Router struct {
	store     *state.Store
	output    chat.Adapter
	channelID string
	scopeOnly bool
	log       zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	onEnded func(id string, sess transport.Session)

	received     atomic.Int64
	forwarded    atomic.Int64
	sendFailures atomic.Int64
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: router store is required")
	}
	if opts.Output == nil {
		return nil, fmt.Errorf("relay: router output is required")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Router{
		store:     opts.Store,
		output:    opts.Output,
		channelID: opts.ChannelID,
		scopeOnly: opts.ScopeOnly,
		log:       opts.Log,
		base:      base,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}, nil
}

// Attach subscribes to sess and starts its worker. The worker outlives ctx;
// it stops on Detach or Close. Attaching an identity that already has a
// worker is a no-op, so a session is never subscribed twice.
func (r *Router) Attach(ctx context.Context, id string, sess transport.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; ok {
		return nil
	}
	if err := r.base.Err(); err != nil {
		return fmt.Errorf("relay: router closed: %w", err)
	}

	wctx, cancel := context.WithCancel(r.base)
	msgs, err := sess.Listen(wctx)
	if err != nil {
		cancel()
		return fmt.Errorf("relay: listen %s: %w", id, err)
	}
	w := &worker{cancel: cancel, done: make(chan struct{})}
	r.workers[id] = w
	go r.run(wctx, id, sess, msgs, w)
	return nil
}

// OnStreamEnd registers fn to be called, on its own goroutine, when a
// session's message stream closes without the worker being detached.
func (r *Router) OnStreamEnd(fn func(id string, sess transport.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnded = fn
}

// Detach stops id's worker and waits for it to finish the message in hand.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// Attached reports whether id has a running worker.
func (r *Router) Attached(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	return ok
}

// Close stops every worker.
func (r *Router) Close() {
	r.cancel()
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*worker)
	r.mu.Unlock()
	for _, w := range workers {
		<-w.done
	}
}

func (r *Router) run(ctx context.Context, id string, sess transport.Session, msgs <-chan transport.Message, w *worker) {
	defer close(w.done)
	log := r.log.With().Str("identity", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Warn().Msg("message stream ended")
				r.mu.Lock()
				if r.workers[id] == w {
					delete(r.workers, id)
				}
				ended := r.onEnded
				r.mu.Unlock()
				if ended != nil {
					go ended(id, sess)
				}
				return
			}
			r.Handle(ctx, id, msg)
		}
	}
}

// Handle runs one message through the filter and, on a match, sends it to
// the output channel. A failed send is logged and the message is dropped.
func (r *Router) Handle(ctx context.Context, id string, msg transport.Message) {
	r.received.Add(1)
	ev, ok := filter.Decide(id, msg, r.store.Rules(id, r.scopeOnly))
	if !ok {
		return
	}
	if err := r.output.Send(ctx, ForwardMessage(r.channelID, ev)); err != nil {
		r.sendFailures.Add(1)
		r.log.Warn().Err(err).
			Str("identity", id).
			Int64("chat_id", msg.ChatID).
			Int("message_id", msg.ID).
			Msg("forward failed, message dropped")
		return
	}
	r.forwarded.Add(1)
	r.log.Debug().
		Str("identity", id).
		Str("keyword", ev.MatchedKeyword).
		Int64("sender_id", ev.SenderID).
		Msg("forwarded")
}

// Stats returns the current counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Received:     r.received.Load(),
		Forwarded:    r.forwarded.Load(),
		SendFailures: r.sendFailures.Load(),
	}
}

// ForwardMessage renders ev as an output message with a link to the original
// and a button that adds the sender to the ignore list.
func ForwardMessage(channelID string, ev filter.ForwardEvent) chat.OutboundMessage {
	return chat.OutboundMessage{
		ChannelID: channelID,
		Text:      filter.Format(ev),
		Buttons: [][]chat.Button{
			{chat.LinkButton(viewMessageLabel, ev.ChatLink)},
			{chat.ActionButton(ignoreLabel, chat.ActionIgnore, strconv.FormatInt(ev.SenderID, 10))},
		},
		DisableLinkPreview: true,
	}
}
