// Package relay keeps the configured accounts connected, routes their
// messages through the filter to the output channel and discovers the group
// chats each account can see.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CredentialStore locates the stored login credential for each identity.
type CredentialStore interface {
	// List returns every identity with a stored credential.
	List(ctx context.Context) ([]string, error)
	// Ref returns the reference handed to the Dialer for id.
	Ref(id string) string
	// Remove deletes id's credential.
	Remove(id string) error
}

// ControllerOpts configures a Controller.
type ControllerOpts struct {
	Store       *state.Store
	Pool        *Pool
	Router      *Router
	Dialer      transport.Dialer
	Credentials CredentialStore
	// Pacing is the minimum gap between connection attempts in StartAll.
	Pacing time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	Log zerolog.Logger
}

// Controller owns the lifecycle of live sessions: it starts, stops, toggles
// and deletes identities, keeping the pool, the router and the store in
// step. Lifecycle operations on the same identity are serialized.
type Controller struct {
	store  *state.Store
	pool   *Pool
	router *Router
	dialer transport.Dialer
	creds  CredentialStore
	pacing time.Duration
	now    func() time.Time
	log    zerolog.Logger

	locks sync.Map // identity -> *sync.Mutex
}

// StartReport summarizes a StartAll or Reconcile pass.
type StartReport struct {
	Started      []string
	AlreadyLive  []string
	Disconnected []string
	Failed       map[string]error
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Store == nil || opts.Pool == nil || opts.Router == nil {
		return nil, fmt.Errorf("relay: controller needs store, pool and router")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("relay: controller dialer is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("relay: controller credential store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		store:  opts.Store,
		pool:   opts.Pool,
		router: opts.Router,
		dialer: opts.Dialer,
		creds:  opts.Credentials,
		pacing: opts.Pacing,
		now:    now,
		log:    opts.Log,
	}
	opts.Router.OnStreamEnd(c.sessionEnded)
	return c, nil
}

func (c *Controller) lock(id string) func() {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// connect dials id, subscribes the router and registers the session. It
// must be called with id's lock held.
func (c *Controller) connect(ctx context.Context, id string) error {
	if c.pool.Has(id) {
		return nil
	}
	res, err := c.dialer.Connect(ctx, c.creds.Ref(id))
	if err != nil {
		return fmt.Errorf("relay: connect %s: %w", id, err)
	}
	if res.Status != transport.AuthAuthorized || res.Session == nil {
		return &AuthError{Identity: id, Status: res.Status, Reason: res.Reason}
	}
	if err := c.router.Attach(ctx, id, res.Session); err != nil {
		if derr := res.Session.Disconnect(ctx); derr != nil {
			c.log.Warn().Err(derr).Str("identity", id).Msg("disconnect after failed attach")
		}
		return err
	}
	c.pool.Add(&LiveSession{ID: id, Session: res.Session, ConnectedAt: c.now()})
	c.log.Info().Str("identity", id).Msg("session live")
	return nil
}

// disconnect stops id's worker and closes its session. It must be called
// with id's lock held.
func (c *Controller) disconnect(ctx context.Context, id string) {
	ls, ok := c.pool.Remove(id)
	c.router.Detach(id)
	if !ok {
		return
	}
	if err := ls.Session.Disconnect(ctx); err != nil {
		c.log.Warn().Err(err).Str("identity", id).Msg("disconnect")
	}
	c.log.Info().Str("identity", id).Msg("session stopped")
}

// sessionEnded drops a session whose message stream closed on its own, for
// example after the connection was lost. The identity stays enabled, so the
// next Reconcile connects it again.
func (c *Controller) sessionEnded(id string, sess transport.Session) {
	unlock := c.lock(id)
	defer unlock()
	ls, ok := c.pool.Get(id)
	if !ok || ls.Session != sess {
		return
	}
	c.log.Warn().Str("identity", id).Msg("session dropped, reconnecting on next reconcile")
	c.disconnect(context.Background(), id)
}

// disableOnAuthFailure clears the enabled flag when err says the credential
// no longer authorizes.
func (c *Controller) disableOnAuthFailure(ctx context.Context, id string, err error) {
	if !errors.Is(err, ErrAuthFailure) {
		return
	}
	if _, serr := c.store.SetEnabled(ctx, id, false); serr != nil {
		c.log.Error().Err(serr).Str("identity", id).Msg("persist disabled account")
	}
}

// StartAll connects every enabled identity that is not already live,
// waiting at least the configured pacing between attempts. Failures are
// collected per identity and do not stop the pass.
func (c *Controller) StartAll(ctx context.Context) (StartReport, error) {
	report := StartReport{Failed: map[string]error{}}
	limiter := rate.NewLimiter(rate.Every(c.pacing), 1)

	for _, ident := range c.store.Identities() {
		if !ident.Enabled {
			continue
		}
		if c.pool.Has(ident.ID) {
			report.AlreadyLive = append(report.AlreadyLive, ident.ID)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}

		unlock := c.lock(ident.ID)
		err := c.connect(ctx, ident.ID)
		if err != nil {
			c.disableOnAuthFailure(ctx, ident.ID, err)
		}
		unlock()

		if err != nil {
			c.log.Warn().Err(err).Str("identity", ident.ID).Msg("start failed")
			report.Failed[ident.ID] = err
			continue
		}
		report.Started = append(report.Started, ident.ID)
	}

	c.log.Info().
		Int("started", len(report.Started)).
		Int("failed", len(report.Failed)).
		Int("live", c.pool.Len()).
		Msg("start pass complete")
	return report, nil
}

// Toggle flips id between live and stopped and returns whether it is now
// enabled. A failed start leaves the identity stopped.
func (c *Controller) Toggle(ctx context.Context, id string) (bool, error) {
	unlock := c.lock(id)
	defer unlock()

	if _, ok := c.store.Identity(id); !ok {
		return false, ErrUnknownIdentity
	}

	if c.pool.Has(id) {
		c.disconnect(ctx, id)
		if _, err := c.store.SetEnabled(ctx, id, false); err != nil {
			return false, fmt.Errorf("relay: disable %s: %w", id, err)
		}
		return false, nil
	}

	if err := c.connect(ctx, id); err != nil {
		c.disableOnAuthFailure(ctx, id, err)
		return false, err
	}
	if _, err := c.store.SetEnabled(ctx, id, true); err != nil {
		return true, fmt.Errorf("relay: enable %s: %w", id, err)
	}
	return true, nil
}

// Delete stops id, forgets it and removes its stored credential.
func (c *Controller) Delete(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	_, known := c.store.Identity(id)
	if !known && !c.pool.Has(id) {
		return ErrUnknownIdentity
	}

	c.disconnect(ctx, id)
	if _, err := c.store.DeleteIdentity(ctx, id); err != nil {
		return fmt.Errorf("relay: delete %s: %w", id, err)
	}
	if err := c.creds.Remove(id); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn().Err(err).Str("identity", id).Msg("remove credential")
	}
	c.log.Info().Str("identity", id).Msg("account deleted")
	return nil
}

// DiscoverUntracked records every stored credential the state does not know
// yet. New identities start disabled. It returns the ids that were added.
func (c *Controller) DiscoverUntracked(ctx context.Context) ([]string, error) {
	ids, err := c.creds.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: list credentials: %w", err)
	}
	var added []string
	for _, id := range ids {
		ok, err := c.store.AddIdentity(ctx, id, false)
		if err != nil {
			return added, fmt.Errorf("relay: track %s: %w", id, err)
		}
		if ok {
			added = append(added, id)
			c.log.Info().Str("identity", id).Msg("found untracked account")
		}
	}
	slices.Sort(added)
	return added, nil
}

// Register tracks a freshly onboarded identity and brings it live. The
// identity is marked enabled only once its session is up.
func (c *Controller) Register(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	if _, err := c.store.AddIdentity(ctx, id, false); err != nil {
		return fmt.Errorf("relay: track %s: %w", id, err)
	}
	if err := c.connect(ctx, id); err != nil {
		return err
	}
	if _, err := c.store.SetEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("relay: enable %s: %w", id, err)
	}
	return nil
}

// Reconcile brings the pool in line with the store: identities that are
// gone or disabled are disconnected, enabled ones that are not live are
// connected.
func (c *Controller) Reconcile(ctx context.Context) StartReport {
	report := StartReport{Failed: map[string]error{}}

	for _, id := range c.pool.IDs() {
		ident, ok := c.store.Identity(id)
		if ok && ident.Enabled {
			continue
		}
		unlock := c.lock(id)
		c.disconnect(ctx, id)
		unlock()
		report.Disconnected = append(report.Disconnected, id)
	}

	for _, ident := range c.store.Identities() {
		if !ident.Enabled || c.pool.Has(ident.ID) {
			continue
		}
		unlock := c.lock(ident.ID)
		err := c.connect(ctx, ident.ID)
		if err != nil {
			c.disableOnAuthFailure(ctx, ident.ID, err)
		}
		unlock()
		if err != nil {
			report.Failed[ident.ID] = err
			continue
		}
		report.Started = append(report.Started, ident.ID)
	}

	if len(report.Started)+len(report.Disconnected)+len(report.Failed) > 0 {
		c.log.Info().
			Strs("started", report.Started).
			Strs("disconnected", report.Disconnected).
			Int("failed", len(report.Failed)).
			Msg("reconciled sessions")
	}
	return report
}

// Shutdown disconnects every live session in parallel and stops the router.
// It gives up waiting after grace.
func (c *Controller) Shutdown(ctx context.Context, grace time.Duration) error {
	sessions := c.pool.Drain()
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	var g errgroup.Group
	for _, ls := range sessions {
		g.Go(func() error {
			c.router.Detach(ls.ID)
			if err := ls.Session.Disconnect(tctx); err != nil {
				c.log.Warn().Err(err).Str("identity", ls.ID).Msg("disconnect during shutdown")
				return fmt.Errorf("relay: disconnect %s: %w", ls.ID, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-tctx.Done():
		c.log.Warn().Dur("grace", grace).Msg("shutdown grace period expired")
		err = tctx.Err()
	}
	c.router.Close()
	c.log.Info().Int("sessions", len(sessions)).Msg("sessions closed")
	return err
}

// Live reports whether id has a live session.
func (c *Controller) Live(id string) bool { return c.pool.Has(id) }

// LiveCount returns the number of live sessions.
func (c *Controller) LiveCount() int { return c.pool.Len() }
