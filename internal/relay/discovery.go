package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/transport"
)

// Phase is where a discovery scan stands for one identity.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseRateLimited Phase = "rate_limited"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// DiscoveryOpts configures a Discovery.
type DiscoveryOpts struct {
	Store *state.Store
	Pool  *Pool
	Log   zerolog.Logger

	// ProgressEvery reports progress each time this many groups have been
	// found. Zero disables progress reports.
	ProgressEvery int
	// YieldEvery pauses for YieldPause after this many groups.
	YieldEvery int
	YieldPause time.Duration
	// IdentityPause separates the scans of consecutive identities.
	IdentityPause time.Duration

	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// IdentityScan is the outcome of scanning one identity.
type IdentityScan struct {
	Identity   string
	Phase      Phase
	Groups     []int64
	RateLimits int
	Err        error
}

// Discovery enumerates the group chats of every live identity and merges
// them into the identity's scope. Only one run is active at a time.
type Discovery struct {
	store         *state.Store
	pool          *Pool
	log           zerolog.Logger
	progressEvery int
	yieldEvery    int
	yieldPause    time.Duration
	identityPause time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	running atomic.Bool

	mu      sync.Mutex
	phases  map[string]Phase
	lastRun time.Time
}

// NewDiscovery creates a Discovery.
func NewDiscovery(opts DiscoveryOpts) (*Discovery, error) {
	if opts.Store == nil || opts.Pool == nil {
		return nil, fmt.Errorf("relay: discovery needs store and pool")
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Discovery{
		store:         opts.Store,
		pool:          opts.Pool,
		log:           opts.Log,
		progressEvery: opts.ProgressEvery,
		yieldEvery:    opts.YieldEvery,
		yieldPause:    opts.YieldPause,
		identityPause: opts.IdentityPause,
		sleep:         sleep,
		phases:        make(map[string]Phase),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Running reports whether a run is in progress.
func (d *Discovery) Running() bool { return d.running.Load() }

// Phases returns the phase of every identity seen by the latest run.
func (d *Discovery) Phases() map[string]Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.phases)
}

// LastRun returns when the latest run finished.
func (d *Discovery) LastRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun
}

func (d *Discovery) setPhase(id string, p Phase) {
	d.mu.Lock()
	d.phases[id] = p
	d.mu.Unlock()
}

// Run scans every live identity in turn. progress, when non-nil, receives
// human-readable status lines. Each identity's groups are merged and
// persisted as soon as its scan completes, so a later failure or
// cancellation never loses earlier results.
func (d *Discovery) Run(ctx context.Context, progress func(string)) ([]IdentityScan, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrDiscoveryRunning
	}
	defer d.running.Store(false)
	if progress == nil {
		progress = func(string) {}
	}

	ids := d.pool.IDs()
	d.mu.Lock()
	d.phases = make(map[string]Phase, len(ids))
	for _, id := range ids {
		d.phases[id] = PhaseIdle
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.lastRun = time.Now()
		d.mu.Unlock()
	}()

	d.log.Info().Int("identities", len(ids)).Msg("discovery started")
	var results []IdentityScan
	for i, id := range ids {
		ls, ok := d.pool.Get(id)
		if !ok {
			continue
		}
		progress(fmt.Sprintf("🔍 Scanning chats for %s...", id))

		scan := d.scan(ctx, ls, progress)
		if scan.Phase == PhaseDone {
			err := d.store.Merge(ctx, state.Patch{Scopes: map[string][]int64{id: scan.Groups}})
			if err != nil {
				scan.Phase = PhaseFailed
				scan.Err = fmt.Errorf("relay: persist scope for %s: %w", id, err)
			}
		}
		d.setPhase(id, scan.Phase)
		results = append(results, scan)

		switch scan.Phase {
		case PhaseDone:
			progress(fmt.Sprintf("✅ %s: %d groups", id, len(scan.Groups)))
			d.log.Info().Str("identity", id).Int("groups", len(scan.Groups)).Int("rate_limits", scan.RateLimits).Msg("discovery done")
		default:
			progress(fmt.Sprintf("❌ %s: %v", id, scan.Err))
			d.log.Warn().Err(scan.Err).Str("identity", id).Msg("discovery failed")
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}
		if i < len(ids)-1 {
			if err := d.sleep(ctx, d.identityPause); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// scan walks one identity's chats. Broadcast channels and private chats are
// skipped. A rate limit is waited out and the same iterator resumed.
func (d *Discovery) scan(ctx context.Context, ls *LiveSession, progress func(string)) IdentityScan {
	id := ls.ID
	scan := IdentityScan{Identity: id, Phase: PhaseScanning}
	d.setPhase(id, PhaseScanning)

	seen := make(map[int64]struct{})
	it := ls.Session.IterChats(ctx)
	for {
		desc, err := it.Next(ctx)
		if errors.Is(err, transport.ErrEndOfChats) {
			break
		}
		if wait, ok := transport.AsRateLimit(err); ok {
			scan.RateLimits++
			d.setPhase(id, PhaseRateLimited)
			progress(fmt.Sprintf("⏳ Rate limited on %s, waiting %s...", id, wait))
			d.log.Warn().Str("identity", id).Dur("wait", wait).Msg("discovery rate limited")
			if err := d.sleep(ctx, wait); err != nil {
				scan.Phase = PhaseFailed
				scan.Err = err
				return scan
			}
			d.setPhase(id, PhaseScanning)
			continue
		}
		if err != nil {
			scan.Phase = PhaseFailed
			scan.Err = err
			return scan
		}
		if desc.Kind != transport.KindGroup {
			continue
		}
		if _, dup := seen[desc.ID]; dup {
			continue
		}
		seen[desc.ID] = struct{}{}
		scan.Groups = append(scan.Groups, desc.ID)

		n := len(scan.Groups)
		if d.progressEvery > 0 && n%d.progressEvery == 0 {
			progress(fmt.Sprintf("📊 Found %d groups so far for %s...", n, id))
		}
		if d.yieldEvery > 0 && n%d.yieldEvery == 0 {
			if err := d.sleep(ctx, d.yieldPause); err != nil {
				scan.Phase = PhaseFailed
				scan.Err = err
				return scan
			}
		}
	}
	scan.Phase = PhaseDone
	return scan
}
