package daemon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/dashboard"
	"github.com/zulandar/tgrelay/internal/logging"
	"github.com/zulandar/tgrelay/internal/relay"
	"github.com/zulandar/tgrelay/internal/watch"
)

// Run connects the output adapter and every enabled account, then serves
// operator events until ctx is cancelled. On shutdown all sessions are
// disconnected within the grace period and the adapter is closed.
func (a *App) Run(ctx context.Context) error {
	a.Log.Info().Str("platform", a.Config.Output.Platform).Msg("relay connecting")
	if err := a.Adapter.Connect(ctx); err != nil {
		return fmt.Errorf("daemon: connect output: %w", err)
	}
	inbound, err := a.Adapter.Listen(ctx)
	if err != nil {
		a.Adapter.Close()
		return fmt.Errorf("daemon: listen: %w", err)
	}

	report, err := a.Start(ctx)
	if err != nil {
		a.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("daemon: start accounts: %w", err)
	}
	a.announce(ctx, report)

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	sched := a.startScheduler(bg)
	w := a.startWatcher(bg, &wg)
	a.startDashboard(bg, &wg)

	stop := func() {
		cancel()
		if sched != nil {
			sched.Stop()
		}
		if w != nil {
			w.Close()
		}
		wg.Wait()
		a.shutdown()
	}

	reconcile := time.NewTicker(a.reconcileEvery)
	sweep := time.NewTicker(a.sweepEvery)
	defer reconcile.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil

		case ev, ok := <-inbound:
			if !ok {
				a.Log.Warn().Msg("output adapter closed its event stream")
				stop()
				return nil
			}
			a.Control.Handle(bg, ev)

		case <-reconcile.C:
			a.refresh(bg)

		case <-sweep.C:
			a.Control.Sweep(bg)
		}
	}
}

// announce posts the startup summary to the output channel.
func (a *App) announce(ctx context.Context, report relay.StartReport) {
	text := fmt.Sprintf("🟢 Relay online: %d of %d accounts live.", a.Controller.LiveCount(), len(a.Store.Identities()))
	if len(report.Failed) > 0 {
		ids := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		text += "\n⚠️ Could not start: " + strings.Join(ids, ", ")
	}
	a.Log.Info().Int("live", a.Controller.LiveCount()).Int("failed", len(report.Failed)).Msg("relay online")
	if err := a.Adapter.Send(ctx, chat.OutboundMessage{ChannelID: a.Config.Output.Channel, Text: text}); err != nil {
		a.Log.Warn().Err(err).Msg("send online message")
	}
}

// shutdown stops background work, disconnects sessions and closes the
// adapter.
func (a *App) shutdown() {
	a.Log.Info().Msg("relay shutting down")
	a.Control.Wait()
	if err := a.Stop(context.Background()); err != nil {
		a.Log.Warn().Err(err).Msg("session shutdown")
	}
	if err := a.Adapter.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("close output adapter")
	}
	a.Log.Info().Msg("relay stopped")
}

// startScheduler runs group discovery on the configured cron schedule and
// posts each summary to the output channel.
func (a *App) startScheduler(ctx context.Context) *cronStopper {
	expr := a.Config.Discovery.Cron
	if expr == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if ctx.Err() != nil {
			return
		}
		summary := a.Actions.UpdateGroups(ctx, nil)
		a.Log.Info().Str("summary", summary).Msg("scheduled group discovery")
		if err := a.Adapter.Send(ctx, chat.OutboundMessage{ChannelID: a.Config.Output.Channel, Text: summary}); err != nil {
			a.Log.Warn().Err(err).Msg("send discovery summary")
		}
	})
	if err != nil {
		a.Log.Error().Err(err).Str("cron", expr).Msg("discovery schedule disabled")
		return nil
	}
	c.Start()
	a.Log.Info().Str("cron", expr).Msg("group discovery scheduled")
	return &cronStopper{c}
}

// cronStopper waits for a running job when stopped.
type cronStopper struct{ *cron.Cron }

func (s *cronStopper) Stop() { <-s.Cron.Stop().Done() }

// refresh re-reads the stored state, which other processes may have
// changed, and brings the live sessions in line with it. A document that
// cannot be read leaves the current state in place.
func (a *App) refresh(ctx context.Context) {
	if err := a.Store.Reload(ctx); err != nil {
		a.Log.Error().Err(err).Msg("state reload failed, keeping current state")
	}
	a.Controller.Reconcile(ctx)
}

// startWatcher reacts to session files and state edits made by other
// processes such as the tgr CLI.
func (a *App) startWatcher(ctx context.Context, wg *sync.WaitGroup) *watch.Watcher {
	opts := watch.Opts{
		SessionDir: a.sessionDir,
		StateFile:  a.stateFile,
		OnSessions: func(ctx context.Context) {
			if _, err := a.Controller.DiscoverUntracked(ctx); err != nil {
				a.Log.Warn().Err(err).Msg("scan session dir")
			}
		},
		OnState:   a.refresh,
		LastWrite: a.Store.LastWrite,
		Log:       logging.Component(a.Log, logging.CompWatch),
	}
	if opts.SessionDir == "" && opts.StateFile == "" {
		return nil
	}
	w, err := watch.New(opts)
	if err != nil {
		a.Log.Warn().Err(err).Msg("file watching disabled")
		return nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	return w
}

func (a *App) startDashboard(ctx context.Context, wg *sync.WaitGroup) {
	if !a.Config.Dashboard.Enabled {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := dashboard.Start(ctx, dashboard.Opts{
			Source:  a.Actions,
			Toggler: a.Controller,
			Port:    a.Config.Dashboard.Port,
			Log:     logging.Component(a.Log, logging.CompDashboard),
		})
		if err != nil {
			a.Log.Error().Err(err).Msg("dashboard stopped")
		}
	}()
}
