// Package daemon assembles the relay from configuration and runs it: the
// output adapter, the account sessions, the operator controls, scheduled
// group discovery, file watching and the optional dashboard.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/chat/discord"
	"github.com/zulandar/tgrelay/internal/chat/slack"
	tgbot "github.com/zulandar/tgrelay/internal/chat/telegram"
	"github.com/zulandar/tgrelay/internal/config"
	"github.com/zulandar/tgrelay/internal/control"
	"github.com/zulandar/tgrelay/internal/db"
	"github.com/zulandar/tgrelay/internal/logging"
	"github.com/zulandar/tgrelay/internal/onboarding"
	"github.com/zulandar/tgrelay/internal/relay"
	"github.com/zulandar/tgrelay/internal/state"
	"github.com/zulandar/tgrelay/internal/telegram"
	"github.com/zulandar/tgrelay/internal/transport"
)

// Deps overrides the components Open would otherwise build from the
// configuration. Nil fields are built.
type Deps struct {
	Adapter     chat.Adapter
	Dialer      transport.Dialer
	Credentials relay.CredentialStore
	Auth        onboarding.Authenticator
	Backend     state.Backend
}

// App is the assembled relay.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Adapter     chat.Adapter
	Credentials relay.CredentialStore
	Auth        onboarding.Authenticator
	Store       *state.Store
	Pool        *relay.Pool
	Router      *relay.Router
	Controller  *relay.Controller
	Discovery   *relay.Discovery
	Actions     *control.Actions
	Control     *control.Router

	// Paths watched for outside changes; empty disables.
	sessionDir string
	stateFile  string

	reconcileEvery time.Duration
	sweepEvery     time.Duration

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open builds every component and loads the saved state. It does not
// connect anything; see Run and Start.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	a := &App{
		Config:         cfg,
		Log:            log,
		reconcileEvery: time.Minute,
		sweepEvery:     30 * time.Second,
	}
	if err := a.build(ctx, deps); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, deps Deps) error {
	cfg := a.Config

	backend := deps.Backend
	if backend == nil {
		b, err := a.openBackend()
		if err != nil {
			return err
		}
		backend = b
	}
	store, err := state.NewStore(state.StoreOpts{
		Backend: backend,
		Log:     logging.Component(a.Log, logging.CompStore),
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	store.Load(ctx)
	a.Store = store

	if err := os.MkdirAll(cfg.Telegram.SessionDir, 0o700); err != nil {
		return fmt.Errorf("daemon: session dir: %w", err)
	}
	a.sessionDir = cfg.Telegram.SessionDir

	tgLog := logging.Component(a.Log, logging.CompTelegram)
	creds := &telegram.Credentials{Dir: cfg.Telegram.SessionDir, Exclude: []string{cfg.Telegram.BotSession}}
	a.Credentials = deps.Credentials
	if a.Credentials == nil {
		a.Credentials = creds
	}
	dialer := deps.Dialer
	if dialer == nil {
		d, err := telegram.NewDialer(telegram.DialerOpts{AppID: cfg.Telegram.APIID, AppHash: cfg.Telegram.APIHash, Log: tgLog})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		dialer = d
	}
	a.Auth = deps.Auth
	if a.Auth == nil {
		auth, err := telegram.NewAuthenticator(telegram.AuthenticatorOpts{
			AppID:       cfg.Telegram.APIID,
			AppHash:     cfg.Telegram.APIHash,
			Credentials: creds,
			Log:         tgLog,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		a.Auth = auth
	}

	a.Adapter = deps.Adapter
	if a.Adapter == nil {
		ad, err := newAdapter(cfg, logging.Component(a.Log, logging.CompChat))
		if err != nil {
			return err
		}
		a.Adapter = ad
	}

	a.Pool = relay.NewPool()
	a.Router, err = relay.NewRouter(relay.RouterOpts{
		Store:     store,
		Output:    a.Adapter,
		ChannelID: cfg.Output.Channel,
		ScopeOnly: cfg.Relay.ScopeOnly,
		Log:       logging.Component(a.Log, logging.CompRouter),
	})
	if err != nil {
		return err
	}
	a.Controller, err = relay.NewController(relay.ControllerOpts{
		Store:       store,
		Pool:        a.Pool,
		Router:      a.Router,
		Dialer:      dialer,
		Credentials: a.Credentials,
		Pacing:      cfg.ConnectPacing(),
		Log:         logging.Component(a.Log, logging.CompPool),
	})
	if err != nil {
		return err
	}
	a.Discovery, err = relay.NewDiscovery(relay.DiscoveryOpts{
		Store:         store,
		Pool:          a.Pool,
		Log:           logging.Component(a.Log, logging.CompDiscovery),
		ProgressEvery: cfg.Discovery.ProgressEvery,
		YieldEvery:    cfg.Discovery.YieldEvery,
		YieldPause:    time.Duration(cfg.Discovery.YieldPauseMS) * time.Millisecond,
		IdentityPause: time.Duration(cfg.Discovery.IdentityPauseMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	ctlLog := logging.Component(a.Log, logging.CompControl)
	a.Actions, err = control.NewActions(control.ActionsOpts{
		Store:     store,
		Lifecycle: a.Controller,
		Discovery: a.Discovery,
		Counters:  a.Router,
		Log:       ctlLog,
	})
	if err != nil {
		return err
	}
	a.Control, err = control.NewRouter(control.RouterOpts{
		Actions:         a.Actions,
		Adapter:         a.Adapter,
		Operators:       cfg.Output.Operators,
		NewConversation: a.NewConversation,
		PromptTTL:       cfg.OnboardingTimeout(),
		Log:             ctlLog,
	})
	return err
}

// openBackend opens the configured state backend.
func (a *App) openBackend() (state.Backend, error) {
	cfg := a.Config.State
	switch cfg.Backend {
	case "file":
		a.stateFile = cfg.Path
		return &state.FileBackend{Path: cfg.Path}, nil
	case "sqlite", "mysql":
		target := cfg.Path
		if cfg.Backend == "mysql" {
			target = cfg.DSN
		}
		gdb, err := db.Open(cfg.Backend, target)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closerFunc(func() error { return db.Close(gdb) }))
		if err := db.AutoMigrate(gdb); err != nil {
			return nil, err
		}
		return state.NewDBBackend(gdb, "relay")
	}
	return nil, fmt.Errorf("daemon: unsupported state backend %q", cfg.Backend)
}

func newAdapter(full *config.Config, log zerolog.Logger) (chat.Adapter, error) {
	cfg := full.Output
	switch cfg.Platform {
	case "discord":
		ad, err := discord.New(discord.AdapterOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Channel, Log: log})
		if err != nil {
			return nil, err
		}
		return ad, nil
	case "slack":
		ad, err := slack.New(slack.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Channel,
			Log:       log,
		})
		if err != nil {
			return nil, err
		}
		return ad, nil
	case "telegram":
		ad, err := tgbot.New(tgbot.AdapterOpts{
			AppID:       full.Telegram.APIID,
			AppHash:     full.Telegram.APIHash,
			BotToken:    cfg.Telegram.BotToken,
			SessionPath: full.BotSessionPath(),
			ChannelID:   cfg.Channel,
			Log:         log,
		})
		if err != nil {
			return nil, err
		}
		return ad, nil
	}
	return nil, fmt.Errorf("daemon: unsupported output platform %q", cfg.Platform)
}

// NewConversation starts an account onboarding conversation whose result
// is registered with the controller.
func (a *App) NewConversation() (*onboarding.Conversation, error) {
	return onboarding.New(onboarding.Opts{
		Auth:     a.Auth,
		Complete: a.Controller.Register,
		Timeout:  a.Config.OnboardingTimeout(),
		Log:      logging.Component(a.Log, logging.CompControl),
	})
}

// Start records untracked credentials and connects every enabled account.
func (a *App) Start(ctx context.Context) (relay.StartReport, error) {
	if added, err := a.Controller.DiscoverUntracked(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("scan session dir")
	} else if len(added) > 0 {
		a.Log.Info().Strs("identities", added).Msg("tracked new session files")
	}
	return a.Controller.StartAll(ctx)
}

// Stop disconnects every session within the configured grace period.
func (a *App) Stop(ctx context.Context) error {
	return a.Controller.Shutdown(ctx, a.Config.ShutdownGrace())
}

// Close releases the state backend. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
