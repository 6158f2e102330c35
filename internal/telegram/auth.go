package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/onboarding"
	"github.com/zulandar/tgrelay/internal/transport"
)

// pendingSuffix marks a session file whose login has not finished yet.
const pendingSuffix = ".pending"

// Authenticator logs new accounts in with phone, code and optional
// password, writing the session file into the session directory.
type Authenticator struct {
	appID   int
	appHash string
	creds   *Credentials
	log     zerolog.Logger
}

// AuthenticatorOpts configures an Authenticator.
type AuthenticatorOpts struct {
	AppID       int
	AppHash     string
	Credentials *Credentials
	Log         zerolog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts AuthenticatorOpts) (*Authenticator, error) {
	if opts.AppID <= 0 || opts.AppHash == "" {
		return nil, fmt.Errorf("telegram: api id and hash are required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("telegram: credentials are required")
	}
	return &Authenticator{appID: opts.AppID, appHash: opts.AppHash, creds: opts.Credentials, log: opts.Log}, nil
}

// Start connects a temporary client and asks for a login code.
func (a *Authenticator) Start(ctx context.Context, phone string) (onboarding.Attempt, error) {
	id := onboarding.IdentityFromPhone(phone)
	if err := os.MkdirAll(a.creds.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("telegram: session dir: %w", err)
	}
	pending := a.creds.Ref(id) + pendingSuffix
	_ = os.Remove(pending)

	client := telegram.NewClient(a.appID, a.appHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: pending},
		NoUpdates:      true,
	})
	r, err := StartClient(ctx, client)
	if err != nil {
		_ = os.Remove(pending)
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}

	att := &attempt{runner: r, phone: phone, id: id, pending: pending, final: a.creds.Ref(id), log: a.log}
	sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		att.Abort(ctx)
		return nil, fmt.Errorf("telegram: send code: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		att.Abort(ctx)
		return nil, fmt.Errorf("telegram: send code: unexpected response %T", sent)
	}
	att.codeHash = code.PhoneCodeHash
	return att, nil
}

type attempt struct {
	runner   *Runner
	phone    string
	id       string
	codeHash string
	pending  string
	final    string
	log      zerolog.Logger
}

func (a *attempt) SubmitCode(ctx context.Context, code string) (transport.AuthStatus, error) {
	_, err := a.runner.client.Auth().SignIn(ctx, a.phone, code, a.codeHash)
	switch {
	case err == nil:
		return transport.AuthAuthorized, nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return transport.AuthNeedsSecondFactor, nil
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return transport.AuthNeedsCode, onboarding.ErrInvalidCode
	}
	return transport.AuthFailed, fmt.Errorf("telegram: sign in: %w", err)
}

func (a *attempt) SubmitPassword(ctx context.Context, password string) (transport.AuthStatus, error) {
	_, err := a.runner.client.Auth().Password(ctx, password)
	switch {
	case err == nil:
		return transport.AuthAuthorized, nil
	case errors.Is(err, auth.ErrPasswordInvalid):
		return transport.AuthNeedsSecondFactor, onboarding.ErrInvalidPassword
	}
	return transport.AuthFailed, fmt.Errorf("telegram: password: %w", err)
}

// Finish stops the temporary client and moves the session file into place.
func (a *attempt) Finish(ctx context.Context) (string, error) {
	if err := a.runner.Stop(ctx); err != nil {
		a.log.Warn().Err(err).Msg("stop login client")
	}
	if err := os.Rename(a.pending, a.final); err != nil {
		return "", fmt.Errorf("telegram: store session: %w", err)
	}
	return a.id, nil
}

func (a *attempt) Abort(ctx context.Context) error {
	err := a.runner.Stop(ctx)
	if rmErr := os.Remove(a.pending); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("telegram: remove pending session: %w", rmErr)
	}
	if err != nil {
		return fmt.Errorf("telegram: stop login client: %w", err)
	}
	return nil
}
