// Package onboarding drives the phone → code → password conversation that
// adds a new account. The conversation is transport-agnostic; the Telegram
// login itself happens behind Authenticator.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/transport"
)

var (
	// ErrInvalidCode is returned by Attempt.SubmitCode for a wrong code.
	ErrInvalidCode = errors.New("onboarding: invalid code")
	// ErrInvalidPassword is returned by Attempt.SubmitPassword for a wrong
	// password.
	ErrInvalidPassword = errors.New("onboarding: invalid password")
)

// DefaultTimeout bounds a conversation when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// maxAttempts is how many wrong codes or passwords are tolerated.
const maxAttempts = 3

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// Authenticator starts logins.
type Authenticator interface {
	// Start asks the network to send a login code to phone.
	Start(ctx context.Context, phone string) (Attempt, error)
}

// Attempt is one login in progress. It owns a temporary client until
// Finish or Abort is called.
type Attempt interface {
	SubmitCode(ctx context.Context, code string) (transport.AuthStatus, error)
	SubmitPassword(ctx context.Context, password string) (transport.AuthStatus, error)
	// Finish stores the credential and returns the identity id.
	Finish(ctx context.Context) (string, error)
	// Abort tears down the temporary client and discards the credential.
	Abort(ctx context.Context) error
}

// Step is the conversation state.
type Step int

const (
	StepPhone Step = iota
	StepCode
	StepPassword
	StepDone
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepPhone:
		return "awaiting_phone"
	case StepCode:
		return "awaiting_code"
	case StepPassword:
		return "awaiting_password"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Finished reports whether the conversation has ended.
func (s Step) Finished() bool { return s == StepDone || s == StepFailed }

// Operator prompts.
const (
	PromptPhone    = "Please enter your phone number in international format (e.g. +15551234567):"
	PromptCode     = "Please enter the code you received:"
	PromptPassword = "Two-step verification is enabled. Please enter your password:"

	msgBadPhone     = "Invalid phone number. Please enter it in international format (e.g. +15551234567):"
	msgBadCode      = "❌ Invalid code. Please enter the code again:"
	msgBadPassword  = "❌ Invalid password. Please try again:"
	msgSendFailed   = "❌ Could not send a login code to that number. Please check it and start again."
	msgLoginFailed  = "❌ Login failed. Please start again."
	msgTooMany      = "❌ Too many failed attempts. Please start again."
	msgTimedOut     = "⌛ Account setup timed out. Please start again."
	msgAdded        = "✅ Account %s added successfully!"
	msgAddedNotLive = "⚠️ Account %s was added but could not be started. It stays disabled until toggled on."
)

// Reply is the outcome of one conversation turn.
type Reply struct {
	Text string
	Step Step
	// Identity is set once the account has been added.
	Identity string
	// Secret is set when the next input is a password.
	Secret bool
}

// Opts configures a Conversation.
type Opts struct {
	Auth Authenticator
	// Complete is called with the new identity after its credential is
	// stored. An error leaves the account added but not live.
	Complete func(ctx context.Context, identity string) error
	Timeout  time.Duration
	Log      zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Conversation is one operator adding one account.
type Conversation struct {
	auth     Authenticator
	complete func(ctx context.Context, identity string) error
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	step     Step
	attempt  Attempt
	phone    string
	failures int
	deadline time.Time
}

// New starts a conversation in StepPhone. Use PromptPhone as the opening
// message.
func New(opts Opts) (*Conversation, error) {
	if opts.Auth == nil {
		return nil, fmt.Errorf("onboarding: authenticator is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conversation{
		auth:     opts.Auth,
		complete: opts.Complete,
		log:      opts.Log,
		now:      now,
		step:     StepPhone,
		deadline: now().Add(timeout),
	}, nil
}

// Step returns the current step.
func (c *Conversation) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Expired reports whether the deadline passed before the conversation
// finished.
func (c *Conversation) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.step.Finished() && c.now().After(c.deadline)
}

// Handle consumes one operator input and advances the conversation.
func (c *Conversation) Handle(ctx context.Context, input string) Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.step.Finished() {
		return Reply{Step: c.step}
	}
	if c.now().After(c.deadline) {
		return c.failLocked(ctx, msgTimedOut)
	}

	input = strings.TrimSpace(input)
	switch c.step {
	case StepPhone:
		return c.handlePhone(ctx, input)
	case StepCode:
		return c.handleCode(ctx, input)
	case StepPassword:
		return c.handlePassword(ctx, input)
	}
	return Reply{Step: c.step}
}

// Abort ends the conversation and discards the temporary client. It is safe
// to call more than once.
func (c *Conversation) Abort(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step.Finished() {
		return
	}
	c.failLocked(ctx, msgTimedOut)
}

func (c *Conversation) handlePhone(ctx context.Context, input string) Reply {
	phone := NormalizePhone(input)
	if !phonePattern.MatchString(phone) {
		return Reply{Text: msgBadPhone, Step: c.step}
	}
	attempt, err := c.auth.Start(ctx, phone)
	if err != nil {
		c.log.Warn().Err(err).Msg("send login code")
		c.step = StepFailed
		return Reply{Text: msgSendFailed, Step: c.step}
	}
	c.attempt = attempt
	c.phone = phone
	c.step = StepCode
	c.log.Info().Str("phone", maskPhone(phone)).Msg("login code sent")
	return Reply{Text: PromptCode, Step: c.step}
}

func (c *Conversation) handleCode(ctx context.Context, input string) Reply {
	code := strings.NewReplacer(" ", "", "-", "").Replace(input)
	status, err := c.attempt.SubmitCode(ctx, code)
	switch {
	case errors.Is(err, ErrInvalidCode):
		return c.retryLocked(ctx, msgBadCode)
	case err != nil:
		c.log.Warn().Err(err).Msg("sign in")
		return c.failLocked(ctx, msgLoginFailed)
	}
	return c.advanceLocked(ctx, status)
}

func (c *Conversation) handlePassword(ctx context.Context, input string) Reply {
	status, err := c.attempt.SubmitPassword(ctx, input)
	switch {
	case errors.Is(err, ErrInvalidPassword):
		reply := c.retryLocked(ctx, msgBadPassword)
		reply.Secret = reply.Step == StepPassword
		return reply
	case err != nil:
		c.log.Warn().Err(err).Msg("password check")
		return c.failLocked(ctx, msgLoginFailed)
	}
	return c.advanceLocked(ctx, status)
}

func (c *Conversation) advanceLocked(ctx context.Context, status transport.AuthStatus) Reply {
	switch status {
	case transport.AuthNeedsSecondFactor:
		c.step = StepPassword
		c.failures = 0
		return Reply{Text: PromptPassword, Step: c.step, Secret: true}
	case transport.AuthAuthorized:
		return c.finishLocked(ctx)
	}
	c.log.Warn().Stringer("status", status).Msg("unexpected login status")
	return c.failLocked(ctx, msgLoginFailed)
}

func (c *Conversation) finishLocked(ctx context.Context) Reply {
	id, err := c.attempt.Finish(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("store credential")
		return c.failLocked(ctx, msgLoginFailed)
	}
	c.attempt = nil
	c.step = StepDone
	c.log.Info().Str("identity", id).Msg("account added")

	if c.complete != nil {
		if err := c.complete(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("identity", id).Msg("start new account")
			return Reply{Text: fmt.Sprintf(msgAddedNotLive, id), Step: c.step, Identity: id}
		}
	}
	return Reply{Text: fmt.Sprintf(msgAdded, id), Step: c.step, Identity: id}
}

func (c *Conversation) retryLocked(ctx context.Context, text string) Reply {
	c.failures++
	if c.failures >= maxAttempts {
		return c.failLocked(ctx, msgTooMany)
	}
	return Reply{Text: text, Step: c.step}
}

func (c *Conversation) failLocked(ctx context.Context, text string) Reply {
	if c.attempt != nil {
		if err := c.attempt.Abort(ctx); err != nil {
			c.log.Warn().Err(err).Msg("abort login")
		}
		c.attempt = nil
	}
	c.step = StepFailed
	return Reply{Text: text, Step: c.step}
}

// NormalizePhone strips the separators people type into phone numbers.
func NormalizePhone(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(s))
}

// IdentityFromPhone returns the identity id used for a phone number: its
// digits without the leading plus.
func IdentityFromPhone(phone string) string {
	return strings.TrimPrefix(NormalizePhone(phone), "+")
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
