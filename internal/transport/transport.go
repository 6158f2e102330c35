// Package transport defines the contract between the relay core and the
// messaging network that carries the watched accounts. The relay never talks
// to a concrete client library directly; internal/telegram implements these
// interfaces on top of MTProto and the relay tests use in-memory fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEndOfChats is returned by ChatIterator.Next once every chat visible to
// the session has been yielded.
var ErrEndOfChats = errors.New("transport: end of chats")

// ChatKind classifies a chat visible to a session.
type ChatKind string

const (
	KindGroup     ChatKind = "group"
	KindBroadcast ChatKind = "broadcast"
	KindPrivate   ChatKind = "private"
)

// ChatDescriptor describes one chat yielded during chat iteration.
type ChatDescriptor struct {
	ID     int64
	Kind   ChatKind
	Title  string
	Handle string
}

// Message is an inbound message observed by a live session.
type Message struct {
	ID         int
	ChatID     int64 // marked form: -100… for channels, -id for basic groups
	PeerID     int64 // bare network id of the chat
	ChatTitle  string
	ChatHandle string
	SenderID   int64
	SenderName string
	Text       string
	Timestamp  time.Time
}

// AuthStatus is the outcome of connecting a credential.
type AuthStatus int

const (
	AuthAuthorized AuthStatus = iota
	AuthNeedsCode
	AuthNeedsSecondFactor
	AuthFailed
)

func (s AuthStatus) String() string {
	switch s {
	case AuthAuthorized:
		return "authorized"
	case AuthNeedsCode:
		return "needs_code"
	case AuthNeedsSecondFactor:
		return "needs_second_factor"
	case AuthFailed:
		return "failed"
	}
	return fmt.Sprintf("auth_status(%d)", int(s))
}

// ConnectResult is returned by Dialer.Connect. Session is non-nil only when
// Status is AuthAuthorized; unauthorized clients are torn down by the dialer.
type ConnectResult struct {
	Status  AuthStatus
	Session Session
	Reason  string
}

// Dialer opens sessions from stored credentials.
type Dialer interface {
	Connect(ctx context.Context, credentialRef string) (ConnectResult, error)
}

// Session is a connected, authorized account.
type Session interface {
	Identity() string
	Authorized(ctx context.Context) (bool, error)
	// Listen returns the inbound message stream in arrival order. The
	// channel is closed after Disconnect.
	Listen(ctx context.Context) (<-chan Message, error)
	IterChats(ctx context.Context) ChatIterator
	Disconnect(ctx context.Context) error
}

// ChatIterator lazily walks the chats visible to a session. A RateLimitError
// from Next leaves the iterator positioned where it was, so the caller may
// wait and call Next again to resume.
type ChatIterator interface {
	Next(ctx context.Context) (ChatDescriptor, error)
}

// RateLimitError reports that the network asked the client to back off.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("transport: rate limited, retry after %s", e.Wait)
}

// AsRateLimit reports whether err carries a RateLimitError and returns its
// wait duration.
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
