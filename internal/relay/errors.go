package relay

import (
	"errors"
	"fmt"

	"github.com/zulandar/tgrelay/internal/transport"
)

var (
	// ErrUnknownIdentity is returned for operations on an id the store does
	// not know.
	ErrUnknownIdentity = errors.New("relay: unknown identity")
	// ErrAuthFailure matches every AuthError.
	ErrAuthFailure = errors.New("relay: authorization failed")
	// ErrDiscoveryRunning is returned when a discovery run is requested
	// while another is in progress.
	ErrDiscoveryRunning = errors.New("relay: discovery already running")
)

// AuthError reports that a stored credential no longer authorizes.
type AuthError struct {
	Identity string
	Status   transport.AuthStatus
	Reason   string
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("relay: %s not authorized (%s): %s", e.Identity, e.Status, e.Reason)
	}
	return fmt.Sprintf("relay: %s not authorized (%s)", e.Identity, e.Status)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }
