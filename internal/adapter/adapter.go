// Package adapter defines the polymorphic signing/verification/auth
// capability the validator worker depends on, and its two concrete
// implementations: a dummy adapter for tests, and an Ethereum keystore
// adapter for production.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocean-validator/worker/internal/types"
)

// ErrorKind classifies an adapter failure the way spec.md §7 lists them.
type ErrorKind int

const (
	// KindAuthentication covers failures to obtain or validate an auth token.
	KindAuthentication ErrorKind = iota
	// KindSignature covers failures to produce or verify a signature.
	KindSignature
	// KindLockedWallet means an operation needed Unlock() first.
	KindLockedWallet
	// KindInvalidChannel means ValidateChannel rejected the channel.
	KindInvalidChannel
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "Authentication"
	case KindSignature:
		return "Signature"
	case KindLockedWallet:
		return "LockedWallet"
	case KindInvalidChannel:
		return "InvalidChannel"
	default:
		return "Unknown"
	}
}

// Error is the adapter's typed error, carrying a Kind plus the underlying
// cause so callers can both branch on Kind and log/wrap the original error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter Error of the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ErrNotImplemented is returned by adapter capabilities this worker never
// exercises on the hot path (e.g. session_from_token, used by the sentry's
// own auth middleware, not by the worker itself).
var ErrNotImplemented = errors.New("adapter: not implemented")

// Session is the decoded result of SessionFromToken: the identity a bearer
// token was issued to.
type Session struct {
	Identity string
}

// Adapter is the capability every tick component depends on polymorphically.
// Implementations must be safe for concurrent use — sign and get_auth are
// invoked from every channel's tick goroutine against one shared adapter
// instance (spec.md §5).
type Adapter interface {
	// WhoAmI returns this worker's own validator identity.
	WhoAmI() string

	// Unlock prepares the adapter for signing. Idempotent.
	Unlock(ctx context.Context) error

	// Sign produces a signature over a hex-encoded state root.
	Sign(ctx context.Context, stateRoot string) (string, error)

	// Verify checks that signature is a valid signature by signer over
	// stateRoot.
	Verify(ctx context.Context, signer, stateRoot, signature string) (bool, error)

	// ValidateChannel reports whether a channel is acceptable to validate.
	ValidateChannel(ctx context.Context, channel types.Channel) (bool, error)

	// SessionFromToken decodes a bearer auth token into a Session.
	SessionFromToken(ctx context.Context, token string) (Session, error)

	// GetAuth returns a bearer auth token to use when calling validatorID's
	// sentry.
	GetAuth(ctx context.Context, validatorID string) (string, error)
}
