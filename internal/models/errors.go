package models

import (
	"errors"
	"fmt"
)

// Error kinds. Services return these (usually wrapped); the HTTP layer maps
// them to status codes and wire code strings.
var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthRequired     = errors.New("authentication required")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnreachable      = errors.New("upstream unreachable")
	ErrGone             = errors.New("gone")
	ErrDuplicate        = errors.New("duplicate")
	ErrInternal         = errors.New("internal error")
)

// Identity-specific kinds.
var (
	ErrHandleTaken    = fmt.Errorf("%w: handle taken", ErrValidation)
	ErrEmailTaken     = fmt.Errorf("%w: email taken", ErrValidation)
	ErrBadCredentials = fmt.Errorf("%w: bad credentials", ErrAuthRequired)
)

// Signed-action rejection reasons. All except ErrUnknownUser and
// ErrRateLimited are signature-class failures on the wire (403).
var (
	ErrStaleTimestamp = fmt.Errorf("%w: stale timestamp", ErrInvalidSignature)
	ErrHandleMismatch = fmt.Errorf("%w: handle mismatch", ErrInvalidSignature)
	ErrReplayedNonce  = fmt.Errorf("%w: replayed nonce", ErrInvalidSignature)
	ErrKeyChanged     = fmt.Errorf("%w: remote key changed", ErrInvalidSignature)
	ErrUnknownUser    = fmt.Errorf("%w: unknown user", ErrNotFound)
)

// Code returns the wire code string for an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrStaleTimestamp):
		return "STALE_TIMESTAMP"
	case errors.Is(err, ErrHandleMismatch):
		return "HANDLE_MISMATCH"
	case errors.Is(err, ErrReplayedNonce):
		return "REPLAYED_NONCE"
	case errors.Is(err, ErrKeyChanged):
		return "KEY_CHANGED"
	case errors.Is(err, ErrInvalidSignature):
		return "INVALID_SIGNATURE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrUnknownUser):
		return "UNKNOWN_USER"
	case errors.Is(err, ErrAuthRequired):
		return "AUTH_REQUIRED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrUnreachable):
		return "UPSTREAM_UNREACHABLE"
	case errors.Is(err, ErrGone):
		return "GONE"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus returns the HTTP status for an error kind.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return 429
	case errors.Is(err, ErrInvalidSignature):
		return 403
	case errors.Is(err, ErrBadCredentials), errors.Is(err, ErrAuthRequired):
		return 401
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrGone):
		return 410
	case errors.Is(err, ErrDuplicate):
		return 409
	case errors.Is(err, ErrUnreachable):
		return 502
	case errors.Is(err, ErrValidation):
		return 400
	default:
		return 500
	}
}
