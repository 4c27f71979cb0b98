// Package apperr defines the error kinds the HTTP layer translates to
// response codes. Wrap with pkg/errors so errors.Is still finds the kind.
package apperr

import "github.com/pkg/errors"

var (
	// ErrNotFound: store/package/route absent. Terminal for the request.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput: rejected before any write (empty id lists, bad dates).
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict: duplicate unique key, e.g. linking an already linked store.
	ErrConflict = errors.New("conflict")

	// ErrReauthorizationRequired: the refresh token itself is dead. Callers
	// must not retry; a human has to run the authorization flow again.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrUpstream: transient carrier failure (network/5xx). The next sweep
	// cycle retries.
	ErrUpstream = errors.New("upstream failure")

	// ErrUnauthorized: carrier rejected the access token (4xx auth).
	ErrUnauthorized = errors.New("unauthorized upstream")
)
