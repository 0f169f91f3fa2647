// Package auth implements bearer token validation against a cached
// key set and declared claim rules.
//
// The signing keys are fetched from a JWKS endpoint and refreshed
// asynchronously on a TTL, never synchronously in the request path, so
// a slow identity provider cannot cause head-of-line blocking. All
// validation failures map to a single generic 401 at the pipeline
// level, the Error kind is for logs and events only.
package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a validation failure.
type ErrorKind int

const (
	MissingToken ErrorKind = iota
	InvalidSignature
	Expired
	ClaimMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case MissingToken:
		return "missing-token"
	case InvalidSignature:
		return "invalid-signature"
	case Expired:
		return "expired"
	case ClaimMismatch:
		return "claim-mismatch"
	default:
		return "unknown"
	}
}

// Error is a failed validation. It carries no internal detail meant
// for the client, the pipeline serves a generic message.
type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("authentication failed: %v", e.Kind)
	}

	return fmt.Sprintf("authentication failed: %v: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func errKind(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

// KindOf returns the Error kind when err is a validation failure.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}

// MatchMode decides how the values of a claim rule are checked
// against the values of a claim.
type MatchMode int

const (
	// MatchAll requires every declared value to be present.
	MatchAll MatchMode = iota

	// MatchAny requires at least one declared value to be present.
	MatchAny
)

func (m MatchMode) String() string {
	if m == MatchAny {
		return "any"
	}
	return "all"
}

// ClaimRule requires a claim to be present and, when Values is not
// empty, to carry the declared values per the match mode. Name is a
// dotted path, nested claims like "realm_access.roles" are supported.
type ClaimRule struct {
	Name   string
	Match  MatchMode
	Values []string
}

// Identity is the validated caller identity stored in the pipeline
// context.
type Identity struct {
	// Subject is the token's sub claim.
	Subject string

	// Claims is the full claim set of the token.
	Claims map[string]interface{}

	// SubscriptionKey identifies the caller's subscription, used
	// as the default quota key. Taken from the configured
	// subscription claim, falling back to Subject.
	SubscriptionKey string
}
