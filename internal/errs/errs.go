// Package errs implements the error taxonomy every BigBrotr component
// reports against: a small set of kinds that tell the cycle loop whether
// to retry, count against a target, or fail outright.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an error for metrics and retry policy.
type Kind string

const (
	// KindTransientPool covers pool acquire timeouts and refused connections.
	KindTransientPool Kind = "transient_pool"
	// KindTransientDB covers serialization failures, deadlocks, statement timeouts.
	KindTransientDB Kind = "transient_db"
	// KindPermanentDB covers constraint, type, and syntax errors.
	KindPermanentDB Kind = "permanent_db"
	// KindTransientNet covers TCP resets, DNS timeouts, TLS handshake timeouts.
	KindTransientNet Kind = "transient_net"
	// KindPermanentNet covers bad URLs, unsupported schemes, invalid certs.
	KindPermanentNet Kind = "permanent_net"
	// KindProtocol covers malformed Nostr messages and invalid signatures.
	KindProtocol Kind = "protocol"
	// KindCancelled marks a shutdown signal; never counted as a failure.
	KindCancelled Kind = "cancelled"
)

// Error is a typed error carrying a Kind and an optional target
// identifier (a relay URL, a candidate key, etc.).
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func New(kind Kind, target string, err error) *Error {
	return &Error{Kind: kind, Target: target, Err: err}
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err. An already-typed *Error keeps
// whatever Kind it was deliberately given — store/errors.go's
// classifyPgError, for instance, classifies a query's
// context.DeadlineExceeded (a statement timeout) as KindTransientDB,
// distinct from an actual context.Canceled shutdown, and that
// distinction must survive here. Only an error that was never wrapped
// falls back to inspecting the raw context value: a bare
// context.Canceled or context.DeadlineExceeded — what ctx.Err()
// returns, and what every service's RunOnce propagates directly on
// shutdown — is KindCancelled, so cancellation classifies the same way
// regardless of call site even for callers that never wrapped it. Anything else
// un-categorized defaults to KindPermanentDB (an un-categorized error
// is treated as non-retryable, since retrying an unknown failure mode
// is unsafe).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindPermanentDB
}

// IsRetryable reports whether the cycle loop should retry an error of
// this kind within the same cycle (transient_db, transient_pool,
// transient_net) versus failing the cycle or dropping the message.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTransientPool, KindTransientDB, KindTransientNet:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err represents cooperative cancellation,
// which must never be counted as a cycle failure.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
