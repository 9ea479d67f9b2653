package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfBareContextCanceledIsCancelled(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %q, want %q", got, KindCancelled)
	}
	wrapped := fmt.Errorf("reading message: %w", context.Canceled)
	if got := KindOf(wrapped); got != KindCancelled {
		t.Errorf("KindOf(wrapped context.Canceled) = %q, want %q", got, KindCancelled)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindCancelled {
		t.Errorf("KindOf(context.DeadlineExceeded) = %q, want %q", got, KindCancelled)
	}
}

// TestKindOfTypedErrorKeepsDeliberateClassification guards against
// KindOf overriding an *Error's own Kind just because it happens to
// unwrap to context.DeadlineExceeded: a query statement timeout is
// deliberately classified transient_db (store/errors.go's
// classifyPgError), not cancelled, since it isn't a shutdown signal.
func TestKindOfTypedErrorKeepsDeliberateClassification(t *testing.T) {
	te := New(KindTransientDB, "", context.DeadlineExceeded)
	if got := KindOf(te); got != KindTransientDB {
		t.Errorf("KindOf(typed DeadlineExceeded) = %q, want %q", got, KindTransientDB)
	}
	if IsCancelled(te) {
		t.Error("a deliberately-typed transient_db error must not report as cancelled")
	}
}

func TestKindOfUnwrapsTypedError(t *testing.T) {
	te := New(KindProtocol, "relay", errors.New("bad sig"))
	if got := KindOf(te); got != KindProtocol {
		t.Errorf("KindOf(typed) = %q, want %q", got, KindProtocol)
	}
}

func TestKindOfUncategorizedDefaultsToPermanentDB(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindPermanentDB {
		t.Errorf("KindOf(plain error) = %q, want %q", got, KindPermanentDB)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []Kind{KindTransientPool, KindTransientDB, KindTransientNet}
	for _, k := range retryable {
		if !IsRetryable(k) {
			t.Errorf("IsRetryable(%q) = false, want true", k)
		}
	}
	notRetryable := []Kind{KindPermanentDB, KindPermanentNet, KindProtocol, KindCancelled}
	for _, k := range notRetryable {
		if IsRetryable(k) {
			t.Errorf("IsRetryable(%q) = true, want false", k)
		}
	}
}
