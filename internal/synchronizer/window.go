package synchronizer

import (
	"context"
	"math"
	"sort"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// noFloor marks a batch for which no older window remains pending: the
// caller may advance its cursor all the way to the batch's own
// max(created_at).
const noFloor = int64(math.MaxInt64)

// window is a [since, until] time range to fetch, inclusive bounds in
// unix seconds. until == 0 means open-ended ("now").
type window struct {
	since int64
	until int64
}

// pageFetcher issues one REQ/EOSE round trip for a window and returns
// whatever validated events it received, even when it also returns an
// error (a context cancellation mid-read still yields the events read
// so far, which the caller must still persist). raw is the number of
// events the relay actually delivered for the page before validation
// and kind filtering dropped any: the relay's limit cap applies to
// what it sent, so raw — not len(events) — is the saturation signal.
type pageFetcher func(ctx context.Context, w window, limit int) (events []models.Event, raw int, err error)

// onBatchFunc persists one page's events and advances whatever cursor
// bookkeeping the caller tracks. floor bounds how far the caller may
// advance a persisted cursor: any value up to and including floor is
// guaranteed to have every event already committed (either in this
// batch or an earlier one), but events below floor may still be
// sitting in a window this call hasn't reached yet, so the cursor must
// never be set past it. floor is noFloor when, after this batch, no
// older window remains pending at all.
type onBatchFunc func(ctx context.Context, events []models.Event, floor int64) error

// drainWindow implements the time-window stack: a relay's REQ response
// saturating limit means older events in that window may be missing,
// so the window is split at the median created_at of the page just
// received and the lower half is pushed back onto the stack for a
// further pass. The upper half needs no re-fetch — the page already
// received covers it — so the page is simply persisted as soon as it
// arrives.
//
// Processing is newest-first: the half of any saturated page above its
// split point is known-complete immediately, while the half below it
// is deferred. That means a batch persisted early in a drain can carry
// timestamps far newer than events still waiting in the deferred lower
// windows, so drainWindow also reports, per batch, the lowest `since`
// boundary still pending on the stack (the floor passed to onBatch) —
// otherwise a caller advancing its cursor straight to the batch's own
// max(created_at) could skip those still-unfetched older events
// entirely if interrupted before the stack finishes draining.
func drainWindow(ctx context.Context, initial window, limit int, fetch pageFetcher, onBatch onBatchFunc) error {
	stack := []window{initial}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		events, raw, fetchErr := fetch(ctx, w, limit)

		var lower *window
		if fetchErr == nil && raw >= limit && len(events) > 0 {
			// Saturation is judged on raw, not len(events): dropped
			// invalid or ephemeral events still consumed the relay's page
			// cap, so a filtered slice below limit can still mean older
			// events were cut off.
			median := medianCreatedAt(events)
			if median > w.since && (w.until == 0 || median < w.until) {
				lower = &window{since: w.since, until: median}
			}
			// A median on either window boundary is the degenerate case:
			// at or below w.since the whole page shares since's second,
			// and at w.until the lower half would be the identical window
			// just fetched — either split would re-fetch the same range
			// forever. The events beyond the cap inside that second are
			// unreachable through this relay's pagination and are left
			// for a future cycle — the window is abandoned, not retried,
			// so it contributes nothing to the pending floor below. A
			// saturated page whose filtered slice is empty has no median
			// to split on and is abandoned the same way.
		}

		floor := noFloor
		if lower != nil {
			floor = lower.since
		}
		if fetchErr != nil && w.since < floor {
			// fetchErr means w itself never reached EOSE/CLOSED, so it
			// isn't fully drained regardless of how many events it
			// returned — an interrupted read can return fewer than limit
			// events and still leave older ones in [w.since, ...)
			// unfetched. Treat w as still pending for floor purposes just
			// like anything left on the stack.
			floor = w.since
		}
		for _, sw := range stack {
			if sw.since < floor {
				floor = sw.since
			}
		}

		if len(events) > 0 {
			if err := onBatch(ctx, events, floor); err != nil {
				return err
			}
		}
		if fetchErr != nil {
			return fetchErr
		}
		if lower != nil {
			stack = append(stack, *lower)
		}
	}
	return nil
}

// medianCreatedAt returns the statistical median created_at across
// events, used to bisect a saturated window.
func medianCreatedAt(events []models.Event) int64 {
	vals := make([]int64, len(events))
	for i, e := range events {
		vals[i] = e.CreatedAt
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[len(vals)/2]
}
