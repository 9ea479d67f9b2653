package synchronizer

import (
	"context"
	"testing"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

func mkEvent(id string, createdAt int64) models.Event {
	return models.Event{ID: id, CreatedAt: createdAt}
}

// TestDrainWindowSplitsSaturatedPages: a relay
// that always returns exactly `limit` events for any window wide enough
// to contain more must be split recursively until every event in
// [since, until] is recovered with no gaps.
func TestDrainWindowSplitsSaturatedPages(t *testing.T) {
	const limit = 3

	// A synthetic relay holding one event per second from 1 to 20.
	var all []models.Event
	for ts := int64(1); ts <= 20; ts++ {
		all = append(all, mkEvent(itoaTS(ts), ts))
	}

	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		var page []models.Event
		for _, e := range all {
			if e.CreatedAt >= w.since && (w.until == 0 || e.CreatedAt <= w.until) {
				page = append(page, e)
			}
		}
		// Simulate server-side created_at DESC + limit truncation: the
		// page returned is the newest `limit` events in the window.
		if len(page) > limit {
			page = page[len(page)-limit:]
		}
		return page, len(page), nil
	}

	seen := make(map[string]bool)
	var committed []models.Event
	onBatch := func(_ context.Context, events []models.Event, _ int64) error {
		for _, e := range events {
			if !seen[e.ID] {
				seen[e.ID] = true
				committed = append(committed, e)
			}
		}
		return nil
	}

	if err := drainWindow(context.Background(), window{since: 1, until: 20}, limit, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}

	if len(committed) != 20 {
		t.Fatalf("expected all 20 events recovered with no gaps, got %d", len(committed))
	}
	for ts := int64(1); ts <= 20; ts++ {
		if !seen[itoaTS(ts)] {
			t.Fatalf("event at ts=%d was never committed", ts)
		}
	}
}

// TestDrainWindowSkipsSplitWhenPageUnsaturated covers the common case:
// a page smaller than limit means the window is fully covered, no split
// needed.
func TestDrainWindowSkipsSplitWhenPageUnsaturated(t *testing.T) {
	calls := 0
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		calls++
		return []models.Event{mkEvent("a", 5), mkEvent("b", 6)}, 2, nil
	}
	var got []models.Event
	onBatch := func(_ context.Context, events []models.Event, _ int64) error {
		got = append(got, events...)
		return nil
	}
	if err := drainWindow(context.Background(), window{since: 1, until: 10}, 500, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 fetch for an unsaturated page, got %d", calls)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 committed events, got %d", len(got))
	}
}

// TestDrainWindowStopsOnDegenerateSplit covers the edge case where
// every event in a saturated page shares the window's since second:
// splitting further would recurse forever, so it must stop instead.
func TestDrainWindowStopsOnDegenerateSplit(t *testing.T) {
	const limit = 2
	calls := 0
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		calls++
		if calls > 5 {
			t.Fatal("drainWindow did not stop on a degenerate split")
		}
		return []models.Event{mkEvent("a", w.since), mkEvent("b", w.since)}, 2, nil
	}
	onBatch := func(_ context.Context, events []models.Event, _ int64) error { return nil }
	if err := drainWindow(context.Background(), window{since: 100, until: 200}, limit, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 fetch before recognizing the degenerate split, got %d", calls)
	}
}

// TestDrainWindowPersistsPartialPageOnFetchError covers the
// graceful-shutdown contract: a fetch that returns events alongside an
// error (e.g. context cancellation mid-read) must still have its events
// committed before the error propagates.
func TestDrainWindowPersistsPartialPageOnFetchError(t *testing.T) {
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		return []models.Event{mkEvent("partial", w.since)}, 1, context.Canceled
	}
	var got []models.Event
	var floor int64 = -1
	onBatch := func(_ context.Context, events []models.Event, f int64) error {
		got = append(got, events...)
		floor = f
		return nil
	}
	err := drainWindow(context.Background(), window{since: 1, until: 10}, 500, fetch, onBatch)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 1 || got[0].ID != "partial" {
		t.Fatalf("expected the partial page to be committed before the error, got %v", got)
	}
	// The window was interrupted before EOSE, so it never finished
	// draining regardless of how few events it returned: floor must stay
	// at the window's own since, not noFloor, or a caller could advance
	// its cursor past events this aborted read never reached.
	if floor != 1 {
		t.Fatalf("expected floor to stay at the aborted window's since (1), got %d", floor)
	}
}

// TestDrainWindowFloorNeverSkipsPendingOlderEvents guards against a
// regression where an early batch's floor was computed as the batch's
// own max(created_at) instead of the lowest still-pending window
// boundary: since drainWindow processes newest-first, the first batch
// committed here covers the newest half of a saturated page while an
// older half remains on the stack, and that first batch's floor must
// not claim anything newer than the oldest still-unfetched boundary.
func TestDrainWindowFloorNeverSkipsPendingOlderEvents(t *testing.T) {
	const limit = 3

	var all []models.Event
	for ts := int64(1); ts <= 20; ts++ {
		all = append(all, mkEvent(itoaTS(ts), ts))
	}
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		var page []models.Event
		for _, e := range all {
			if e.CreatedAt >= w.since && (w.until == 0 || e.CreatedAt <= w.until) {
				page = append(page, e)
			}
		}
		if len(page) > limit {
			page = page[len(page)-limit:]
		}
		return page, len(page), nil
	}

	var floors []int64
	var batchMax []int64
	onBatch := func(_ context.Context, events []models.Event, floor int64) error {
		floors = append(floors, floor)
		var max int64
		for _, e := range events {
			if e.CreatedAt > max {
				max = e.CreatedAt
			}
		}
		batchMax = append(batchMax, max)
		return nil
	}

	if err := drainWindow(context.Background(), window{since: 1, until: 20}, limit, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}
	if len(floors) < 2 {
		t.Fatalf("expected at least 2 batches from a saturated multi-split drain, got %d", len(floors))
	}

	// Every batch but the last must report a floor strictly below that
	// batch's own max(created_at): a cursor capped at floor can never
	// jump straight to a batch's newest event while older events remain
	// pending on the stack.
	for i := 0; i < len(floors)-1; i++ {
		if floors[i] >= batchMax[i] {
			t.Fatalf("batch %d: floor %d must stay below its own batch max %d while older windows remain pending",
				i, floors[i], batchMax[i])
		}
	}
	if floors[len(floors)-1] != noFloor {
		t.Fatalf("expected the final batch's floor to be noFloor (nothing left pending), got %d", floors[len(floors)-1])
	}
}

// TestDrainWindowStopsWhenSaturatedPageCollapsesToUntil covers the
// other degenerate split: a single second holding at least `limit`
// events at the window's until boundary. The median then lands on
// until itself, so a naive split would push a lower window identical
// to the one just fetched and re-fetch it forever; drainWindow must
// accept the window as un-exhaustible and stop.
func TestDrainWindowStopsWhenSaturatedPageCollapsesToUntil(t *testing.T) {
	const limit = 2
	calls := 0
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		calls++
		if calls > 5 {
			t.Fatal("drainWindow re-fetched an identical window forever")
		}
		return []models.Event{mkEvent("a", w.until), mkEvent("b", w.until)}, 2, nil
	}
	var got []models.Event
	onBatch := func(_ context.Context, events []models.Event, _ int64) error {
		got = append(got, events...)
		return nil
	}
	if err := drainWindow(context.Background(), window{since: 100, until: 200}, limit, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 fetch before recognizing the collapsed window, got %d", calls)
	}
	if len(got) != 2 {
		t.Fatalf("expected the collapsed page's 2 events committed, got %d", len(got))
	}
}

// TestDrainWindowSplitsOnRawCountDespiteFilteredShortfall guards the
// saturation signal: a relay that hard-caps a page at `limit` raw
// events may deliver a page whose filtered slice (after validation and
// kind filtering dropped some) is below limit. The split decision must
// key off the raw count, or a genuinely saturated window is treated as
// complete and the older events beyond the cap are silently lost.
func TestDrainWindowSplitsOnRawCountDespiteFilteredShortfall(t *testing.T) {
	const limit = 4

	// One event per second from 1 to 12; every third second's event is
	// one the client drops (as an invalid or ephemeral event would be),
	// so it counts toward the relay's cap but never reaches onBatch.
	dropped := func(ts int64) bool { return ts%3 == 0 }
	fetch := func(_ context.Context, w window, limit int) ([]models.Event, int, error) {
		var page []models.Event
		for ts := int64(1); ts <= 12; ts++ {
			if ts >= w.since && (w.until == 0 || ts <= w.until) {
				page = append(page, mkEvent(itoaTS(ts), ts))
			}
		}
		if len(page) > limit {
			page = page[len(page)-limit:]
		}
		raw := len(page)
		var kept []models.Event
		for _, e := range page {
			if !dropped(e.CreatedAt) {
				kept = append(kept, e)
			}
		}
		return kept, raw, nil
	}

	seen := make(map[string]bool)
	onBatch := func(_ context.Context, events []models.Event, _ int64) error {
		for _, e := range events {
			seen[e.ID] = true
		}
		return nil
	}

	if err := drainWindow(context.Background(), window{since: 1, until: 12}, limit, fetch, onBatch); err != nil {
		t.Fatalf("drainWindow failed: %v", err)
	}
	for ts := int64(1); ts <= 12; ts++ {
		if dropped(ts) {
			continue
		}
		if !seen[itoaTS(ts)] {
			t.Fatalf("event at ts=%d beyond the relay's cap was never committed", ts)
		}
	}
}

func itoaTS(n int64) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}
