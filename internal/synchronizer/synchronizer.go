// Package synchronizer implements the event-archival service: per
// relay, an incrementally cursored subscription that drains a
// time-window stack to guarantee exhaustive pagination despite
// server-side limit caps, persisting committed events through Store's
// cascade insert and advancing a per-relay cursor on every batch.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
	"github.com/bigbrotr/bigbrotr/internal/transport"
)

// Config is Synchronizer's service-specific config.
type Config struct {
	service.Base      `yaml:",inline"`
	Networks          []models.Network         `yaml:"networks"`
	WorkersPerNetwork int                       `yaml:"workers_per_network"`
	Kinds             []int                     `yaml:"kinds"`
	PageLimit         int                       `yaml:"page_limit"`
	BatchSize         int                       `yaml:"batch_size"`
	QueueCap          int                       `yaml:"queue_cap"`
	DropOnOverflow    bool                      `yaml:"drop_on_overflow"`
	Proxies           transport.ProxyConfig     `yaml:"proxies"`
	Timeouts          transport.NetworkTimeouts `yaml:"timeouts"`
}

func (c *Config) applyDefaults() {
	c.Base.ApplyDefaults()
	if c.WorkersPerNetwork == 0 {
		c.WorkersPerNetwork = 5
	}
	if c.PageLimit == 0 {
		c.PageLimit = 500
	}
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
	if c.QueueCap == 0 {
		c.QueueCap = 10000
	}
	if (c.Timeouts == transport.NetworkTimeouts{}) {
		c.Timeouts = transport.DefaultNetworkTimeouts()
	}
}

// Synchronizer is a service.Cycle that archives events from relays
// flagged readable by recent Monitor checks.
type Synchronizer struct {
	cfg    Config
	st     store.Store
	cursor *service.StateHandle
	log    *slog.Logger

	mu              sync.Mutex
	EventsReceived  int64
	EventsNew       int64
	EventsDuplicate int64
	ErrorsByKind    map[string]int64
}

func New(cfg Config, st store.Store, log *slog.Logger) *Synchronizer {
	cfg.applyDefaults()
	return &Synchronizer{
		cfg:          cfg,
		st:           st,
		cursor:       service.NewStateHandle(st, "synchronizer"),
		log:          log,
		ErrorsByKind: map[string]int64{},
	}
}

// RunOnce runs one synchronizer cycle: fetch target relays, partition
// by network, and drain each relay's time-window stack through a
// bounded per-network worker pool.
func (s *Synchronizer) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	s.EventsReceived, s.EventsNew, s.EventsDuplicate = 0, 0, 0
	s.ErrorsByKind = map[string]int64{}
	s.mu.Unlock()

	targets, err := s.st.ListSyncTargets(ctx, s.cfg.Networks)
	if err != nil {
		return err
	}

	byNetwork := make(map[models.Network][]models.Relay)
	for _, r := range targets {
		byNetwork[r.Network] = append(byNetwork[r.Network], r)
	}

	var wg sync.WaitGroup
	for _, group := range byNetwork {
		wg.Add(1)
		go func(group []models.Relay) {
			defer wg.Done()
			s.syncGroup(ctx, group)
		}(group)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// syncGroup runs a bounded worker pool over one network's target
// relays. Per-relay isolation means one broken relay only occupies its
// own worker slot; its error is recorded and logged, never escalated
// to fail the cycle.
func (s *Synchronizer) syncGroup(ctx context.Context, group []models.Relay) {
	jobs := make(chan models.Relay, len(group))
	for _, r := range group {
		jobs <- r
	}
	close(jobs)

	workers := s.cfg.WorkersPerNetwork
	if workers > len(group) {
		workers = len(group)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for relay := range jobs {
				if ctx.Err() != nil {
					return
				}
				if err := s.syncRelay(ctx, relay); err != nil && !errs.IsCancelled(err) {
					s.recordError(err)
					s.log.Warn("sync relay failed", "relay", relay.URL, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// syncRelay dials one relay, reads its cursor, drains the time-window
// stack from cursor.Since to now, and persists events and cursor
// advances in batches.
func (s *Synchronizer) syncRelay(ctx context.Context, relay models.Relay) error {
	var cursor models.SyncCursorPayload
	if _, err := s.cursor.Get(ctx, models.StateTypeCursor, relay.URL, &cursor); err != nil {
		return err
	}

	client, err := transport.Dial(ctx, relay, s.cfg.Proxies, s.cfg.Timeouts)
	if err != nil {
		return err
	}
	defer client.Close()

	acc := &syncAccumulator{s: s, relay: relay, maxCreatedAt: cursor.Since}

	fetch := func(ctx context.Context, w window, limit int) ([]models.Event, int, error) {
		return s.fetchWindow(ctx, client, relay, w, limit)
	}

	initial := window{since: cursor.Since, until: time.Now().Unix()}
	runErr := drainWindow(ctx, initial, s.cfg.PageLimit, fetch, acc.add)

	// Commit whatever the accumulator still holds even on a cancelled or
	// failed run, so a slow shutdown or one bad window never loses a
	// batch that was already fetched.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if flushErr := acc.flush(flushCtx); flushErr != nil && runErr == nil {
		runErr = flushErr
	}
	return runErr
}

// fetchWindow issues one REQ for window w with the given limit and
// accumulates EVENTs until EOSE, CLOSED, or the page fills. The second
// return is the raw count of events the relay delivered, including
// ones dropped by validation or kind filtering — page-fill and the
// caller's window-split decision key off that count, since the relay's
// cap applies to what it sent, not to what survives filtering.
func (s *Synchronizer) fetchWindow(ctx context.Context, client *transport.Client, relay models.Relay, w window, limit int) ([]models.Event, int, error) {
	subID := fmt.Sprintf("sync-%d", time.Now().UnixNano())

	filter := nostr.Filter{Limit: limit}
	since := nostr.Timestamp(w.since)
	filter.Since = &since
	if w.until > 0 {
		until := nostr.Timestamp(w.until)
		filter.Until = &until
	}
	if len(s.cfg.Kinds) > 0 {
		filter.Kinds = s.cfg.Kinds
	}

	timeout := s.cfg.Timeouts.For(relay.Network)
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Subscribe(readCtx, subID, filter); err != nil {
		return nil, 0, err
	}
	defer client.CloseSubscription(context.Background(), subID)

	var events []models.Event
	received := 0
	for {
		msg, err := client.ReadMessage(readCtx)
		if err != nil {
			return events, received, err
		}
		switch msg.Label {
		case "EVENT":
			if msg.SubID != subID {
				continue
			}
			received++
			if err := transport.ValidateEvent(msg.Event); err != nil {
				s.log.Warn("dropping invalid event", "relay", relay.URL, "error", err)
			} else if models.DefaultSyncKindFilter(msg.Event.Kind) {
				events = append(events, eventFromNostr(msg.Event))
			}
			if received >= limit {
				return events, received, nil
			}
		case "EOSE", "CLOSED":
			if msg.SubID == subID {
				return events, received, nil
			}
		}
	}
}

func (s *Synchronizer) recordError(err error) {
	kind := string(errs.KindOf(err))
	s.mu.Lock()
	s.ErrorsByKind[kind]++
	s.mu.Unlock()
}

func eventFromNostr(ev *nostr.Event) models.Event {
	tags := make([][]string, len(ev.Tags))
	for i, t := range ev.Tags {
		tags[i] = []string(t)
	}
	return models.Event{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
		Tags:      tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}

// syncAccumulator batches one relay's events in memory up to
// cfg.BatchSize, flushing to Store and advancing the persisted cursor
// on every commit. cfg.QueueCap bounds memory use: once reached, either
// an early flush is forced or the overflow is dropped, per
// cfg.DropOnOverflow.
//
// The window-split algorithm (window.go) processes a relay's history
// newest-first, deferring older sub-windows onto a stack; a batch
// flushed early in that walk can carry timestamps newer than events
// still waiting in a deferred window. floor tracks the latest
// known-safe cursor ceiling drainWindow reported alongside the
// buffered events (noFloor once nothing is left pending), so a flush
// never advances the persisted cursor past events that haven't been
// fetched yet — otherwise an interruption between flushes would
// permanently skip them on the next cycle.
type syncAccumulator struct {
	s            *Synchronizer
	relay        models.Relay
	buf          []models.Event
	maxCreatedAt int64
	floor        int64
	dropped      int64
}

func (a *syncAccumulator) add(ctx context.Context, events []models.Event, floor int64) error {
	a.floor = floor
	for _, e := range events {
		if len(a.buf) >= a.s.cfg.QueueCap {
			if a.s.cfg.DropOnOverflow {
				a.dropped++
				continue
			}
			if err := a.flush(ctx); err != nil {
				return err
			}
		}
		a.buf = append(a.buf, e)
		if e.CreatedAt > a.maxCreatedAt {
			a.maxCreatedAt = e.CreatedAt
		}
		if len(a.buf) >= a.s.cfg.BatchSize {
			if err := a.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *syncAccumulator) flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	now := time.Now().Unix()
	relays := make([]models.Relay, len(a.buf))
	seenAt := make([]int64, len(a.buf))
	for i := range a.buf {
		relays[i] = a.relay
		seenAt[i] = now
	}

	n, err := a.s.st.EventRelayInsertCascade(ctx, a.buf, relays, seenAt)
	if err != nil {
		return err
	}

	a.s.mu.Lock()
	a.s.EventsReceived += int64(len(a.buf))
	a.s.EventsNew += n
	a.s.EventsDuplicate += int64(len(a.buf)) - n
	a.s.mu.Unlock()

	cursorAt := a.maxCreatedAt
	if a.floor < cursorAt {
		cursorAt = a.floor
	}
	if err := a.s.cursor.Set(ctx, models.StateTypeCursor, a.relay.URL, now, models.SyncCursorPayload{Since: cursorAt}); err != nil {
		return err
	}
	a.buf = a.buf[:0]
	return nil
}
