// Package finder implements the candidate-discovery service: an API
// scan over configured relay-list endpoints and an event scan over
// already-archived events, merged into new Validator candidates each
// cycle.
package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// APISource is one configured JSON relay-list endpoint.
type APISource struct {
	Name    string          `yaml:"name"`
	URL     string          `yaml:"url"`
	Timeout models.Duration `yaml:"timeout"`
	Retries int             `yaml:"retries"`
}

func (s *APISource) applyDefaults() {
	if s.Timeout == 0 {
		s.Timeout = models.Duration(10 * time.Second)
	}
	if s.Retries == 0 {
		s.Retries = 2
	}
}

// EventScanKinds are the event kinds Finder mines for embedded relay
// URLs: legacy relay recommendation, contact lists, relay lists, and
// NIP-66 monitor events.
var EventScanKinds = []int{2, 3, 10002, 10166}

// Config is Finder's service-specific config.
type Config struct {
	service.Base  `yaml:",inline"`
	APISources    []APISource `yaml:"api_sources"`
	EventPageSize int         `yaml:"event_page_size"`
}

func (c *Config) applyDefaults() {
	c.Base.ApplyDefaults()
	for i := range c.APISources {
		c.APISources[i].applyDefaults()
	}
	if c.EventPageSize == 0 {
		c.EventPageSize = 500
	}
}

// Finder is a service.Cycle that discovers and upserts new candidates.
// Candidates themselves live under the validator service name in
// service_state, since Validator is the consumer; Finder's own cursor
// lives under its own service name.
type Finder struct {
	cfg        Config
	st         store.Store
	cursor     *service.StateHandle
	candidates *service.StateHandle
	log        *slog.Logger
	httpClient *http.Client

	// Last-cycle counters, surfaced for metrics and tests.
	CandidatesFromAPI    int
	CandidatesFromEvents int
}

func New(cfg Config, st store.Store, log *slog.Logger) *Finder {
	cfg.applyDefaults()
	return &Finder{
		cfg:        cfg,
		st:         st,
		cursor:     service.NewStateHandle(st, "finder"),
		candidates: service.NewStateHandle(st, "validator"),
		log:        log,
		httpClient: &http.Client{},
	}
}

// RunOnce runs the API scan and event scan concurrently, merges their
// candidate URLs, and upserts whatever isn't already a known relay or
// an existing candidate.
func (f *Finder) RunOnce(ctx context.Context) error {
	type scanResult struct {
		source string
		urls   []string
	}
	results := make(chan scanResult, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		urls := f.scanAPIs(ctx)
		results <- scanResult{"api", urls}
	}()
	go func() {
		defer wg.Done()
		urls, err := f.scanEvents(ctx)
		if err != nil {
			f.log.Error("event scan failed", "error", err)
		}
		results <- scanResult{"events", urls}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	fromAPI := make(map[string]struct{})
	fromEvents := make(map[string]struct{})
	for r := range results {
		dst := fromEvents
		if r.source == "api" {
			dst = fromAPI
		}
		for _, u := range r.urls {
			normalized, err := models.NormalizeURL(u)
			if err != nil {
				continue
			}
			dst[normalized] = struct{}{}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.CandidatesFromAPI = len(fromAPI)
	f.CandidatesFromEvents = len(fromEvents)

	merged := make(map[string]struct{}, len(fromAPI)+len(fromEvents))
	for u := range fromAPI {
		merged[u] = struct{}{}
	}
	for u := range fromEvents {
		merged[u] = struct{}{}
	}

	return f.upsertNewCandidates(ctx, merged)
}

func (f *Finder) upsertNewCandidates(ctx context.Context, candidates map[string]struct{}) error {
	now := time.Now().Unix()
	rows := make([]models.ServiceState, 0, len(candidates))
	for url := range candidates {
		exists, err := f.st.RelayExists(ctx, url)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		alreadyCandidate, err := f.candidates.Get(ctx, models.StateTypeCandidate, url, &models.CandidatePayload{})
		if err != nil {
			return err
		}
		if alreadyCandidate {
			continue
		}
		payload := models.CandidatePayload{
			Network:        models.DetectNetwork(models.HostOf(url)),
			FailedAttempts: 0,
			DiscoveredAt:   now,
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode candidate payload for %s: %w", url, err)
		}
		rows = append(rows, models.ServiceState{
			Type:      models.StateTypeCandidate,
			Key:       url,
			Payload:   encoded,
			UpdatedAt: now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := f.candidates.SetMany(ctx, models.StateTypeCandidate, rows)
	return err
}

// scanAPIs fetches every configured relay-list endpoint concurrently
// and returns the union of candidate URL strings they yield. Per-source
// failures are logged and skipped; only total failure of every source
// is silent (an empty API result is a legitimate cycle outcome).
func (f *Finder) scanAPIs(ctx context.Context) []string {
	var wg sync.WaitGroup
	urlsCh := make(chan []string, len(f.cfg.APISources))
	for _, src := range f.cfg.APISources {
		wg.Add(1)
		go func(src APISource) {
			defer wg.Done()
			urls, err := f.fetchAPISource(ctx, src)
			if err != nil {
				f.log.Warn("api scan source failed", "source", src.Name, "error", err)
				return
			}
			urlsCh <- urls
		}(src)
	}
	go func() {
		wg.Wait()
		close(urlsCh)
	}()

	var all []string
	for urls := range urlsCh {
		all = append(all, urls...)
	}
	return all
}

func (f *Finder) fetchAPISource(ctx context.Context, src APISource) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt <= src.Retries; attempt++ {
		urls, err := f.fetchOnce(ctx, src)
		if err == nil {
			return urls, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Finder) fetchOnce(ctx context.Context, src APISource) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, src.Timeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", src.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	return parseRelayList(body)
}

// parseRelayList accepts either a flat JSON array of URL strings or an
// object whose keys are URLs (the nostr.watch response shape), since
// API scan sources are source-specific in format.
func parseRelayList(body []byte) ([]string, error) {
	var asArray []string
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, nil
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err == nil {
		urls := make([]string, 0, len(asObject))
		for k := range asObject {
			urls = append(urls, k)
		}
		return urls, nil
	}
	return nil, fmt.Errorf("unrecognized relay list format")
}

// eventScanCursor is the JSON shape of service_state(finder, cursor, events).
type eventScanCursor struct {
	LastCreatedAt int64  `json:"last_created_at"`
	LastID        string `json:"last_id"`
}

// scanEvents pages over the event store extracting embedded relay URLs
// from relevant kinds, persisting its cursor as it goes.
func (f *Finder) scanEvents(ctx context.Context) ([]string, error) {
	var cursor eventScanCursor
	if _, err := f.cursor.Get(ctx, models.StateTypeCursor, "events", &cursor); err != nil {
		return nil, err
	}

	var found []string
	for {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		page, err := f.st.ListEventsByCursor(ctx, EventScanKinds, cursor.LastCreatedAt, cursor.LastID, f.cfg.EventPageSize)
		if err != nil {
			return found, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			found = append(found, extractRelayURLs(e)...)
		}
		last := page[len(page)-1]
		cursor = eventScanCursor{LastCreatedAt: last.CreatedAt, LastID: last.ID}
		if err := f.cursor.Set(ctx, models.StateTypeCursor, "events", time.Now().Unix(), cursor); err != nil {
			return found, err
		}
		if len(page) < f.cfg.EventPageSize {
			break
		}
	}
	return found, nil
}

// extractRelayURLs mines an event's tags/content for relay URL strings,
// with a kind-specific shape per source kind.
func extractRelayURLs(e models.Event) []string {
	var urls []string
	switch e.Kind {
	case 2:
		urls = append(urls, e.Content)
	case 3, 10002, 10166:
		for _, tag := range e.Tags {
			if len(tag) >= 2 && tag[0] == "r" {
				urls = append(urls, tag[1])
			}
		}
		if e.Kind == 3 && e.Content != "" {
			var relayMap map[string]json.RawMessage
			if err := json.Unmarshal([]byte(e.Content), &relayMap); err == nil {
				for u := range relayMap {
					urls = append(urls, u)
				}
			}
		}
	}
	return urls
}
