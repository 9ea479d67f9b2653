// Package monitor implements the relay health-check service: NIP-11
// info fetches and NIP-66 RTT/SSL/DNS/GEO/HTTP checks
// against every known relay, published as content-addressed Metadata
// and (optionally) announced back to the network as signed Nostr
// events.
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
	"github.com/bigbrotr/bigbrotr/internal/transport"
)

// CheckTypes toggles which NIP-66 checks run each cycle.
type CheckTypes struct {
	NIP11 bool `yaml:"nip11"`
	RTT   bool `yaml:"rtt"`
	SSL   bool `yaml:"ssl"`
	DNS   bool `yaml:"dns"`
	GEO   bool `yaml:"geo"`
	NET   bool `yaml:"net"`
	HTTP  bool `yaml:"http"`
}

func (c *CheckTypes) applyDefaults() {
	if (*c == CheckTypes{}) {
		*c = CheckTypes{NIP11: true, RTT: true, SSL: true, DNS: true, GEO: true, NET: true, HTTP: true}
	}
}

// RetentionConfig controls the end-of-cycle cleanup.
type RetentionConfig struct {
	MaxAgeSeconds int64 `yaml:"max_age_seconds"`
	BatchSize     int   `yaml:"batch_size"`
	OrphanCleanup bool  `yaml:"orphan_cleanup"`
}

func (c *RetentionConfig) applyDefaults() {
	if c.MaxAgeSeconds == 0 {
		c.MaxAgeSeconds = 30 * 24 * 3600
	}
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
}

// PublishConfig controls the optional announcement of check results
// back to the network when a Nostr private key is configured. Kind
// 30166 publishing is gated on the same key as kind 10166.
type PublishConfig struct {
	PrivateKeyEnv string   `yaml:"private_key_env"`
	Relays        []string `yaml:"relays"`
	Publish10166  bool     `yaml:"publish_10166"`
	Publish30166  bool     `yaml:"publish_30166"`
}

// Config is Monitor's service-specific config.
type Config struct {
	service.Base      `yaml:",inline"`
	Networks          []models.Network         `yaml:"networks"`
	Checks            CheckTypes                `yaml:"checks"`
	WorkersPerNetwork int                       `yaml:"workers_per_network"`
	Proxies           transport.ProxyConfig     `yaml:"proxies"`
	Timeouts          transport.NetworkTimeouts `yaml:"timeouts"`
	GeoDBPath         string                    `yaml:"geo_db_path"`
	Retention         RetentionConfig           `yaml:"retention"`
	Publish           PublishConfig             `yaml:"publish"`
}

func (c *Config) applyDefaults() {
	c.Base.ApplyDefaults()
	c.Checks.applyDefaults()
	if c.WorkersPerNetwork == 0 {
		c.WorkersPerNetwork = 10
	}
	if (c.Timeouts == transport.NetworkTimeouts{}) {
		c.Timeouts = transport.DefaultNetworkTimeouts()
	}
	c.Retention.applyDefaults()
}

// Monitor is a service.Cycle that keeps every known relay's NIP-11/NIP-66
// checks fresh.
type Monitor struct {
	cfg    Config
	st     store.Store
	log    *slog.Logger
	prober *transport.Prober
	geo    GeoLookup
	signer *Signer
	http   *http.Client

	mu sync.Mutex
	// Last-cycle counters, surfaced for metrics and tests.
	RelaysChecked int
	ChecksOK      int
	ChecksFailed  int
	Published     int
}

func New(cfg Config, st store.Store, log *slog.Logger) (*Monitor, error) {
	cfg.applyDefaults()

	geo, err := NewGeoLookup(cfg.GeoDBPath)
	if err != nil {
		return nil, err
	}

	var signer *Signer
	if cfg.Publish.PrivateKeyEnv != "" {
		signer, err = NewSignerFromEnv(cfg.Publish.PrivateKeyEnv)
		if err != nil {
			return nil, err
		}
	}

	return &Monitor{
		cfg:    cfg,
		st:     st,
		log:    log,
		prober: &transport.Prober{Proxies: cfg.Proxies, Timeouts: cfg.Timeouts},
		geo:    geo,
		signer: signer,
		http:   &http.Client{},
	}, nil
}

// RunOnce runs one monitor cycle: for each relay matching
// cfg.Networks, run every enabled check concurrently, persist results,
// publish announcements, then clean up expired/orphaned metadata.
func (m *Monitor) RunOnce(ctx context.Context) error {
	m.mu.Lock()
	m.RelaysChecked, m.ChecksOK, m.ChecksFailed, m.Published = 0, 0, 0, 0
	m.mu.Unlock()

	relays, err := m.st.ListRelays(ctx, m.cfg.Networks)
	if err != nil {
		return err
	}

	byNetwork := make(map[models.Network][]models.Relay)
	for _, r := range relays {
		byNetwork[r.Network] = append(byNetwork[r.Network], r)
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for _, group := range byNetwork {
		wg.Add(1)
		go func(group []models.Relay) {
			defer wg.Done()
			if err := m.checkGroup(ctx, group); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(group)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.cleanup(ctx)
}

// checkGroup runs a bounded worker pool over one network's relays.
func (m *Monitor) checkGroup(ctx context.Context, group []models.Relay) error {
	jobs := make(chan models.Relay, len(group))
	for _, r := range group {
		jobs <- r
	}
	close(jobs)

	workers := m.cfg.WorkersPerNetwork
	if workers > len(group) {
		workers = len(group)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for relay := range jobs {
				if err := m.checkRelay(ctx, relay); err != nil && ctx.Err() == nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// checkRelay runs every enabled check against one relay concurrently,
// then cascades the results into Store in one call
// and, if configured, publishes an announcement.
func (m *Monitor) checkRelay(ctx context.Context, relay models.Relay) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	results := m.runChecks(ctx, relay)

	m.mu.Lock()
	m.RelaysChecked++
	for _, r := range results {
		if r.err != nil {
			m.ChecksFailed++
		} else {
			m.ChecksOK++
		}
	}
	m.mu.Unlock()

	now := time.Now().Unix()
	var items []models.Metadata
	var relayMeta []models.RelayMetadata
	for _, r := range results {
		if r.kind == models.MetadataNIP11Info && r.err != nil {
			// NIP-11 is stored on success only. Unlike the NIP-66 checks
			// below, its payload has no Error field to carry a failure
			// into, so a failed fetch leaves payload as the NIP11Document
			// zero value and has nothing worth content-addressing. The
			// NIP-66 checks, by contrast, encode their own failure into
			// the payload's Error field and are stored either way.
			continue
		}
		id, canon, err := models.ContentHash(r.payload)
		if err != nil {
			return err
		}
		items = append(items, models.Metadata{ID: id, Type: r.kind, Data: canon})
		relayMeta = append(relayMeta, models.RelayMetadata{
			RelayURL:     relay.URL,
			GeneratedAt:  now,
			MetadataType: r.kind,
			MetadataID:   id,
		})
	}
	if len(relayMeta) == 0 {
		return nil
	}

	if _, err := m.st.RelayMetadataInsertCascade(ctx, []models.Relay{relay}, items, relayMeta); err != nil {
		return err
	}

	if m.signer != nil {
		if err := m.publish(ctx, relay, results); err != nil {
			m.log.Warn("publish failed", "relay", relay.URL, "error", err)
		} else {
			m.mu.Lock()
			m.Published++
			m.mu.Unlock()
		}
	}

	return nil
}

// checkResult is one check's output, paired with its metadata type and
// an error that is recorded but never escalated past this relay.
type checkResult struct {
	kind    models.MetadataType
	payload any
	err     error
}

// runChecks fans the enabled checks for one relay out across
// goroutines and collects every result, including failed legs.
func (m *Monitor) runChecks(ctx context.Context, relay models.Relay) []checkResult {
	type job struct {
		enabled bool
		run     func() checkResult
	}
	jobs := []job{
		{m.cfg.Checks.NIP11, func() checkResult { return m.checkNIP11(ctx, relay) }},
		{m.cfg.Checks.RTT, func() checkResult { return m.checkRTT(ctx, relay) }},
		{m.cfg.Checks.SSL, func() checkResult { return m.checkSSL(ctx, relay) }},
		{m.cfg.Checks.DNS, func() checkResult { return m.checkDNS(ctx, relay) }},
		{m.cfg.Checks.GEO, func() checkResult { return m.checkGEO(ctx, relay) }},
		{m.cfg.Checks.NET, func() checkResult { return m.checkNET(ctx, relay) }},
		{m.cfg.Checks.HTTP, func() checkResult { return m.checkHTTP(ctx, relay) }},
	}

	results := make(chan checkResult, len(jobs))
	var wg sync.WaitGroup
	for _, j := range jobs {
		if !j.enabled {
			continue
		}
		wg.Add(1)
		go func(run func() checkResult) {
			defer wg.Done()
			results <- run()
		}(j.run)
	}
	wg.Wait()
	close(results)

	out := make([]checkResult, 0, len(jobs))
	for r := range results {
		out = append(out, r)
	}
	return out
}

// cleanup runs the end-of-cycle retention step: expire stale
// relay_metadata rows, then (if configured) drain orphaned metadata.
func (m *Monitor) cleanup(ctx context.Context) error {
	if _, err := m.st.RelayMetadataDeleteExpired(ctx, m.cfg.Retention.MaxAgeSeconds, m.cfg.Retention.BatchSize); err != nil {
		return err
	}
	if m.cfg.Retention.OrphanCleanup {
		if _, err := m.st.OrphanMetadataDelete(ctx, m.cfg.Retention.BatchSize); err != nil {
			return err
		}
	}
	return nil
}
