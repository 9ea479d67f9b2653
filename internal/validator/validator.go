// Package validator implements the candidate-promotion service:
// probabilistic selection over the candidate set, per-network worker
// pools running liveness probes, and promotion to (or decay out of)
// the relay table.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
	"github.com/bigbrotr/bigbrotr/internal/transport"
)

// SelectionCurve is the decaying selection probability applied per
// candidate: p = max(p_min, base_p * decay^failed_attempts). Any
// monotonically decreasing curve with a floor above zero works, so the
// parameters are config rather than constants.
type SelectionCurve struct {
	BaseP float64 `yaml:"base_p"`
	Decay float64 `yaml:"decay"`
	PMin  float64 `yaml:"p_min"`
}

func (c *SelectionCurve) applyDefaults() {
	if c.BaseP == 0 {
		c.BaseP = 0.9
	}
	if c.Decay == 0 {
		c.Decay = 0.6
	}
	if c.PMin == 0 {
		c.PMin = 0.05
	}
}

// ProbabilityFor returns the selection probability for a candidate
// with the given failed-attempt count.
func (c SelectionCurve) ProbabilityFor(failedAttempts int) float64 {
	p := c.BaseP * math.Pow(c.Decay, float64(failedAttempts))
	if p < c.PMin {
		return c.PMin
	}
	return p
}

// Config is Validator's service-specific config.
type Config struct {
	service.Base      `yaml:",inline"`
	Networks          []models.Network         `yaml:"networks"`
	PerCycleCap       int                       `yaml:"per_cycle_cap"`
	WorkersPerNetwork int                       `yaml:"workers_per_network"`
	MaxFailedAttempts int                       `yaml:"max_failed_attempts"`
	DoReadProbe       bool                      `yaml:"do_read_probe"`
	Curve             SelectionCurve            `yaml:"curve"`
	Proxies           transport.ProxyConfig     `yaml:"proxies"`
	Timeouts          transport.NetworkTimeouts `yaml:"timeouts"`
}

func (c *Config) applyDefaults() {
	c.Base.ApplyDefaults()
	if c.PerCycleCap == 0 {
		c.PerCycleCap = 200
	}
	if c.WorkersPerNetwork == 0 {
		c.WorkersPerNetwork = 10
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = 5
	}
	c.Curve.applyDefaults()
	if (c.Timeouts == transport.NetworkTimeouts{}) {
		c.Timeouts = transport.DefaultNetworkTimeouts()
	}
}

type candidate struct {
	url     string
	payload models.CandidatePayload
}

// Validator is a service.Cycle that probes candidates and promotes or
// decays them. Candidates live under its own service name in
// service_state, matching where Seeder and Finder write them.
type Validator struct {
	cfg        Config
	st         store.Store
	candidates *service.StateHandle
	log        *slog.Logger
	prober     *transport.Prober
	rng        *rand.Rand

	mu sync.Mutex
	// Last-cycle counters, surfaced for metrics and tests.
	Considered int
	Selected   int
	Promoted   int
	Decayed    int
	Expired    int
}

func New(cfg Config, st store.Store, log *slog.Logger) *Validator {
	cfg.applyDefaults()
	return &Validator{
		cfg:        cfg,
		st:         st,
		candidates: service.NewStateHandle(st, "validator"),
		log:        log,
		prober:     &transport.Prober{Proxies: cfg.Proxies, Timeouts: cfg.Timeouts},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunOnce runs one validator cycle.
func (v *Validator) RunOnce(ctx context.Context) error {
	v.Considered, v.Selected, v.Promoted, v.Decayed, v.Expired = 0, 0, 0, 0, 0

	allowed := make(map[models.Network]bool, len(v.cfg.Networks))
	for _, n := range v.cfg.Networks {
		allowed[n] = true
	}

	var pool []candidate
	err := v.candidates.List(ctx, models.StateTypeCandidate, func(key string, payload []byte) error {
		var p models.CandidatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode candidate %s: %w", key, err)
		}
		if len(allowed) > 0 && !allowed[p.Network] {
			return nil
		}
		pool = append(pool, candidate{url: key, payload: p})
		return nil
	})
	if err != nil {
		return err
	}
	v.Considered = len(pool)

	selected := v.sample(pool)
	v.Selected = len(selected)
	if len(selected) == 0 {
		return nil
	}

	byNetwork := make(map[models.Network][]candidate)
	for _, c := range selected {
		byNetwork[c.payload.Network] = append(byNetwork[c.payload.Network], c)
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for network, group := range byNetwork {
		wg.Add(1)
		go func(network models.Network, group []candidate) {
			defer wg.Done()
			if err := v.probeGroup(ctx, group); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(network, group)
	}
	wg.Wait()
	return firstErr
}

// sample flags each candidate independently by its decay-curve
// probability, then shuffles and truncates to the per-cycle cap so the
// cap itself introduces no ordering bias (sampling is without
// replacement, bounded by the per-cycle cap).
func (v *Validator) sample(pool []candidate) []candidate {
	var flagged []candidate
	for _, c := range pool {
		p := v.cfg.Curve.ProbabilityFor(c.payload.FailedAttempts)
		if v.rng.Float64() < p {
			flagged = append(flagged, c)
		}
	}
	v.rng.Shuffle(len(flagged), func(i, j int) { flagged[i], flagged[j] = flagged[j], flagged[i] })
	if len(flagged) > v.cfg.PerCycleCap {
		flagged = flagged[:v.cfg.PerCycleCap]
	}
	return flagged
}

// probeGroup runs a bounded worker pool over one network's selected
// candidates.
func (v *Validator) probeGroup(ctx context.Context, group []candidate) error {
	jobs := make(chan candidate, len(group))
	for _, c := range group {
		jobs <- c
	}
	close(jobs)

	workers := v.cfg.WorkersPerNetwork
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
			for c := range jobs {
				err := v.processCandidate(ctx, c)
				if err != nil && !errs.IsCancelled(err) {
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

// processCandidate probes one candidate and promotes or decays it.
func (v *Validator) processCandidate(ctx context.Context, c candidate) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Tie-break: a URL already in the relay table wins over
	// a stale candidate row left by a concurrent writer.
	exists, err := v.st.RelayExists(ctx, c.url)
	if err != nil {
		return err
	}
	if exists {
		if _, err := v.candidates.Delete(ctx, models.StateTypeCandidate, []string{c.url}); err != nil {
			return err
		}
		return nil
	}

	relay := models.Relay{URL: c.url, Network: c.payload.Network}
	result := v.prober.Probe(ctx, relay, v.cfg.DoReadProbe, nil)
	success := result.DialOK && (!v.cfg.DoReadProbe || result.ReadOK)

	now := time.Now().Unix()
	if success {
		// Network comes from the candidate payload, not re-detection,
		// since normalization may already have classified it.
		row := models.Relay{URL: c.url, Network: c.payload.Network, DiscoveredAt: now}
		if _, err := v.st.RelayInsert(ctx, []models.Relay{row}); err != nil {
			return err
		}
		if _, err := v.candidates.Delete(ctx, models.StateTypeCandidate, []string{c.url}); err != nil {
			return err
		}
		v.mu.Lock()
		v.Promoted++
		v.mu.Unlock()
		return nil
	}

	failedAttempts := c.payload.FailedAttempts + 1
	if failedAttempts >= v.cfg.MaxFailedAttempts {
		if _, err := v.candidates.Delete(ctx, models.StateTypeCandidate, []string{c.url}); err != nil {
			return err
		}
		v.mu.Lock()
		v.Expired++
		v.mu.Unlock()
		return nil
	}

	updated := models.CandidatePayload{
		Network:        c.payload.Network,
		FailedAttempts: failedAttempts,
		DiscoveredAt:   c.payload.DiscoveredAt,
	}
	if err := v.candidates.Set(ctx, models.StateTypeCandidate, c.url, now, updated); err != nil {
		return err
	}
	v.mu.Lock()
	v.Decayed++
	v.mu.Unlock()
	return nil
}
