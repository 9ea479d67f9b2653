// Package seeder implements the one-shot candidate bootstrap service:
// load a flat file of relay URLs and upsert them as Validator
// candidates.
package seeder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// Config is the Seeder's service-specific config: one input file, no
// cycle interval since it runs once.
type Config struct {
	service.Base `yaml:",inline"`
	SeedFile     string `yaml:"seed_file"`
}

func (c *Config) Validate() error {
	if c.SeedFile == "" {
		return fmt.Errorf("seed_file is required")
	}
	return nil
}

// Seeder is a service.Cycle run exactly once (never via RunForever).
type Seeder struct {
	cfg   Config
	st    store.Store
	state *service.StateHandle
	log   *slog.Logger

	// Loaded is the count reported by the last RunOnce call.
	Loaded int
}

func New(cfg Config, st store.Store, log *slog.Logger) *Seeder {
	return &Seeder{
		cfg:   cfg,
		st:    st,
		state: service.NewStateHandle(st, "validator"),
		log:   log,
	}
}

// RunOnce reads cfg.SeedFile, normalizes and deduplicates every URL,
// and upserts each as a candidate. Re-running against the same file is
// idempotent: ServiceStateUpsert replaces existing candidate rows
// rather than accumulating duplicates.
func (s *Seeder) RunOnce(ctx context.Context) error {
	urls, err := readSeedFile(s.cfg.SeedFile)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(urls))
	now := time.Now().Unix()
	rows := make([]models.ServiceState, 0, len(urls))

	for _, raw := range urls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		normalized, err := models.NormalizeURL(raw)
		if err != nil {
			s.log.Warn("skipping unparseable seed url", "url", raw, "error", err)
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}

		network := models.DetectNetwork(models.HostOf(normalized))
		payload := models.CandidatePayload{
			Network:        network,
			FailedAttempts: 0,
			DiscoveredAt:   now,
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode candidate payload for %s: %w", normalized, err)
		}
		rows = append(rows, models.ServiceState{
			Type:      models.StateTypeCandidate,
			Key:       normalized,
			Payload:   encoded,
			UpdatedAt: now,
		})
	}

	count, err := s.state.SetMany(ctx, models.StateTypeCandidate, rows)
	if err != nil {
		return err
	}
	s.Loaded = int(count)
	s.log.Info("seed complete", "loaded", s.Loaded, "seen_in_file", len(rows))
	return nil
}

func readSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan seed file: %w", err)
	}
	return urls, nil
}
