package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

// PoolConfig is the shared storage connection config: one per service,
// since each service owns its own pool instance with its own
// credentials.
type PoolConfig struct {
	Host             string          `yaml:"host"`
	Port             int             `yaml:"port"`
	Database         string          `yaml:"database"`
	User             string          `yaml:"user"`
	PasswordEnv      string          `yaml:"password_env"`
	MinSize          int32           `yaml:"min_size"`
	MaxSize          int32           `yaml:"max_size"`
	AcquireTimeout   models.Duration `yaml:"acquire_timeout"`
	StatementTimeout models.Duration `yaml:"statement_timeout"`

	// AcquireBackoff controls retrying a transient pool-acquire failure.
	AcquireBackoffBase     models.Duration `yaml:"acquire_backoff_base"`
	AcquireBackoffCap      models.Duration `yaml:"acquire_backoff_cap"`
	AcquireBackoffAttempts int             `yaml:"acquire_backoff_attempts"`
}

// Validate rejects a config that cannot build a working pool.
func (c *PoolConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("storage.host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("storage.database is required")
	}
	if c.User == "" {
		return fmt.Errorf("storage.user is required")
	}
	if c.MinSize < 0 || c.MaxSize <= 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("storage pool sizes invalid: min=%d max=%d", c.MinSize, c.MaxSize)
	}
	return nil
}

// ApplyDefaults fills unset fields with sane defaults.
func (c *PoolConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.MaxSize == 0 {
		c.MaxSize = 10
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = models.Duration(5 * time.Second)
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = models.Duration(30 * time.Second)
	}
	if c.AcquireBackoffBase == 0 {
		c.AcquireBackoffBase = models.Duration(100 * time.Millisecond)
	}
	if c.AcquireBackoffCap == 0 {
		c.AcquireBackoffCap = models.Duration(5 * time.Second)
	}
	if c.AcquireBackoffAttempts == 0 {
		c.AcquireBackoffAttempts = 5
	}
}

func (c *PoolConfig) password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

func (c *PoolConfig) dsn() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s", c.Host, c.Port, c.Database, c.User)
	if pw := c.password(); pw != "" {
		fmt.Fprintf(&b, " password=%s", pw)
	}
	fmt.Fprintf(&b, " statement_timeout=%d", c.StatementTimeout.Std().Milliseconds())
	return b.String()
}

// PostgresStore implements Store over a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PoolConfig
}

// NewPostgresStore builds a pool from cfg. The pool's own connection
// acquisition is additionally wrapped by withConn with capped
// exponential backoff.
func NewPostgresStore(ctx context.Context, cfg PoolConfig) (*PostgresStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolCfg.MinConns = cfg.MinSize
	poolCfg.MaxConns = cfg.MaxSize

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// withConn acquires a connection with capped exponential backoff on
// transient failures, runs fn, and releases the connection before
// returning — the connection never escapes this scope.
func (s *PostgresStore) withConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	var conn *pgxpool.Conn

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.AcquireBackoffBase.Std()
	bo.MaxInterval = s.cfg.AcquireBackoffCap.Std()
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithMaxRetries(bo, uint64(s.cfg.AcquireBackoffAttempts))

	acquireErr := backoff.Retry(func() error {
		acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout.Std())
		defer cancel()
		c, err := s.pool.Acquire(acquireCtx)
		if err != nil {
			classified := classifyPgError(err)
			if !errs.IsRetryable(classified.Kind) {
				return backoff.Permanent(classified)
			}
			return classified
		}
		conn = c
		return nil
	}, boCtx)
	if acquireErr != nil {
		return acquireErr
	}
	defer conn.Release()

	if err := fn(conn); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// execRows runs a statement expected to return an affected-row count.
func (s *PostgresStore) execRows(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *PostgresStore) RelayInsert(ctx context.Context, relays []models.Relay) (int64, error) {
	relays = dedupRelays(relays)
	if len(relays) == 0 {
		return 0, nil
	}
	urls := make([]string, len(relays))
	networks := make([]string, len(relays))
	discoveredAt := make([]int64, len(relays))
	for i, r := range relays {
		urls[i] = r.URL
		networks[i] = string(r.Network)
		discoveredAt[i] = r.DiscoveredAt
	}
	return s.execRows(ctx, `
		INSERT INTO relay (url, network, discovered_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
		ON CONFLICT (url) DO NOTHING`,
		urls, networks, discoveredAt)
}

func (s *PostgresStore) EventInsert(ctx context.Context, events []models.Event) (int64, error) {
	events = dedupEvents(events)
	if len(events) == 0 {
		return 0, nil
	}
	ids := make([]string, len(events))
	pubkeys := make([]string, len(events))
	createdAt := make([]int64, len(events))
	kinds := make([]int32, len(events))
	tags := make([][]byte, len(events))
	contents := make([]string, len(events))
	sigs := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
		pubkeys[i] = e.PubKey
		createdAt[i] = e.CreatedAt
		kinds[i] = int32(e.Kind)
		tagJSON, err := models.Canonicalize(e.Tags)
		if err != nil {
			return 0, fmt.Errorf("canonicalize tags for event %s: %w", e.ID, err)
		}
		tags[i] = tagJSON
		contents[i] = e.Content
		sigs[i] = e.Sig
	}
	// tagvalues is a generated column (schema.go's event_tagvalues
	// function), derived from tags by Postgres itself on insert — not
	// passed here, since unnest of a per-row TEXT[] alongside the other
	// scalar columns can't represent a jagged array-of-arrays anyway.
	return s.execRows(ctx, `
		INSERT INTO event (id, pubkey, created_at, kind, tags, content, sig)
		SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[], $4::int[], $5::jsonb[], $6::text[], $7::text[])
		ON CONFLICT (id) DO NOTHING`,
		ids, pubkeys, createdAt, kinds, tags, contents, sigs)
}

func (s *PostgresStore) MetadataInsert(ctx context.Context, items []models.Metadata) (int64, error) {
	items = dedupMetadata(items)
	if len(items) == 0 {
		return 0, nil
	}
	ids := make([]string, len(items))
	types := make([]string, len(items))
	data := make([][]byte, len(items))
	for i, m := range items {
		ids[i] = m.ID
		types[i] = string(m.Type)
		data[i] = m.Data
	}
	return s.execRows(ctx, `
		INSERT INTO metadata (id, type, data)
		SELECT * FROM unnest($1::text[], $2::text[], $3::jsonb[])
		ON CONFLICT (id, type) DO NOTHING`,
		ids, types, data)
}

func (s *PostgresStore) EventRelayInsert(ctx context.Context, eventIDs, relayURLs []string, seenAt []int64) (int64, error) {
	if len(eventIDs) != len(relayURLs) || len(eventIDs) != len(seenAt) {
		return 0, fmt.Errorf("event_relay_insert: mismatched array lengths")
	}
	if len(eventIDs) == 0 {
		return 0, nil
	}
	// dedup keeping the earliest seen_at per (event_id, relay_url)
	type key struct{ e, r string }
	first := make(map[key]int64, len(eventIDs))
	order := make([]key, 0, len(eventIDs))
	for i := range eventIDs {
		k := key{eventIDs[i], relayURLs[i]}
		if existing, ok := first[k]; !ok || seenAt[i] < existing {
			if !ok {
				order = append(order, k)
			}
			first[k] = seenAt[i]
		}
	}
	ids := make([]string, len(order))
	urls := make([]string, len(order))
	seen := make([]int64, len(order))
	for i, k := range order {
		ids[i] = k.e
		urls[i] = k.r
		seen[i] = first[k]
	}
	return s.execRows(ctx, `
		INSERT INTO event_relay (event_id, relay_url, seen_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
		ON CONFLICT (event_id, relay_url) DO NOTHING`,
		ids, urls, seen)
}

func (s *PostgresStore) RelayMetadataInsert(ctx context.Context, items []models.RelayMetadata) (int64, error) {
	items = dedupRelayMetadata(items)
	if len(items) == 0 {
		return 0, nil
	}
	urls := make([]string, len(items))
	generatedAt := make([]int64, len(items))
	types := make([]string, len(items))
	metaIDs := make([]string, len(items))
	for i, rm := range items {
		urls[i] = rm.RelayURL
		generatedAt[i] = rm.GeneratedAt
		types[i] = string(rm.MetadataType)
		metaIDs[i] = rm.MetadataID
	}
	return s.execRows(ctx, `
		INSERT INTO relay_metadata (relay_url, generated_at, metadata_type, metadata_id)
		SELECT * FROM unnest($1::text[], $2::bigint[], $3::text[], $4::text[])
		ON CONFLICT (relay_url, generated_at, metadata_type) DO NOTHING`,
		urls, generatedAt, types, metaIDs)
}

// EventRelayInsertCascade atomically writes relays, events, and their
// junction rows in a single transaction, so foreign keys always resolve
// regardless of call ordering races from concurrent synchronizers.
func (s *PostgresStore) EventRelayInsertCascade(ctx context.Context, events []models.Event, relays []models.Relay, seenAt []int64) (int64, error) {
	if len(events) != len(relays) || len(events) != len(seenAt) {
		return 0, fmt.Errorf("event_relay_insert_cascade: mismatched array lengths")
	}
	if len(events) == 0 {
		return 0, nil
	}

	var affected int64
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			uniqueRelays := dedupRelays(relays)
			urls := make([]string, len(uniqueRelays))
			nets := make([]string, len(uniqueRelays))
			disc := make([]int64, len(uniqueRelays))
			for i, r := range uniqueRelays {
				urls[i] = r.URL
				nets[i] = string(r.Network)
				disc[i] = r.DiscoveredAt
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO relay (url, network, discovered_at)
				SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
				ON CONFLICT (url) DO NOTHING`, urls, nets, disc); err != nil {
				return err
			}

			uniqueEvents := dedupEvents(events)
			ids := make([]string, len(uniqueEvents))
			pubkeys := make([]string, len(uniqueEvents))
			createdAt := make([]int64, len(uniqueEvents))
			kinds := make([]int32, len(uniqueEvents))
			tags := make([][]byte, len(uniqueEvents))
			contents := make([]string, len(uniqueEvents))
			sigs := make([]string, len(uniqueEvents))
			for i, e := range uniqueEvents {
				ids[i] = e.ID
				pubkeys[i] = e.PubKey
				createdAt[i] = e.CreatedAt
				kinds[i] = int32(e.Kind)
				tagJSON, err := models.Canonicalize(e.Tags)
				if err != nil {
					return err
				}
				tags[i] = tagJSON
				contents[i] = e.Content
				sigs[i] = e.Sig
			}
			// tagvalues is a generated column; see EventInsert's comment.
			if _, err := tx.Exec(ctx, `
				INSERT INTO event (id, pubkey, created_at, kind, tags, content, sig)
				SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[], $4::int[], $5::jsonb[], $6::text[], $7::text[])
				ON CONFLICT (id) DO NOTHING`,
				ids, pubkeys, createdAt, kinds, tags, contents, sigs); err != nil {
				return err
			}

			evIDs := make([]string, len(events))
			relURLs := make([]string, len(events))
			seen := make([]int64, len(events))
			for i := range events {
				evIDs[i] = events[i].ID
				relURLs[i] = relays[i].URL
				seen[i] = seenAt[i]
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO event_relay (event_id, relay_url, seen_at)
				SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
				ON CONFLICT (event_id, relay_url) DO NOTHING`,
				evIDs, relURLs, seen)
			if err != nil {
				return err
			}
			affected = tag.RowsAffected()
			return nil
		})
	})
	return affected, err
}

// RelayMetadataInsertCascade atomically writes relays, metadata, and
// their junction rows in a single transaction.
func (s *PostgresStore) RelayMetadataInsertCascade(ctx context.Context, relays []models.Relay, items []models.Metadata, relayMeta []models.RelayMetadata) (int64, error) {
	if len(relayMeta) == 0 {
		return 0, nil
	}

	var affected int64
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			uniqueRelays := dedupRelays(relays)
			urls := make([]string, len(uniqueRelays))
			nets := make([]string, len(uniqueRelays))
			disc := make([]int64, len(uniqueRelays))
			for i, r := range uniqueRelays {
				urls[i] = r.URL
				nets[i] = string(r.Network)
				disc[i] = r.DiscoveredAt
			}
			if len(uniqueRelays) > 0 {
				if _, err := tx.Exec(ctx, `
					INSERT INTO relay (url, network, discovered_at)
					SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
					ON CONFLICT (url) DO NOTHING`, urls, nets, disc); err != nil {
					return err
				}
			}

			uniqueMeta := dedupMetadata(items)
			if len(uniqueMeta) > 0 {
				ids := make([]string, len(uniqueMeta))
				types := make([]string, len(uniqueMeta))
				data := make([][]byte, len(uniqueMeta))
				for i, m := range uniqueMeta {
					ids[i] = m.ID
					types[i] = string(m.Type)
					data[i] = m.Data
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO metadata (id, type, data)
					SELECT * FROM unnest($1::text[], $2::text[], $3::jsonb[])
					ON CONFLICT (id, type) DO NOTHING`, ids, types, data); err != nil {
					return err
				}
			}

			deduped := dedupRelayMetadata(relayMeta)
			rmURLs := make([]string, len(deduped))
			rmGen := make([]int64, len(deduped))
			rmTypes := make([]string, len(deduped))
			rmMetaIDs := make([]string, len(deduped))
			for i, rm := range deduped {
				rmURLs[i] = rm.RelayURL
				rmGen[i] = rm.GeneratedAt
				rmTypes[i] = string(rm.MetadataType)
				rmMetaIDs[i] = rm.MetadataID
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO relay_metadata (relay_url, generated_at, metadata_type, metadata_id)
				SELECT * FROM unnest($1::text[], $2::bigint[], $3::text[], $4::text[])
				ON CONFLICT (relay_url, generated_at, metadata_type) DO NOTHING`,
				rmURLs, rmGen, rmTypes, rmMetaIDs)
			if err != nil {
				return err
			}
			affected = tag.RowsAffected()
			return nil
		})
	})
	return affected, err
}

func (s *PostgresStore) ServiceStateUpsert(ctx context.Context, rows []models.ServiceState) (int64, error) {
	rows = dedupServiceStateLastWins(rows)
	if len(rows) == 0 {
		return 0, nil
	}
	services := make([]string, len(rows))
	types := make([]string, len(rows))
	keys := make([]string, len(rows))
	payloads := make([][]byte, len(rows))
	updatedAt := make([]int64, len(rows))
	for i, r := range rows {
		services[i] = r.Service
		types[i] = r.Type
		keys[i] = r.Key
		payloads[i] = r.Payload
		updatedAt[i] = r.UpdatedAt
	}
	return s.execRows(ctx, `
		INSERT INTO service_state (service_name, state_type, state_key, payload, updated_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::jsonb[], $5::bigint[])
		ON CONFLICT (service_name, state_type, state_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		services, types, keys, payloads, updatedAt)
}

func (s *PostgresStore) ServiceStateGet(ctx context.Context, service, stateType string, key *string) ([]models.ServiceState, error) {
	var rows []models.ServiceState
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var (
			r   pgx.Rows
			err error
		)
		if key != nil {
			r, err = conn.Query(ctx, `
				SELECT service_name, state_type, state_key, payload, updated_at
				FROM service_state
				WHERE service_name = $1 AND state_type = $2 AND state_key = $3`,
				service, stateType, *key)
		} else {
			r, err = conn.Query(ctx, `
				SELECT service_name, state_type, state_key, payload, updated_at
				FROM service_state
				WHERE service_name = $1 AND state_type = $2
				ORDER BY updated_at ASC`,
				service, stateType)
		}
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			var row models.ServiceState
			if err := r.Scan(&row.Service, &row.Type, &row.Key, &row.Payload, &row.UpdatedAt); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return r.Err()
	})
	return rows, err
}

func (s *PostgresStore) ServiceStateDelete(ctx context.Context, service, stateType string, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.execRows(ctx, `
		DELETE FROM service_state
		WHERE service_name = $1 AND state_type = $2 AND state_key = ANY($3::text[])`,
		service, stateType, keys)
}

func (s *PostgresStore) OrphanMetadataDelete(ctx context.Context, batchSize int) (int64, error) {
	var total int64
	for {
		n, err := s.execRows(ctx, `
			DELETE FROM metadata
			WHERE (id, type) IN (
				SELECT m.id, m.type FROM metadata m
				LEFT JOIN relay_metadata rm ON rm.metadata_id = m.id AND rm.metadata_type = m.type
				WHERE rm.metadata_id IS NULL
				LIMIT $1
			)`, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || n < int64(batchSize) {
			break
		}
	}
	return total, nil
}

func (s *PostgresStore) OrphanEventDelete(ctx context.Context) (int64, error) {
	return s.execRows(ctx, `
		DELETE FROM event e
		WHERE NOT EXISTS (SELECT 1 FROM event_relay er WHERE er.event_id = e.id)`)
}

func (s *PostgresStore) RelayMetadataDeleteExpired(ctx context.Context, maxAgeSeconds int64, batchSize int) (int64, error) {
	cutoff := time.Now().Unix() - maxAgeSeconds
	var total int64
	for {
		n, err := s.execRows(ctx, `
			DELETE FROM relay_metadata
			WHERE (relay_url, generated_at, metadata_type) IN (
				SELECT relay_url, generated_at, metadata_type FROM relay_metadata
				WHERE generated_at < $1
				LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || n < int64(batchSize) {
			break
		}
	}
	return total, nil
}

func (s *PostgresStore) RelayExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM relay WHERE url = $1)`, url).Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) ListRelays(ctx context.Context, networks []models.Network) ([]models.Relay, error) {
	var out []models.Relay
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var (
			rows pgx.Rows
			err  error
		)
		if len(networks) == 0 {
			rows, err = conn.Query(ctx, `SELECT url, network, discovered_at FROM relay`)
		} else {
			nets := make([]string, len(networks))
			for i, n := range networks {
				nets[i] = string(n)
			}
			rows, err = conn.Query(ctx, `SELECT url, network, discovered_at FROM relay WHERE network = ANY($1::text[])`, nets)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r models.Relay
			var network string
			if err := rows.Scan(&r.URL, &network, &r.DiscoveredAt); err != nil {
				return err
			}
			r.Network = models.Network(network)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) ListEventsByCursor(ctx context.Context, kinds []int, afterCreatedAt int64, afterID string, limit int) ([]models.Event, error) {
	kindInts := make([]int32, len(kinds))
	for i, k := range kinds {
		kindInts[i] = int32(k)
	}
	var out []models.Event
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, pubkey, created_at, kind, tags, content, sig
			FROM event
			WHERE (cardinality($1::int[]) = 0 OR kind = ANY($1::int[]))
			  AND (created_at, id) > ($2::bigint, $3::text)
			ORDER BY created_at ASC, id ASC
			LIMIT $4`,
			kindInts, afterCreatedAt, afterID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e models.Event
			var tagsJSON []byte
			if err := rows.Scan(&e.ID, &e.PubKey, &e.CreatedAt, &e.Kind, &tagsJSON, &e.Content, &e.Sig); err != nil {
				return err
			}
			if err := json.Unmarshal(tagsJSON, &e.Tags); err != nil {
				return fmt.Errorf("decode tags for event %s: %w", e.ID, err)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ListSyncTargets returns relays with a recent nip66_rtt check whose
// rtt_read leg succeeded, falling back to every known relay when
// Monitor has produced no data at all yet.
func (s *PostgresStore) ListSyncTargets(ctx context.Context, networks []models.Network) ([]models.Relay, error) {
	nets := make([]string, len(networks))
	for i, n := range networks {
		nets[i] = string(n)
	}
	var out []models.Relay
	var anyMonitorData bool
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM relay_metadata WHERE metadata_type = 'nip66_rtt')`).Scan(&anyMonitorData); err != nil {
			return err
		}

		var rows pgx.Rows
		var err error
		if !anyMonitorData {
			if len(networks) == 0 {
				rows, err = conn.Query(ctx, `SELECT url, network, discovered_at FROM relay`)
			} else {
				rows, err = conn.Query(ctx, `SELECT url, network, discovered_at FROM relay WHERE network = ANY($1::text[])`, nets)
			}
		} else {
			rows, err = conn.Query(ctx, `
				SELECT DISTINCT ON (r.url) r.url, r.network, r.discovered_at
				FROM relay r
				JOIN relay_metadata rm ON rm.relay_url = r.url AND rm.metadata_type = 'nip66_rtt'
				JOIN metadata m ON m.id = rm.metadata_id AND m.type = rm.metadata_type
				WHERE (cardinality($1::text[]) = 0 OR r.network = ANY($1::text[]))
				  AND (m.data->>'rtt_read') IS NOT NULL
				ORDER BY r.url, rm.generated_at DESC`,
				nets)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r models.Relay
			var network string
			if err := rows.Scan(&r.URL, &network, &r.DiscoveredAt); err != nil {
				return err
			}
			r.Network = models.Network(network)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
