// Package store defines the shared storage interface over the
// relational content store: bulk-insert procedures, content-addressed
// metadata dedup, cascade inserts, per-service key/value state, and
// orphan cleanup. No service issues SQL directly;
// every mutation goes through this interface.
package store

import (
	"context"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

// Store is the contract every pipeline service depends on. All write
// procedures are idempotent (duplicate keys are silently ignored),
// de-duplicate within a batch before insert, and return the count of
// newly inserted/affected rows.
type Store interface {
	// RelayInsert bulk-inserts relays; duplicate urls are skipped.
	RelayInsert(ctx context.Context, relays []models.Relay) (int64, error)

	// EventInsert bulk-inserts events; tagvalues is computed by the
	// storage layer at insert time.
	EventInsert(ctx context.Context, events []models.Event) (int64, error)

	// MetadataInsert is idempotent on (id, type).
	MetadataInsert(ctx context.Context, items []models.Metadata) (int64, error)

	// EventRelayInsert requires the referenced event and relay rows to
	// pre-exist. seenAt is the observation timestamp; ties keep the
	// earliest (updates are no-ops).
	EventRelayInsert(ctx context.Context, eventIDs, relayURLs []string, seenAt []int64) (int64, error)

	// RelayMetadataInsert requires the referenced relay and metadata
	// rows to pre-exist.
	RelayMetadataInsert(ctx context.Context, items []models.RelayMetadata) (int64, error)

	// EventRelayInsertCascade atomically inserts relays, events, and
	// their junction rows in one call.
	EventRelayInsertCascade(ctx context.Context, events []models.Event, relays []models.Relay, seenAt []int64) (int64, error)

	// RelayMetadataInsertCascade atomically inserts relays, metadata,
	// and their junction rows in one call.
	RelayMetadataInsertCascade(ctx context.Context, relays []models.Relay, items []models.Metadata, relayMeta []models.RelayMetadata) (int64, error)

	// ServiceStateUpsert replaces on conflict; within-batch dedup keeps
	// the row with the highest updated_at per key.
	ServiceStateUpsert(ctx context.Context, rows []models.ServiceState) (int64, error)

	// ServiceStateGet returns the row for (service, stateType, key) when
	// key is non-nil, or every row for (service, stateType) ordered by
	// updated_at ascending when key is nil.
	ServiceStateGet(ctx context.Context, service, stateType string, key *string) ([]models.ServiceState, error)

	// ServiceStateDelete bulk-deletes matching rows, returning the count
	// removed.
	ServiceStateDelete(ctx context.Context, service, stateType string, keys []string) (int64, error)

	// OrphanMetadataDelete removes metadata rows with no relay_metadata
	// reference, one batch at a time until drained. Returns the total
	// removed.
	OrphanMetadataDelete(ctx context.Context, batchSize int) (int64, error)

	// OrphanEventDelete removes events with no event_relay rows.
	OrphanEventDelete(ctx context.Context) (int64, error)

	// RelayMetadataDeleteExpired removes relay_metadata rows older than
	// maxAgeSeconds, in batches.
	RelayMetadataDeleteExpired(ctx context.Context, maxAgeSeconds int64, batchSize int) (int64, error)

	// RelayExists reports whether url is already present in the relay
	// table, used by Validator's tie-break against stale candidates.
	RelayExists(ctx context.Context, url string) (bool, error)

	// ListRelays returns relays whose network is in the given set
	// (empty set means all networks).
	ListRelays(ctx context.Context, networks []models.Network) ([]models.Relay, error)

	// ListEventsByCursor pages over the event table for Finder's event
	// scan: kinds filters the scan, (afterCreatedAt, afterID) is the
	// exclusive lower bound of the (created_at, id) order, and limit
	// bounds the page size.
	ListEventsByCursor(ctx context.Context, kinds []int, afterCreatedAt int64, afterID string, limit int) ([]models.Event, error)

	// ListSyncTargets returns relays with a recent nip66_rtt check whose
	// rtt_read leg succeeded, or every known relay if no Monitor data
	// exists yet.
	ListSyncTargets(ctx context.Context, networks []models.Network) ([]models.Relay, error)

	// Close releases pooled resources.
	Close()
}
