// Package storetest provides an in-memory store.Store double for
// service-package unit tests: a map-backed struct implementing the
// full store interface, consolidated here since every pipeline service
// exercises the same Store contract.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
)

type relayMetaKey struct {
	relayURL     string
	generatedAt  int64
	metadataType models.MetadataType
}

// MemStore is a non-concurrent-safe-beyond-a-mutex, fully in-memory
// implementation of store.Store for tests that need realistic
// dedup/cascade/cursor semantics without a Postgres instance.
type MemStore struct {
	mu sync.Mutex

	relays        map[string]models.Relay
	events        map[string]models.Event
	eventRelay    map[string]map[string]int64 // eventID -> relayURL -> seenAt
	metadata      map[string]models.Metadata   // id -> row (type embedded); keyed by id alone, so a second type under an already-stored id is not inserted
	relayMetadata map[relayMetaKey]models.RelayMetadata
	state         map[string]map[string]map[string]models.ServiceState // service -> type -> key
}

func New() *MemStore {
	return &MemStore{
		relays:        make(map[string]models.Relay),
		events:        make(map[string]models.Event),
		eventRelay:    make(map[string]map[string]int64),
		metadata:      make(map[string]models.Metadata),
		relayMetadata: make(map[relayMetaKey]models.RelayMetadata),
		state:         make(map[string]map[string]map[string]models.ServiceState),
	}
}

func (m *MemStore) RelayInsert(ctx context.Context, relays []models.Relay) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range relays {
		if _, exists := m.relays[r.URL]; exists {
			continue
		}
		m.relays[r.URL] = r
		n++
	}
	return n, nil
}

func (m *MemStore) EventInsert(ctx context.Context, events []models.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range events {
		if _, exists := m.events[e.ID]; exists {
			continue
		}
		m.events[e.ID] = e
		n++
	}
	return n, nil
}

func (m *MemStore) MetadataInsert(ctx context.Context, items []models.Metadata) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range items {
		if _, exists := m.metadata[it.ID]; exists {
			continue
		}
		m.metadata[it.ID] = it
		n++
	}
	return n, nil
}

func (m *MemStore) EventRelayInsert(ctx context.Context, eventIDs, relayURLs []string, seenAt []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range eventIDs {
		n += m.insertEventRelayLocked(eventIDs[i], relayURLs[i], seenAt[i])
	}
	return n, nil
}

func (m *MemStore) insertEventRelayLocked(eventID, relayURL string, seenAt int64) int64 {
	byRelay, ok := m.eventRelay[eventID]
	if !ok {
		byRelay = make(map[string]int64)
		m.eventRelay[eventID] = byRelay
	}
	if existing, exists := byRelay[relayURL]; exists {
		if seenAt < existing {
			byRelay[relayURL] = seenAt
		}
		return 0
	}
	byRelay[relayURL] = seenAt
	return 1
}

func (m *MemStore) RelayMetadataInsert(ctx context.Context, items []models.RelayMetadata) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range items {
		n += m.insertRelayMetadataLocked(it)
	}
	return n, nil
}

func (m *MemStore) insertRelayMetadataLocked(it models.RelayMetadata) int64 {
	key := relayMetaKey{it.RelayURL, it.GeneratedAt, it.MetadataType}
	if _, exists := m.relayMetadata[key]; exists {
		return 0
	}
	m.relayMetadata[key] = it
	return 1
}

func (m *MemStore) EventRelayInsertCascade(ctx context.Context, events []models.Event, relays []models.Relay, seenAt []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range relays {
		if _, exists := m.relays[r.URL]; !exists {
			m.relays[r.URL] = r
		}
	}
	for _, e := range events {
		if _, exists := m.events[e.ID]; !exists {
			m.events[e.ID] = e
		}
	}
	var n int64
	for i, e := range events {
		n += m.insertEventRelayLocked(e.ID, relays[i].URL, seenAt[i])
	}
	return n, nil
}

func (m *MemStore) RelayMetadataInsertCascade(ctx context.Context, relays []models.Relay, items []models.Metadata, relayMeta []models.RelayMetadata) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range relays {
		if _, exists := m.relays[r.URL]; !exists {
			m.relays[r.URL] = r
		}
	}
	for _, it := range items {
		if _, exists := m.metadata[it.ID]; !exists {
			m.metadata[it.ID] = it
		}
	}
	var n int64
	for _, rm := range relayMeta {
		n += m.insertRelayMetadataLocked(rm)
	}
	return n, nil
}

func (m *MemStore) ServiceStateUpsert(ctx context.Context, rows []models.ServiceState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	seen := make(map[[3]string]bool, len(rows))
	for _, row := range rows {
		byType, ok := m.state[row.Service]
		if !ok {
			byType = make(map[string]map[string]models.ServiceState)
			m.state[row.Service] = byType
		}
		byKey, ok := byType[row.Type]
		if !ok {
			byKey = make(map[string]models.ServiceState)
			byType[row.Type] = byKey
		}
		// Replace on conflict, as PostgresStore does; only within one
		// batch does a row with a higher updated_at win over a later one.
		k := [3]string{row.Service, row.Type, row.Key}
		if existing, exists := byKey[row.Key]; exists && seen[k] && existing.UpdatedAt > row.UpdatedAt {
			continue
		}
		byKey[row.Key] = row
		if !seen[k] {
			seen[k] = true
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ServiceStateGet(ctx context.Context, service, stateType string, key *string) ([]models.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.state[service]
	if !ok {
		return nil, nil
	}
	byKey, ok := byType[stateType]
	if !ok {
		return nil, nil
	}
	if key != nil {
		row, exists := byKey[*key]
		if !exists {
			return nil, nil
		}
		return []models.ServiceState{row}, nil
	}
	rows := make([]models.ServiceState, 0, len(byKey))
	for _, row := range byKey {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt < rows[j].UpdatedAt })
	return rows, nil
}

func (m *MemStore) ServiceStateDelete(ctx context.Context, service, stateType string, keys []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.state[service]
	if !ok {
		return 0, nil
	}
	byKey, ok := byType[stateType]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, k := range keys {
		if _, exists := byKey[k]; exists {
			delete(byKey, k)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) OrphanMetadataDelete(ctx context.Context, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[string]bool)
	for _, rm := range m.relayMetadata {
		referenced[rm.MetadataID] = true
	}
	var n int64
	for id := range m.metadata {
		if !referenced[id] {
			delete(m.metadata, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) OrphanEventDelete(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id := range m.events {
		byRelay, ok := m.eventRelay[id]
		if ok && len(byRelay) > 0 {
			continue
		}
		delete(m.events, id)
		n++
	}
	return n, nil
}

func (m *MemStore) RelayMetadataDeleteExpired(ctx context.Context, maxAgeSeconds int64, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Unix() - maxAgeSeconds
	var n int64
	for k := range m.relayMetadata {
		if k.generatedAt < cutoff {
			delete(m.relayMetadata, k)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) RelayExists(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.relays[url]
	return ok, nil
}

func (m *MemStore) ListRelays(ctx context.Context, networks []models.Network) ([]models.Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[models.Network]bool, len(networks))
	for _, n := range networks {
		allowed[n] = true
	}
	var out []models.Relay
	for _, r := range m.relays {
		if len(networks) == 0 || allowed[r.Network] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (m *MemStore) ListEventsByCursor(ctx context.Context, kinds []int, afterCreatedAt int64, afterID string, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[int]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []models.Event
	for _, e := range m.events {
		if len(kinds) > 0 && !allowed[e.Kind] {
			continue
		}
		if e.CreatedAt < afterCreatedAt || (e.CreatedAt == afterCreatedAt && e.ID <= afterID) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSyncTargets mirrors PostgresStore's fallback semantics: every
// relay with at least one nip66_rtt record whose rtt_read payload is
// non-null, or every relay if Monitor has produced no nip66_rtt data.
func (m *MemStore) ListSyncTargets(ctx context.Context, networks []models.Network) ([]models.Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[models.Network]bool, len(networks))
	for _, n := range networks {
		allowed[n] = true
	}

	anyMonitorData := false
	readable := make(map[string]bool)
	for key, rm := range m.relayMetadata {
		if key.metadataType != models.MetadataNIP66RTT {
			continue
		}
		anyMonitorData = true
		md, ok := m.metadata[rm.MetadataID]
		if !ok {
			continue
		}
		var payload models.NIP66RTT
		if err := json.Unmarshal(md.Data, &payload); err == nil && payload.RTTReadMs != nil {
			readable[rm.RelayURL] = true
		}
	}

	var out []models.Relay
	for _, r := range m.relays {
		if len(networks) > 0 && !allowed[r.Network] {
			continue
		}
		if anyMonitorData && !readable[r.URL] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (m *MemStore) Close() {}

// CountRelayMetadataByType is a test-only accessor letting callers
// assert what actually got persisted, beyond the store.Store interface
// itself.
func (m *MemStore) CountRelayMetadataByType(relayURL string, mt models.MetadataType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.relayMetadata {
		if k.relayURL == relayURL && k.metadataType == mt {
			n++
		}
	}
	return n
}
