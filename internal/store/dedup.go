package store

import "github.com/bigbrotr/bigbrotr/internal/models"

// dedupRelays keeps the first occurrence of each URL (first-wins, since
// relay is an insert-only table).
func dedupRelays(relays []models.Relay) []models.Relay {
	seen := make(map[string]struct{}, len(relays))
	out := make([]models.Relay, 0, len(relays))
	for _, r := range relays {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}

// dedupEvents keeps the first occurrence of each event id (first-wins;
// events are immutable once stored).
func dedupEvents(events []models.Event) []models.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// dedupMetadata keeps the first occurrence of each (id, type) pair.
func dedupMetadata(items []models.Metadata) []models.Metadata {
	type key struct {
		id string
		t  models.MetadataType
	}
	seen := make(map[key]struct{}, len(items))
	out := make([]models.Metadata, 0, len(items))
	for _, m := range items {
		k := key{m.ID, m.Type}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// dedupRelayMetadata keeps the first occurrence of each
// (relay_url, generated_at, metadata_type) triple.
func dedupRelayMetadata(items []models.RelayMetadata) []models.RelayMetadata {
	type key struct {
		url string
		gen int64
		t   models.MetadataType
	}
	seen := make(map[key]struct{}, len(items))
	out := make([]models.RelayMetadata, 0, len(items))
	for _, rm := range items {
		k := key{rm.RelayURL, rm.GeneratedAt, rm.MetadataType}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rm)
	}
	return out
}

// dedupServiceStateLastWins keeps, for each (service, type, key), the
// row with the highest updated_at (last-wins for upserts).
func dedupServiceStateLastWins(rows []models.ServiceState) []models.ServiceState {
	type key struct {
		service, typ, k string
	}
	best := make(map[key]models.ServiceState, len(rows))
	order := make([]key, 0, len(rows))
	for _, row := range rows {
		k := key{row.Service, row.Type, row.Key}
		existing, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = row
			continue
		}
		if row.UpdatedAt >= existing.UpdatedAt {
			best[k] = row
		}
	}
	out := make([]models.ServiceState, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
