package store

// Schema is the DDL BigBrotr's PostgresStore expects to already exist
// (provisioned by migrations outside this module's scope). It is
// exported so a migration tool can apply it; PostgresStore never runs
// DDL itself.
const Schema = `
CREATE TABLE IF NOT EXISTS relay (
	url           TEXT PRIMARY KEY,
	network       TEXT NOT NULL,
	discovered_at BIGINT NOT NULL
);

-- event_tagvalues derives the NIP-01 tag-value list from an event's tags
-- JSON array: the second element of every inner array whose first
-- element is a single character, in order. Marked IMMUTABLE so it can
-- back the generated column below; the query is deterministic for any
-- given tags value.
CREATE OR REPLACE FUNCTION event_tagvalues(tags JSONB) RETURNS TEXT[]
LANGUAGE sql IMMUTABLE PARALLEL SAFE AS $$
	SELECT COALESCE(array_agg(t.elem ->> 1 ORDER BY t.ord), '{}')
	FROM jsonb_array_elements(tags) WITH ORDINALITY AS t(elem, ord)
	WHERE jsonb_typeof(t.elem -> 0) = 'string' AND length(t.elem ->> 0) = 1;
$$;

CREATE TABLE IF NOT EXISTS event (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind       INTEGER NOT NULL,
	tags       JSONB NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL,
	tagvalues  TEXT[] GENERATED ALWAYS AS (event_tagvalues(tags)) STORED
);
CREATE INDEX IF NOT EXISTS event_created_at_id_idx ON event (created_at, id);
CREATE INDEX IF NOT EXISTS event_pubkey_kind_idx ON event (pubkey, kind);

CREATE TABLE IF NOT EXISTS event_relay (
	event_id  TEXT NOT NULL REFERENCES event(id) ON DELETE CASCADE,
	relay_url TEXT NOT NULL REFERENCES relay(url) ON DELETE CASCADE,
	seen_at   BIGINT NOT NULL,
	PRIMARY KEY (event_id, relay_url)
);

CREATE TABLE IF NOT EXISTS metadata (
	id   TEXT NOT NULL,
	type TEXT NOT NULL,
	data JSONB NOT NULL,
	PRIMARY KEY (id, type)
);

CREATE TABLE IF NOT EXISTS relay_metadata (
	relay_url     TEXT NOT NULL REFERENCES relay(url) ON DELETE CASCADE,
	generated_at  BIGINT NOT NULL,
	metadata_type TEXT NOT NULL,
	metadata_id   TEXT NOT NULL,
	PRIMARY KEY (relay_url, generated_at, metadata_type),
	FOREIGN KEY (metadata_id, metadata_type) REFERENCES metadata(id, type)
);
CREATE INDEX IF NOT EXISTS relay_metadata_generated_at_idx ON relay_metadata (generated_at);

CREATE TABLE IF NOT EXISTS service_state (
	service_name TEXT NOT NULL,
	state_type   TEXT NOT NULL,
	state_key    TEXT NOT NULL,
	payload      JSONB NOT NULL,
	updated_at   BIGINT NOT NULL,
	PRIMARY KEY (service_name, state_type, state_key)
);
`
