package postgres

import (
	"context"
	"fmt"
)

// schema is the full persisted-state layout (§6). It is re-run with
// IF NOT EXISTS guards so Migrate is idempotent across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS domains (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'pending',
	crawl_interval_seconds BIGINT NOT NULL DEFAULT 604800,
	submission_source TEXT NOT NULL DEFAULT 'public',
	robots_consecutive_failures INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS urls (
	id BIGSERIAL PRIMARY KEY,
	domain_id BIGINT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
	canonical_url TEXT NOT NULL UNIQUE,
	normalized_hash BYTEA NOT NULL,
	fetch_priority INT NOT NULL DEFAULT 0,
	last_fetch_outcome TEXT NOT NULL DEFAULT 'pending',
	last_fetch_at TIMESTAMPTZ,
	last_status_code INT,
	last_etag TEXT,
	last_modified TEXT,
	content_hash BYTEA,
	robots_blocked BOOLEAN NOT NULL DEFAULT false,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (domain_id, normalized_hash)
);

CREATE TABLE IF NOT EXISTS crawl_queue (
	id BIGSERIAL PRIMARY KEY,
	url_id BIGINT NOT NULL UNIQUE REFERENCES urls(id) ON DELETE CASCADE,
	domain_id BIGINT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
	priority INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	locked_by TEXT,
	locked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS crawl_queue_available_idx ON crawl_queue (priority DESC, available_at ASC) WHERE locked_by IS NULL;

CREATE TABLE IF NOT EXISTS recrawl_queue (
	id BIGSERIAL PRIMARY KEY,
	url_id BIGINT NOT NULL UNIQUE REFERENCES urls(id) ON DELETE CASCADE,
	domain_id BIGINT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
	priority INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 1000000,
	recrawl_interval_seconds BIGINT,
	locked_by TEXT,
	locked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS recrawl_queue_available_idx ON recrawl_queue (priority DESC, available_at ASC) WHERE locked_by IS NULL;

CREATE TABLE IF NOT EXISTS robots_cache (
	domain_id BIGINT PRIMARY KEY REFERENCES domains(id) ON DELETE CASCADE,
	body BYTEA,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ,
	etag TEXT,
	checksum BYTEA,
	status_code INT,
	consecutive_failures INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fetch_history (
	id BIGSERIAL PRIMARY KEY,
	url_id BIGINT NOT NULL REFERENCES urls(id) ON DELETE CASCADE,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	status_code INT,
	outcome TEXT NOT NULL,
	reason TEXT,
	latency_ms INT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	content_hash BYTEA,
	truncated BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS fetch_history_url_idx ON fetch_history (url_id, fetched_at);

CREATE TABLE IF NOT EXISTS link_edges (
	src_url_id BIGINT NOT NULL REFERENCES urls(id) ON DELETE CASCADE,
	dst_url_id BIGINT NOT NULL REFERENCES urls(id) ON DELETE CASCADE,
	edge_type TEXT NOT NULL DEFAULT 'anchor',
	anchor_text TEXT,
	PRIMARY KEY (src_url_id, dst_url_id, edge_type)
);
CREATE INDEX IF NOT EXISTS link_edges_dst_idx ON link_edges (dst_url_id);

CREATE TABLE IF NOT EXISTS link_authority (
	url_id BIGINT PRIMARY KEY REFERENCES urls(id) ON DELETE CASCADE,
	page_rank DOUBLE PRECISION NOT NULL DEFAULT 0,
	trust_rank DOUBLE PRECISION NOT NULL DEFAULT 0,
	inbound_links INT NOT NULL DEFAULT 0,
	outbound_links INT NOT NULL DEFAULT 0,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS index_meta (
	id INT PRIMARY KEY DEFAULT 1,
	last_generation BIGINT NOT NULL DEFAULT 0,
	CHECK (id = 1)
);
INSERT INTO index_meta (id, last_generation) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS index_segments (
	id BIGSERIAL PRIMARY KEY,
	segment_id UUID NOT NULL UNIQUE,
	commit_generation BIGINT NOT NULL UNIQUE,
	tier INT NOT NULL DEFAULT 0,
	doc_count INT NOT NULL DEFAULT 0,
	byte_size BIGINT NOT NULL DEFAULT 0,
	published_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS index_segments_live_idx ON index_segments (commit_generation) WHERE published_at IS NOT NULL AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS query_cache (
	query_hash BYTEA PRIMARY KEY,
	result JSONB NOT NULL,
	segment_generation BIGINT NOT NULL,
	expires_at TIMESTAMPTZ,
	hit_count BIGINT NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limits (
	domain_id BIGINT PRIMARY KEY REFERENCES domains(id) ON DELETE CASCADE,
	limit_per_second DOUBLE PRECISION NOT NULL DEFAULT 1,
	burst_capacity DOUBLE PRECISION NOT NULL DEFAULT 2,
	tokens_remaining DOUBLE PRECISION NOT NULL DEFAULT 2,
	last_refill_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_by TEXT
);
`

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
