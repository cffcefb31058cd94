// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package postgres

// schema is the full attribution pipeline schema. Every statement is
// idempotent so Migrate can run at every startup.
const schema = `
CREATE TABLE IF NOT EXISTS raw_events (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	visitor_id   TEXT NOT NULL,
	event_type   TEXT NOT NULL DEFAULT '',
	page_url     TEXT NOT NULL DEFAULT '',
	referrer     TEXT NOT NULL DEFAULT '',
	ts_raw       TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	utm_source   TEXT NOT NULL DEFAULT '',
	utm_medium   TEXT NOT NULL DEFAULT '',
	utm_campaign TEXT NOT NULL DEFAULT '',
	utm_term     TEXT NOT NULL DEFAULT '',
	utm_content  TEXT NOT NULL DEFAULT '',
	gclid        TEXT NOT NULL DEFAULT '',
	fbclid       TEXT NOT NULL DEFAULT '',
	ttclid       TEXT NOT NULL DEFAULT '',
	msclkid      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_raw_events_visitor_ts
	ON raw_events (client_id, visitor_id, ts);

CREATE TABLE IF NOT EXISTS conversions (
	id              TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	visitor_id      TEXT NOT NULL,
	email_hash      TEXT NOT NULL DEFAULT '',
	conversion_type TEXT NOT NULL,
	value           NUMERIC,
	currency        TEXT NOT NULL DEFAULT '',
	ts              TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attribution_results (
	id                  BIGSERIAL PRIMARY KEY,
	conversion_id       TEXT NOT NULL,
	visitor_id          TEXT NOT NULL,
	attributed_event_id TEXT,
	attribution_model   TEXT NOT NULL,
	attribution_weight  DOUBLE PRECISION NOT NULL,
	source              TEXT NOT NULL,
	medium              TEXT NOT NULL DEFAULT '',
	campaign            TEXT NOT NULL DEFAULT '',
	ad_id               TEXT NOT NULL DEFAULT '',
	credit              NUMERIC NOT NULL,
	ts                  TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_results_unique_attribution
	ON attribution_results (conversion_id, attribution_model, COALESCE(attributed_event_id, 'direct'));

CREATE INDEX IF NOT EXISTS idx_results_conversion
	ON attribution_results (conversion_id);

CREATE TABLE IF NOT EXISTS identity_links (
	client_id  TEXT NOT NULL,
	email_hash TEXT NOT NULL,
	visitor_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (client_id, email_hash, visitor_id)
);

CREATE TABLE IF NOT EXISTS model_settings (
	client_id  TEXT PRIMARY KEY,
	settings   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
