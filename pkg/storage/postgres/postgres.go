// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package postgres implements the pipeline's collaborator stores on
// PostgreSQL via sqlx. The result sink writes each batch in a single
// transaction guarded by a uniqueness constraint on
// (conversion_id, attribution_model, attributed_event_id), so reprocessing
// a conversion fails loudly instead of silently duplicating credit.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/adxyz/attrib/pkg/credit"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/event"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/touchpoint"
)

// DefaultTimeout bounds individual queries when the caller's context has no
// tighter deadline.
const DefaultTimeout = 5 * time.Second

// Store bundles every postgres-backed collaborator over one connection pool.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: DefaultTimeout}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type rawEventRow struct {
	ID          string    `db:"id"`
	ClientID    string    `db:"client_id"`
	VisitorID   string    `db:"visitor_id"`
	EventType   string    `db:"event_type"`
	PageURL     string    `db:"page_url"`
	Referrer    string    `db:"referrer"`
	TSRaw       string    `db:"ts_raw"`
	TS          time.Time `db:"ts"`
	UTMSource   string    `db:"utm_source"`
	UTMMedium   string    `db:"utm_medium"`
	UTMCampaign string    `db:"utm_campaign"`
	UTMTerm     string    `db:"utm_term"`
	UTMContent  string    `db:"utm_content"`
	GCLID       string    `db:"gclid"`
	FBCLID      string    `db:"fbclid"`
	TTCLID      string    `db:"ttclid"`
	MSCLKID     string    `db:"msclkid"`
}

func (r rawEventRow) toEvent() event.RawEvent {
	return event.RawEvent{
		ID:          ids.EventID(r.ID),
		ClientID:    ids.ClientID(r.ClientID),
		VisitorID:   ids.VisitorID(r.VisitorID),
		EventType:   r.EventType,
		PageURL:     r.PageURL,
		Referrer:    r.Referrer,
		Timestamp:   r.TSRaw,
		UTMSource:   r.UTMSource,
		UTMMedium:   r.UTMMedium,
		UTMCampaign: r.UTMCampaign,
		UTMTerm:     r.UTMTerm,
		UTMContent:  r.UTMContent,
		GCLID:       r.GCLID,
		FBCLID:      r.FBCLID,
		TTCLID:      r.TTCLID,
		MSCLKID:     r.MSCLKID,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// AppendEvent stores one raw tracker event. The raw wire timestamp is kept
// alongside the parsed one used for window queries; an unparsable timestamp
// indexes at arrival time and is reported by the normalizer downstream.
func (s *Store) AppendEvent(ctx context.Context, raw event.RawEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ts, err := touchpoint.ParseTimestamp(raw.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_events
		(id, client_id, visitor_id, event_type, page_url, referrer, ts_raw, ts,
		 utm_source, utm_medium, utm_campaign, utm_term, utm_content,
		 gclid, fbclid, ttclid, msclkid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		raw.ID, raw.ClientID, raw.VisitorID, raw.EventType, raw.PageURL, raw.Referrer,
		raw.Timestamp, ts,
		raw.UTMSource, raw.UTMMedium, raw.UTMCampaign, raw.UTMTerm, raw.UTMContent,
		raw.GCLID, raw.FBCLID, raw.TTCLID, raw.MSCLKID)
	if err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}
	return nil
}

// EventsInWindow returns raw events for the visitor set with
// from <= ts < to, ordered ascending.
func (s *Store) EventsInWindow(ctx context.Context, clientID ids.ClientID, visitors []ids.VisitorID, from, to time.Time) ([]event.RawEvent, error) {
	if len(visitors) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := sqlx.In(`
		SELECT id, client_id, visitor_id, event_type, page_url, referrer, ts_raw, ts,
		       utm_source, utm_medium, utm_campaign, utm_term, utm_content,
		       gclid, fbclid, ttclid, msclkid
		FROM raw_events
		WHERE client_id = ? AND visitor_id IN (?) AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		clientID, visitors, from, to)
	if err != nil {
		return nil, fmt.Errorf("build window query: %w", err)
	}

	var rows []rawEventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query events in window: %w", err)
	}

	out := make([]event.RawEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toEvent()
	}
	return out, nil
}

// RecordConversion persists a conversion event exactly once.
func (s *Store) RecordConversion(ctx context.Context, conv event.Conversion) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversions
		(id, client_id, visitor_id, email_hash, conversion_type, value, currency, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.ClientID, conv.VisitorID, conv.EmailHash,
		conv.ConversionType, conv.Value, conv.Currency, conv.Timestamp)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

// Conversion loads a conversion by id.
func (s *Store) Conversion(ctx context.Context, id ids.ConversionID) (event.Conversion, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv event.Conversion
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, client_id, visitor_id, email_hash, conversion_type, value, currency, ts
		FROM conversions WHERE id = $1`, id).
		Scan(&conv.ID, &conv.ClientID, &conv.VisitorID, &conv.EmailHash,
			&conv.ConversionType, &conv.Value, &conv.Currency, &conv.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return conv, fmt.Errorf("conversion %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return conv, fmt.Errorf("query conversion: %w", err)
	}
	return conv, nil
}

// WriteResults inserts the whole batch in one transaction.
func (s *Store) WriteResults(ctx context.Context, results []credit.AttributionResult) error {
	if len(results) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result batch: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		var attributed interface{}
		if r.AttributedEvent != nil {
			attributed = string(*r.AttributedEvent)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attribution_results
			(conversion_id, visitor_id, attributed_event_id, attribution_model,
			 attribution_weight, source, medium, campaign, ad_id, credit, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ConversionID, r.VisitorID, attributed, r.AttributionModel,
			r.Weight, r.Source, r.Medium, r.Campaign, r.AdID, r.Credit, r.Timestamp)
		if err != nil {
			return fmt.Errorf("insert attribution result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit result batch: %w", err)
	}
	return nil
}

type resultRow struct {
	ConversionID     string         `db:"conversion_id"`
	VisitorID        string         `db:"visitor_id"`
	AttributedEvent  sql.NullString `db:"attributed_event_id"`
	AttributionModel string         `db:"attribution_model"`
	Weight           float64        `db:"attribution_weight"`
	Source           string         `db:"source"`
	Medium           string         `db:"medium"`
	Campaign         string         `db:"campaign"`
	AdID             string         `db:"ad_id"`
	Credit           string         `db:"credit"`
	TS               time.Time      `db:"ts"`
}

// ResultsFor returns every stored result row for a conversion, across models.
func (s *Store) ResultsFor(ctx context.Context, convID ids.ConversionID) ([]credit.AttributionResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT conversion_id, visitor_id, attributed_event_id, attribution_model,
		       attribution_weight, source, medium, campaign, ad_id, credit::text AS credit, ts
		FROM attribution_results
		WHERE conversion_id = $1
		ORDER BY id ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	out := make([]credit.AttributionResult, 0, len(rows))
	for _, r := range rows {
		res, err := r.toResult()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r resultRow) toResult() (credit.AttributionResult, error) {
	amount, err := decimal.NewFromString(r.Credit)
	if err != nil {
		return credit.AttributionResult{}, fmt.Errorf("parse credit %q: %w", r.Credit, err)
	}
	res := credit.AttributionResult{
		ConversionID:     ids.ConversionID(r.ConversionID),
		VisitorID:        ids.VisitorID(r.VisitorID),
		AttributionModel: model.Model(r.AttributionModel),
		Weight:           r.Weight,
		Source:           r.Source,
		Medium:           r.Medium,
		Campaign:         r.Campaign,
		AdID:             r.AdID,
		Credit:           amount,
		Timestamp:        r.TS,
	}
	if r.AttributedEvent.Valid {
		id := ids.EventID(r.AttributedEvent.String)
		res.AttributedEvent = &id
	}
	return res, nil
}

// Link records that emailHash was observed on visitorID.
func (s *Store) Link(ctx context.Context, clientID ids.ClientID, emailHash string, visitorID ids.VisitorID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_links (client_id, email_hash, visitor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, email_hash, visitor_id) DO NOTHING`,
		clientID, emailHash, visitorID)
	if err != nil {
		return fmt.Errorf("insert identity link: %w", err)
	}
	return nil
}

// Visitors returns every visitor linked to emailHash.
func (s *Store) Visitors(ctx context.Context, clientID ids.ClientID, emailHash string) ([]ids.VisitorID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var visitors []string
	err := s.db.SelectContext(ctx, &visitors, `
		SELECT visitor_id FROM identity_links
		WHERE client_id = $1 AND email_hash = $2
		ORDER BY visitor_id`, clientID, emailHash)
	if err != nil {
		return nil, fmt.Errorf("query identity links: %w", err)
	}

	out := make([]ids.VisitorID, len(visitors))
	for i, v := range visitors {
		out[i] = ids.VisitorID(v)
	}
	return out, nil
}

// ModelSettings returns the client's stored model configuration.
func (s *Store) ModelSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT settings FROM model_settings WHERE client_id = $1`, clientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, engine.ErrSettingsNotFound
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("query model settings: %w", err)
	}

	var settings model.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return model.Settings{}, fmt.Errorf("decode model settings: %w", err)
	}
	return settings, nil
}

// SetModelSettings stores validated model settings for a client.
func (s *Store) SetModelSettings(ctx context.Context, clientID ids.ClientID, settings model.Settings) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode model settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_settings (client_id, settings, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (client_id) DO UPDATE SET
			settings = EXCLUDED.settings,
			updated_at = NOW()`,
		clientID, raw)
	if err != nil {
		return fmt.Errorf("upsert model settings: %w", err)
	}
	return nil
}
