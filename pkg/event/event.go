// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package event holds the captured record shapes the pipeline ingests:
// raw tracker events and conversion events. Both are immutable once stored.
package event

import (
	"time"

	"github.com/adxyz/attrib/pkg/ids"
)

// RawEvent is a touchpoint row exactly as the capture endpoint stored it.
// Timestamp is kept as the original wire string; parsing happens during
// normalization so one bad row never poisons a batch.
type RawEvent struct {
	ID        ids.EventID   `json:"id" db:"id"`
	ClientID  ids.ClientID  `json:"client_id" db:"client_id"`
	VisitorID ids.VisitorID `json:"visitor_id" db:"visitor_id"`
	EventType string        `json:"event_type" db:"event_type"`
	PageURL   string        `json:"page_url,omitempty" db:"page_url"`
	Referrer  string        `json:"referrer,omitempty" db:"referrer"`
	Timestamp string        `json:"timestamp" db:"ts"`

	UTMSource   string `json:"utm_source,omitempty" db:"utm_source"`
	UTMMedium   string `json:"utm_medium,omitempty" db:"utm_medium"`
	UTMCampaign string `json:"utm_campaign,omitempty" db:"utm_campaign"`
	UTMTerm     string `json:"utm_term,omitempty" db:"utm_term"`
	UTMContent  string `json:"utm_content,omitempty" db:"utm_content"`

	// Platform click identifiers as captured from the landing URL.
	GCLID   string `json:"gclid,omitempty" db:"gclid"`
	FBCLID  string `json:"fbclid,omitempty" db:"fbclid"`
	TTCLID  string `json:"ttclid,omitempty" db:"ttclid"`
	MSCLKID string `json:"msclkid,omitempty" db:"msclkid"`
}

// Conversion is a value-bearing goal event recorded before attribution runs.
// Value and Currency are optional; a nil Value attributes zero credit.
type Conversion struct {
	ID             ids.ConversionID `json:"id" db:"id"`
	ClientID       ids.ClientID     `json:"client_id" db:"client_id"`
	VisitorID      ids.VisitorID    `json:"visitor_id" db:"visitor_id"`
	EmailHash      string           `json:"email_hash,omitempty" db:"email_hash"`
	ConversionType string           `json:"conversion_type" db:"conversion_type"`
	Value          *float64         `json:"value,omitempty" db:"value"`
	Currency       string           `json:"currency,omitempty" db:"currency"`
	Timestamp      time.Time        `json:"timestamp" db:"ts"`
}
