// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity stitches visitor identifiers across devices. Visitors who
// submitted the same email (stored only as a SHA-256 hash) are treated as one
// person for touchpoint gathering.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
)

// HashEmail returns the hex SHA-256 of a lowercased, trimmed email address.
// Raw addresses never leave the capture boundary.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Store persists email-hash to visitor links.
type Store interface {
	// Link records that emailHash was observed on visitorID.
	Link(ctx context.Context, clientID ids.ClientID, emailHash string, visitorID ids.VisitorID) error

	// Visitors returns every visitor identifier linked to emailHash.
	Visitors(ctx context.Context, clientID ids.ClientID, emailHash string) ([]ids.VisitorID, error)
}

// Resolver expands a (visitor, email hash) pair into the full identity set.
type Resolver struct {
	store Store
	log   log.Logger
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store, logger log.Logger) *Resolver {
	return &Resolver{store: store, log: logger}
}

// Resolve returns the visitor set for a conversion: the converting visitor
// plus every visitor linked to its email hash, deduplicated, converting
// visitor first. With no email hash the set is just the visitor itself.
func (r *Resolver) Resolve(ctx context.Context, clientID ids.ClientID, visitorID ids.VisitorID, emailHash string) ([]ids.VisitorID, error) {
	set := []ids.VisitorID{visitorID}
	if emailHash == "" {
		return set, nil
	}

	linked, err := r.store.Visitors(ctx, clientID, emailHash)
	if err != nil {
		return nil, err
	}

	seen := map[ids.VisitorID]bool{visitorID: true}
	for _, v := range linked {
		if seen[v] {
			continue
		}
		seen[v] = true
		set = append(set, v)
	}

	if len(set) > 1 {
		r.log.Debug("identity set expanded",
			log.String("visitor", string(visitorID)),
			log.Int("stitched", len(set)-1))
	}
	return set, nil
}
