// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/model"
)

// dedupeGuard keeps one attribution run per (conversion, model) key within
// this process. Storage backends with a uniqueness constraint provide the
// durable half of the guarantee; this guard stops concurrent and repeated
// in-process runs before any I/O happens.
type dedupeGuard struct {
	mu   sync.Mutex
	runs map[string]time.Time
}

func newDedupeGuard() *dedupeGuard {
	return &dedupeGuard{
		runs: make(map[string]time.Time),
	}
}

func runKey(convID ids.ConversionID, m model.Model) string {
	return fmt.Sprintf("%s:%s", convID, m)
}

// begin claims the key, or returns ErrDuplicateRun if already claimed.
func (g *dedupeGuard) begin(convID ids.ConversionID, m model.Model) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := runKey(convID, m)
	if _, exists := g.runs[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, key)
	}
	g.runs[key] = time.Now()
	return nil
}

// forget releases the key so the conversion can run again.
func (g *dedupeGuard) forget(convID ids.ConversionID, m model.Model) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, runKey(convID, m))
}
