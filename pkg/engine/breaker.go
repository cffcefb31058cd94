// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/adxyz/attrib/pkg/log"
)

// breakerSet holds one circuit breaker per collaborator so a failing event
// store cannot also take the result sink's budget down with it.
type breakerSet struct {
	identity *gobreaker.CircuitBreaker
	events   *gobreaker.CircuitBreaker
	sink     *gobreaker.CircuitBreaker
}

func newBreakerSet(logger log.Logger) *breakerSet {
	mk := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					log.String("breaker", name),
					log.String("from", from.String()),
					log.String("to", to.String()))
			},
		})
	}
	return &breakerSet{
		identity: mk("identity-resolver"),
		events:   mk("event-store"),
		sink:     mk("result-sink"),
	}
}
