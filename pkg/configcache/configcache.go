// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package configcache puts a redis read-through cache in front of the model
// configuration store. Settings change rarely and are read on every
// conversion, so a short TTL keeps the config store off the hot path.
package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/ids"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/model"
)

// DefaultTTL is how long cached settings stay fresh.
const DefaultTTL = 5 * time.Minute

// Cache implements engine.ConfigStore with a redis layer over an inner store.
type Cache struct {
	rdb   *redis.Client
	inner engine.ConfigStore
	ttl   time.Duration
	log   log.Logger
}

// New creates a Cache. A zero ttl uses DefaultTTL.
func New(rdb *redis.Client, inner engine.ConfigStore, ttl time.Duration, logger log.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Cache{rdb: rdb, inner: inner, ttl: ttl, log: logger}
}

func cacheKey(clientID ids.ClientID) string {
	return "attrib:cfg:" + string(clientID)
}

// ModelSettings returns cached settings when fresh, otherwise reads through
// to the inner store. Redis failures degrade to the inner store, never to an
// error.
func (c *Cache) ModelSettings(ctx context.Context, clientID ids.ClientID) (model.Settings, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(clientID)).Bytes()
	if err == nil {
		var settings model.Settings
		if err := json.Unmarshal(raw, &settings); err == nil {
			return settings, nil
		}
		// Corrupt entry; fall through and refresh.
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("config cache read failed", log.String("client", string(clientID)), log.Err(err))
	}

	settings, err := c.inner.ModelSettings(ctx, clientID)
	if err != nil {
		return settings, err
	}

	if data, err := json.Marshal(settings); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(clientID), data, c.ttl).Err(); err != nil {
			c.log.Warn("config cache write failed", log.String("client", string(clientID)), log.Err(err))
		}
	}
	return settings, nil
}

// Invalidate drops a client's cached settings, called after a config update.
func (c *Cache) Invalidate(ctx context.Context, clientID ids.ClientID) {
	if err := c.rdb.Del(ctx, cacheKey(clientID)).Err(); err != nil {
		c.log.Warn("config cache invalidate failed", log.String("client", string(clientID)), log.Err(err))
	}
}
