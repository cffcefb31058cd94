// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package configcache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	mocks "github.com/adxyz/attrib/internal/testing/storage"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/model"
)

// unreachableRedis returns a client whose every command fails fast, which is
// exactly the degraded mode the cache must survive.
func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestDegradesToInnerStoreWhenRedisDown(t *testing.T) {
	require := require.New(t)

	inner := &mocks.MockConfigStore{Settings: model.Settings{
		Model:              model.Linear,
		LookbackWindowDays: 30,
	}}
	cache := New(unreachableRedis(), inner, time.Minute, log.NoOp())

	settings, err := cache.ModelSettings(context.Background(), "client-1")
	require.NoError(err)
	require.Equal(model.Linear, settings.Model)
	require.Equal(1, inner.Calls)
}

func TestInnerStoreErrorPropagates(t *testing.T) {
	require := require.New(t)

	inner := &mocks.MockConfigStore{Err: engine.ErrSettingsNotFound}
	cache := New(unreachableRedis(), inner, time.Minute, log.NoOp())

	_, err := cache.ModelSettings(context.Background(), "client-1")
	require.ErrorIs(err, engine.ErrSettingsNotFound)
}

func TestInvalidateSurvivesRedisDown(t *testing.T) {
	cache := New(unreachableRedis(), &mocks.MockConfigStore{}, time.Minute, log.NoOp())

	// Must not panic or block.
	cache.Invalidate(context.Background(), "client-1")
}

func TestZeroTTLUsesDefault(t *testing.T) {
	require := require.New(t)

	cache := New(unreachableRedis(), &mocks.MockConfigStore{}, 0, nil)
	require.Equal(DefaultTTL, cache.ttl)
}
