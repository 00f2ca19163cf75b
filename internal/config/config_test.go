package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.DispatchTick)
	assert.Equal(t, 10, cfg.DispatchBurstTicks)
	assert.Equal(t, 5, cfg.DispatchEveryNth)
	assert.Equal(t, 60*time.Second, cfg.LocationTTL)
	assert.Equal(t, time.Second, cfg.LocationMinInterval)
	assert.Equal(t, 5*time.Second, cfg.WSAuthTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DISPATCH_TICK", "1s")
	t.Setenv("DISPATCH_RADIUS_KM", "4.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.DispatchTick)
	assert.Equal(t, 4.5, cfg.DispatchRadiusKm)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DISPATCH_TICK", "soon")
	t.Setenv("DISPATCH_EVERY_NTH", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DISPATCH_TICK")
	assert.Contains(t, err.Error(), "DISPATCH_EVERY_NTH must be > 0")
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker:9092")
	t.Setenv("KAFKA_GROUP", "geo")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"broker:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "geo", cfg.KafkaGroup)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
}
