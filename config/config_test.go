package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5001", cfg.Server.Port)
	assert.Equal(t, 6*time.Second, cfg.Presence.HeartbeatGrace)
	assert.Equal(t, 4*time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 4*time.Second, cfg.Presence.DispatchInterval)
	assert.Equal(t, "public/hls", cfg.Ingest.HLSDir)
	assert.Equal(t, 5, cfg.Ingest.SegmentSecs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("HEARTBEAT_GRACE_MS", "2500")
	t.Setenv("SWEEP_INTERVAL_MS", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Presence.HeartbeatGrace)
	assert.Equal(t, time.Second, cfg.Presence.SweepInterval)
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "loopcast", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/loopcast?sslmode=disable", c.DSN())

	c.URL = "postgres://elsewhere/db"
	assert.Equal(t, "postgres://elsewhere/db", c.DSN())
}
