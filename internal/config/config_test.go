package config

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestDefaultsParse(t *testing.T) {
	var cfg = new(Config)
	var parser = flags.NewParser(cfg, flags.Default)

	var _, err = parser.ParseArgs([]string{
		"--adapter.pos-id=POS-001",
		"--ofd.base-url=https://ofd.example",
	})
	require.NoError(t, err)

	require.Equal(t, uint16(8080), cfg.Adapter.Port)
	require.Equal(t, 200, cfg.Buffer.Capacity)
	require.Equal(t, 80, cfg.Buffer.AlertPercent)
	require.Equal(t, 100, cfg.Buffer.BlockPercent)
	require.Equal(t, 5, cfg.CB.FailureThreshold)
	require.Equal(t, 60, cfg.CB.RecoveryTimeoutS)
	require.Equal(t, 2, cfg.CB.SuccessThreshold)
	require.Equal(t, 10, cfg.OFD.TimeoutS)
	require.Equal(t, 10, cfg.KKT.TimeoutS)
	require.Equal(t, 60, cfg.Sync.IntervalS)
	require.Equal(t, 50, cfg.Sync.BatchSize)
	require.Equal(t, 20, cfg.Sync.MaxRetries)
	require.Equal(t, 300, cfg.Sync.LockTTLS)
	require.Equal(t, 30, cfg.Heartbeat.IntervalS)
	require.Equal(t, 2, cfg.Heartbeat.OnlineSuccesses)
	require.Equal(t, 3, cfg.Heartbeat.OfflineFailures)
}

func TestRequiredOptions(t *testing.T) {
	var cfg = new(Config)
	var parser = flags.NewParser(cfg, flags.Default&^flags.PrintErrors)

	var _, err = parser.ParseArgs([]string{"--adapter.pos-id=POS-001"})
	require.Error(t, err, "ofd.base-url is required")
}

func TestSeconds(t *testing.T) {
	require.Equal(t, 90*time.Second, Seconds(90))
}
