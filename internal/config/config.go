// Package config defines the adapter's configuration surface. Options are
// parsed from flags, environment, or the kkt-adapter.ini file.
package config

import (
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

// Config is the top-level configuration object of the adapter.
type Config struct {
	Adapter struct {
		Port  uint16 `long:"port" env:"PORT" default:"8080" description:"HTTP API port"`
		PosID string `long:"pos-id" env:"POS_ID" required:"true" description:"Identifier of this terminal"`
	} `group:"Adapter" namespace:"adapter" env-namespace:"ADAPTER"`

	Buffer struct {
		Path         string `long:"path" env:"PATH" default:"/var/lib/kkt-adapter/buffer.db" description:"Receipt buffer database file"`
		Capacity     int    `long:"capacity" env:"CAPACITY" default:"200" description:"Maximum pending+syncing receipts"`
		AlertPercent int    `long:"alert-percent" env:"ALERT_PERCENT" default:"80" description:"Fullness percentage raising a P2 alert"`
		BlockPercent int    `long:"block-percent" env:"BLOCK_PERCENT" default:"100" description:"Fullness percentage at which new receipts are refused"`
	} `group:"Buffer" namespace:"buffer" env-namespace:"BUFFER"`

	CB struct {
		FailureThreshold int `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"5" description:"Consecutive transient failures opening the circuit"`
		RecoveryTimeoutS int `long:"recovery-timeout-s" env:"RECOVERY_TIMEOUT_S" default:"60" description:"Seconds the circuit stays open before probing"`
		SuccessThreshold int `long:"success-threshold" env:"SUCCESS_THRESHOLD" default:"2" description:"Consecutive probe successes closing the circuit"`
	} `group:"Circuit Breaker" namespace:"cb" env-namespace:"CB"`

	OFD struct {
		BaseURL  string `long:"base-url" env:"BASE_URL" required:"true" description:"Base URL of the fiscal data operator"`
		TimeoutS int    `long:"timeout-s" env:"TIMEOUT_S" default:"10" description:"Per-call timeout in seconds"`
	} `group:"OFD" namespace:"ofd" env-namespace:"OFD"`

	KKT struct {
		BridgeURL string `long:"bridge-url" env:"BRIDGE_URL" description:"HTTP endpoint of the KKT vendor bridge; printing is skipped when empty"`
		TimeoutS  int    `long:"timeout-s" env:"TIMEOUT_S" default:"10" description:"Per-print timeout in seconds"`
	} `group:"KKT" namespace:"kkt" env-namespace:"KKT"`

	Sync struct {
		IntervalS  int    `long:"interval-s" env:"INTERVAL_S" default:"60" description:"Seconds between sync cycles"`
		BatchSize  int    `long:"batch-size" env:"BATCH_SIZE" default:"50" description:"Receipts claimed per cycle"`
		MaxRetries int    `long:"max-retries" env:"MAX_RETRIES" default:"20" description:"Delivery attempts before dead-lettering"`
		LockTTLS   int    `long:"lock-ttl-s" env:"LOCK_TTL_S" default:"300" description:"Sync lock lease TTL in seconds"`
		LockKey    string `long:"lock-key" env:"LOCK_KEY" default:"/kkt-adapter/sync-lock" description:"Etcd key of the cluster sync lock"`
	} `group:"Sync" namespace:"sync" env-namespace:"SYNC"`

	Heartbeat struct {
		URL             string `long:"url" env:"URL" description:"ERP heartbeat sink; disabled when empty"`
		IntervalS       int    `long:"interval-s" env:"INTERVAL_S" default:"30" description:"Seconds between pushes"`
		TimeoutS        int    `long:"timeout-s" env:"TIMEOUT_S" default:"5" description:"Per-push timeout in seconds"`
		OnlineSuccesses int    `long:"online-successes" env:"ONLINE_SUCCESSES" default:"2" description:"Consecutive successes reporting the terminal online"`
		OfflineFailures int    `long:"offline-failures" env:"OFFLINE_FAILURES" default:"3" description:"Consecutive failures reporting the terminal offline"`
	} `group:"Heartbeat" namespace:"heartbeat" env-namespace:"HEARTBEAT"`

	Etcd struct {
		Endpoint     string `long:"endpoint" env:"ENDPOINT" description:"Etcd endpoint for the cluster sync lock; a process-local lock is used when empty"`
		DialTimeoutS int    `long:"dial-timeout-s" env:"DIAL_TIMEOUT_S" default:"5" description:"Etcd dial timeout in seconds"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Seconds converts a whole-second option into a Duration.
func Seconds(s int) time.Duration { return time.Duration(s) * time.Second }
