// Package buffer is the durable receipt buffer: a WAL-journaled SQLite
// database holding receipts awaiting delivery to the OFD, the dead-letter
// queue, and the append-only lifecycle event log. Every mutation commits
// with synchronous journaling; the only post-crash cleanup is reverting
// stale syncing rows.
package buffer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Receipt status values. Transitions form a DAG: pending->syncing,
// syncing->{pending, synced, failed}; synced and failed are terminal.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Receipt types accepted from the POS.
const (
	TypeSale       = "sale"
	TypeRefund     = "refund"
	TypeCorrection = "correction"
)

// Dead-letter reasons.
const (
	ReasonMaxRetries      = "max_retries"
	ReasonPermanentReject = "permanent_reject"
	ReasonSchemaInvalid   = "schema_invalid"
)

// Lifecycle event types.
const (
	EventReceiptAdded  = "receipt_added"
	EventReceiptSynced = "receipt_synced"
	EventReceiptFailed = "receipt_failed"
	EventCircuitOpened = "circuit_opened"
	EventCircuitClosed = "circuit_closed"
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
)

var (
	// ErrNotFound is returned when the identified receipt does not exist.
	ErrNotFound = errors.New("receipt not found")
	// ErrBadTransition is returned when a mutation would violate the
	// status DAG, e.g. marking a pending receipt synced.
	ErrBadTransition = errors.New("illegal status transition")
)

// BufferFullError is returned by Insert when pending+syncing has reached
// the configured capacity.
type BufferFullError struct {
	Capacity int
}

func (e *BufferFullError) Error() string {
	return fmt.Sprintf("buffer is full (capacity %d)", e.Capacity)
}

// DuplicateKeyError is returned by Insert when the idempotency key already
// exists. It carries the pre-existing receipt so the caller can respond
// idempotently. PayloadMatches is false when the retried request carried
// different payload bytes.
type DuplicateKeyError struct {
	ID             string
	Status         string
	PayloadMatches bool
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("idempotency key already maps to receipt %s (%s)", e.ID, e.Status)
}

// Receipt is the central persisted entity.
type Receipt struct {
	ID             string
	PosID          string
	CreatedAt      int64
	HLCLocal       int64
	HLCCounter     int64
	HLCServer      sql.NullInt64
	Type           string
	OriginalID     sql.NullString
	Payload        []byte
	PayloadHash    string
	IdempotencyKey string
	Status         string
	RetryCount     int
	LastError      sql.NullString
	SyncedAt       sql.NullInt64
	UpdatedAt      int64
}

// DeadLetter mirrors a receipt which exhausted its retry budget or was
// permanently rejected. It is the authoritative view for operator
// intervention.
type DeadLetter struct {
	ID                string
	OriginalReceiptID string
	FailedAt          int64
	Reason            string
	Payload           []byte
	PayloadHash       string
	RetryAttempts     int
	LastError         sql.NullString
	ResolvedAt        sql.NullInt64
	ResolvedBy        sql.NullString
}

// Event is one row of the append-only lifecycle log.
type Event struct {
	Seq       int64
	Type      string
	At        int64
	ReceiptID sql.NullString
	Metadata  sql.NullString
}

// StatusSummary is the composite view served by GET /v1/kkt/buffer/status.
type StatusSummary struct {
	Pending      int     `json:"pending"`
	Syncing      int     `json:"syncing"`
	Synced       int     `json:"synced"`
	Failed       int     `json:"failed"`
	DLQ          int     `json:"dlq"`
	Capacity     int     `json:"capacity"`
	Fullness     float64 `json:"fullness"`
	LastSyncedAt *int64  `json:"last_synced_at"`
}

// Options configure an opened Store.
type Options struct {
	// Capacity bounds pending+syncing receipts; Insert fails beyond it.
	Capacity int
	// AlertPercent is the fullness percentage which raises a P2 alert.
	AlertPercent int
	// BlockPercent is the fullness percentage at which Insert refuses new
	// receipts. 100 blocks only at full capacity.
	BlockPercent int
	// MaxRetries is the retry budget before a receipt moves to the DLQ.
	MaxRetries int
	// Now is swappable for tests.
	Now func() time.Time
}

// Store wraps the SQLite database. All writes go through Store; reads from
// out-of-process tooling are permitted because of WAL journaling.
type Store struct {
	db   *sql.DB
	opts Options

	// alertLevel remembers the highest fullness alert already raised so
	// alerts fire on threshold crossings rather than every insert.
	alertLevel int
}

// payloadHashKey keys the highwayhash payload fingerprint. The fingerprint
// is diagnostic only; the key just has to be stable.
var payloadHashKey = []byte("kkt-adapter/payload-fingerprint!")

// HashPayload returns the hex fingerprint of a fiscal payload.
func HashPayload(payload []byte) string {
	var sum = highwayhash.Sum64(payload, payloadHashKey)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * uint(7-i)))
	}
	return hex.EncodeToString(b[:])
}

// Open opens (creating if needed) the buffer database at |path|.
func Open(path string, opts Options) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 200
	}
	if opts.AlertPercent <= 0 {
		opts.AlertPercent = 80
	}
	if opts.BlockPercent <= 0 {
		opts.BlockPercent = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var dsn = fmt.Sprintf("file:%s?%s", path, strings.Join([]string{
		"_journal_mode=WAL",
		"_synchronous=FULL",
		"_foreign_keys=on",
		"_busy_timeout=5000",
	}, "&"))

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening buffer database: %w", err)
	}
	// A single connection serializes writers and sidesteps SQLITE_BUSY
	// between pooled connections of this process.
	db.SetMaxOpenConns(1)

	var s = &Store{db: db, opts: opts}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating buffer schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only health probes.
func (s *Store) DB() *sql.DB { return s.db }

// MaxRetries returns the configured retry budget.
func (s *Store) MaxRetries() int { return s.opts.MaxRetries }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("applying schema v1: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS receipts (
	id              TEXT PRIMARY KEY,
	pos_id          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	hlc_local       INTEGER NOT NULL,
	hlc_counter     INTEGER NOT NULL,
	hlc_server      INTEGER,
	type            TEXT NOT NULL CHECK (type IN ('sale','refund','correction')),
	original_id     TEXT,
	payload         BLOB NOT NULL,
	payload_hash    TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending','syncing','synced','failed')),
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	synced_at       INTEGER,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts (status);
CREATE INDEX IF NOT EXISTS idx_receipts_hlc ON receipts (pos_id, hlc_local, hlc_counter);

CREATE TABLE IF NOT EXISTS dead_letters (
	id                  TEXT PRIMARY KEY,
	original_receipt_id TEXT NOT NULL REFERENCES receipts (id),
	failed_at           INTEGER NOT NULL,
	reason              TEXT NOT NULL
	                    CHECK (reason IN ('max_retries','permanent_reject','schema_invalid')),
	payload             BLOB NOT NULL,
	payload_hash        TEXT NOT NULL,
	retry_attempts      INTEGER NOT NULL,
	last_error          TEXT,
	resolved_at         INTEGER,
	resolved_by         TEXT
);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL
	           CHECK (event_type IN ('receipt_added','receipt_synced','receipt_failed',
	                                 'circuit_opened','circuit_closed','sync_started','sync_completed')),
	at         INTEGER NOT NULL,
	receipt_id TEXT,
	metadata   TEXT
);
`

func appendEvent(tx *sql.Tx, eventType string, at int64, receiptID, metadata string) error {
	var rid, md interface{}
	if receiptID != "" {
		rid = receiptID
	}
	if metadata != "" {
		md = metadata
	}
	if _, err := tx.Exec(
		"INSERT INTO events (event_type, at, receipt_id, metadata) VALUES (?, ?, ?, ?)",
		eventType, at, rid, md); err != nil {
		return fmt.Errorf("appending %s event: %w", eventType, err)
	}
	return nil
}

// AppendEvent records a lifecycle event outside of any receipt mutation,
// e.g. circuit breaker transitions and sync cycle boundaries.
func (s *Store) AppendEvent(ctx context.Context, eventType, receiptID, metadata string) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback()

	if err = appendEvent(tx, eventType, s.opts.Now().Unix(), receiptID, metadata); err != nil {
		return err
	}
	return tx.Commit()
}

// Insert durably stores a new receipt with status=pending, appending the
// receipt_added event in the same transaction. It returns BufferFullError
// when pending+syncing is at capacity and DuplicateKeyError when the
// idempotency key is already known.
func (s *Store) Insert(ctx context.Context, r *Receipt) error {
	var now = s.opts.Now().Unix()
	r.Status = StatusPending
	r.UpdatedAt = now
	r.PayloadHash = HashPayload(r.Payload)

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotent create: surface the pre-existing receipt. The failed rows
	// are retained after DLQ mirroring, so this uniqueness check spans
	// live receipts and dead letters alike.
	var existingID, existingStatus, existingHash string
	err = tx.QueryRow(
		"SELECT id, status, payload_hash FROM receipts WHERE idempotency_key = ?",
		r.IdempotencyKey).Scan(&existingID, &existingStatus, &existingHash)
	if err == nil {
		return &DuplicateKeyError{
			ID:             existingID,
			Status:         existingStatus,
			PayloadMatches: existingHash == r.PayloadHash,
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("looking up idempotency key: %w", err)
	}

	var live int
	if err = tx.QueryRow(
		"SELECT COUNT(*) FROM receipts WHERE status IN ('pending','syncing')").Scan(&live); err != nil {
		return fmt.Errorf("counting live receipts: %w", err)
	}
	if live*100 >= s.opts.Capacity*s.opts.BlockPercent {
		return &BufferFullError{Capacity: s.opts.Capacity}
	}

	if _, err = tx.Exec(`
		INSERT INTO receipts (id, pos_id, created_at, hlc_local, hlc_counter, type,
		                      original_id, payload, payload_hash, idempotency_key,
		                      status, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		r.ID, r.PosID, r.CreatedAt, r.HLCLocal, r.HLCCounter, r.Type,
		r.OriginalID, r.Payload, r.PayloadHash, r.IdempotencyKey, now); err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	if err = appendEvent(tx, EventReceiptAdded, now, r.ID, ""); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}

	s.observeFullness(live + 1)
	receiptsAdded.Inc()
	return nil
}

func (s *Store) observeFullness(live int) {
	var pct = live * 100 / s.opts.Capacity
	fullnessGauge.Set(float64(live) / float64(s.opts.Capacity))

	if pct >= 100 && s.alertLevel < 100 {
		s.alertLevel = 100
		alertsRaised.WithLabelValues("P1").Inc()
		log.WithFields(log.Fields{"live": live, "capacity": s.opts.Capacity}).
			Error("receipt buffer is full; sales are blocked until drained")
	} else if pct >= s.opts.AlertPercent && s.alertLevel < s.opts.AlertPercent {
		s.alertLevel = s.opts.AlertPercent
		alertsRaised.WithLabelValues("P2").Inc()
		log.WithFields(log.Fields{"live": live, "capacity": s.opts.Capacity}).
			Warn("receipt buffer fullness crossed alert threshold")
	} else if pct < s.opts.AlertPercent {
		s.alertLevel = 0
	}
}

// ClaimPending atomically transitions up to |limit| eligible pending
// receipts to syncing and returns them in HLC order. Receipts inside their
// retry backoff window (exponential from 1s, capped at 60s) are skipped.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Receipt, error) {
	var now = s.opts.Now().Unix()

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, pos_id, created_at, hlc_local, hlc_counter, hlc_server, type,
		       original_id, payload, payload_hash, idempotency_key, status,
		       retry_count, last_error, synced_at, updated_at
		FROM receipts
		WHERE status = 'pending'
		  AND (retry_count = 0 OR updated_at + MIN(60, 1 << MIN(retry_count, 6)) <= ?)
		ORDER BY COALESCE(hlc_server, 9223372036854775807), hlc_local, hlc_counter
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending receipts: %w", err)
	}
	claimed, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		if _, err = tx.Exec(
			"UPDATE receipts SET status = 'syncing', updated_at = ? WHERE id = ?",
			now, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claiming receipt %s: %w", claimed[i].ID, err)
		}
		claimed[i].Status = StatusSyncing
		claimed[i].UpdatedAt = now
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// MarkSynced transitions syncing->synced, recording the OFD server time.
func (s *Store) MarkSynced(ctx context.Context, id string, hlcServer int64) error {
	var now = s.opts.Now().Unix()

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mark-synced transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE receipts SET status = 'synced', hlc_server = ?, synced_at = ?, updated_at = ?
		WHERE id = ? AND status = 'syncing'`,
		hlcServer, now, now, id)
	if err != nil {
		return fmt.Errorf("marking receipt synced: %w", err)
	}
	if err = s.requireTransition(tx, res, id); err != nil {
		return err
	}
	if err = appendEvent(tx, EventReceiptSynced, now, id, fmt.Sprintf(`{"hlc_server":%d}`, hlcServer)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing mark-synced: %w", err)
	}
	receiptsSynced.Inc()
	return nil
}

// IncrementRetry transitions syncing->pending and bumps the retry counter.
// When the counter reaches the retry budget the receipt moves to the DLQ
// instead; the returned bool reports that case.
func (s *Store) IncrementRetry(ctx context.Context, id string, cause string) (dlq bool, err error) {
	var now = s.opts.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	var retries int
	var status string
	err = tx.QueryRow("SELECT retry_count, status FROM receipts WHERE id = ?", id).
		Scan(&retries, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	} else if err != nil {
		return false, fmt.Errorf("reading receipt %s: %w", id, err)
	}
	if status != StatusSyncing {
		return false, fmt.Errorf("receipt %s is %s: %w", id, status, ErrBadTransition)
	}

	if retries+1 >= s.opts.MaxRetries {
		if err = moveToDLQTx(tx, id, ReasonMaxRetries, cause, retries+1, now); err != nil {
			return false, err
		}
		if err = tx.Commit(); err != nil {
			return false, fmt.Errorf("committing move to DLQ: %w", err)
		}
		receiptsDeadLettered.WithLabelValues(ReasonMaxRetries).Inc()
		return true, nil
	}

	if _, err = tx.Exec(`
		UPDATE receipts SET status = 'pending', retry_count = retry_count + 1,
		       last_error = ?, updated_at = ?
		WHERE id = ?`, cause, now, id); err != nil {
		return false, fmt.Errorf("incrementing retry: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("committing retry: %w", err)
	}
	retriesTotal.Inc()
	return false, nil
}

// MoveToDLQ transitions syncing->failed and mirrors the receipt into the
// dead-letter queue within the same transaction.
func (s *Store) MoveToDLQ(ctx context.Context, id, reason, cause string) error {
	var now = s.opts.Now().Unix()

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning DLQ transaction: %w", err)
	}
	defer tx.Rollback()

	var retries int
	var status string
	err = tx.QueryRow("SELECT retry_count, status FROM receipts WHERE id = ?", id).
		Scan(&retries, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("reading receipt %s: %w", id, err)
	}
	if status != StatusSyncing {
		return fmt.Errorf("receipt %s is %s: %w", id, status, ErrBadTransition)
	}

	if err = moveToDLQTx(tx, id, reason, cause, retries, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing move to DLQ: %w", err)
	}
	receiptsDeadLettered.WithLabelValues(reason).Inc()
	return nil
}

func moveToDLQTx(tx *sql.Tx, id, reason, cause string, attempts int, now int64) error {
	// retry_count is written alongside the terminal status so the retained
	// receipt row and its dead letter agree on the attempt count.
	if _, err := tx.Exec(`
		UPDATE receipts SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, cause, now, id); err != nil {
		return fmt.Errorf("failing receipt: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO dead_letters (id, original_receipt_id, failed_at, reason,
		                          payload, payload_hash, retry_attempts, last_error)
		SELECT id, id, ?, ?, payload, payload_hash, ?, ?
		FROM receipts WHERE id = ?`,
		now, reason, attempts, cause, id); err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return appendEvent(tx, EventReceiptFailed, now, id, fmt.Sprintf(`{"reason":%q}`, reason))
}

// ReleaseClaim returns a syncing receipt to pending without consuming its
// retry budget. Used when a sync cycle aborts before attempting delivery,
// e.g. the circuit opened mid-batch.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE receipts SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'syncing'`,
		s.opts.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("releasing claim on %s: %w", id, err)
	}
	// Releasing a receipt that already moved on is not an error; the
	// abort path races with nothing by construction but stays tolerant.
	_, err = res.RowsAffected()
	return err
}

// RevertStaleSyncing returns receipts stuck in syncing longer than
// |olderThan| back to pending. Run at worker startup to recover claims
// orphaned by a crash.
func (s *Store) RevertStaleSyncing(ctx context.Context, olderThan time.Duration) (int, error) {
	var now = s.opts.Now().Unix()
	var cutoff = now - int64(olderThan/time.Second)

	var res, err = s.db.ExecContext(ctx, `
		UPDATE receipts SET status = 'pending', updated_at = ?
		WHERE status = 'syncing' AND updated_at <= ?`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reverting stale syncing receipts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("count", n).Warn("reverted stale syncing receipts to pending")
	}
	return int(n), nil
}

// Get returns the identified receipt.
func (s *Store) Get(ctx context.Context, id string) (*Receipt, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, pos_id, created_at, hlc_local, hlc_counter, hlc_server, type,
		       original_id, payload, payload_hash, idempotency_key, status,
		       retry_count, last_error, synced_at, updated_at
		FROM receipts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}
	out, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// GetByIdempotencyKey returns the receipt created under |key|, if any.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Receipt, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT id, pos_id, created_at, hlc_local, hlc_counter, hlc_server, type,
		       original_id, payload, payload_hash, idempotency_key, status,
		       retry_count, last_error, synced_at, updated_at
		FROM receipts WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("selecting receipt by key: %w", err)
	}
	out, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// Status computes the composite buffer summary.
func (s *Store) Status(ctx context.Context) (*StatusSummary, error) {
	var sum = StatusSummary{Capacity: s.opts.Capacity}

	var rows, err = s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM receipts GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			sum.Pending = n
		case StatusSyncing:
			sum.Syncing = n
		case StatusSynced:
			sum.Synced = n
		case StatusFailed:
			sum.Failed = n
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL").Scan(&sum.DLQ); err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	var last sql.NullInt64
	if err = s.db.QueryRowContext(ctx,
		"SELECT MAX(synced_at) FROM receipts").Scan(&last); err != nil {
		return nil, fmt.Errorf("reading last sync time: %w", err)
	}
	if last.Valid {
		sum.LastSyncedAt = &last.Int64
	}

	sum.Fullness = float64(sum.Pending+sum.Syncing) / float64(sum.Capacity)
	fullnessGauge.Set(sum.Fullness)
	dlqGauge.Set(float64(sum.DLQ))
	return &sum, nil
}

// ListDLQ returns dead letters, optionally including resolved ones.
func (s *Store) ListDLQ(ctx context.Context, includeResolved bool) ([]DeadLetter, error) {
	var q = `
		SELECT id, original_receipt_id, failed_at, reason, payload, payload_hash,
		       retry_attempts, last_error, resolved_at, resolved_by
		FROM dead_letters`
	if !includeResolved {
		q += " WHERE resolved_at IS NULL"
	}
	q += " ORDER BY failed_at"

	var rows, err = s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("selecting dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err = rows.Scan(&d.ID, &d.OriginalReceiptID, &d.FailedAt, &d.Reason,
			&d.Payload, &d.PayloadHash, &d.RetryAttempts, &d.LastError,
			&d.ResolvedAt, &d.ResolvedBy); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDLQ stamps a dead letter as handled by an operator. Resolution is
// bookkeeping only; re-submission goes through the normal receipt endpoint.
func (s *Store) ResolveDLQ(ctx context.Context, id, resolvedBy string) error {
	var res, err = s.db.ExecContext(ctx, `
		UPDATE dead_letters SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		s.opts.Now().Unix(), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Events returns the lifecycle log from |afterSeq| onward, oldest first.
func (s *Store) Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	var rows, err = s.db.QueryContext(ctx, `
		SELECT seq, event_type, at, receipt_id, metadata
		FROM events WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err = rows.Scan(&e.Seq, &e.Type, &e.At, &e.ReceiptID, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) requireTransition(tx *sql.Tx, res sql.Result, id string) error {
	var n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = tx.QueryRow("SELECT status FROM receipts WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("reading receipt %s: %w", id, err)
	}
	return fmt.Errorf("receipt %s is %s: %w", id, status, ErrBadTransition)
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.PosID, &r.CreatedAt, &r.HLCLocal, &r.HLCCounter,
			&r.HLCServer, &r.Type, &r.OriginalID, &r.Payload, &r.PayloadHash,
			&r.IdempotencyKey, &r.Status, &r.RetryCount, &r.LastError,
			&r.SyncedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
