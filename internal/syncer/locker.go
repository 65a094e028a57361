package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrLockHeld is returned when another worker holds the sync lock. Forced
// sync surfaces it as HTTP 409.
var ErrLockHeld = errors.New("sync lock is held by another worker")

// Locker serializes sync cycles across all adapter processes. Two workers
// invoking the OFD for the same receipt would break exactly-once delivery,
// because the OFD's own idempotency is not assumed.
type Locker interface {
	// TryAcquire returns a release function, or ErrLockHeld.
	TryAcquire(ctx context.Context) (func(context.Context), error)
}

// EtcdLocker implements Locker with an etcd lease: the lock key is written
// under a TTL'd lease via a create-revision compare, and the lease ID acts
// as the fencing token. A crashed holder's lease expires and frees the key.
type EtcdLocker struct {
	client *clientv3.Client
	key    string
	ttl    time.Duration
}

// NewEtcdLocker returns a Locker over |key| with the given lease TTL.
func NewEtcdLocker(client *clientv3.Client, key string, ttl time.Duration) *EtcdLocker {
	return &EtcdLocker{client: client, key: key, ttl: ttl}
}

func (l *EtcdLocker) TryAcquire(ctx context.Context) (func(context.Context), error) {
	var lease, err = l.client.Grant(ctx, int64(l.ttl/time.Second))
	if err != nil {
		return nil, fmt.Errorf("granting sync lock lease: %w", err)
	}
	var token = fmt.Sprintf("%016x", lease.ID)

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		l.client.Revoke(context.Background(), lease.ID)
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !resp.Succeeded {
		l.client.Revoke(context.Background(), lease.ID)
		return nil, ErrLockHeld
	}

	var release = func(ctx context.Context) {
		// Delete only our own key, authenticated by the fencing token,
		// then drop the lease.
		if _, err := l.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(l.key), "=", token)).
			Then(clientv3.OpDelete(l.key)).
			Commit(); err != nil {
			log.WithFields(log.Fields{"key": l.key, "err": err}).
				Warn("failed to delete sync lock key; lease expiry will free it")
		}
		if _, err := l.client.Revoke(ctx, lease.ID); err != nil {
			log.WithFields(log.Fields{"key": l.key, "err": err}).
				Warn("failed to revoke sync lock lease")
		}
	}
	return release, nil
}

// LocalLocker is the single-node fallback used when no etcd endpoint is
// configured. It serializes cycles within this process only.
type LocalLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *LocalLocker) TryAcquire(context.Context) (func(context.Context), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrLockHeld
	}
	l.held = true
	return func(context.Context) {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}
