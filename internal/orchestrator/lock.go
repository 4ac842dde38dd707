package orchestrator

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/semaphore"
)

// Locker serializes hydration cycles: at most one active cycle per
// lock scope at any instant.
type Locker interface {
	Acquire(ctx context.Context) error
	Release()
}

// SemaphoreLocker is the default in-process lock. Waiters are woken in
// FIFO order, one at a time.
type SemaphoreLocker struct {
	sem *semaphore.Weighted
}

// NewSemaphoreLocker builds a lock admitting one holder.
func NewSemaphoreLocker() *SemaphoreLocker {
	return &SemaphoreLocker{sem: semaphore.NewWeighted(1)}
}

func (l *SemaphoreLocker) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *SemaphoreLocker) Release() {
	l.sem.Release(1)
}

// TryAcquire attempts the lock without waiting.
func (l *SemaphoreLocker) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// EtcdLocker serializes hydration across orchestrator replicas that
// share a cache mirror, so a dashboard fleet still issues one remote
// call per key.
type EtcdLocker struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// NewEtcdLocker builds a distributed lock under prefix.
func NewEtcdLocker(client *clientv3.Client, prefix string) (*EtcdLocker, error) {
	session, err := concurrency.NewSession(client)
	if err != nil {
		return nil, fmt.Errorf("create etcd session: %w", err)
	}
	return &EtcdLocker{
		session: session,
		mutex:   concurrency.NewMutex(session, prefix),
	}, nil
}

func (l *EtcdLocker) Acquire(ctx context.Context) error {
	return l.mutex.Lock(ctx)
}

func (l *EtcdLocker) Release() {
	// Unlock with a fresh context: the cycle's context may already be
	// done and the lock must still be released.
	_ = l.mutex.Unlock(context.Background())
}

// Close tears down the etcd session.
func (l *EtcdLocker) Close() error {
	return l.session.Close()
}
