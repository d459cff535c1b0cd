package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/99oblivius/vmgr/lock"
)

const pollInterval = 100 * time.Millisecond

var _ lock.Locker = (*Lock)(nil)

// Lock combines two layers of mutual exclusion:
//
//   - in-process, via a size-1 token channel, so that goroutines sharing one
//     Lock value block each other without touching the filesystem;
//   - cross-process, via flock(2) on path, taken with a fresh fd on every
//     acquisition.
//
// The channel (rather than sync.Mutex) gives Lock context-aware blocking and
// gives TryLock a non-blocking fast path.
type Lock struct {
	path string
	tok  chan struct{}
	held *flock.Flock // non-nil while the file lock is held
}

// New creates a Lock for the given lock file path.
func New(path string) *Lock {
	return &Lock{path: path, tok: make(chan struct{}, 1)}
}

// Lock blocks until the lock is acquired or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.tok <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.acquireFile(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, pollInterval)
	})
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock attempts a non-blocking acquisition.
// Returns (false, nil) when another caller currently holds the lock.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.tok <- struct{}{}:
	default:
		return false, nil
	}
	return l.acquireFile(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Unlock releases both layers.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.held != nil {
		err = l.held.Unlock()
		l.held = nil
	}
	select {
	case <-l.tok:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// acquireFile runs acquire on a fresh flock fd. On success the fd is kept for
// Unlock; on failure the in-process token is returned so that Lock/TryLock
// and Unlock always pair up.
func (l *Lock) acquireFile(acquire func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	locked, err := acquire(fl)
	if err != nil || !locked {
		<-l.tok
		return false, err
	}
	l.held = fl
	return true, nil
}
