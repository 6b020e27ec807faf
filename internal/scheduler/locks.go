package scheduler

import (
	"context"
	"sort"
	"sync"
)

// FileLocks provides per-file mutual exclusion between concurrently running
// steps. Each path gets its own one-slot channel so waiting can be cancelled.
type FileLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{locks: make(map[string]chan struct{})}
}

func (l *FileLocks) slot(path string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[path] = ch
	}
	return ch
}

// Lock acquires the lock for path or returns ctx's error.
func (l *FileLocks) Lock(ctx context.Context, path string) error {
	select {
	case l.slot(path) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock for path.
func (l *FileLocks) Unlock(path string) {
	select {
	case <-l.slot(path):
	default:
	}
}

// LockAll acquires every path in sorted order so two steps can never
// deadlock on each other. On failure the locks already taken are released.
func (l *FileLocks) LockAll(ctx context.Context, paths []string) error {
	sorted := sortedUnique(paths)
	for i, p := range sorted {
		if err := l.Lock(ctx, p); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases every path, in reverse sorted order.
func (l *FileLocks) UnlockAll(paths []string) {
	sorted := sortedUnique(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}

func sortedUnique(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
