package ingest

import "sync/atomic"

// runLock marks a project as owned by a queue worker. A worker is started
// only by the caller whose TryAcquire succeeds, so at most one run per
// project is active at a time.
type runLock struct {
	state atomic.Int32 // 0 = free, 1 = owned
}

// TryAcquire takes the lock without blocking
func (l *runLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release frees the lock. Only the owner may call it.
func (l *runLock) Release() {
	l.state.Store(0)
}

// Held reports whether a worker owns the project
func (l *runLock) Held() bool {
	return l.state.Load() == 1
}
