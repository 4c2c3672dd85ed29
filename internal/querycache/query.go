package querycache

import (
	"context"
	"log/slog"
	"sync"
)

// Query is one cached remote value.
type Query[T any] struct {
	cache *Cache[T]
	key   string
	fetch Fetcher[T]
	opts  Options

	mu       sync.Mutex
	state    State[T]
	enabled  bool
	started  uint64
	applied  uint64
	inflight int
}

// Key returns the query key.
func (q *Query[T]) Key() string { return q.key }

// State returns a copy of the current state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Enabled reports whether the gate is open.
func (q *Query[T]) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// SetEnabled opens or closes the gate. Opening it fetches stale data.
func (q *Query[T]) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	q.mu.Unlock()
	if enabled {
		q.Ensure()
	}
}

// Stale reports whether the next read should go to the server.
func (q *Query[T]) Stale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.staleLocked()
}

func (q *Query[T]) staleLocked() bool {
	if !q.state.HasData || q.state.Invalidated {
		return true
	}
	return q.cache.now().Sub(q.state.FetchedAt) >= q.opts.StaleTime
}

// Ensure starts a background fetch when the query is enabled, stale and not
// already fetching. It reports whether a fetch was started.
func (q *Query[T]) Ensure() bool {
	q.mu.Lock()
	need := q.enabled && q.inflight == 0 && q.staleLocked()
	q.mu.Unlock()
	if !need {
		return false
	}
	return q.Refetch()
}

// Invalidate marks the data stale and refetches when enabled, even if a
// fetch is already running: that fetch may have read the old value.
func (q *Query[T]) Invalidate() {
	q.mu.Lock()
	q.state.Invalidated = true
	q.mu.Unlock()
	q.Refetch()
}

// Refetch starts a background fetch if the query is enabled.
func (q *Query[T]) Refetch() bool {
	if !q.Enabled() {
		return false
	}
	var seq uint64
	return q.cache.background(func(ctx context.Context) {
		if _, err := q.run(ctx, seq); err != nil && ctx.Err() == nil {
			q.cache.logger.Debug("background fetch failed", slog.String("key", q.key), slog.Any("error", err))
		}
	}, func() { seq = q.begin() })
}

// Fetch fetches synchronously and returns the state after applying the
// result. When a later fetch has already been applied the returned state is
// that newer one and err is nil.
func (q *Query[T]) Fetch(ctx context.Context) (State[T], error) {
	if !q.Enabled() {
		return q.State(), ErrDisabled
	}
	return q.run(ctx, q.begin())
}

// SetData applies fn to the current value as a local write.
func (q *Query[T]) SetData(fn func(T) T) Snapshot[T] {
	q.mu.Lock()
	snap := Snapshot[T]{key: q.key, state: q.state}
	q.state.Data = fn(q.state.Data)
	q.state.HasData = true
	q.state.UpdatedAt = q.cache.now()
	q.applied = q.started
	st := q.state
	q.mu.Unlock()
	q.cache.notify(st)
	return snap
}

func (q *Query[T]) restore(snap Snapshot[T]) {
	q.mu.Lock()
	q.state.Data = snap.state.Data
	q.state.HasData = snap.state.HasData
	q.state.FetchedAt = snap.state.FetchedAt
	q.state.Err = snap.state.Err
	q.state.Status = snap.state.Status
	q.state.UpdatedAt = q.cache.now()
	q.state.Invalidated = true
	q.applied = q.started
	st := q.state
	q.mu.Unlock()
	q.cache.notify(st)
}

func (q *Query[T]) begin() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started++
	q.inflight++
	q.state.Fetching = true
	if !q.state.HasData && q.state.Status == StatusIdle {
		q.state.Status = StatusLoading
	}
	return q.started
}

func (q *Query[T]) run(ctx context.Context, seq uint64) (State[T], error) {
	if q.cache.limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cache.limit)
		defer cancel()
	}
	data, err := q.fetch(ctx)
	st, applied := q.finish(seq, data, err)
	if !applied {
		return st, nil
	}
	return st, err
}

func (q *Query[T]) finish(seq uint64, data T, err error) (State[T], bool) {
	q.mu.Lock()
	q.inflight--
	q.state.Fetching = q.inflight > 0
	if seq <= q.applied {
		st := q.state
		q.mu.Unlock()
		return st, false
	}
	q.applied = seq
	now := q.cache.now()
	if err != nil {
		q.state.Err = err
		q.state.Status = StatusError
	} else {
		q.state.Data = data
		q.state.HasData = true
		q.state.FetchedAt = now
		q.state.Err = nil
		q.state.Status = StatusSuccess
		q.state.Invalidated = false
	}
	q.state.UpdatedAt = now
	st := q.state
	q.mu.Unlock()
	q.cache.notify(st)
	return st, true
}
