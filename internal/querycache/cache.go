// Package querycache keeps remote query results in memory and decides when
// they must be fetched again.
//
// Results are versioned by fetch order: every fetch takes a sequence number
// when it starts and its result is applied only if no later fetch, and no
// local write, has been applied since. A slow response can therefore never
// overwrite fresher data.
package querycache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownKey is returned for keys that were never registered.
	ErrUnknownKey = errors.New("querycache: unknown key")
	// ErrDuplicateKey is returned when registering a key twice.
	ErrDuplicateKey = errors.New("querycache: key already registered")
	// ErrDisabled is returned when fetching a query whose gate is closed.
	ErrDisabled = errors.New("querycache: query disabled")
	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("querycache: closed")
)

// Status describes the last applied outcome of a query.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Fetcher loads the authoritative value of a query.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options control when a query fetches.
type Options struct {
	// StaleTime is how long fetched data is served without asking again.
	// Zero means data is stale as soon as it arrives.
	StaleTime time.Duration
	// RefetchInterval polls the query in the background when positive.
	RefetchInterval time.Duration
	// Enabled opens the gate at registration. Closed queries never fetch.
	Enabled bool
}

// State is a copy of a query's current value.
type State[T any] struct {
	Key         string
	Data        T
	HasData     bool
	FetchedAt   time.Time
	UpdatedAt   time.Time
	Err         error
	Status      Status
	Fetching    bool
	Invalidated bool
}

// Listener observes applied changes.
type Listener[T any] func(State[T])

// Snapshot captures a query before a local write so the write can be undone.
type Snapshot[T any] struct {
	key   string
	state State[T]
}

// Key returns the query key the snapshot belongs to.
func (s Snapshot[T]) Key() string { return s.key }

// Data returns the value held before the write.
func (s Snapshot[T]) Data() T { return s.state.Data }

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	logger       *slog.Logger
	now          func() time.Time
	fetchTimeout time.Duration
}

// WithLogger sets the logger used for background fetch failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithFetchTimeout bounds every fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *settings) { s.fetchTimeout = d }
}

// Cache holds queries of one value type.
type Cache[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	now    func() time.Time
	limit  time.Duration

	mu        sync.RWMutex
	queries   map[string]*Query[T]
	listeners map[int]Listener[T]
	nextID    int

	life    sync.Mutex
	closed  bool
	fetches sync.WaitGroup
	pollers sync.WaitGroup
}

// New builds a Cache whose background work stops when ctx is cancelled or
// Close is called.
func New[T any](ctx context.Context, opts ...Option) *Cache[T] {
	s := settings{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Cache[T]{
		ctx:       ctx,
		cancel:    cancel,
		logger:    s.logger.With(slog.String("component", "querycache")),
		now:       s.now,
		limit:     s.fetchTimeout,
		queries:   make(map[string]*Query[T]),
		listeners: make(map[int]Listener[T]),
	}
}

// Register adds a query under key. Polling starts immediately but only
// fetches while the query is enabled.
func (c *Cache[T]) Register(key string, fetch Fetcher[T], opts Options) (*Query[T], error) {
	c.mu.Lock()
	if _, ok := c.queries[key]; ok {
		c.mu.Unlock()
		return nil, ErrDuplicateKey
	}
	q := &Query[T]{
		cache:   c,
		key:     key,
		fetch:   fetch,
		opts:    opts,
		enabled: opts.Enabled,
		state:   State[T]{Key: key, Status: StatusIdle},
	}
	c.queries[key] = q
	c.mu.Unlock()

	if opts.RefetchInterval > 0 {
		c.life.Lock()
		if c.closed {
			c.life.Unlock()
			return q, nil
		}
		c.pollers.Add(1)
		c.life.Unlock()
		go c.poll(q)
	}
	return q, nil
}

// Query returns the query registered under key.
func (c *Cache[T]) Query(key string) (*Query[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[key]
	return q, ok
}

// Keys lists registered keys.
func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.queries))
	for k := range c.queries {
		out = append(out, k)
	}
	return out
}

// Invalidate marks key stale and refetches it if enabled.
func (c *Cache[T]) Invalidate(key string) error {
	q, ok := c.Query(key)
	if !ok {
		return ErrUnknownKey
	}
	q.Invalidate()
	return nil
}

// InvalidateAll marks every query stale.
func (c *Cache[T]) InvalidateAll() {
	c.mu.RLock()
	list := make([]*Query[T], 0, len(c.queries))
	for _, q := range c.queries {
		list = append(list, q)
	}
	c.mu.RUnlock()
	for _, q := range list {
		q.Invalidate()
	}
}

// SetData replaces the value of key with fn(current) and returns the
// snapshot to roll back to. fn must return a new value instead of mutating
// the one it receives. Fetches already in flight are discarded on arrival.
func (c *Cache[T]) SetData(key string, fn func(T) T) (Snapshot[T], error) {
	q, ok := c.Query(key)
	if !ok {
		return Snapshot[T]{}, ErrUnknownKey
	}
	return q.SetData(fn), nil
}

// Restore puts a snapshot back and leaves the query invalidated so the next
// fetch replaces it with server state.
func (c *Cache[T]) Restore(snap Snapshot[T]) error {
	q, ok := c.Query(snap.key)
	if !ok {
		return ErrUnknownKey
	}
	q.restore(snap)
	return nil
}

// Subscribe registers l for every applied change and returns the function
// that removes it.
func (c *Cache[T]) Subscribe(l Listener[T]) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Wait blocks until background fetches started so far have finished.
func (c *Cache[T]) Wait() {
	c.fetches.Wait()
}

// Close stops polling and waits for running fetches.
func (c *Cache[T]) Close() {
	c.life.Lock()
	c.closed = true
	c.life.Unlock()
	c.cancel()
	c.pollers.Wait()
	c.fetches.Wait()
}

func (c *Cache[T]) notify(st State[T]) {
	c.mu.RLock()
	list := make([]Listener[T], 0, len(c.listeners))
	for _, l := range c.listeners {
		list = append(list, l)
	}
	c.mu.RUnlock()
	for _, l := range list {
		l(st)
	}
}

func (c *Cache[T]) poll(q *Query[T]) {
	defer c.pollers.Done()
	ticker := time.NewTicker(q.opts.RefetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			q.Refetch()
		}
	}
}

// background runs fn on the cache context unless the cache is closed. prepare
// runs synchronously first so sequence numbers follow call order.
func (c *Cache[T]) background(fn func(ctx context.Context), prepare func()) bool {
	c.life.Lock()
	if c.closed || c.ctx.Err() != nil {
		c.life.Unlock()
		return false
	}
	c.fetches.Add(1)
	c.life.Unlock()
	prepare()
	go func() {
		defer c.fetches.Done()
		fn(c.ctx)
	}()
	return true
}
