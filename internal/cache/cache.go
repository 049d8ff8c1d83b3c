// Package cache is a keyed query cache with per-key request deduplication,
// staleness tracking, observer-driven background refetching and prefix
// invalidation.
//
// An entry is "active" while at least one Watch subscription observes it.
// Active entries refetch on invalidation and on their refetch interval;
// inactive entries are only marked stale and refetch on next access. At most
// one fetch per key is in flight at any time, and the next poll tick is armed
// only after the previous fetch settles.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Query describes how to load and maintain one key.
type Query struct {
	Key   Key
	Fetch Fetcher
	// StaleTime is how long a fetched value is served without refetching.
	StaleTime time.Duration
	// RefetchInterval returns the delay until the next background refetch
	// given the latest value. Returning false stops polling.
	RefetchInterval func(value any) (time.Duration, bool)
}

// Entry is a snapshot of a cached key.
type Entry struct {
	Key         Key
	Value       any
	Err         error
	HasValue    bool
	FetchedAt   time.Time
	Invalidated bool
	Fetching    bool
	// Interval is the armed poll delay, zero when no refetch is scheduled.
	Interval time.Duration
}

// Observer receives an entry snapshot after every settled fetch or Set.
type Observer func(Entry)

type entry struct {
	key         Key
	query       Query
	hasQuery    bool
	value       any
	err         error
	hasValue    bool
	fetchedAt   time.Time
	invalidated bool
	inflight    bool
	observers   map[uint64]Observer
	timer       Timer
	timerGen    uint64
	interval    time.Duration
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:         e.key,
		Value:       e.value,
		Err:         e.err,
		HasValue:    e.hasValue,
		FetchedAt:   e.fetchedAt,
		Invalidated: e.invalidated,
		Fetching:    e.inflight,
		Interval:    e.interval,
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	clock   Clock
	log     zerolog.Logger
	nextSub uint64
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(cc *Cache) { cc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cc *Cache) { cc.log = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		clock:   RealClock(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookup returns the entry for key, creating it. Caller holds c.mu.
func (c *Cache) lookup(key Key) *entry {
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), key...), observers: make(map[uint64]Observer)}
		c.entries[id] = e
	}
	return e
}

// register records the latest options for a key. Caller holds c.mu.
func (c *Cache) register(q Query) *entry {
	e := c.lookup(q.Key)
	if q.Fetch != nil {
		e.query = q
		e.hasQuery = true
	}
	return e
}

func (c *Cache) fresh(e *entry) bool {
	if !e.hasValue || e.invalidated || e.err != nil {
		return false
	}
	return c.clock.Now().Sub(e.fetchedAt) < e.query.StaleTime
}

// Get returns the current snapshot for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Set stores value for key as freshly fetched data and notifies observers.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	e := c.lookup(key)
	e.value = value
	e.err = nil
	e.hasValue = true
	e.invalidated = false
	e.fetchedAt = c.clock.Now()
	c.schedule(e)
	snap, observers := e.snapshot(), e.observerList()
	c.mu.Unlock()

	notify(observers, snap)
}

// Fetch returns the cached value when fresh, otherwise loads it, joining a
// fetch already in flight for the same key. Cancelling ctx abandons the
// wait, not the fetch.
func (c *Cache) Fetch(ctx context.Context, q Query) (any, error) {
	if q.Fetch == nil {
		return nil, fmt.Errorf("cache: query %s has no fetcher", q.Key)
	}
	c.mu.Lock()
	e := c.register(q)
	if c.fresh(e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	ch := c.start(ctx, q.Key, false)
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refetch loads key with its registered fetcher regardless of freshness,
// joining any fetch already in flight.
func (c *Cache) Refetch(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key.id()]
	if !ok || !e.hasQuery {
		c.mu.Unlock()
		return nil, fmt.Errorf("cache: no query registered for %s", key)
	}
	c.mu.Unlock()

	select {
	case res := <-c.start(ctx, key, true):
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start runs or joins the fetch for key. Unless force is set, a value that
// became fresh while the caller was deciding to fetch is returned as is.
func (c *Cache) start(ctx context.Context, key Key, force bool) <-chan singleflight.Result {
	id := key.id()
	return c.group.DoChan(id, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), key, force)
	})
}

func (c *Cache) run(ctx context.Context, key Key, force bool) (any, error) {
	c.mu.Lock()
	e := c.lookup(key)
	if !e.hasQuery {
		c.mu.Unlock()
		return nil, fmt.Errorf("cache: no query registered for %s", key)
	}
	if !force && c.fresh(e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	fetch := e.query.Fetch
	e.inflight = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	c.mu.Unlock()

	value, err := fetch(ctx)

	c.mu.Lock()
	e.inflight = false
	if err != nil {
		e.err = err
		c.log.Debug().Err(err).Str("key", key.String()).Msg("query fetch failed")
	} else {
		e.value = value
		e.err = nil
		e.hasValue = true
		e.invalidated = false
		e.fetchedAt = c.clock.Now()
	}
	c.schedule(e)
	snap, observers := e.snapshot(), e.observerList()
	c.mu.Unlock()

	notify(observers, snap)
	return value, err
}

// schedule arms the poll timer for an active entry from its latest good
// value. A failed fetch keeps polling on the previous value's interval.
// Caller holds c.mu.
func (c *Cache) schedule(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.interval = 0
	if c.closed || len(e.observers) == 0 || !e.hasQuery || e.query.RefetchInterval == nil || !e.hasValue || e.inflight {
		return
	}
	d, ok := e.query.RefetchInterval(e.value)
	if !ok || d <= 0 {
		return
	}
	e.interval = d
	e.timerGen++
	key, gen := e.key, e.timerGen
	e.timer = c.clock.AfterFunc(d, func() { c.tick(key, gen) })
}

func (c *Cache) tick(key Key, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[key.id()]
	if !ok || c.closed || e.timerGen != gen || e.timer == nil {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	// An in-flight fetch re-arms the timer when it settles.
	if len(e.observers) == 0 || e.inflight {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.start(context.Background(), key, true)
}

// Invalidate marks every entry whose key starts with one of the prefixes as
// stale and refetches those that are observed, once each. Entries with a
// fetch in flight are marked but not refetched again. It returns the
// affected keys.
func (c *Cache) Invalidate(prefixes ...Key) []Key {
	c.mu.Lock()
	var (
		keys    []Key
		refetch []Key
	)
	for _, e := range c.entries {
		if !matchesAny(e.key, prefixes) {
			continue
		}
		e.invalidated = true
		keys = append(keys, e.key)
		if len(e.observers) > 0 && e.hasQuery && !e.inflight {
			refetch = append(refetch, e.key)
		}
	}
	c.mu.Unlock()

	for _, key := range refetch {
		c.start(context.Background(), key, true)
	}
	if len(keys) > 0 {
		c.log.Debug().Int("prefixes", len(prefixes)).Int("entries", len(keys)).Int("refetching", len(refetch)).Msg("cache invalidated")
	}
	return keys
}

func matchesAny(key Key, prefixes []Key) bool {
	for _, p := range prefixes {
		if key.HasPrefix(p) {
			return true
		}
	}
	return false
}

// Subscription is an active observation of one key.
type Subscription struct {
	cache *Cache
	key   Key
	id    uint64
	once  sync.Once
	stop  func() bool
}

// Watch observes q.Key. fn is called with the current value when one is
// cached and after every settled fetch. A missing or stale value triggers a
// background fetch. The subscription also ends when ctx is done.
func (c *Cache) Watch(ctx context.Context, q Query, fn Observer) *Subscription {
	c.mu.Lock()
	e := c.register(q)
	c.nextSub++
	sub := &Subscription{cache: c, key: e.key, id: c.nextSub}
	e.observers[sub.id] = fn

	needFetch := !c.fresh(e) && !e.inflight && e.hasQuery
	if e.timer == nil && !needFetch {
		c.schedule(e)
	}
	var (
		snap    Entry
		deliver = e.hasValue
	)
	if deliver {
		snap = e.snapshot()
	}
	c.mu.Unlock()

	if deliver {
		fn(snap)
	}
	if needFetch {
		c.start(context.Background(), e.key, false)
	}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub
}

// Close stops observing. The last subscription to close cancels the poll
// timer; a fetch already in flight still completes and updates the cache.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		c := s.cache
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[s.key.id()]
		if !ok {
			return
		}
		delete(e.observers, s.id)
		if len(e.observers) == 0 && e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			e.interval = 0
		}
	})
}

// Purge drops every cached value and error without refetching and stops
// polling. Queries and observers stay registered, so the next Fetch or
// Watch starts from empty. It returns how many values were dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.hasValue {
			n++
		}
		e.value, e.err, e.hasValue = nil, nil, false
		e.invalidated = false
		e.fetchedAt = time.Time{}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.interval = 0
	}
	if n > 0 {
		c.log.Debug().Int("entries", n).Msg("cache purged")
	}
	return n
}

// Close stops every poll timer. Cached values stay readable.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			e.interval = 0
		}
	}
}

func (e *entry) observerList() []Observer {
	if len(e.observers) == 0 {
		return nil
	}
	out := make([]Observer, 0, len(e.observers))
	for _, fn := range e.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []Observer, snap Entry) {
	for _, fn := range observers {
		fn(snap)
	}
}

// FetchAs is Fetch with a typed result.
func FetchAs[T any](ctx context.Context, c *Cache, q Query) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, q)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %s holds %T, want %T", q.Key, v, zero)
	}
	return t, nil
}

// GetAs returns the cached value for key when it holds a T.
func GetAs[T any](c *Cache, key Key) (T, bool) {
	var zero T
	e, ok := c.Get(key)
	if !ok || !e.HasValue {
		return zero, false
	}
	t, ok := e.Value.(T)
	return t, ok
}
