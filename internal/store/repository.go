package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/clock"
	"github.com/juju/ratelimit"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	Cache       Cache
	CacheTTL    time.Duration
	CacheJitter time.Duration
	Retry       RetryPolicy
	// RateLimit caps durable operations per second; zero disables limiting.
	RateLimit float64
	Burst     int64
	// Clock decides which items are expired.
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

// Store composes a Durable tier with a Cache tier (cache-aside). Per key, a
// durable write always precedes the cache refresh and a durable delete always
// precedes the cache invalidation.
type Store struct {
	durable     Durable
	cache       Cache
	cacheTTL    time.Duration
	cacheJitter time.Duration
	retry       RetryPolicy
	bucket      *ratelimit.Bucket
	clock       clock.Clock
	log         *zap.Logger
	metrics     *Metrics
}

// New creates a Store over durable.
func New(durable Durable, opts Options) *Store {
	s := &Store{
		durable:     durable,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		cacheJitter: opts.CacheJitter,
		retry:       opts.Retry.normalized(),
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if s.cache == nil {
		s.cache = NopCache{}
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int64(opts.RateLimit) + 1
		}
		s.bucket = ratelimit.NewBucketWithRate(opts.RateLimit, burst)
	}
	return s
}

// Now is the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Get returns the item under k. With useCache the cache is consulted first
// and populated on a miss; without it the durable read is strongly
// consistent. The second result reports a cache hit. Expired items are
// reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, t Table, k Key, useCache bool) (Item, bool, error) {
	now := s.Now().Unix()
	ck := cacheKey(t, k)

	if useCache {
		if item, ok := s.cacheGet(ctx, t, ck); ok {
			if item.Live(now) {
				return item, true, nil
			}
			s.cacheDelete(ctx, t, ck)
			return nil, true, fmt.Errorf("get %s/%s: expired: %w", t.Name, k.PK, ErrNotFound)
		}
	}

	var item Item
	err := s.do(ctx, "get", t, func() error {
		var err error
		item, err = s.durable.Get(ctx, t, k, !useCache)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !item.Live(now) {
		s.cacheDelete(ctx, t, ck)
		return nil, false, fmt.Errorf("get %s/%s: expired: %w", t.Name, k.PK, ErrNotFound)
	}
	if useCache {
		s.cacheSet(ctx, t, ck, item)
	}
	return item, false, nil
}

// Put writes item and returns the revision marker stamped on it. The cache is
// refreshed after the durable write; nothing is rolled back on failure.
func (s *Store) Put(ctx context.Context, t Table, item Item, cond *Condition) (string, error) {
	k, err := t.KeyOf(item)
	if err != nil {
		return "", err
	}
	rev := ksuid.New().String()
	item = item.clone()
	item[RevAttribute] = &types.AttributeValueMemberS{Value: rev}

	err = s.do(ctx, "put", t, func() error {
		return s.durable.Put(ctx, t, item, cond)
	})
	if err != nil {
		if errors.Is(err, ErrConditionFailed) {
			s.cacheDelete(ctx, t, cacheKey(t, k))
		}
		return "", err
	}
	s.cacheSet(ctx, t, cacheKey(t, k), item)
	return rev, nil
}

// Update applies u and returns the new image. On success the cache is
// repopulated from that image; on failure the cache entry is invalidated.
func (s *Store) Update(ctx context.Context, t Table, k Key, u Update) (Item, error) {
	set := make(map[string]types.AttributeValue, len(u.Set)+1)
	for a, v := range u.Set {
		set[a] = v
	}
	set[RevAttribute] = &types.AttributeValueMemberS{Value: ksuid.New().String()}
	u.Set = set

	ck := cacheKey(t, k)
	var item Item
	err := s.do(ctx, "update", t, func() error {
		var err error
		item, err = s.durable.Update(ctx, t, k, u)
		return err
	})
	if err != nil {
		s.cacheDelete(ctx, t, ck)
		return nil, err
	}
	s.cacheSet(ctx, t, ck, item)
	return item, nil
}

// Delete removes the item under k, then invalidates its cache entry.
func (s *Store) Delete(ctx context.Context, t Table, k Key, cond *Condition) error {
	err := s.do(ctx, "delete", t, func() error {
		return s.durable.Delete(ctx, t, k, cond)
	})
	s.cacheDelete(ctx, t, cacheKey(t, k))
	return err
}

// Query returns the live items matching q. Expired items are removed both by
// the durable filter and here.
func (s *Store) Query(ctx context.Context, q Query) ([]Item, error) {
	now := s.Now().Unix()
	var items []Item
	err := s.do(ctx, "query", q.Table, func() error {
		var err error
		items, err = s.durable.Query(ctx, q, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return liveOnly(items, now), nil
}

// Scan returns every live item of t.
func (s *Store) Scan(ctx context.Context, t Table) ([]Item, error) {
	now := s.Now().Unix()
	var items []Item
	err := s.do(ctx, "scan", t, func() error {
		var err error
		items, err = s.durable.Scan(ctx, t, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return liveOnly(items, now), nil
}

func liveOnly(items []Item, now int64) []Item {
	out := items[:0]
	for _, it := range items {
		if it.Live(now) {
			out = append(out, it)
		}
	}
	return out
}

// do runs one durable operation under the rate limiter and retry policy.
func (s *Store) do(ctx context.Context, op string, t Table, fn func() error) error {
	return s.retry.Do(ctx, func() error {
		if err := s.throttle(ctx); err != nil {
			return err
		}
		return fn()
	}, func(err error, attempt int) {
		s.metrics.durableRetry(t.Name, op)
		s.log.Debug("durable operation failed",
			zap.String("op", op),
			zap.String("table", t.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

func (s *Store) throttle(ctx context.Context) error {
	if s.bucket == nil {
		return nil
	}
	wait := s.bucket.Take(1)
	if wait <= 0 {
		return nil
	}
	s.metrics.throttleWait()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.retry.Clock.After(wait):
		return nil
	}
}

func cacheKey(t Table, k Key) string {
	return t.Name + "|" + k.PK + "|" + k.SK
}

func (s *Store) expiry() time.Duration {
	if s.cacheJitter <= 0 {
		return s.cacheTTL
	}
	return s.cacheTTL + rand.N(s.cacheJitter)
}

func (s *Store) cacheGet(ctx context.Context, t Table, key string) (Item, bool) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.metrics.cacheFailure(t.Name, "get")
		s.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		s.metrics.cacheLookup(t.Name, false)
		return nil, false
	}
	item, err := DecodeItem(data)
	if err != nil {
		s.metrics.cacheFailure(t.Name, "decode")
		s.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.cacheDelete(ctx, t, key)
		return nil, false
	}
	s.metrics.cacheLookup(t.Name, true)
	return item, true
}

func (s *Store) cacheSet(ctx context.Context, t Table, key string, item Item) {
	data, err := EncodeItem(item)
	if err != nil {
		s.metrics.cacheFailure(t.Name, "encode")
		s.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, data, s.expiry()); err != nil {
		s.metrics.cacheFailure(t.Name, "set")
		s.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) cacheDelete(ctx context.Context, t Table, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.metrics.cacheFailure(t.Name, "delete")
		s.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}
