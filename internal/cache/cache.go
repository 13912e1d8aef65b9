// Package cache memoizes finished query results: an in-process LRU with an
// optional shared Redis tier behind it. Entries stay valid until Reset.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/viewport-lod/internal/cache/redisstore"
	"github.com/mohammed-shakir/viewport-lod/internal/core/model"
	"github.com/mohammed-shakir/viewport-lod/internal/core/observability"
)

// ErrAbandoned marks a computation its leader gave up on. Waiters that are
// still live retry instead of inheriting the error.
var ErrAbandoned = errors.New("computation abandoned")

const (
	DefaultMaxEntries = 512
	DefaultOpTimeout  = 250 * time.Millisecond
	DefaultNamespace  = "lod"
)

// Entry is one memoized response body. Stats carries the values from the
// computing request; callers overwrite the per-call fields on a hit.
type Entry struct {
	Key       string              `json:"key"`
	Layers    []model.LayerResult `json:"layers"`
	Stats     model.Stats         `json:"stats"`
	CreatedAt time.Time           `json:"createdAt"`
}

type Config struct {
	MaxEntries int
	// Redis enables the shared tier when non-nil.
	Redis     *redisstore.Client
	Namespace string
	OpTimeout time.Duration
	Logger    *slog.Logger
}

type Cache struct {
	lru    *lru.Cache[string, *Entry]
	flight singleflight.Group
	gen    atomic.Uint64

	l2        *redisstore.Client
	ns        string
	opTimeout time.Duration
	l2Gen     atomic.Int64
	// resetMu is held exclusively by Reset and shared by stores, so a store
	// never lands between a generation bump and the purge.
	resetMu sync.RWMutex

	log *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l, err := lru.New[string, *Entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	c := &Cache{
		lru:       l,
		l2:        cfg.Redis,
		ns:        cfg.Namespace,
		opTimeout: cfg.OpTimeout,
		log:       cfg.Logger.With("component", "result_cache"),
	}
	if c.l2 != nil {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		g, err := c.l2.Int(opCtx, c.genKey())
		if err != nil {
			return nil, fmt.Errorf("result cache: read generation: %w", err)
		}
		c.l2Gen.Store(g)
	}
	return c, nil
}

// Get looks the key up in memory, then in Redis. A Redis hit is promoted.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if e, ok := c.lru.Get(key); ok {
		observability.IncCacheResult("memory", true)
		return e, true
	}
	observability.IncCacheResult("memory", false)
	if c.l2 == nil {
		return nil, false
	}

	gen := c.gen.Load()
	e, ok := c.getRemote(ctx, key)
	observability.IncCacheResult("redis", ok)
	if !ok {
		return nil, false
	}
	c.resetMu.RLock()
	if c.gen.Load() == gen {
		c.lru.Add(key, e)
	}
	c.resetMu.RUnlock()
	return e, true
}

func (c *Cache) Put(ctx context.Context, key string, e *Entry) {
	c.put(ctx, key, e, c.gen.Load())
}

func (c *Cache) put(ctx context.Context, key string, e *Entry, gen uint64) {
	if e == nil {
		return
	}
	if e.Key == "" {
		e.Key = key
	}
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()
	// a Reset happened while the entry was computed; it may reflect old data
	if c.gen.Load() != gen {
		return
	}
	c.lru.Add(key, e)
	if c.l2 != nil {
		c.putRemote(ctx, key, e)
	}
}

// GetOrCompute returns the cached entry for key or runs fn, sharing one run
// among concurrent callers of the same key. hit reports whether the entry was
// already cached. Failed computations are never stored.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	fn func(context.Context) (*Entry, error),
) (*Entry, bool, error) {
	for {
		if e, ok := c.Get(ctx, key); ok {
			return e, true, nil
		}

		gen := c.gen.Load()
		flightKey := strconv.FormatUint(gen, 10) + "|" + key
		ch := c.flight.DoChan(flightKey, func() (any, error) {
			e, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			if e == nil {
				return nil, errors.New("result cache: compute returned no entry")
			}
			c.put(context.WithoutCancel(ctx), key, e, gen)
			return e, nil
		})

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && ctx.Err() == nil && abandoned(res.Err) {
					continue
				}
				return nil, false, res.Err
			}
			e, _ := res.Val.(*Entry)
			return e, false, nil
		}
	}
}

func abandoned(err error) bool {
	return errors.Is(err, ErrAbandoned) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Reset drops every entry. In-flight computations finish but are not stored.
func (c *Cache) Reset(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	c.gen.Add(1)
	c.lru.Purge()
	if c.l2 == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	old := c.l2Gen.Load()
	next, err := c.l2.Incr(opCtx, c.genKey())
	if err != nil {
		return fmt.Errorf("result cache reset: %w", err)
	}
	c.l2Gen.Store(next)

	// the new generation already hides old entries; this only reclaims memory
	delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*c.opTimeout)
	defer delCancel()
	n, err := c.l2.DelPrefix(delCtx, c.entryPrefix(old))
	if err != nil {
		c.log.Warn("failed to delete old cache generation", "generation", old, "err", err)
	} else {
		c.log.Debug("deleted old cache generation", "generation", old, "keys", n)
	}
	return nil
}

func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) genKey() string { return c.ns + ":gen" }

func (c *Cache) entryPrefix(gen int64) string {
	return c.ns + ":g" + strconv.FormatInt(gen, 10) + ":"
}

func (c *Cache) remoteKey(key string) string {
	return c.entryPrefix(c.l2Gen.Load()) + key
}

func (c *Cache) getRemote(ctx context.Context, key string) (*Entry, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	b, ok, err := c.l2.Get(opCtx, c.remoteKey(key))
	if err != nil {
		c.log.Warn("redis get failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		c.log.Warn("dropping undecodable cache entry", "key", key, "err", err)
		return nil, false
	}
	return &e, true
}

func (c *Cache) putRemote(ctx context.Context, key string, e *Entry) {
	b, err := json.Marshal(e)
	if err != nil {
		c.log.Warn("cache entry not encodable", "key", key, "err", err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.l2.Set(opCtx, c.remoteKey(key), b); err != nil {
		c.log.Warn("redis set failed", "key", key, "err", err)
	}
}
