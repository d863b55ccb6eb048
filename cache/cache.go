// Package cache provides a TTL response cache keyed by normalized query.
//
// Near-duplicate queries collapse to one slot: keys are lowercased, stripped
// of everything but letters, digits and spaces, and whitespace-collapsed.
// TTLs come from a per-apiType table so volatile data (prices) ages out
// faster than stable data (search results). Expired entries are reclaimed by
// the backing store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tavik/chatguard/store"
)

// DefaultTTL applies to apiTypes with no entry in the TTL table.
const DefaultTTL = 10 * time.Minute

// TTLs maps apiType to the lifetime of its cached responses.
type TTLs map[string]time.Duration

// Result is the outcome of a cache lookup.
type Result struct {
	Hit  bool
	Data []byte
	Age  time.Duration
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Cache stores upstream responses keyed by (apiType, normalized query).
type Cache struct {
	store store.Store
	ttls  TTLs
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache over the given store and TTL table.
func New(st store.Store, ttls TTLs, opts ...Option) *Cache {
	c := &Cache{
		store: st,
		ttls:  ttls,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize reduces a query to its cache-key form: lowercase, letters,
// digits and single spaces only. Normalize is idempotent.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	lastSpace := true
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func cacheKey(apiType, query string) string {
	return "cache:" + apiType + ":" + Normalize(query)
}

// Get retrieves a cached response. A miss is not an error.
func (c *Cache) Get(ctx context.Context, apiType, query string) (Result, error) {
	raw, ok, err := c.store.GetBytes(ctx, cacheKey(apiType, query))
	if err != nil {
		return Result{}, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return Result{}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the next Set.
		return Result{}, nil
	}

	age := c.now().Sub(env.CreatedAt)
	if age > c.ttl(apiType) {
		return Result{}, nil
	}

	return Result{Hit: true, Data: env.Data, Age: age}, nil
}

// Set stores a response under the normalized query with the apiType's TTL.
func (c *Cache) Set(ctx context.Context, apiType, query string, data []byte) error {
	env := envelope{Data: data, CreatedAt: c.now()}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	if err := c.store.SetBytes(ctx, cacheKey(apiType, query), raw, c.ttl(apiType)); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *Cache) ttl(apiType string) time.Duration {
	if ttl, ok := c.ttls[apiType]; ok && ttl > 0 {
		return ttl
	}
	return DefaultTTL
}
