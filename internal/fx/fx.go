// Package fx resolves exchange rates between currencies.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payledger/internal/money"
)

// ErrRateUnavailable is returned when no rate is known for a currency pair.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Source returns the rate converting one unit of from into to at a point in time.
type Source interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

// Resolve returns 1 for identical currencies and otherwise asks the source.
// A non-positive rate is an error; a missing rate is never replaced by 1.
func Resolve(ctx context.Context, src Source, from, to string, at time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	if src == nil {
		return decimal.Zero, fmt.Errorf("%s->%s: %w", from, to, ErrRateUnavailable)
	}
	rate, err := src.Rate(ctx, strings.ToUpper(from), strings.ToUpper(to), at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s->%s: %w", from, to, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s->%s: non-positive rate %s", from, to, rate)
	}
	return rate, nil
}

// Static is a fixed rate table. Inverse pairs are derived when only one
// direction is configured.
type Static struct {
	rates map[string]decimal.Decimal
}

// NewStatic builds a table from "FROM/TO" -> decimal string entries.
func NewStatic(entries map[string]string) (*Static, error) {
	s := &Static{rates: make(map[string]decimal.Decimal, len(entries))}
	for pair, value := range entries {
		from, to, ok := strings.Cut(strings.ToUpper(pair), "/")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid currency pair %q", pair)
		}
		rate, err := money.ParseRate(value)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair, err)
		}
		s.rates[from+"/"+to] = rate
	}
	return s, nil
}

// Rate implements Source.
func (s *Static) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if r, ok := s.rates[from+"/"+to]; ok {
		return r, nil
	}
	if r, ok := s.rates[to+"/"+from]; ok {
		return decimal.NewFromInt(1).DivRound(r, 12), nil
	}
	return decimal.Zero, ErrRateUnavailable
}

type cacheKey struct {
	from, to string
	day      string
}

// Cache memoizes a Source for the lifetime of one run. Entries are keyed by
// currency pair and UTC day. Call Purge when the run ends.
type Cache struct {
	src Source

	mu      sync.Mutex
	entries map[cacheKey]decimal.Decimal
	misses  int
}

// NewCache wraps src.
func NewCache(src Source) *Cache {
	return &Cache{src: src, entries: make(map[cacheKey]decimal.Decimal)}
}

// Rate implements Source. Failed lookups are not cached.
func (c *Cache) Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	key := cacheKey{from: from, to: to, day: at.UTC().Format(time.DateOnly)}

	c.mu.Lock()
	if r, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.misses++
	c.mu.Unlock()

	r, err := c.src.Rate(ctx, from, to, at)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.entries[key] = r
	c.mu.Unlock()
	return r, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Misses returns how many lookups reached the underlying source.
func (c *Cache) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]decimal.Decimal)
}
