// Package cache stores accepted rewrites keyed by request fingerprint.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultRewriteTTL    = time.Hour
	DefaultExtractionTTL = 24 * time.Hour
	DefaultCapacity      = 10_000
)

// Fields are the semantic parts of a request that make up its fingerprint.
type Fields struct {
	Question     string
	Answer       string
	Subject      string
	QuestionType string
	GradeLevel   string
	Style        string
}

// Fingerprint returns a stable hex key for f. Fields are NFKC-normalized,
// case-folded, and whitespace-collapsed before hashing.
func Fingerprint(f Fields) string {
	var b strings.Builder
	for _, s := range []string{f.Question, f.Answer, f.Subject, f.QuestionType, f.GradeLevel, f.Style} {
		n := normalize(s)
		fmt.Fprintf(&b, "%d:%s;", len(n), n)
	}
	h := xxh3.HashString128(b.String())
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

func normalize(s string) string {
	s = norm.NFKC.String(s)
	// Casers are stateful; build one per call.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Entry is an immutable cached result. Hits is filled in on reads.
type Entry struct {
	// ID of the persisted record, if any.
	ID            string
	Fingerprint   string
	Text          string
	Model         string
	Tier          string
	QualityScore  *float64
	LowConfidence bool
	CreatedAt     time.Time
	Hits          int64
}

type slot struct {
	entry   Entry
	expires time.Time
	hits    int64
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is a capacity-bounded TTL cache. Expired entries are never served;
// they are dropped on access or by Sweep.
type Cache struct {
	mu     sync.Mutex
	items  *lru.Cache[string, *slot]
	hits   int64
	misses int64
	now    func() time.Time
}

// New creates a Cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	items, err := lru.New[string, *slot](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &Cache{items: items, now: time.Now}, nil
}

// Get returns the fresh entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if !c.now().Before(s.expires) {
		c.items.Remove(key)
		c.misses++
		return Entry{}, false
	}
	s.hits++
	c.hits++
	e := s.entry
	e.Hits = s.hits
	return e, true
}

// Put stores e under key for ttl, replacing any existing entry.
func (c *Cache) Put(key string, e Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e.Fingerprint = key
	e.Hits = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	c.items.Add(key, &slot{entry: e, expires: now.Add(ttl)})
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.items.Keys() {
		if s, ok := c.items.Peek(k); ok && !now.Before(s.expires) {
			c.items.Remove(k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.items.Len(), Hits: c.hits, Misses: c.misses}
}
