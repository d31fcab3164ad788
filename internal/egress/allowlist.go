/*
Package egress implements the outbound fetch capability exposed to JS
handlers: host validation, an allowlist consulted through a short-TTL
in-memory cache, in-flight admission control, and a dialer that refuses to
connect to private, loopback, or metadata address ranges on every hop.
*/
package egress

import (
	"sync"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
	"golang.org/x/time/rate"
)

// AllowlistEntry is a single allowed destination domain's policy.
type AllowlistEntry struct {
	Domain      string
	MaxResponse int64
	TimeoutMS   int64
	RateLimit   float64
	RateBurst   int
	CacheTTL    int64
}

type cachedEntry struct {
	entry   *AllowlistEntry
	limiter *rate.Limiter
	expires time.Time
}

// Allowlist caches net_allowlist rows in memory with a fixed TTL,
// mirroring the teacher's load-once-then-serve-from-map blocklist cache
// but refreshed periodically instead of rebuilt wholesale on Update.
type Allowlist struct {
	db  *store.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]*cachedEntry
}

// NewAllowlist creates an Allowlist backed by db, caching lookups for ttl.
func NewAllowlist(db *store.DB, ttl time.Duration) *Allowlist {
	return &Allowlist{db: db, ttl: ttl, cache: make(map[string]*cachedEntry)}
}

// Lookup returns the allowlist entry and its rate limiter for domain, or
// ok=false if the domain is not allowlisted. A cache hit within ttl avoids
// a SQLite round trip on every fetch.
func (a *Allowlist) Lookup(domain string) (*AllowlistEntry, *rate.Limiter, bool) {
	a.mu.RLock()
	c, ok := a.cache[domain]
	a.mu.RUnlock()
	if ok && time.Now().Before(c.expires) {
		return c.entry, c.limiter, true
	}

	var e AllowlistEntry
	row := a.db.QueryRow(`
		SELECT domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl
		FROM net_allowlist WHERE domain = ?
	`, domain)
	if err := row.Scan(&e.Domain, &e.MaxResponse, &e.TimeoutMS, &e.RateLimit, &e.RateBurst, &e.CacheTTL); err != nil {
		a.invalidate(domain)
		return nil, nil, false
	}

	limiter := rate.NewLimiter(rate.Limit(e.RateLimit), e.RateBurst)
	if e.RateLimit <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if ok && c.entry.RateLimit == e.RateLimit && c.entry.RateBurst == e.RateBurst {
		limiter = c.limiter
	}

	a.mu.Lock()
	a.cache[domain] = &cachedEntry{entry: &e, limiter: limiter, expires: time.Now().Add(a.ttl)}
	a.mu.Unlock()

	return &e, limiter, true
}

// Invalidate drops domain's cached entry, forcing the next Lookup to hit
// the store. Call this after any mutation to net_allowlist.
func (a *Allowlist) Invalidate(domain string) {
	a.invalidate(domain)
}

func (a *Allowlist) invalidate(domain string) {
	a.mu.Lock()
	delete(a.cache, domain)
	a.mu.Unlock()
}

// Upsert writes domain's policy to the store and invalidates its cache
// entry so the next Lookup observes the change immediately.
func (a *Allowlist) Upsert(e *AllowlistEntry) error {
	_, err := a.db.Exec(`
		INSERT INTO net_allowlist (domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			max_response = excluded.max_response,
			timeout_ms   = excluded.timeout_ms,
			rate_limit   = excluded.rate_limit,
			rate_burst   = excluded.rate_burst,
			cache_ttl    = excluded.cache_ttl
	`, e.Domain, e.MaxResponse, e.TimeoutMS, e.RateLimit, e.RateBurst, e.CacheTTL, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	a.invalidate(e.Domain)
	return nil
}

// Remove deletes domain from the allowlist and its cache.
func (a *Allowlist) Remove(domain string) error {
	_, err := a.db.Exec(`DELETE FROM net_allowlist WHERE domain = ?`, domain)
	if err != nil {
		return err
	}
	a.invalidate(domain)
	return nil
}
