package tokencache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache guards a single Record with a mutex.
type Cache struct {
	clock clockwork.Clock

	mu  sync.Mutex // protects rec
	rec Record
}

// New returns an empty Cache. A nil clock selects the real clock.
func New(clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{clock: clock}
}

// AccessToken returns the cached access token, or "" when absent.
func (c *Cache) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.AccessToken
}

// RefreshToken returns the cached refresh token, or "" when absent.
func (c *Cache) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.RefreshToken
}

// Expiry returns the instant after which the access token must not be used.
func (c *Cache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ExpiresAt
}

// Empty reports whether no access token is cached.
func (c *Cache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.IsZero()
}

// IsExpired reports whether the cached token is expired at now with the given skew.
func (c *Cache) IsExpired(now time.Time, skew time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.IsExpired(now, skew)
}

// Expired is IsExpired evaluated at the cache clock's current time with DefaultSkew.
func (c *Cache) Expired() bool {
	return c.IsExpired(c.clock.Now(), DefaultSkew)
}

// Assign overwrites both secrets and sets the expiry to now+ttl.
// The refresh token is taken verbatim: callers forward the previous value
// themselves when the server did not issue a new one.
func (c *Cache) Assign(accessToken string, ttl time.Duration, refreshToken string) {
	expiresAt := c.clock.Now().Add(ttl).UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec = Record{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

// Snapshot returns a copy of the current record.
func (c *Cache) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// Replace overwrites the whole record, e.g. with one loaded from storage.
func (c *Cache) Replace(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec = rec
}
