package channel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenExpiryMargin is subtracted from the provider-reported lifetime so
// a token is refreshed before it actually lapses.
const tokenExpiryMargin = 60 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache holds exchanged access tokens for corp-credential channels,
// keyed by channel id. It is the only state shared across concurrent
// dispatches for the same channel; refresh is single-flight per channel
// so racing dispatches never issue redundant exchange calls.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group
	now    func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		tokens: make(map[string]cachedToken),
		now:    time.Now,
	}
}

// FetchFunc exchanges corp credentials for a fresh access token and its
// lifetime.
type FetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// Get returns a valid cached token or performs one exchange per channel,
// no matter how many dispatches ask concurrently.
func (c *TokenCache) Get(ctx context.Context, channelID string, fetch FetchFunc) (string, error) {
	c.mu.RLock()
	tok, ok := c.tokens[channelID]
	c.mu.RUnlock()
	if ok && c.now().Before(tok.expiresAt) {
		return tok.value, nil
	}

	v, err, _ := c.group.Do(channelID, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our read and the Do.
		c.mu.RLock()
		tok, ok := c.tokens[channelID]
		c.mu.RUnlock()
		if ok && c.now().Before(tok.expiresAt) {
			return tok.value, nil
		}

		value, ttl, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.tokens[channelID] = cachedToken{
			value:     value,
			expiresAt: c.now().Add(ttl - tokenExpiryMargin),
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next Get performs a fresh
// exchange. Used when the platform rejects a send for auth reasons.
func (c *TokenCache) Invalidate(channelID string) {
	c.mu.Lock()
	delete(c.tokens, channelID)
	c.mu.Unlock()
}
