package oidc

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/goldenpath/registry/internal/auth"
	"github.com/goldenpath/registry/internal/telemetry"
)

const (
	// DefaultFetchTimeout bounds a single key-set request.
	DefaultFetchTimeout = 5 * time.Second

	maxKeySetBytes = 1 << 20
	maxErrorBody   = 1024
)

// KeySet is an immutable snapshot of the provider's signing keys.
type KeySet struct {
	keys      map[string]crypto.PublicKey
	FetchedAt time.Time
}

// Lookup returns the public key registered under kid.
func (s *KeySet) Lookup(kid string) (crypto.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.keys[kid]
	return key, ok
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeySetCache holds the identity provider's key set for the whole process.
// Readers of a populated cache share a read lock; a cold or invalidated cache
// is refilled by exactly one in-flight fetch that every concurrent caller joins.
// Failed fetches are not cached.
type KeySetCache struct {
	url     string
	client  *http.Client
	timeout time.Duration
	maxAge  time.Duration
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time

	group singleflight.Group

	mu  sync.RWMutex
	set *KeySet
}

// KeySetOption configures a KeySetCache.
type KeySetOption func(*KeySetCache)

// WithHTTPClient sets the client used for key-set requests.
func WithHTTPClient(client *http.Client) KeySetOption {
	return func(c *KeySetCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithFetchTimeout bounds each fetch. A hung provider surfaces as
// ErrProviderUnavailable once the timeout elapses.
func WithFetchTimeout(d time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxAge makes Get refetch a set older than d. Zero disables age-based
// refresh.
func WithMaxAge(d time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		c.maxAge = d
	}
}

// WithBreaker routes fetches through a circuit breaker that opens after
// threshold consecutive failures and probes again after timeout.
func WithBreaker(threshold int, timeout time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		if threshold <= 0 {
			c.breaker = nil
			return
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "jwks",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) KeySetOption {
	return func(c *KeySetCache) {
		c.now = now
	}
}

// NewKeySetCache creates an empty cache for the key set served at url.
// Nothing is fetched until the first Get.
func NewKeySetCache(url string, opts ...KeySetOption) *KeySetCache {
	c := &KeySetCache{
		url:     url,
		timeout: DefaultFetchTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	return c
}

// URL returns the key-set endpoint.
func (c *KeySetCache) URL() string {
	return c.url
}

// Get returns the cached key set, fetching it if the cache is cold.
func (c *KeySetCache) Get(ctx context.Context) (*KeySet, error) {
	c.mu.RLock()
	set := c.set
	c.mu.RUnlock()

	if set != nil && !c.stale(set) {
		return set, nil
	}
	return c.refill(ctx)
}

// Invalidate drops the cached set so the next Get refetches.
func (c *KeySetCache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()
}

// Refresh invalidates the cache only if it still holds seen, then returns a
// fresh set. Callers that raced on the same rotation share a single fetch.
func (c *KeySetCache) Refresh(ctx context.Context, seen *KeySet) (*KeySet, error) {
	c.mu.Lock()
	if c.set == seen {
		c.set = nil
	}
	c.mu.Unlock()
	return c.Get(ctx)
}

func (c *KeySetCache) stale(set *KeySet) bool {
	return c.maxAge > 0 && c.now().Sub(set.FetchedAt) > c.maxAge
}

func (c *KeySetCache) refill(ctx context.Context) (*KeySet, error) {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		// Detached from the first caller so one cancelled request does not
		// fail everyone who joined the flight.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		set, err := c.fetchThroughBreaker(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.set = set
		c.mu.Unlock()
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, auth.NewError(auth.ErrProviderUnavailable, "key set wait cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (c *KeySetCache) fetchThroughBreaker(ctx context.Context) (*KeySet, error) {
	if c.breaker == nil {
		return c.fetch(ctx)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			telemetry.JWKSFetchesTotal.WithLabelValues("breaker_open").Inc()
			return nil, auth.NewError(auth.ErrProviderUnavailable, "key set circuit open", err)
		}
		return nil, err
	}
	return v.(*KeySet), nil
}

func (c *KeySetCache) fetch(ctx context.Context) (*KeySet, error) {
	start := c.now()
	set, err := c.doFetch(ctx)
	if err != nil {
		telemetry.JWKSFetchesTotal.WithLabelValues("error").Inc()
		slog.Warn("identity provider key set fetch failed", "url", c.url, "error", err)
		return nil, auth.NewError(auth.ErrProviderUnavailable, "key set fetch failed", err)
	}
	telemetry.JWKSFetchesTotal.WithLabelValues("success").Inc()
	slog.Info("identity provider key set fetched", "url", c.url, "keys", set.Len(), "duration", c.now().Sub(start))
	return set, nil
}

func (c *KeySetCache) doFetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("key set endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read key set: %w", err)
	}

	return parseKeySet(body, c.now())
}

func parseKeySet(body []byte, fetchedAt time.Time) (*KeySet, error) {
	parsed, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, parsed.Len())
	for i := 0; i < parsed.Len(); i++ {
		key, ok := parsed.Key(i)
		if !ok || key.KeyID() == "" {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		pub, err := key.PublicKey()
		if err != nil {
			slog.Debug("skipping unusable key", "kid", key.KeyID(), "error", err)
			continue
		}
		var raw interface{}
		if err := pub.Raw(&raw); err != nil {
			slog.Debug("skipping unusable key", "kid", key.KeyID(), "error", err)
			continue
		}
		keys[key.KeyID()] = raw
	}

	if len(keys) == 0 {
		return nil, errors.New("key set contains no usable signing keys")
	}
	return &KeySet{keys: keys, FetchedAt: fetchedAt}, nil
}
