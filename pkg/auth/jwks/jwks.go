// Package jwks provides a per-issuer remote key set cache, refreshed on
// unknown kid, backed by lestrrat-go/jwx's auto-refreshing jwk.Cache.
package jwks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authbroker/pkg/logging"
)

// Cache fetches and caches JWKS documents for a set of issuers, keyed by
// JWKS URI. Concurrent requests for an unregistered URI are coalesced with
// a singleflight group so a cold cache under load issues one fetch, not N.
type Cache struct {
	httprcClient *httprc.Client
	jwkCache     *jwk.Cache

	mu         sync.Mutex
	registered map[string]struct{}
	group      singleflight.Group
}

// New constructs a Cache. ctx bounds the lifetime of the underlying
// background refresh goroutine httprc spins up.
func New(ctx context.Context) (*Cache, error) {
	client := httprc.NewClient()
	cache, err := jwk.NewCache(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("jwks: create cache: %w", err)
	}
	return &Cache{
		httprcClient: client,
		jwkCache:     cache,
		registered:   make(map[string]struct{}),
	}, nil
}

func (c *Cache) ensureRegistered(ctx context.Context, jwksURI string) error {
	c.mu.Lock()
	_, ok := c.registered[jwksURI]
	c.mu.Unlock()
	if ok {
		return nil
	}

	_, err, _ := c.group.Do(jwksURI, func() (any, error) {
		registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if regErr := c.jwkCache.Register(registrationCtx, jwksURI); regErr != nil {
			return nil, fmt.Errorf("jwks: register %s: %w", jwksURI, regErr)
		}
		c.mu.Lock()
		c.registered[jwksURI] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Key looks up the raw public key material for kid under jwksURI. On a
// miss it triggers one synchronous refresh (single-flighted across
// concurrent callers) before declaring the kid unknown, per the "refresh on
// unknown kid" requirement.
func (c *Cache) Key(ctx context.Context, jwksURI, kid string) (any, error) {
	if err := c.ensureRegistered(ctx, jwksURI); err != nil {
		return nil, err
	}

	keySet, err := c.jwkCache.Lookup(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("jwks: lookup %s: %w", jwksURI, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		logging.Debugf("jwks: kid %q not found in cached set for %s, forcing refresh", kid, jwksURI)
		// The forced refresh hits the IDP's network endpoint directly,
		// outside httprc's own background schedule, so a single transient
		// failure here (the IDP is mid-deploy, a load balancer hiccups)
		// would otherwise surface as a hard authentication failure for
		// every request racing the unknown kid. Three attempts with
		// exponential backoff absorb that without masking a genuinely dead
		// endpoint.
		refreshed, err, _ := c.group.Do("refresh:"+jwksURI, func() (any, error) {
			return backoff.Retry(ctx, func() (jwk.Set, error) {
				return c.jwkCache.Refresh(ctx, jwksURI)
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: refresh %s: %w", jwksURI, err)
		}
		keySet = refreshed.(jwk.Set)
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("jwks: kid %q not found at %s after refresh", kid, jwksURI)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("jwks: export raw key for kid %q: %w", kid, err)
	}
	return raw, nil
}

// LastRefresh reports whether jwksURI has been registered with the cache at
// all, used by the health-check aggregator to report per-IDP freshness.
func (c *Cache) LastRefresh(jwksURI string) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok = c.registered[jwksURI]
	return ok
}
