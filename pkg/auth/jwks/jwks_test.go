package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newKeySet generates an RSA key pair and returns a JWK set containing only
// its public half, tagged with kid, plus the marshaled JSON a JWKS endpoint
// would serve.
func newKeySet(t *testing.T, kid string) jwk.Set {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return set
}

func serveKeySet(t *testing.T, set jwk.Set) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
}

func TestCache_KeyResolvesKnownKid(t *testing.T) {
	t.Parallel()

	set := newKeySet(t, "kid-1")
	srv := serveKeySet(t, set)
	defer srv.Close()

	c, err := New(context.Background())
	require.NoError(t, err)

	raw, err := c.Key(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)
	_, ok := raw.(*rsa.PublicKey)
	assert.True(t, ok, "exported key material should be a *rsa.PublicKey, got %T", raw)
}

func TestCache_KeyUnknownIssuerRegisters(t *testing.T) {
	t.Parallel()

	set := newKeySet(t, "kid-1")
	srv := serveKeySet(t, set)
	defer srv.Close()

	c, err := New(context.Background())
	require.NoError(t, err)

	assert.False(t, c.LastRefresh(srv.URL), "an unqueried issuer must not be reported as registered")

	_, err = c.Key(context.Background(), srv.URL, "kid-1")
	require.NoError(t, err)

	assert.True(t, c.LastRefresh(srv.URL), "a successful Key lookup must register the issuer")
}

// TestCache_KeyRefreshesOnUnknownKid exercises the "refresh on unknown kid"
// behavior: the JWKS endpoint rotates in a new key after the cache's first
// registration, and a lookup for the new kid must force a synchronous
// refresh rather than declaring the kid permanently unknown.
func TestCache_KeyRefreshesOnUnknownKid(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	currentSet := newKeySet(t, "kid-old")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(currentSet))
	}))
	defer srv.Close()

	c, err := New(context.Background())
	require.NoError(t, err)

	_, err = c.Key(context.Background(), srv.URL, "kid-old")
	require.NoError(t, err)

	// Rotate the served set to a brand-new key under a new kid, simulating
	// the IDP publishing a fresh signing key between requests.
	currentSet = newKeySet(t, "kid-new")

	raw, err := c.Key(context.Background(), srv.URL, "kid-new")
	require.NoError(t, err)
	assert.NotNil(t, raw)
	assert.GreaterOrEqual(t, requests.Load(), int32(2), "an unknown kid must trigger at least one extra fetch")
}

func TestCache_KeyUnknownKidAfterRefreshIsAnError(t *testing.T) {
	t.Parallel()

	set := newKeySet(t, "kid-1")
	srv := serveKeySet(t, set)
	defer srv.Close()

	c, err := New(context.Background())
	require.NoError(t, err)

	_, err = c.Key(context.Background(), srv.URL, "never-issued")
	require.Error(t, err)
}

func TestCache_LastRefreshFalseForUnregisteredIssuer(t *testing.T) {
	t.Parallel()

	c, err := New(context.Background())
	require.NoError(t, err)
	assert.False(t, c.LastRefresh("https://issuer.example.com/.well-known/jwks.json"))
}
