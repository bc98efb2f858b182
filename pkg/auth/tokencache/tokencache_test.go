package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	entries []map[string]any
}

func (a *recordingAuditor) Append(_ context.Context, entry map[string]any) {
	a.entries = append(a.entries, entry)
}

func newTestCache(t *testing.T, auditor Auditor) *Cache {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := New(ctx, Config{}, auditor)
	t.Cleanup(c.Stop)
	return c
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	jwt := "requestor-jwt-1"
	entry := Entry{AccessToken: "tok", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour), Scope: "read"}

	require.NoError(t, c.Put(context.Background(), jwt, "module|aud|scope", entry))

	got, err := c.Get(context.Background(), jwt, "module|aud|scope")
	require.NoError(t, err)
	assert.Equal(t, entry.AccessToken, got.AccessToken)
	assert.Equal(t, entry.TokenType, got.TokenType)
	assert.Equal(t, entry.Scope, got.Scope)
}

func TestCache_GetMissReturnsErrMiss(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)
	_, err := c.Get(context.Background(), "jwt", "missing-key")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_DifferentJWTsHaveIsolatedBuckets(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)

	require.NoError(t, c.Put(context.Background(), "jwt-a", "k", Entry{AccessToken: "a-token", ExpiresAt: time.Now().Add(time.Hour)}))

	_, err := c.Get(context.Background(), "jwt-b", "k")
	assert.ErrorIs(t, err, ErrMiss, "a different requestor JWT must not see another session's entries")
}

func TestCache_ExpiredEntryIsAMiss(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)
	jwt := "jwt"
	require.NoError(t, c.Put(context.Background(), jwt, "k", Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(-time.Minute)}))

	_, err := c.Get(context.Background(), jwt, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestDeriveSessionID_IsDeterministicAndJWTSpecific(t *testing.T) {
	t.Parallel()

	id1 := DeriveSessionID("jwt-a")
	id2 := DeriveSessionID("jwt-a")
	id3 := DeriveSessionID("jwt-b")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 64, "hex-encoded SHA-256 digest is 64 characters")
}

func TestCache_ActivateSessionReturnsDerivedID(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)
	jwt := "requestor-jwt"

	id := c.ActivateSession(context.Background(), jwt)
	assert.Equal(t, DeriveSessionID(jwt), id)
}

func TestCache_HeartbeatIsNoOpForUnknownSession(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)
	assert.NotPanics(t, func() { c.Heartbeat("never-activated") })
}

func TestCache_ClearRemovesAllEntriesForJWT(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, nil)
	jwt := "jwt-to-clear"
	require.NoError(t, c.Put(context.Background(), jwt, "k", Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}))

	c.Clear(jwt)

	_, err := c.Get(context.Background(), jwt, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

// TestCache_DecryptionFailureAudited is the regression test for the review
// comment requiring a cache_invalidation audit event whenever a sealed
// entry fails to decrypt under its session's AAD.
func TestCache_DecryptionFailureAudited(t *testing.T) {
	t.Parallel()

	auditor := &recordingAuditor{}
	c := newTestCache(t, auditor)
	jwt := "jwt-tamper"
	require.NoError(t, c.Put(context.Background(), jwt, "k", Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}))

	sessionID := DeriveSessionID(jwt)
	c.mu.Lock()
	s := c.sessions[sessionID]
	sealed := s.entries["k"]
	sealed.ciphertext[len(sealed.ciphertext)-1] ^= 0xFF // corrupt the auth tag
	s.entries["k"] = sealed
	c.mu.Unlock()

	_, err := c.Get(context.Background(), jwt, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NotEmpty(t, auditor.entries)
	found := false
	for _, e := range auditor.entries {
		if e["action"] == "cache_invalidation" {
			found = true
			assert.Equal(t, "tokencache", e["source"])
			assert.Equal(t, false, e["success"])
		}
	}
	assert.True(t, found, "expected a cache_invalidation audit entry on decrypt failure")
}
